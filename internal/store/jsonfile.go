package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"

	"github.com/pkg/errors"
)

var keySanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// JSONFileStore writes one indented JSON file per key under a directory.
type JSONFileStore struct {
	dir string
}

// NewJSONFileStore creates the directory if needed.
func NewJSONFileStore(dir string) (*JSONFileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create state dir %s", dir)
	}
	return &JSONFileStore{dir: dir}, nil
}

func (s *JSONFileStore) path(key string) string {
	return filepath.Join(s.dir, keySanitizer.ReplaceAllString(key, "_")+".json")
}

// Load reads the value saved under key. Returns ErrNotFound if the file doesn't exist.
func (s *JSONFileStore) Load(key string, v any) error {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return errors.Wrapf(err, "read %s", key)
	}
	return errors.Wrapf(json.Unmarshal(data, v), "decode %s", key)
}

// Save writes through a temp file and rename so a crash never leaves a torn file.
func (s *JSONFileStore) Save(key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	path := s.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", key)
	}
	return errors.Wrapf(os.Rename(tmp, path), "rename %s", key)
}

func (s *JSONFileStore) Close() error { return nil }
