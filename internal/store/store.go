// Package store persists component state between restarts.
package store

import "github.com/pkg/errors"

// ErrNotFound is returned by Load when no value was saved under key.
var ErrNotFound = errors.New("store: key not found")

// Store saves and loads JSON-encodable values by key.
type Store interface {
	Save(key string, v any) error
	Load(key string, v any) error
	Close() error
}

// Open returns the store named by driver ("json" or "badger") rooted at path.
// An empty driver disables persistence.
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", "none":
		return NopStore{}, nil
	case "json":
		return NewJSONFileStore(path)
	case "badger":
		return OpenBadger(path)
	default:
		return nil, errors.Errorf("store: unknown driver %q", driver)
	}
}

// NopStore discards saves and never finds anything.
type NopStore struct{}

func (NopStore) Save(string, any) error { return nil }
func (NopStore) Load(string, any) error { return ErrNotFound }
func (NopStore) Close() error           { return nil }
