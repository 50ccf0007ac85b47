package recorder

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"ProfitVault/internal/model"
)

// SQLiteRecorder persists the audit trail to a SQLite database.
type SQLiteRecorder struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteRecorder opens (or creates) the SQLite database and runs migrations.
func NewSQLiteRecorder(dbPath string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL so the reconciliation reader does not block the writer.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logrus.WithField("path", dbPath).Info("sqlite recorder opened")
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			timestamp  INTEGER NOT NULL,
			kind       TEXT NOT NULL,
			component  TEXT NOT NULL,
			actor      TEXT,
			role       TEXT,
			amount     TEXT,
			details    TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_events(kind, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(timestamp)`,
		// Append-only: reject any rewrite of history at the database level.
		`CREATE TRIGGER IF NOT EXISTS audit_events_no_update
			BEFORE UPDATE ON audit_events
			BEGIN SELECT RAISE(ABORT, 'audit_events is append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS audit_events_no_delete
			BEFORE DELETE ON audit_events
			BEGIN SELECT RAISE(ABORT, 'audit_events is append-only'); END`,
	}

	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

func (r *SQLiteRecorder) Record(evt *model.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	details, err := json.Marshal(evt.Details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	amount := ""
	if evt.Amount != nil {
		amount = evt.Amount.String()
	}

	res, err := r.db.Exec(`INSERT INTO audit_events
		(id, timestamp, kind, component, actor, role, amount, details)
		VALUES (?,?,?,?,?,?,?,?)`,
		evt.ID, evt.Timestamp.UnixNano(), string(evt.Kind), evt.Component,
		evt.Actor, evt.Role, amount, string(details),
	)
	if err != nil {
		return err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	evt.Seq = seq
	return nil
}

func (r *SQLiteRecorder) List(filter model.EventFilter) ([]model.AuditEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query := `SELECT seq, id, timestamp, kind, component, actor, role, amount, details
		FROM audit_events WHERE seq > ?`
	args := []any{filter.AfterSeq}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	query += ` ORDER BY seq LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		var (
			e        model.AuditEvent
			ts       int64
			kind     string
			amount   string
			rawDetls string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &ts, &kind, &e.Component, &e.Actor, &e.Role, &amount, &rawDetls); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		e.Kind = model.EventKind(kind)
		if amount != "" {
			v, ok := new(big.Int).SetString(amount, 10)
			if !ok {
				return nil, fmt.Errorf("audit event %d: bad amount %q", e.Seq, amount)
			}
			e.Amount = v
		}
		if rawDetls != "" && rawDetls != "null" {
			if err := json.Unmarshal([]byte(rawDetls), &e.Details); err != nil {
				return nil, fmt.Errorf("decode details of %d: %w", e.Seq, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *SQLiteRecorder) Close() error {
	logrus.Info("closing sqlite recorder")
	return r.db.Close()
}
