// Package store provides optional, durable cursor persistence backed
// by a pure-Go sqlite driver. The core clock/cursor model (spec.md
// §4.1) is in-memory and works without this package; Store is the
// SPEC_FULL §3 expansion that survives a daemon restart, grounded on
// the teacher's own sqlite-backed session-history store (it persists
// PTY session metadata the same shape this persists cursor rows in:
// open a single *sql.DB, prepare statements once, wrap every write in
// a short-lived transaction).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists named cursors per watched root so "since":"n:name"
// survives a daemon restart, the one piece of state spec.md §1
// explicitly says lives outside the process's own lifetime
// boundary.
type Store struct {
	db *sql.DB
}

// Open creates (or attaches to) the sqlite database at path and
// ensures its schema exists. path is typically
// "<state-dir>/cursors.db" (see internal/config).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite has no real concurrent-writer story; serialize at the handle
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS cursors (
			root_path  TEXT NOT NULL,
			name       TEXT NOT NULL,
			tick       INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (root_path, name)
		)
	`)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveCursor upserts the tick for (rootPath, name). internal/dispatch
// calls it after a cursor clockspec has been resolved, so the cursor's
// new position survives a restart.
func (s *Store) SaveCursor(ctx context.Context, rootPath, name string, tick uint32, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (root_path, name, tick, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(root_path, name) DO UPDATE SET tick = excluded.tick, updated_at = excluded.updated_at
	`, rootPath, name, tick, now.Unix())
	if err != nil {
		return fmt.Errorf("store: save cursor %s/%s: %w", rootPath, name, err)
	}
	return nil
}

// LoadCursors returns every persisted cursor for rootPath, so a freshly
// created watchroot.Root can seed its in-memory cursor table on
// startup or on first "watch" of a previously-known root.
func (s *Store) LoadCursors(ctx context.Context, rootPath string) (map[string]uint32, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, tick FROM cursors WHERE root_path = ?`, rootPath)
	if err != nil {
		return nil, fmt.Errorf("store: load cursors for %s: %w", rootPath, err)
	}
	defer rows.Close()

	out := make(map[string]uint32)
	for rows.Next() {
		var name string
		var tick uint32
		if err := rows.Scan(&name, &tick); err != nil {
			return nil, fmt.Errorf("store: scan cursor row: %w", err)
		}
		out[name] = tick
	}
	return out, rows.Err()
}

// AllCursors returns every persisted cursor across every root, keyed by
// root path then name — used by the "debug-show-cursors" command.
func (s *Store) AllCursors(ctx context.Context) (map[string]map[string]uint32, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT root_path, name, tick FROM cursors ORDER BY root_path, name`)
	if err != nil {
		return nil, fmt.Errorf("store: load all cursors: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]uint32)
	for rows.Next() {
		var root, name string
		var tick uint32
		if err := rows.Scan(&root, &name, &tick); err != nil {
			return nil, fmt.Errorf("store: scan cursor row: %w", err)
		}
		if out[root] == nil {
			out[root] = make(map[string]uint32)
		}
		out[root][name] = tick
	}
	return out, rows.Err()
}
