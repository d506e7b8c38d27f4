// Package store manages the SQLite database that caches plants, observations
// and the user profile on this device together with their sync state.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] (or one of its per-kind [*Table] handles) and call its methods.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/njoerd114/leafsync/internal/model"
)

// ErrNotFound is returned by [Table.Modify] when no record has the given
// local id.
var ErrNotFound = errors.New("record not found")

// tableNames maps each kind to its table. Every table has the same columns.
var tableNames = map[model.Kind]string{
	model.KindPlant:       "plants",
	model.KindObservation: "observations",
	model.KindUserProfile: "user_profiles",
}

const tableDDL = `
CREATE TABLE IF NOT EXISTS %[1]s (
    local_id    INTEGER PRIMARY KEY AUTOINCREMENT,
    remote_id   INTEGER NOT NULL DEFAULT 0,
    client_uuid TEXT    NOT NULL DEFAULT '',
    fields      TEXT    NOT NULL DEFAULT '{}',
    media_ref   TEXT    NOT NULL DEFAULT '',
    sync_state  TEXT    NOT NULL,
    revision    INTEGER NOT NULL DEFAULT 1,
    rejected    TEXT    NOT NULL DEFAULT '',
    updated_at  TEXT    NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_remote_id  ON %[1]s (remote_id) WHERE remote_id != 0;
CREATE INDEX        IF NOT EXISTS idx_%[1]s_sync_state ON %[1]s (sync_state);
`

// Store is the SQLite-backed record cache.
type Store struct {
	db     *sql.DB
	tables map[model.Kind]*Table
}

// DefaultDBPath returns the default path for the record database:
// ~/.local/share/leafsync/records.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "leafsync", "records.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema, and
// configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// A single connection serializes every statement and transaction, which
	// is what makes mutations of one local id atomic with respect to reads.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	s := &Store{db: db, tables: make(map[model.Kind]*Table, len(tableNames))}
	for kind, name := range tableNames {
		s.tables[kind] = &Table{db: db, kind: kind, name: name}
	}
	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Table returns the record table for kind. It panics on an unknown kind.
func (s *Store) Table(kind model.Kind) *Table {
	t, ok := s.tables[kind]
	if !ok {
		panic(fmt.Sprintf("store: no table for kind %q", kind))
	}
	return t
}

// IsEmpty reports whether no table holds any record. Used by the first-run
// bootstrap to decide whether the cache needs warming.
func (s *Store) IsEmpty(ctx context.Context) (bool, error) {
	parts := make([]string, 0, len(tableNames))
	for _, kind := range model.Kinds {
		parts = append(parts, "(SELECT COUNT(*) FROM "+tableNames[kind]+")")
	}
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT "+strings.Join(parts, " + ")).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking if store is empty: %w", err)
	}
	return count == 0, nil
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func migrate(db *sql.DB) error {
	for _, kind := range model.Kinds {
		if _, err := db.Exec(fmt.Sprintf(tableDDL, tableNames[kind])); err != nil {
			return fmt.Errorf("creating table %s: %w", tableNames[kind], err)
		}
	}
	return nil
}
