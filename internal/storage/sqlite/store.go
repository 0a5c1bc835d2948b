// Package sqlite implements the storage interfaces on SQLite via
// modernc.org/sqlite. It is the default backend: zero-dependency, single
// file, good enough for one worker process per database.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/sablewood/reverie/internal/storage"
)

// Ensure *Store satisfies the composed storage interface at compile time.
var _ storage.Store = (*Store)(nil)

// Store implements storage.Store on a single SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at dsn, configures
// WAL mode, and applies the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY under concurrent load; WAL
	// mode lets readers proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying handle for backends-specific tooling (backups,
// ad-hoc maintenance). Not used by the engine.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}
