// Package db provides SQLite-backed storage for the VTS collision pipeline:
// the situation and bus route geometry tables, the detected collision ledger,
// and the api_metadata key/value table.
package db

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
}

// NewDB opens (creating if necessary) the database at path and brings the
// schema up to date.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

// OpenDB opens the database without touching the schema. Used by the migrate
// subcommand, which manages schema state explicitly.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %s: %w", pragma, err)
		}
	}

	return &DB{db}, nil
}

// IsSchemaMissing reports whether err indicates the expected tables are
// absent, i.e. migrations were never applied. The detector surfaces this as
// a configuration error rather than an empty result.
func IsSchemaMissing(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
