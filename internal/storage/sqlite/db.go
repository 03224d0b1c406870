// Package sqlite persists confirmed traffic events and finished track
// summaries. The live detection pipeline never reads from here; storage is a
// write-behind record for reporting and the HTTP API.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps the sqlite handle shared by the stores.
type DB struct {
	*sql.DB
}

// NewDB opens (creating if needed) the database at path and applies the
// pragmas the write path depends on. Run MigrateUp before using the stores.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// WAL keeps the API's reads from blocking the pipeline's writes.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	return &DB{db}, nil
}
