// Package state opens the local sqlite database that survives restarts:
// the subscription checkpoint and terminal dispatch results live here.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS checkpoints (
		topic      TEXT PRIMARY KEY,
		replay_id  BLOB NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS dispatch_results (
		correlation_id TEXT PRIMARY KEY,
		printer        TEXT NOT NULL,
		outcome        TEXT NOT NULL,
		attempts       INTEGER NOT NULL,
		last_error     TEXT NOT NULL DEFAULT '',
		finished_at    DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dispatch_results_finished
		ON dispatch_results (finished_at)`,
}

func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate state db: %w", err)
		}
	}

	return db, nil
}
