package sqlitestore

import (
	"database/sql"
	"fmt"
)

func migrate(db *sql.DB) error {
	stmts := []string{
		// Scalar run state: current stage, source dir, timestamps
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT ''
		)`,

		// Ordered set of extracted source ids
		`CREATE TABLE IF NOT EXISTS processed_sources (
			seq       INTEGER PRIMARY KEY AUTOINCREMENT,
			source_id TEXT NOT NULL UNIQUE
		)`,

		// Pending tasks in FIFO order, one JSON-encoded task per row
		`CREATE TABLE IF NOT EXISTS queue (
			seq   INTEGER PRIMARY KEY AUTOINCREMENT,
			stage TEXT NOT NULL,
			task  TEXT NOT NULL
		)`,

		// Staged sources; never deleted
		`CREATE TABLE IF NOT EXISTS sources (
			id            TEXT PRIMARY KEY,
			relative_path TEXT NOT NULL,
			name          TEXT NOT NULL DEFAULT '',
			text          TEXT NOT NULL,
			created_at    TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS source_index (
			relative_path TEXT PRIMARY KEY,
			source_id     TEXT NOT NULL,
			content_hash  TEXT NOT NULL
		)`,

		// Retrieval index with inline embedding
		`CREATE TABLE IF NOT EXISTS index_entries (
			seq       INTEGER PRIMARY KEY AUTOINCREMENT,
			title     TEXT NOT NULL UNIQUE,
			path      TEXT NOT NULL,
			snippet   TEXT NOT NULL DEFAULT '',
			embedding BLOB
		)`,

		`CREATE INDEX IF NOT EXISTS queue_stage ON queue (stage, seq)`,
	}

	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", truncate(s, 60), err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
