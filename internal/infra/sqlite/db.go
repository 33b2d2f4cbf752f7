// Package sqlite provides SQLite-based persistent storage for switchboard:
// the task store and the SLA breach log.
// Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/switchboard.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "switchboard.db")
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Connection pool settings for SQLite
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id                  TEXT PRIMARY KEY,
			external_id         TEXT NOT NULL DEFAULT '',
			pipeline_id         TEXT NOT NULL,
			source              TEXT NOT NULL,
			source_id           TEXT NOT NULL DEFAULT '',
			title               TEXT NOT NULL,
			description         TEXT NOT NULL DEFAULT '',
			work_type           TEXT NOT NULL DEFAULT '',
			skills              TEXT NOT NULL DEFAULT '[]',
			priority            INTEGER NOT NULL,
			queue_id            TEXT NOT NULL DEFAULT '',
			status              TEXT NOT NULL,
			reservation_timeout INTEGER NOT NULL DEFAULT 0,
			metadata            TEXT NOT NULL DEFAULT '{}',
			preferred_agents    TEXT NOT NULL DEFAULT '[]',
			excluded_agents     TEXT NOT NULL DEFAULT '[]',
			assigned_agent      TEXT NOT NULL DEFAULT '',
			disposition_code    TEXT NOT NULL DEFAULT '',
			assignments         TEXT NOT NULL DEFAULT '[]',
			retry_of            TEXT NOT NULL DEFAULT '',
			created_at          INTEGER NOT NULL,
			updated_at          INTEGER NOT NULL,
			reserved_at         INTEGER,
			accepted_at         INTEGER,
			wrap_up_at          INTEGER,
			completed_at        INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_pipeline ON tasks(pipeline_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at)`,
		`CREATE TABLE IF NOT EXISTS sla_breaches (
			id           TEXT PRIMARY KEY,
			task_id      TEXT NOT NULL,
			queue_id     TEXT NOT NULL,
			pipeline_id  TEXT NOT NULL DEFAULT '',
			severity     TEXT NOT NULL,
			percent_used REAL NOT NULL,
			old_priority INTEGER NOT NULL,
			new_priority INTEGER NOT NULL,
			action       TEXT NOT NULL,
			occurred_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_breaches_occurred ON sla_breaches(occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_breaches_task ON sla_breaches(task_id)`,
	}
	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
