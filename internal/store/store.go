// Package store is the durable SQLite store every foreman process shares.
// It is the single source of truth: daemon election, task claiming, and
// workflow locking are all expressed as conditional writes against it, never
// as in-memory locks, because multiple independent processes may attach to
// the same store concurrently.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors. Callers distinguish them with errors.Is.
var (
	// ErrNotFound means a referenced row does not exist. Never retried.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a conditional write lost a race or a structural
	// constraint blocked the operation. Callers re-poll or back off.
	ErrConflict = errors.New("conflict")
)

// Store provides access to a foreman project database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the SQLite database at the given path and brings
// the schema up to date.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for concurrent readers alongside the daemon's writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	// A busy timeout absorbs short write contention between the daemon and
	// CLI/API processes attached to the same file.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Path returns the on-disk location of the database file.
func (s *Store) Path() string { return s.path }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for read-only adapters (API, TUI).
func (s *Store) DB() *sql.DB { return s.db }

// migrations is the forward-only schema ledger. Each entry runs exactly once,
// in order, inside a transaction together with its ledger row — a partially
// applied migration is never recorded as applied.
var migrations = []string{
	// 1: initial schema.
	`
	CREATE TABLE workflows (
		id                    TEXT PRIMARY KEY,
		name                  TEXT NOT NULL,
		source_type           TEXT NOT NULL DEFAULT 'prompt',
		source_content        TEXT NOT NULL DEFAULT '',
		status                TEXT NOT NULL DEFAULT 'planning',
		initial_plan          TEXT NOT NULL DEFAULT '',
		config                TEXT NOT NULL DEFAULT '{}',
		max_parallel_tasks    INTEGER NOT NULL DEFAULT 1,
		locked_by_session_id  TEXT,
		locked_at             INTEGER,
		created_at            INTEGER NOT NULL,
		updated_at            INTEGER NOT NULL
	);

	CREATE TABLE tasks (
		id                 TEXT PRIMARY KEY,
		workflow_id        TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		name               TEXT NOT NULL,
		status             TEXT NOT NULL DEFAULT 'pending',
		sequence           INTEGER NOT NULL DEFAULT 0,
		parallel_group     TEXT NOT NULL DEFAULT '',
		plan               TEXT NOT NULL DEFAULT '',
		outcome            TEXT NOT NULL DEFAULT '',
		error              TEXT NOT NULL DEFAULT '',
		retries            INTEGER NOT NULL DEFAULT 0,
		workspace_id       TEXT,
		assigned_agent_id  TEXT,
		claimed_at         INTEGER,
		created_at         INTEGER NOT NULL,
		updated_at         INTEGER NOT NULL
	);
	CREATE INDEX idx_tasks_workflow ON tasks(workflow_id, status);

	CREATE TABLE task_dependencies (
		task_id          TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		depends_on_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		dependency_type  TEXT NOT NULL DEFAULT 'completion',
		PRIMARY KEY (task_id, depends_on_id)
	);

	CREATE TABLE checkpoints (
		id               TEXT PRIMARY KEY,
		task_id          TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		sequence         INTEGER NOT NULL,
		checkpoint_type  TEXT NOT NULL DEFAULT 'progress',
		content          TEXT NOT NULL DEFAULT '',
		created_at       INTEGER NOT NULL,
		UNIQUE (task_id, sequence)
	);

	CREATE TABLE workspaces (
		id             TEXT PRIMARY KEY,
		workflow_id    TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		path           TEXT NOT NULL,
		branch         TEXT NOT NULL,
		base_branch    TEXT NOT NULL,
		status         TEXT NOT NULL DEFAULT 'active',
		merge_commit   TEXT NOT NULL DEFAULT '',
		pr_url         TEXT NOT NULL DEFAULT '',
		pr_cycle_mode  TEXT NOT NULL DEFAULT '',
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL
	);

	CREATE TABLE agents (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL DEFAULT 'online',
		current_task_id  TEXT,
		last_heartbeat   INTEGER NOT NULL,
		created_at       INTEGER NOT NULL
	);

	CREATE TABLE messages (
		id             TEXT PRIMARY KEY,
		from_agent_id  TEXT NOT NULL DEFAULT '',
		to_agent_id    TEXT NOT NULL DEFAULT '',
		task_id        TEXT,
		subject        TEXT NOT NULL DEFAULT '',
		body           TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL DEFAULT 'unread',
		priority       INTEGER NOT NULL DEFAULT 0,
		thread_id      TEXT,
		reply_to_id    TEXT,
		created_at     INTEGER NOT NULL
	);

	CREATE TABLE sessions (
		id              TEXT PRIMARY KEY,
		pid             INTEGER NOT NULL,
		port            INTEGER NOT NULL DEFAULT 0,
		started_at      INTEGER NOT NULL,
		last_heartbeat  INTEGER NOT NULL,
		is_daemon       INTEGER NOT NULL DEFAULT 0
	);
	`,
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY,
		applied_at  INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create migration ledger: %w", err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read migration ledger: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			version, nowMillis(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion() (int, error) {
	var v int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	return v, err
}

// nowMillis is the single clock for persisted timestamps.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// nullStr maps empty strings to NULL on write.
func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// nullInt maps zero to NULL on write.
func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
