// Package store is the SQLite-backed Event Store for the control plane:
// sessions, todos, tool calls, commands, projects, and runner keys.
//
// Grounded on internal/ai/threadstore.Store in the teacher repo: WAL mode,
// a single writer connection, and schema migration gated on
// PRAGMA user_version.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound             = errors.New("store: not found")
	ErrIllegalTransition    = errors.New("store: illegal session status transition")
	ErrTodosVersionConflict = errors.New("store: todos version conflict")
	ErrMissingToolInput     = errors.New("store: tool output/error with no prior input")
)

// Store is a local SQLite-backed persistence layer for the Event Store.
//
// A single *sql.DB connection is used (SetMaxOpenConns(1)) so that every
// write is serialized by the driver; WAL mode still allows concurrent reads
// from the HTTP handlers while a write is in flight.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL UNIQUE,
			owner_user_id TEXT NOT NULL,
			runner_id TEXT NOT NULL DEFAULT '',
			workspace_path TEXT NOT NULL DEFAULT '',
			framework TEXT NOT NULL DEFAULT '',
			dev_server_status TEXT NOT NULL DEFAULT 'stopped',
			dev_server_port INTEGER NOT NULL DEFAULT 0,
			tunnel_url TEXT NOT NULL DEFAULT '',
			created_at_unix_ms INTEGER NOT NULL,
			updated_at_unix_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			build_id TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			operation_type TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			last_seq INTEGER NOT NULL DEFAULT 0,
			started_at_unix_ms INTEGER NOT NULL DEFAULT 0,
			ended_at_unix_ms INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id, started_at_unix_ms DESC);
		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);`,
		`CREATE TABLE IF NOT EXISTS todos (
			session_id TEXT NOT NULL,
			todo_index INTEGER NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			active_form TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			phase TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (session_id, todo_index)
		);`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			session_id TEXT NOT NULL,
			tool_call_id TEXT NOT NULL,
			todo_index INTEGER NOT NULL DEFAULT -1,
			name TEXT NOT NULL DEFAULT '',
			input_json TEXT NOT NULL DEFAULT '',
			output_json TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'pending',
			started_at_unix_ms INTEGER NOT NULL DEFAULT 0,
			ended_at_unix_ms INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (session_id, tool_call_id)
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id TEXT NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			created_at_unix_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_project ON messages(project_id, created_at_unix_ms);`,
		`CREATE TABLE IF NOT EXISTS runner_keys (
			id TEXT PRIMARY KEY,
			secret_hash TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created_at_unix_ms INTEGER NOT NULL,
			last_used_at_unix_ms INTEGER NOT NULL DEFAULT 0,
			revoked_at_unix_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS commands (
			id TEXT PRIMARY KEY,
			runner_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			payload_json TEXT NOT NULL,
			issued_at_unix_ms INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued'
		);
		CREATE INDEX IF NOT EXISTS idx_commands_runner_status ON commands(runner_id, status, issued_at_unix_ms);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func withCtx(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
