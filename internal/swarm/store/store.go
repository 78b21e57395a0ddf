// Package store is the sole mediator to persistent state for the swarm
// dispatch engine. Every exported operation is atomic against
// concurrent callers; the schema and busy-retry discipline follow
// mattn/go-sqlite3 usage patterns.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Sentinel errors forming the store's error taxonomy.
var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
	ErrValidation = errors.New("validation")
)

const schemaVersion = 1

// Store owns the sqlite connection and exposes typed, atomic operations.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or migrates the sqlite database at path and returns a ready Store.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if current < 1 {
		if err := applyV1(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (1);`); err != nil {
			return fmt.Errorf("record migration v1: %w", err)
		}
	}

	return tx.Commit()
}

func applyV1(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS swarms (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			project_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			swarm_id TEXT NOT NULL REFERENCES swarms(id),
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			priority TEXT NOT NULL DEFAULT 'medium',
			sandbox_id TEXT,
			depends_on TEXT NOT NULL DEFAULT '[]',
			triggers_after TEXT NOT NULL DEFAULT '[]',
			result TEXT,
			error TEXT,
			tags TEXT NOT NULL DEFAULT '[]',
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_swarm ON tasks(swarm_id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_swarm_status ON tasks(swarm_id, status);`,
		`CREATE TABLE IF NOT EXISTS sandboxes (
			id TEXT PRIMARY KEY,
			provider_id TEXT NOT NULL UNIQUE,
			swarm_id TEXT,
			status TEXT NOT NULL DEFAULT 'idle',
			current_task_id TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_used_at TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sandboxes_status ON sandboxes(status);`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			swarm_id TEXT NOT NULL REFERENCES swarms(id),
			sender_kind TEXT NOT NULL,
			sender_id TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_swarm ON chat_messages(swarm_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS config (
			id TEXT PRIMARY KEY,
			provider_url TEXT NOT NULL DEFAULT '',
			provider_api_key TEXT NOT NULL DEFAULT '',
			anthropic_api_key TEXT NOT NULL DEFAULT '',
			git_token TEXT NOT NULL DEFAULT '',
			pool_max INTEGER NOT NULL DEFAULT 5,
			pool_idle_timeout_minutes INTEGER NOT NULL DEFAULT 30,
			pool_default_snapshot TEXT NOT NULL DEFAULT 'base',
			skills_path TEXT NOT NULL DEFAULT '/data/.claude/skills',
			trigger_enabled INTEGER NOT NULL DEFAULT 1,
			poll_interval_seconds INTEGER NOT NULL DEFAULT 5,
			execution_timeout_minutes INTEGER NOT NULL DEFAULT 30,
			max_retries INTEGER NOT NULL DEFAULT 3,
			base_delay_ms INTEGER NOT NULL DEFAULT 5000,
			backoff_multiplier REAL NOT NULL DEFAULT 2.0,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema v1 (%s): %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// retryOnBusy retries f while sqlite reports SQLITE_BUSY/LOCKED, using
// exponential backoff with jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	base := 50 * time.Millisecond
	cap := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = f()
		if lastErr == nil || !isSQLiteBusy(lastErr) {
			return lastErr
		}
		delay := base * time.Duration(1<<uint(attempt))
		if delay > cap {
			delay = cap
		}
		jitter := time.Duration(rand.Int63n(int64(delay) + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay/2 + jitter/2):
		}
	}
	return lastErr
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
