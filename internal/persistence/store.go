// Package persistence implements the shared transactional store that is the
// sole coordination fabric between the supervisor, worker schedulers, and
// the chat relay. All cross-process state lives here.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/orchestrator/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 2
	schemaChecksum = "orc-v2-worker-task-graph-skills"
)

// Store wraps the shared SQLite database. A single *sql.DB with one
// connection enforces the store's single-writer contract; callers never see
// SQLITE_BUSY because retryOnBusy absorbs the driver's own lock contention.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests and one-shot CLI subcommands
}

// DefaultPath returns ~/.orchestrator/store.db, honoring ORC_STORE_PATH-style
// overrides is the caller's responsibility (see internal/config).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".orchestrator", "store.db")
}

// Open creates (if needed) and opens the shared store at path, applying
// pragmas and schema migrations. eventBus may be nil.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// Single writer: the store's own transactions are the only serialization
	// point other than the driver's busy_timeout.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, bus: eventBus}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// retryOnBusy retries f while the driver reports the database as locked or
// busy, with exponential backoff and jitter on top of the DSN's own
// busy_timeout. Every multi-statement mutation in this package goes through
// it so a worker scheduler and the supervisor can write concurrently without
// surfacing transient lock errors to callers.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var appliedChecksum string
	err = tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?`, schemaVersion).Scan(&appliedChecksum)
	switch {
	case err == sql.ErrNoRows:
		if err := s.applySchema(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)`, schemaVersion, schemaChecksum); err != nil {
			return fmt.Errorf("record schema_migrations: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema_migrations: %w", err)
	default:
		if appliedChecksum != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch: store has %q, binary expects %q", appliedChecksum, schemaChecksum)
		}
	}

	return tx.Commit()
}

func (s *Store) applySchema(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			os_pid INTEGER,
			liveness_session TEXT,
			status TEXT NOT NULL DEFAULT 'dormant',
			accumulated_cost_usd REAL NOT NULL DEFAULT 0,
			chat_channel_handle TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			worker_id TEXT NOT NULL REFERENCES workers(id),
			parent_id TEXT REFERENCES tasks(id),
			title TEXT NOT NULL,
			prompt TEXT NOT NULL,
			status TEXT NOT NULL,
			exec_mode TEXT NOT NULL DEFAULT 'agent',
			model_tier TEXT,
			session_handle TEXT,
			dep_ids TEXT NOT NULL DEFAULT '[]',
			skill_list TEXT NOT NULL DEFAULT '[]',
			capability_id TEXT,
			result TEXT,
			failure_reason TEXT,
			depth INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			worker_id TEXT NOT NULL REFERENCES workers(id),
			task_id TEXT REFERENCES tasks(id),
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			notified INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS commands (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			worker_id TEXT NOT NULL REFERENCES workers(id),
			command_type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			handled INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS connectors (
			name TEXT PRIMARY KEY,
			role_scope TEXT,
			transport TEXT NOT NULL,
			config_blob TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS time_triggers (
			id TEXT PRIMARY KEY,
			target_worker_name TEXT NOT NULL,
			title TEXT NOT NULL,
			prompt TEXT NOT NULL,
			schedule_expr TEXT NOT NULL,
			overrides TEXT NOT NULL DEFAULT '{}',
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run DATETIME,
			next_run DATETIME NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS decomposition_runs (
			id TEXT PRIMARY KEY,
			worker_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			elapsed_ms INTEGER,
			model TEXT,
			timeout_ms INTEGER,
			request_chars INTEGER,
			prompt_chars INTEGER,
			result_chars INTEGER,
			parse_attempts INTEGER,
			fallback INTEGER NOT NULL DEFAULT 0,
			error_code TEXT,
			raw_output_excerpt TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS question_hashes (
			task_id TEXT NOT NULL,
			hash TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (task_id, hash)
		);`,
		`CREATE TABLE IF NOT EXISTS sent_images (
			worker_id TEXT NOT NULL,
			path TEXT NOT NULL,
			sent_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (worker_id, path)
		);`,
		`CREATE TABLE IF NOT EXISTS skill_registry (
			skill_id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			source_url TEXT,
			ref TEXT,
			state TEXT NOT NULL DEFAULT 'active',
			fault_count INTEGER NOT NULL DEFAULT 0,
			last_fault_at DATETIME,
			installed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_worker_status ON tasks(worker_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);`,
		`CREATE INDEX IF NOT EXISTS idx_events_worker_notified ON events(worker_id, notified);`,
		`CREATE INDEX IF NOT EXISTS idx_commands_worker_handled ON commands(worker_id, handled, id);`,
		`CREATE INDEX IF NOT EXISTS idx_time_triggers_due ON time_triggers(enabled, next_run);`,
		`CREATE INDEX IF NOT EXISTS idx_skill_registry_state ON skill_registry(state);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
