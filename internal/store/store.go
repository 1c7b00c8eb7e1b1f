// SPDX-License-Identifier: MIT

// Package store provides SQLite persistence for the event service: the
// append-only event journal, per-stream version counters, processor and
// subscription configuration tables, and execution/delivery audit records.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)

	"github.com/meridianhq/eventd/internal/event"
)

// Pagination bounds for event queries.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// MaxBatchSize caps the number of drafts in one atomic batch append.
const MaxBatchSize = 100

// AppendHook is invoked after a successful append commit, once per event.
// Used to hand appended events to the async dispatcher.
type AppendHook func(event.Event)

// Store provides SQLite persistence for the event service.
type Store struct {
	db   *sql.DB
	hook AppendHook
	now  func() time.Time
}

// Open initializes the store at dbPath and runs migrations.
// WAL mode and busy_timeout keep concurrent readers off the writer's back.
func Open(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single connection: sqlite has one writer anyway, and funneling all
	// transactions through one conn rules out SQLITE_BUSY under contention.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping: %v", event.ErrStoreUnavailable, err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetAppendHook registers the post-commit dispatch hook. Must be called
// before the store receives traffic.
func (s *Store) SetAppendHook(h AppendHook) {
	s.hook = h
}

// SetClock overrides the store clock, for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		source TEXT NOT NULL,
		category TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		organization_id TEXT NOT NULL DEFAULT '',
		device_id TEXT NOT NULL DEFAULT '',
		correlation_id TEXT NOT NULL DEFAULT '',
		entity_type TEXT NOT NULL DEFAULT '',
		entity_id TEXT NOT NULL DEFAULT '',
		payload TEXT,
		metadata TEXT,
		status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'processing', 'processed', 'failed', 'archived')),
		processors TEXT NOT NULL DEFAULT '[]',
		occurred_at INTEGER NOT NULL,
		schema_version INTEGER NOT NULL DEFAULT 1,
		stream_id TEXT NOT NULL DEFAULT '',
		stream_version INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_occurred ON events(occurred_at DESC);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	CREATE INDEX IF NOT EXISTS idx_events_status ON events(status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_events_stream ON events(stream_id, stream_version) WHERE stream_id != '';

	CREATE TABLE IF NOT EXISTS stream_versions (
		stream_id TEXT PRIMARY KEY,
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS processors (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL UNIQUE,
		enabled INTEGER NOT NULL DEFAULT 1,
		priority INTEGER NOT NULL DEFAULT 0,
		filter TEXT NOT NULL DEFAULT '[]',
		config TEXT,
		max_retries INTEGER NOT NULL DEFAULT 2,
		error_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		last_run_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS processing_results (
		rowid_seq INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL,
		processor TEXT NOT NULL,
		status TEXT NOT NULL CHECK(status IN ('success', 'failed', 'skipped', 'retry')),
		message TEXT NOT NULL DEFAULT '',
		attempt INTEGER NOT NULL DEFAULT 1,
		duration_us INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_results_event ON processing_results(event_id);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		subscriber TEXT NOT NULL,
		filter TEXT NOT NULL DEFAULT '[]',
		target TEXT NOT NULL CHECK(target IN ('webhook', 'internal')),
		url TEXT NOT NULL DEFAULT '',
		secret TEXT NOT NULL DEFAULT '',
		channel TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		backoff_ms INTEGER NOT NULL DEFAULT 500,
		max_backoff_ms INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS deliveries (
		rowid_seq INTEGER PRIMARY KEY AUTOINCREMENT,
		subscription_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		outcome TEXT NOT NULL CHECK(outcome IN ('delivered', 'failed')),
		attempts INTEGER NOT NULL DEFAULT 1,
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_deliveries_subscription ON deliveries(subscription_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// storeErr wraps infrastructure-level failures as ErrStoreUnavailable so
// callers can distinguish them from validation and not-found conditions.
func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", event.ErrStoreUnavailable, op, err)
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
