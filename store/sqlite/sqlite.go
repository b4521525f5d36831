// Package sqlite implements the relay stores using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/relay"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// withClock overrides the wall clock (tests).
func withClock(now func() int64) StoreOption {
	return func(s *Store) { s.now = now }
}

// Store implements relay.RunStore, relay.FactStore, relay.SettingsStore, and
// relay.MessageSink backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() int64
}

var (
	_ relay.RunStore      = (*Store)(nil)
	_ relay.FactStore     = (*Store)(nil)
	_ relay.SettingsStore = (*Store)(nil)
	_ relay.MessageSink   = (*Store)(nil)
)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger, now: relay.NowUnixMilli}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			title TEXT,
			status TEXT NOT NULL,
			input TEXT NOT NULL,
			output TEXT,
			error TEXT,
			attempt INTEGER NOT NULL DEFAULT 0,
			worker_id TEXT,
			lease_expires_at INTEGER,
			parent_run_id TEXT,
			conversation_id TEXT,
			canceled_at INTEGER,
			canceled_by TEXT,
			cancel_reason TEXT,
			progress INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS facts (
			id TEXT PRIMARY KEY,
			key TEXT NOT NULL,
			value TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			scope TEXT NOT NULL DEFAULT 'global',
			session_id TEXT,
			project_id TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS run_messages (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL UNIQUE,
			conversation_id TEXT,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			preview TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS fetch_cache (
			url TEXT PRIMARY KEY,
			title TEXT,
			content_type TEXT,
			extracted_text TEXT,
			extraction_method TEXT,
			status INTEGER,
			fetched_at INTEGER NOT NULL
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns. The claim scan walks
	// (status, updated_at, created_at); the rest serve the HTTP listings.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_runs_claim ON runs(status, updated_at, created_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_runs_conversation ON runs(conversation_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_facts_scope ON facts(scope, status)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_facts_session ON facts(session_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_conversation ON run_messages(conversation_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// DB returns the underlying *sql.DB for sharing across store facets.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}
