// Package postgres persists tasks, workers and artifact metadata in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config controls the Postgres connection pool.
type Config struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store uses; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store implements broker.Store on Postgres.
type Store struct {
	db pool
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, errors.New("database.url is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{db: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	return &Store{db: p}, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	namespace    TEXT NOT NULL,
	key          TEXT NOT NULL,
	variant      TEXT NOT NULL,
	data         JSONB,
	description  TEXT NOT NULL DEFAULT '',
	completer_id TEXT,
	start_time   TIMESTAMPTZ,
	completed    BOOLEAN NOT NULL DEFAULT FALSE,
	referer_id   TEXT,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	UNIQUE (namespace, key)
)`,
	`CREATE INDEX IF NOT EXISTS tasks_unassigned_idx
	ON tasks (namespace, variant, created_at) WHERE completer_id IS NULL`,
	`CREATE INDEX IF NOT EXISTS tasks_completer_idx
	ON tasks (completer_id) WHERE completer_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS clients (
	id             TEXT PRIMARY KEY,
	namespace      TEXT NOT NULL,
	variant        TEXT NOT NULL,
	online         BOOLEAN NOT NULL DEFAULT FALSE,
	last_heartbeat TIMESTAMPTZ NOT NULL,
	concurrency    INTEGER NOT NULL DEFAULT 0,
	running        INTEGER NOT NULL DEFAULT 0,
	capabilities   TEXT[] NOT NULL DEFAULT '{}',
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
	id          TEXT PRIMARY KEY,
	namespace   TEXT NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	type        TEXT NOT NULL,
	path        TEXT NOT NULL,
	task_id     TEXT,
	created_at  TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS artifacts_lookup_idx
	ON artifacts (namespace, name, type, created_at DESC)`,
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
