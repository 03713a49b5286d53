package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/jspenaq/DataSeed/internal/logger"
)

// Store bundles the Postgres repositories behind one connection pool.
type Store struct {
	db      *sqlx.DB
	Items   *ItemRepo
	Runs    *RunRepo
	Sources *SourceRepo
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string, log logger.Logger) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return NewStore(db, log), nil
}

// NewStore wraps an existing connection. Tests inject sqlmock through here.
func NewStore(db *sqlx.DB, log logger.Logger) *Store {
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Store{
		db:      db,
		Items:   &ItemRepo{db: db, log: log},
		Runs:    &RunRepo{db: db, log: log},
		Sources: &SourceRepo{db: db, log: log},
	}
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sources (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		type        TEXT NOT NULL,
		base_url    TEXT NOT NULL,
		rate_limit  INTEGER NOT NULL DEFAULT 60,
		config      JSONB NOT NULL DEFAULT '{}',
		is_active   BOOLEAN NOT NULL DEFAULT TRUE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS content_items (
		id           BIGSERIAL PRIMARY KEY,
		source_id    TEXT NOT NULL REFERENCES sources(id),
		external_id  TEXT NOT NULL,
		title        TEXT NOT NULL,
		content      TEXT,
		url          TEXT NOT NULL,
		score        INTEGER,
		published_at TIMESTAMPTZ NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT uq_source_external UNIQUE (source_id, external_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_content_items_published_at
		ON content_items (published_at DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_content_items_source_published
		ON content_items (source_id, published_at DESC)`,
	`CREATE TABLE IF NOT EXISTS ingestion_runs (
		id              TEXT PRIMARY KEY,
		source_id       TEXT NOT NULL REFERENCES sources(id),
		started_at      TIMESTAMPTZ NOT NULL,
		completed_at    TIMESTAMPTZ,
		status          TEXT NOT NULL,
		items_processed INTEGER NOT NULL DEFAULT 0,
		items_new       INTEGER NOT NULL DEFAULT 0,
		items_updated   INTEGER NOT NULL DEFAULT 0,
		items_failed    INTEGER NOT NULL DEFAULT 0,
		errors_count    INTEGER NOT NULL DEFAULT 0,
		error_notes     TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ingestion_runs_source_started
		ON ingestion_runs (source_id, started_at DESC)`,
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
