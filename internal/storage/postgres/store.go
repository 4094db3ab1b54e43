// Package postgres is the multi-node SQL backend. Row locks and
// SKIP LOCKED let several processors drain the queue concurrently.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"lead-router/internal/storage"
	"lead-router/internal/storage/sqlstore"
)

var Dialect = sqlstore.Dialect{
	Name:        "postgres",
	Placeholder: sq.Dollar,
	EncodeTime:  func(t time.Time) interface{} { return t },
	RowLock:     "FOR UPDATE",
	SkipLocked:  "FOR UPDATE SKIP LOCKED",
}

// Open connects through pgx and migrates the schema.
func Open(config *Config) (*sqlstore.Store, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid PostgreSQL config: %w", err)
	}

	pgxConfig, err := pgx.ParseConfig(config.GetConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL config: %w", err)
	}
	db := stdlib.OpenDB(*pgxConfig)
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return sqlstore.New(db, Dialect), nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			allowed_industries TEXT NOT NULL DEFAULT '[]',
			allowed_regions TEXT NOT NULL DEFAULT '[]',
			routing_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			assignment_method TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS leads (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			company_name TEXT NOT NULL DEFAULT '',
			industry TEXT NOT NULL DEFAULT '',
			company_size TEXT NOT NULL DEFAULT '',
			country TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT '',
			region TEXT NOT NULL DEFAULT '',
			routing_status TEXT NOT NULL DEFAULT 'pending',
			dedupe_hash TEXT NOT NULL DEFAULT '',
			destination_workspace_id TEXT,
			routing_rule_id TEXT,
			routed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_leads_workspace ON leads(workspace_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_leads_destination ON leads(destination_workspace_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS routing_rules (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			source_workspace_id TEXT NOT NULL,
			destination_workspace_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			conditions TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_source ON routing_rules(source_workspace_id, is_active, priority)`,
		`CREATE TABLE IF NOT EXISTS lead_dedupe_claims (
			dedupe_hash TEXT PRIMARY KEY,
			lead_id TEXT NOT NULL,
			claimed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS routing_queue (
			id TEXT PRIMARY KEY,
			lead_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			next_retry_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			last_error TEXT NOT NULL DEFAULT '',
			last_error_kind TEXT NOT NULL DEFAULT '',
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at TIMESTAMPTZ,
			processed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_open_lead ON routing_queue(lead_id)
			WHERE status IN ('queued', 'processing')`,
		`CREATE INDEX IF NOT EXISTS idx_queue_due ON routing_queue(status, next_retry_at)`,
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

type Factory struct{}

func (f *Factory) Create(config storage.StorageConfig) (storage.Storage, error) {
	pgConfig, ok := config.(*Config)
	if !ok {
		return nil, fmt.Errorf("invalid config type for PostgreSQL storage")
	}
	return Open(pgConfig)
}

func (f *Factory) GetType() string {
	return "postgres"
}

func init() {
	storage.Register("postgres", &Factory{})
}
