// Package sqlite is the single-node SQL backend.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"

	"lead-router/internal/storage"
	"lead-router/internal/storage/sqlstore"
)

// Times are stored as INTEGER unix milliseconds so ordering and range
// predicates compare numbers rather than driver-formatted strings.
var Dialect = sqlstore.Dialect{
	Name:        "sqlite",
	Placeholder: sq.Question,
	EncodeTime:  func(t time.Time) interface{} { return t.UnixMilli() },
}

// Open opens and migrates the database at config.DatabasePath.
func Open(config *Config) (*sqlstore.Store, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid SQLite config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.GetConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; immediate transactions plus a single connection
	// keep SQLITE_BUSY out of the routing path.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := migrate(context.Background(), db); err != nil {
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
			routing_enabled BOOLEAN NOT NULL DEFAULT 0,
			assignment_method TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
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
			routed_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_leads_workspace ON leads(workspace_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_leads_destination ON leads(destination_workspace_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS routing_rules (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			source_workspace_id TEXT NOT NULL,
			destination_workspace_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			conditions TEXT NOT NULL DEFAULT '[]',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_source ON routing_rules(source_workspace_id, is_active, priority)`,
		`CREATE TABLE IF NOT EXISTS lead_dedupe_claims (
			dedupe_hash TEXT PRIMARY KEY,
			lead_id TEXT NOT NULL,
			claimed_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS routing_queue (
			id TEXT PRIMARY KEY,
			lead_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			next_retry_at INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			last_error TEXT NOT NULL DEFAULT '',
			last_error_kind TEXT NOT NULL DEFAULT '',
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER,
			processed_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
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
	sqliteConfig, ok := config.(*Config)
	if !ok {
		return nil, fmt.Errorf("invalid config type for SQLite storage")
	}
	return Open(sqliteConfig)
}

func (f *Factory) GetType() string {
	return "sqlite"
}

func init() {
	storage.Register("sqlite", &Factory{})
}
