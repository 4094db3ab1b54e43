package app

import (
	"context"
	"fmt"
	"strings"

	"lead-router/internal/circuitbreaker"
	"lead-router/internal/common/logging"
	"lead-router/internal/storage"
	"lead-router/internal/storage/memory"
	"lead-router/internal/storage/postgres"
	"lead-router/internal/storage/sqlite"
)

// storageConfig picks the backend config for DATABASE_TYPE.
func (app *App) storageConfig() (storage.StorageConfig, error) {
	cfg := app.Config
	switch cfg.DatabaseType {
	case "memory":
		app.Logger.Warn("Database: in-memory, state is lost on exit")
		return memory.Config{}, nil
	case "postgres":
		var pg *postgres.Config
		if cfg.PostgresURL != "" {
			parsed, err := postgres.NewConfigFromURL(cfg.PostgresURL)
			if err != nil {
				return nil, err
			}
			pg = parsed
		} else {
			pg = &postgres.Config{
				Host:     cfg.PostgresHost,
				Port:     cfg.PostgresPort,
				Database: cfg.PostgresDB,
				Username: cfg.PostgresUser,
				Password: cfg.PostgresPassword,
				SSLMode:  cfg.PostgresSSLMode,
			}
		}
		pg.MaxOpenConns = cfg.PostgresMaxConns
		app.Logger.Info("Database: PostgreSQL",
			logging.String("host", pg.Host),
			logging.Int("port", pg.Port),
			logging.String("database", pg.Database),
		)
		return pg, nil
	case "", "sqlite":
		path := cfg.DatabasePath
		if path == "" {
			path = sqlite.DefaultConfig().DatabasePath
		}
		app.Logger.Info("Database: SQLite", logging.String("path", path))
		return &sqlite.Config{DatabasePath: path}, nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.DatabaseType)
	}
}

func (app *App) initializeStorage(context.Context) error {
	storageCfg, err := app.storageConfig()
	if err != nil {
		return err
	}
	if !storage.IsRegistered(storageCfg.GetType()) {
		return fmt.Errorf("storage backend %q is not built in (available: %s)",
			storageCfg.GetType(), strings.Join(storage.GetAvailableTypes(), ", "))
	}
	store, err := storage.Create(storageCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	app.Breaker = circuitbreaker.New("storage", circuitbreaker.Config{
		MaxFailures:      app.Config.Breaker.MaxFailures,
		Timeout:          app.Config.Breaker.Timeout,
		HalfOpenRequests: 1,
	}, logging.Component("circuit_breaker"))
	app.Storage = storage.NewGuarded(store, app.Breaker)
	return nil
}
