package app

import (
	"context"

	"lead-router/internal/common/logging"
	"lead-router/internal/redis"
)

// initializeRedis connects when an address is configured. A connection
// failure is fatal only when a configured backend depends on Redis.
func (app *App) initializeRedis(context.Context) error {
	cfg := app.Config
	if cfg.RedisAddress == "" {
		app.Logger.Info("Redis: not configured (local locks, no claim cache)")
		return nil
	}

	client, err := redis.NewClient(&redis.Config{
		Address:   cfg.RedisAddress,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		PoolSize:  cfg.RedisPoolSize,
		KeyPrefix: cfg.RedisKeyPrefix,
	})
	if err != nil {
		if cfg.NeedsRedis() {
			return err
		}
		app.Logger.Warn("Redis initialization failed, continuing without Redis", logging.Err(err))
		return nil
	}

	app.RedisClient = client
	app.Logger.Info("Redis: connected", logging.String("address", cfg.RedisAddress))
	return nil
}
