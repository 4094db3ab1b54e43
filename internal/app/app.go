// Package app wires configuration into a running lead router: storage
// behind a circuit breaker, the lock manager, the dedupe index, the event
// publisher, the router, the retry processor and its scheduler.
package app

import (
	"context"
	"fmt"

	"lead-router/internal/circuitbreaker"
	"lead-router/internal/common/logging"
	"lead-router/internal/config"
	"lead-router/internal/dedupe"
	"lead-router/internal/events"
	"lead-router/internal/locks"
	"lead-router/internal/redis"
	"lead-router/internal/retryqueue"
	"lead-router/internal/routing"
	"lead-router/internal/storage"
)

// App holds all the application dependencies
type App struct {
	Config      *config.Config
	Storage     storage.Storage
	Breaker     *circuitbreaker.Breaker
	RedisClient *redis.Client
	Locks       locks.Manager
	Publisher   events.Publisher
	Router      *routing.Router
	Processor   *retryqueue.Processor
	Scheduler   *retryqueue.Scheduler
	Logger      logging.Logger
}

// New creates a new application instance with all dependencies. On error
// everything opened so far is closed again.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logging.Component("app"),
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"storage", app.initializeStorage},
		{"redis", app.initializeRedis},
		{"locks", app.initializeLocks},
		{"events", app.initializeEvents},
		{"routing", app.initializeRouting},
		{"rules", app.seedRules},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			app.Cleanup()
			return nil, fmt.Errorf("initialize %s: %w", step.name, err)
		}
	}
	return app, nil
}

func (app *App) initializeLocks(context.Context) error {
	manager, err := locks.NewManager(app.Config.LockBackend, app.RedisClient)
	if err != nil {
		return err
	}
	app.Locks = manager
	app.Logger.Info("Lock manager ready", logging.String("backend", app.Config.LockBackend))
	return nil
}

func (app *App) initializeEvents(ctx context.Context) error {
	ev := app.Config.Events
	publisher, err := events.New(ctx, events.Config{
		Backend:          ev.Backend,
		RedisStream:      ev.RedisStream,
		RedisMaxLen:      ev.RedisMaxLen,
		RabbitMQURL:      ev.RabbitMQURL,
		RabbitMQExchange: ev.RabbitMQExchange,
		AWS: events.AWSConfig{
			Region:          ev.AWSRegion,
			AccessKeyID:     ev.AWSAccessKeyID,
			SecretAccessKey: ev.AWSSecretKey,
			Endpoint:        ev.AWSEndpoint,
		},
		SNSTopicARN: ev.SNSTopicARN,
		SQSQueueURL: ev.SQSQueueURL,
	}, app.RedisClient, logging.Component("events"))
	if err != nil {
		return err
	}
	app.Publisher = publisher
	app.Logger.Info("Event publisher ready", logging.String("backend", ev.Backend))
	return nil
}

func (app *App) initializeRouting(context.Context) error {
	cfg := app.Config

	var cache dedupe.Cache
	if app.RedisClient != nil && cfg.Dedupe.CacheTTL > 0 {
		cache = dedupe.NewRedisCache(app.RedisClient, cfg.Dedupe.CacheTTL, logging.Component("dedupe"))
	}
	index := dedupe.NewIndex(app.Storage, cache, logging.Component("dedupe"))

	app.Router = routing.NewRouter(app.Storage, app.Locks, index, app.Publisher, app.RouterConfig(), logging.Component("router"))
	app.Processor = retryqueue.NewProcessor(app.Storage, app.Router, app.Publisher, app.QueueConfig(), logging.Component("retry_processor"))

	if cfg.Queue.Schedule != "" {
		scheduler, err := retryqueue.NewScheduler(app.Processor, app.Locks, cfg.Queue.Schedule, cfg.Queue.BatchSize, logging.Component("retry_scheduler"))
		if err != nil {
			return err
		}
		app.Scheduler = scheduler
	}
	return nil
}

// RouterConfig translates the environment configuration for the router.
func (app *App) RouterConfig() routing.Config {
	cfg := app.Config
	return routing.Config{
		LockWait:         cfg.Router.LockWait,
		LockTTL:          cfg.Router.LockTTL,
		MaxRetries:       cfg.Router.MaxRetries,
		Backoff:          cfg.RouterBackoff(),
		QueueMaxAttempts: cfg.Queue.MaxAttempts,
		QueueBackoff:     cfg.QueueBackoff(),
		BulkConcurrency:  routing.DefaultConfig().BulkConcurrency,
	}
}

func (app *App) QueueConfig() retryqueue.Config {
	cfg := app.Config
	return retryqueue.Config{
		BatchSize: cfg.Queue.BatchSize,
		LeaseTTL:  cfg.Queue.LeaseTTL,
		Backoff:   cfg.QueueBackoff(),
		RateLimit: cfg.Queue.RateLimit,
	}
}

// Cleanup releases all resources
func (app *App) Cleanup() {
	if app.Scheduler != nil {
		app.Scheduler.Stop()
	}
	if app.Publisher != nil {
		if err := app.Publisher.Close(); err != nil {
			app.Logger.Warn("Error closing event publisher", logging.Err(err))
		}
	}
	if app.Locks != nil {
		if err := app.Locks.Close(); err != nil {
			app.Logger.Warn("Error closing lock manager", logging.Err(err))
		}
	}
	if app.RedisClient != nil {
		if err := app.RedisClient.Close(); err != nil {
			app.Logger.Warn("Error closing redis client", logging.Err(err))
		}
	}
	if app.Storage != nil {
		if err := app.Storage.Close(); err != nil {
			app.Logger.Warn("Error closing storage", logging.Err(err))
		}
	}
}
