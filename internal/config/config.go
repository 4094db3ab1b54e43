// Package config loads lead-router settings from the environment.
//
// Load never fails: unparsable values are remembered and reported by
// Validate together with range and cross-field problems, so the process
// can print every configuration error at once.
//
// Environment Variables:
//
// Application:
//   - PORT (default 8080), LOG_LEVEL (info), LOG_FORMAT (console|json), LOG_FILE
//
// Storage:
//   - DATABASE_TYPE: memory, sqlite or postgres (default sqlite)
//   - DATABASE_PATH: SQLite file (default ./lead_router.db)
//   - POSTGRES_URL, or POSTGRES_HOST/PORT/DB/USER/PASSWORD/SSL_MODE, POSTGRES_MAX_CONNS
//
// Redis and locking:
//   - REDIS_ADDRESS, REDIS_PASSWORD, REDIS_DB, REDIS_POOL_SIZE, REDIS_KEY_PREFIX
//   - LOCK_BACKEND: local or redis (default local)
//
// Router:
//   - ROUTER_LOCK_WAIT, ROUTER_LOCK_TTL, ROUTER_MAX_RETRIES
//   - ROUTER_BACKOFF_BASE, ROUTER_BACKOFF_MAX, ROUTER_BACKOFF_FACTOR, ROUTER_BACKOFF_JITTER
//
// Retry queue:
//   - QUEUE_MAX_ATTEMPTS, QUEUE_BACKOFF_BASE, QUEUE_BACKOFF_MAX, QUEUE_BATCH_SIZE
//   - QUEUE_SCHEDULE (cron, empty disables the scheduler), QUEUE_LEASE_TTL, QUEUE_RATE_LIMIT (re-routes/sec)
//
// Dedupe:
//   - DEDUPE_BUCKET (hash time bucket), DEDUPE_CACHE_TTL (redis claim cache, 0 disables)
//
// Events:
//   - EVENTS_BACKEND: none, redis, rabbitmq, sns or sqs
//   - EVENTS_REDIS_STREAM, EVENTS_REDIS_MAXLEN
//   - RABBITMQ_URL, RABBITMQ_EXCHANGE
//   - SNS_TOPIC_ARN, SQS_QUEUE_URL, AWS_REGION, AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY, AWS_ENDPOINT_URL
//
// Misc:
//   - RULES_FILE (yaml seed), BREAKER_MAX_FAILURES, BREAKER_TIMEOUT
//   - API_RATE_LIMIT (requests per client per window, needs Redis), API_RATE_WINDOW
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"lead-router/internal/common/utils"
)

type Config struct {
	Port      string `env:"PORT" validate:"required,numeric"`
	LogLevel  string `env:"LOG_LEVEL" validate:"oneof=debug info warn warning error"`
	LogFormat string `env:"LOG_FORMAT" validate:"oneof=console json"`
	LogFile   string `env:"LOG_FILE"`

	DatabaseType     string `env:"DATABASE_TYPE" validate:"oneof=memory sqlite postgres"`
	DatabasePath     string `env:"DATABASE_PATH"`
	PostgresURL      string `env:"POSTGRES_URL"`
	PostgresHost     string `env:"POSTGRES_HOST"`
	PostgresPort     int    `env:"POSTGRES_PORT" validate:"min=1,max=65535"`
	PostgresDB       string `env:"POSTGRES_DB"`
	PostgresUser     string `env:"POSTGRES_USER"`
	PostgresPassword string `env:"POSTGRES_PASSWORD"`
	PostgresSSLMode  string `env:"POSTGRES_SSL_MODE"`
	PostgresMaxConns int    `env:"POSTGRES_MAX_CONNS" validate:"min=0"`

	RedisAddress   string `env:"REDIS_ADDRESS"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB" validate:"min=0,max=15"`
	RedisPoolSize  int    `env:"REDIS_POOL_SIZE" validate:"min=1"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX"`

	LockBackend string `env:"LOCK_BACKEND" validate:"oneof=local redis"`

	Router  RouterConfig
	Queue   QueueConfig
	Dedupe  DedupeConfig
	Events  EventsConfig
	Breaker BreakerConfig

	RulesFile string `env:"RULES_FILE"`

	// APIRateLimit caps requests per client per APIRateWindow; 0 disables.
	// Enforced only when Redis is connected.
	APIRateLimit  int           `env:"API_RATE_LIMIT" validate:"min=0"`
	APIRateWindow time.Duration `env:"API_RATE_WINDOW" validate:"gt=0s"`

	parseErrors []string
}

type RouterConfig struct {
	LockWait      time.Duration `env:"ROUTER_LOCK_WAIT" validate:"min=0s"`
	LockTTL       time.Duration `env:"ROUTER_LOCK_TTL" validate:"gt=0s"`
	MaxRetries    int           `env:"ROUTER_MAX_RETRIES" validate:"min=0,max=20"`
	BackoffBase   time.Duration `env:"ROUTER_BACKOFF_BASE" validate:"gt=0s"`
	BackoffMax    time.Duration `env:"ROUTER_BACKOFF_MAX" validate:"gt=0s"`
	BackoffFactor float64       `env:"ROUTER_BACKOFF_FACTOR" validate:"gte=1"`
	BackoffJitter float64       `env:"ROUTER_BACKOFF_JITTER" validate:"gte=0,lte=1"`
}

type QueueConfig struct {
	MaxAttempts int           `env:"QUEUE_MAX_ATTEMPTS" validate:"min=1"`
	BackoffBase time.Duration `env:"QUEUE_BACKOFF_BASE" validate:"gt=0s"`
	BackoffMax  time.Duration `env:"QUEUE_BACKOFF_MAX" validate:"gt=0s"`
	BatchSize   int           `env:"QUEUE_BATCH_SIZE" validate:"min=1,max=1000"`
	Schedule    string        `env:"QUEUE_SCHEDULE" validate:"omitempty,cron_expression"`
	LeaseTTL    time.Duration `env:"QUEUE_LEASE_TTL" validate:"gt=0s"`
	// RateLimit caps re-route calls per second within a pass; 0 disables.
	RateLimit float64 `env:"QUEUE_RATE_LIMIT" validate:"gte=0"`
}

type DedupeConfig struct {
	Bucket   time.Duration `env:"DEDUPE_BUCKET" validate:"gt=0s"`
	CacheTTL time.Duration `env:"DEDUPE_CACHE_TTL" validate:"min=0s"`
}

type EventsConfig struct {
	Backend          string `env:"EVENTS_BACKEND" validate:"oneof=none redis rabbitmq sns sqs"`
	RedisStream      string `env:"EVENTS_REDIS_STREAM"`
	RedisMaxLen      int64  `env:"EVENTS_REDIS_MAXLEN" validate:"min=0"`
	RabbitMQURL      string `env:"RABBITMQ_URL"`
	RabbitMQExchange string `env:"RABBITMQ_EXCHANGE"`
	SNSTopicARN      string `env:"SNS_TOPIC_ARN"`
	SQSQueueURL      string `env:"SQS_QUEUE_URL"`
	AWSRegion        string `env:"AWS_REGION"`
	AWSAccessKeyID   string `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretKey     string `env:"AWS_SECRET_ACCESS_KEY"`
	AWSEndpoint      string `env:"AWS_ENDPOINT_URL"`
}

type BreakerConfig struct {
	MaxFailures int           `env:"BREAKER_MAX_FAILURES" validate:"min=1"`
	Timeout     time.Duration `env:"BREAKER_TIMEOUT" validate:"gt=0s"`
}

// Load reads the environment, falling back to defaults for unset keys.
func Load() *Config {
	c := &Config{}

	c.Port = getEnv("PORT", "8080")
	c.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", "info"))
	c.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", "console"))
	c.LogFile = getEnv("LOG_FILE", "")

	c.DatabaseType = strings.ToLower(getEnv("DATABASE_TYPE", "sqlite"))
	if c.DatabaseType == "postgresql" {
		c.DatabaseType = "postgres"
	}
	c.DatabasePath = getEnv("DATABASE_PATH", "./lead_router.db")
	c.PostgresURL = getEnv("POSTGRES_URL", "")
	c.PostgresHost = getEnv("POSTGRES_HOST", "localhost")
	c.PostgresPort = c.getIntEnv("POSTGRES_PORT", 5432)
	c.PostgresDB = getEnv("POSTGRES_DB", "lead_router")
	c.PostgresUser = getEnv("POSTGRES_USER", "postgres")
	c.PostgresPassword = getEnv("POSTGRES_PASSWORD", "")
	c.PostgresSSLMode = getEnv("POSTGRES_SSL_MODE", "disable")
	c.PostgresMaxConns = c.getIntEnv("POSTGRES_MAX_CONNS", 20)

	c.RedisAddress = getEnv("REDIS_ADDRESS", "")
	c.RedisPassword = getEnv("REDIS_PASSWORD", "")
	c.RedisDB = c.getIntEnv("REDIS_DB", 0)
	c.RedisPoolSize = c.getIntEnv("REDIS_POOL_SIZE", 10)
	c.RedisKeyPrefix = getEnv("REDIS_KEY_PREFIX", "leadrouter")

	c.LockBackend = strings.ToLower(getEnv("LOCK_BACKEND", "local"))

	defaults := utils.DefaultBackoff()
	c.Router = RouterConfig{
		LockWait:      c.getDurationEnv("ROUTER_LOCK_WAIT", 500*time.Millisecond),
		LockTTL:       c.getDurationEnv("ROUTER_LOCK_TTL", 10*time.Second),
		MaxRetries:    c.getIntEnv("ROUTER_MAX_RETRIES", 3),
		BackoffBase:   c.getDurationEnv("ROUTER_BACKOFF_BASE", defaults.Base),
		BackoffMax:    c.getDurationEnv("ROUTER_BACKOFF_MAX", defaults.Max),
		BackoffFactor: c.getFloatEnv("ROUTER_BACKOFF_FACTOR", defaults.Factor),
		BackoffJitter: c.getFloatEnv("ROUTER_BACKOFF_JITTER", defaults.Jitter),
	}

	c.Queue = QueueConfig{
		MaxAttempts: c.getIntEnv("QUEUE_MAX_ATTEMPTS", 5),
		BackoffBase: c.getDurationEnv("QUEUE_BACKOFF_BASE", 30*time.Second),
		BackoffMax:  c.getDurationEnv("QUEUE_BACKOFF_MAX", time.Hour),
		BatchSize:   c.getIntEnv("QUEUE_BATCH_SIZE", 50),
		Schedule:    getEnv("QUEUE_SCHEDULE", "@every 1m"),
		LeaseTTL:    c.getDurationEnv("QUEUE_LEASE_TTL", 5*time.Minute),
		RateLimit:   c.getFloatEnv("QUEUE_RATE_LIMIT", 0),
	}

	c.Dedupe = DedupeConfig{
		Bucket:   c.getDurationEnv("DEDUPE_BUCKET", 24*time.Hour),
		CacheTTL: c.getDurationEnv("DEDUPE_CACHE_TTL", time.Hour),
	}

	c.Events = EventsConfig{
		Backend:          strings.ToLower(getEnv("EVENTS_BACKEND", "none")),
		RedisStream:      getEnv("EVENTS_REDIS_STREAM", "lead-routing"),
		RedisMaxLen:      int64(c.getIntEnv("EVENTS_REDIS_MAXLEN", 10000)),
		RabbitMQURL:      getEnv("RABBITMQ_URL", ""),
		RabbitMQExchange: getEnv("RABBITMQ_EXCHANGE", "lead-routing"),
		SNSTopicARN:      getEnv("SNS_TOPIC_ARN", ""),
		SQSQueueURL:      getEnv("SQS_QUEUE_URL", ""),
		AWSRegion:        getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:   getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretKey:     getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpoint:      getEnv("AWS_ENDPOINT_URL", ""),
	}

	c.Breaker = BreakerConfig{
		MaxFailures: c.getIntEnv("BREAKER_MAX_FAILURES", 5),
		Timeout:     c.getDurationEnv("BREAKER_TIMEOUT", 30*time.Second),
	}

	c.RulesFile = getEnv("RULES_FILE", "")
	c.APIRateLimit = c.getIntEnv("API_RATE_LIMIT", 0)
	c.APIRateWindow = c.getDurationEnv("API_RATE_WINDOW", time.Minute)
	return c
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (c *Config) getIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		c.parseErrors = append(c.parseErrors, fmt.Sprintf("%s must be an integer, got %q", key, value))
		return defaultValue
	}
	return parsed
}

func (c *Config) getFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		c.parseErrors = append(c.parseErrors, fmt.Sprintf("%s must be a number, got %q", key, value))
		return defaultValue
	}
	return parsed
}

func (c *Config) getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		c.parseErrors = append(c.parseErrors, fmt.Sprintf("%s must be a valid duration (e.g. '500ms', '1m'), got %q", key, value))
		return defaultValue
	}
	return parsed
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report errors by environment variable name.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := fld.Tag.Get("env"); name != "" {
			return name
		}
		return fld.Name
	})
	_ = v.RegisterValidation("cron_expression", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate reports every problem found, joined with "; ".
func (c *Config) Validate() error {
	problems := append([]string(nil), c.parseErrors...)

	if err := validate.Struct(c); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				problems = append(problems, formatFieldError(fe))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	if c.Router.BackoffBase > c.Router.BackoffMax {
		problems = append(problems, "ROUTER_BACKOFF_BASE must not exceed ROUTER_BACKOFF_MAX")
	}
	if c.Queue.BackoffBase > c.Queue.BackoffMax {
		problems = append(problems, "QUEUE_BACKOFF_BASE must not exceed QUEUE_BACKOFF_MAX")
	}
	if c.Router.LockTTL <= c.Router.LockWait {
		problems = append(problems, "ROUTER_LOCK_TTL must be longer than ROUTER_LOCK_WAIT")
	}

	switch c.DatabaseType {
	case "sqlite":
		if c.DatabasePath == "" {
			problems = append(problems, "DATABASE_PATH is required when using SQLite")
		}
	case "postgres":
		if c.PostgresURL == "" {
			if c.PostgresHost == "" {
				problems = append(problems, "POSTGRES_HOST is required when using PostgreSQL")
			}
			if c.PostgresDB == "" {
				problems = append(problems, "POSTGRES_DB is required when using PostgreSQL")
			}
			if c.PostgresUser == "" {
				problems = append(problems, "POSTGRES_USER is required when using PostgreSQL")
			}
		}
	}

	if c.NeedsRedis() && c.RedisAddress == "" {
		problems = append(problems, "REDIS_ADDRESS is required when LOCK_BACKEND or EVENTS_BACKEND is redis")
	}
	switch c.Events.Backend {
	case "rabbitmq":
		if c.Events.RabbitMQURL == "" {
			problems = append(problems, "RABBITMQ_URL is required when EVENTS_BACKEND is rabbitmq")
		}
	case "sns":
		if c.Events.SNSTopicARN == "" {
			problems = append(problems, "SNS_TOPIC_ARN is required when EVENTS_BACKEND is sns")
		}
	case "sqs":
		if c.Events.SQSQueueURL == "" {
			problems = append(problems, "SQS_QUEUE_URL is required when EVENTS_BACKEND is sqs")
		}
	}
	if (c.Events.AWSAccessKeyID == "") != (c.Events.AWSSecretKey == "") {
		problems = append(problems, "AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set together")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func formatFieldError(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", err.Field())
	case "numeric":
		return fmt.Sprintf("%s must be a number", err.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", err.Field(), err.Param())
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", err.Field(), err.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", err.Field(), err.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", err.Field(), err.Param())
	case "cron_expression":
		return fmt.Sprintf("%s must be a valid cron expression", err.Field())
	default:
		return fmt.Sprintf("%s failed validation: %s", err.Field(), err.Tag())
	}
}

// NeedsRedis reports whether any configured component talks to Redis. The
// dedupe cache is opportunistic and only enabled when an address is set.
func (c *Config) NeedsRedis() bool {
	return c.LockBackend == "redis" || c.Events.Backend == "redis"
}

// RouterBackoff is the in-call lock retry schedule.
func (c *Config) RouterBackoff() utils.Backoff {
	return utils.Backoff{
		Base:   c.Router.BackoffBase,
		Max:    c.Router.BackoffMax,
		Factor: c.Router.BackoffFactor,
		Jitter: c.Router.BackoffJitter,
	}
}

// QueueBackoff spaces processor passes for one entry.
func (c *Config) QueueBackoff() utils.Backoff {
	return utils.Backoff{
		Base:   c.Queue.BackoffBase,
		Max:    c.Queue.BackoffMax,
		Factor: 2,
		Jitter: c.Router.BackoffJitter,
	}
}
