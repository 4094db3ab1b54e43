package config

import (
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	"PORT", "LOG_LEVEL", "LOG_FORMAT", "LOG_FILE",
	"DATABASE_TYPE", "DATABASE_PATH", "POSTGRES_URL", "POSTGRES_HOST", "POSTGRES_PORT", "POSTGRES_DB",
	"POSTGRES_USER", "POSTGRES_PASSWORD", "POSTGRES_SSL_MODE", "POSTGRES_MAX_CONNS",
	"REDIS_ADDRESS", "REDIS_PASSWORD", "REDIS_DB", "REDIS_POOL_SIZE", "REDIS_KEY_PREFIX",
	"LOCK_BACKEND",
	"ROUTER_LOCK_WAIT", "ROUTER_LOCK_TTL", "ROUTER_MAX_RETRIES",
	"ROUTER_BACKOFF_BASE", "ROUTER_BACKOFF_MAX", "ROUTER_BACKOFF_FACTOR", "ROUTER_BACKOFF_JITTER",
	"QUEUE_MAX_ATTEMPTS", "QUEUE_BACKOFF_BASE", "QUEUE_BACKOFF_MAX", "QUEUE_BATCH_SIZE",
	"QUEUE_SCHEDULE", "QUEUE_LEASE_TTL", "QUEUE_RATE_LIMIT",
	"DEDUPE_BUCKET", "DEDUPE_CACHE_TTL",
	"EVENTS_BACKEND", "EVENTS_REDIS_STREAM", "EVENTS_REDIS_MAXLEN", "RABBITMQ_URL", "RABBITMQ_EXCHANGE",
	"SNS_TOPIC_ARN", "SQS_QUEUE_URL", "AWS_REGION", "AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_ENDPOINT_URL",
	"RULES_FILE", "BREAKER_MAX_FAILURES", "BREAKER_TIMEOUT",
	"API_RATE_LIMIT", "API_RATE_WINDOW",
}

func clearTestEnvVars(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func TestLoad(t *testing.T) {
	clearTestEnvVars(t)

	config := Load()

	if config.Port != "8080" {
		t.Errorf("Load() Port = %v, want %v", config.Port, "8080")
	}
	if config.DatabaseType != "sqlite" {
		t.Errorf("Load() DatabaseType = %v, want sqlite", config.DatabaseType)
	}
	if config.DatabasePath != "./lead_router.db" {
		t.Errorf("Load() DatabasePath = %v, want ./lead_router.db", config.DatabasePath)
	}
	if config.LockBackend != "local" {
		t.Errorf("Load() LockBackend = %v, want local", config.LockBackend)
	}
	if config.Router.MaxRetries != 3 {
		t.Errorf("Load() Router.MaxRetries = %v, want 3", config.Router.MaxRetries)
	}
	if config.Router.LockWait != 500*time.Millisecond {
		t.Errorf("Load() Router.LockWait = %v, want 500ms", config.Router.LockWait)
	}
	if config.Queue.MaxAttempts != 5 {
		t.Errorf("Load() Queue.MaxAttempts = %v, want 5", config.Queue.MaxAttempts)
	}
	if config.Queue.Schedule != "@every 1m" {
		t.Errorf("Load() Queue.Schedule = %v, want @every 1m", config.Queue.Schedule)
	}
	if config.Dedupe.Bucket != 24*time.Hour {
		t.Errorf("Load() Dedupe.Bucket = %v, want 24h", config.Dedupe.Bucket)
	}
	if config.Events.Backend != "none" {
		t.Errorf("Load() Events.Backend = %v, want none", config.Events.Backend)
	}
	if config.NeedsRedis() {
		t.Error("Load() defaults should not need redis")
	}
	if config.APIRateLimit != 0 || config.APIRateWindow != time.Minute {
		t.Errorf("Load() API rate limit = %d per %v, want disabled per 1m", config.APIRateLimit, config.APIRateWindow)
	}

	if err := config.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestLoadWithEnvironment(t *testing.T) {
	clearTestEnvVars(t)
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_TYPE", "PostgreSQL")
	t.Setenv("POSTGRES_URL", "postgres://router@db/leads")
	t.Setenv("LOCK_BACKEND", "redis")
	t.Setenv("REDIS_ADDRESS", "redis:6379")
	t.Setenv("ROUTER_BACKOFF_BASE", "10ms")
	t.Setenv("ROUTER_BACKOFF_FACTOR", "1.5")
	t.Setenv("QUEUE_SCHEDULE", "*/5 * * * *")
	t.Setenv("QUEUE_RATE_LIMIT", "25")

	config := Load()

	if config.DatabaseType != "postgres" {
		t.Errorf("DatabaseType = %v, want postgres", config.DatabaseType)
	}
	if config.Router.BackoffBase != 10*time.Millisecond {
		t.Errorf("Router.BackoffBase = %v, want 10ms", config.Router.BackoffBase)
	}
	if config.RouterBackoff().Factor != 1.5 {
		t.Errorf("RouterBackoff().Factor = %v, want 1.5", config.RouterBackoff().Factor)
	}
	if config.Queue.RateLimit != 25 {
		t.Errorf("Queue.RateLimit = %v, want 25", config.Queue.RateLimit)
	}
	if !config.NeedsRedis() {
		t.Error("redis lock backend should need redis")
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name          string
		env           map[string]string
		errorContains []string
	}{
		{
			name:          "unparsable integer",
			env:           map[string]string{"ROUTER_MAX_RETRIES": "three"},
			errorContains: []string{"ROUTER_MAX_RETRIES must be an integer"},
		},
		{
			name:          "unparsable duration",
			env:           map[string]string{"QUEUE_LEASE_TTL": "5 minutes"},
			errorContains: []string{"QUEUE_LEASE_TTL must be a valid duration"},
		},
		{
			name:          "unknown database type",
			env:           map[string]string{"DATABASE_TYPE": "mysql"},
			errorContains: []string{"DATABASE_TYPE must be one of"},
		},
		{
			name:          "bad cron",
			env:           map[string]string{"QUEUE_SCHEDULE": "every minute"},
			errorContains: []string{"QUEUE_SCHEDULE must be a valid cron expression"},
		},
		{
			name:          "jitter out of range",
			env:           map[string]string{"ROUTER_BACKOFF_JITTER": "1.5"},
			errorContains: []string{"ROUTER_BACKOFF_JITTER must be at most 1"},
		},
		{
			name:          "backoff base above max",
			env:           map[string]string{"QUEUE_BACKOFF_BASE": "2h", "QUEUE_BACKOFF_MAX": "1h"},
			errorContains: []string{"QUEUE_BACKOFF_BASE must not exceed QUEUE_BACKOFF_MAX"},
		},
		{
			name:          "lock ttl shorter than wait",
			env:           map[string]string{"ROUTER_LOCK_WAIT": "5s", "ROUTER_LOCK_TTL": "1s"},
			errorContains: []string{"ROUTER_LOCK_TTL must be longer"},
		},
		{
			name:          "redis lock without address",
			env:           map[string]string{"LOCK_BACKEND": "redis"},
			errorContains: []string{"REDIS_ADDRESS is required"},
		},
		{
			name:          "rabbitmq without url",
			env:           map[string]string{"EVENTS_BACKEND": "rabbitmq"},
			errorContains: []string{"RABBITMQ_URL is required"},
		},
		{
			name:          "sns partial credentials",
			env:           map[string]string{"EVENTS_BACKEND": "sns", "SNS_TOPIC_ARN": "arn:aws:sns:us-east-1:1:leads", "AWS_ACCESS_KEY_ID": "AKIA"},
			errorContains: []string{"must be set together"},
		},
		{
			name:          "sqs without queue url",
			env:           map[string]string{"EVENTS_BACKEND": "sqs"},
			errorContains: []string{"SQS_QUEUE_URL is required"},
		},
		{
			name:          "negative api rate limit",
			env:           map[string]string{"API_RATE_LIMIT": "-1"},
			errorContains: []string{"API_RATE_LIMIT must be at least 0"},
		},
		{
			name: "reports every problem",
			env:  map[string]string{"QUEUE_MAX_ATTEMPTS": "0", "QUEUE_BATCH_SIZE": "5000"},
			errorContains: []string{
				"QUEUE_MAX_ATTEMPTS must be at least 1",
				"QUEUE_BATCH_SIZE must be at most 1000",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearTestEnvVars(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			err := Load().Validate()
			if err == nil {
				t.Fatalf("Validate() = nil, want error")
			}
			for _, want := range tt.errorContains {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("Validate() error = %q, want it to contain %q", err.Error(), want)
				}
			}
		})
	}
}

func TestQueueBackoff(t *testing.T) {
	clearTestEnvVars(t)
	t.Setenv("QUEUE_BACKOFF_BASE", "1s")
	t.Setenv("QUEUE_BACKOFF_MAX", "8s")

	b := Load().QueueBackoff()
	if got := b.Ceiling(10); got != 8*time.Second {
		t.Errorf("Ceiling(10) = %v, want 8s", got)
	}
	if got := b.Ceiling(1); got != 2*time.Second {
		t.Errorf("Ceiling(1) = %v, want 2s", got)
	}
}
