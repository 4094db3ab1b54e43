// Package ratelimit throttles API callers with a Redis sliding window shared
// by every router instance.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	apperrors "lead-router/internal/common/errors"
	"lead-router/internal/common/logging"
	"lead-router/internal/common/utils"
	"lead-router/internal/redis"
)

// Counter is the slice of the Redis client the limiter needs.
type Counter interface {
	Key(parts ...string) string
	SlidingWindowCount(ctx context.Context, key, member string, now time.Time, window time.Duration) (int, error)
}

type Config struct {
	// Limit is the number of requests allowed per Window; 0 disables limiting.
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`
}

type Limiter struct {
	counter Counter
	config  Config
	logger  logging.Logger
	now     func() time.Time
}

// RateLimit is the state of one key after a request was counted.
type RateLimit struct {
	Limit     int           `json:"limit"`
	Window    time.Duration `json:"window"`
	Remaining int           `json:"remaining"`
	ResetTime time.Time     `json:"reset_time"`
}

// Allowed reports whether the counted request fits the limit.
func (r *RateLimit) Allowed() bool {
	return r.Remaining >= 0
}

func NewLimiter(counter Counter, config Config, logger logging.Logger) *Limiter {
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if logger == nil {
		logger = logging.Component("ratelimit")
	}
	return &Limiter{counter: counter, config: config, logger: logger, now: time.Now}
}

// NewRedisLimiter is NewLimiter over a connected client.
func NewRedisLimiter(client *redis.Client, config Config, logger logging.Logger) *Limiter {
	return NewLimiter(client, config, logger)
}

func (l *Limiter) Enabled() bool {
	return l.counter != nil && l.config.Limit > 0
}

// Check counts one request for key. Remaining goes negative once the
// limit is exceeded.
func (l *Limiter) Check(ctx context.Context, key string) (*RateLimit, error) {
	now := l.now()
	if !l.Enabled() {
		return &RateLimit{Limit: l.config.Limit, Window: l.config.Window, Remaining: l.config.Limit, ResetTime: now.Add(l.config.Window)}, nil
	}

	count, err := l.counter.SlidingWindowCount(ctx, l.counter.Key("ratelimit", key), utils.NewID(), now, l.config.Window)
	if err != nil {
		return nil, apperrors.TransientError("check rate limit", err)
	}
	return &RateLimit{
		Limit:     l.config.Limit,
		Window:    l.config.Window,
		Remaining: l.config.Limit - count,
		ResetTime: now.Add(l.config.Window),
	}, nil
}

// Middleware rejects requests over the limit with 429. Requests with an
// empty key, and requests made while Redis is unreachable, pass through.
func (l *Limiter) Middleware(keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if !l.Enabled() || key == "" {
				next.ServeHTTP(w, r)
				return
			}

			rl, err := l.Check(r.Context(), key)
			if err != nil {
				l.logger.Warn("Rate limit check failed, allowing request", logging.String("key", key), logging.Err(err))
				next.ServeHTTP(w, r)
				return
			}

			remaining := rl.Remaining
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rl.ResetTime.Unix(), 10))

			if !rl.Allowed() {
				w.Header().Set("Retry-After", strconv.Itoa(int(rl.Window.Seconds())))
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientKey identifies callers by user header, falling back to client IP.
func ClientKey(r *http.Request) string {
	if user := r.Header.Get("X-User-ID"); user != "" {
		return fmt.Sprintf("user:%s", user)
	}
	ip := r.Header.Get("X-Forwarded-For")
	if ip == "" {
		ip = r.Header.Get("X-Real-IP")
	}
	if ip == "" {
		ip = r.RemoteAddr
	}
	return fmt.Sprintf("ip:%s", ip)
}
