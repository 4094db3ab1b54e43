package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lead-router/internal/common/logging"
	"lead-router/internal/redis"
)

func setupLimiter(t *testing.T, limit int) *Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(&redis.Config{Address: mr.Addr(), KeyPrefix: "lr"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLimiter(client, Config{Limit: limit, Window: time.Minute}, logging.NopLogger{})
}

type failingCounter struct{}

func (failingCounter) Key(parts ...string) string { return "k" }
func (failingCounter) SlidingWindowCount(context.Context, string, string, time.Time, time.Duration) (int, error) {
	return 0, errors.New("connection refused")
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestNewLimiter(t *testing.T) {
	t.Run("defaults window", func(t *testing.T) {
		l := NewLimiter(nil, Config{Limit: 5}, logging.NopLogger{})
		assert.Equal(t, time.Minute, l.config.Window)
		assert.False(t, l.Enabled(), "no counter")
	})

	t.Run("zero limit disables", func(t *testing.T) {
		l := NewLimiter(failingCounter{}, Config{}, logging.NopLogger{})
		assert.False(t, l.Enabled())
		rl, err := l.Check(context.Background(), "ip:1")
		require.NoError(t, err)
		assert.True(t, rl.Allowed())
	})
}

func TestCheck(t *testing.T) {
	l := setupLimiter(t, 2)
	ctx := context.Background()

	for i, want := range []int{1, 0, -1} {
		rl, err := l.Check(ctx, "ip:1")
		require.NoError(t, err)
		assert.Equal(t, want, rl.Remaining, "request %d", i+1)
	}

	rl, err := l.Check(ctx, "ip:2")
	require.NoError(t, err)
	assert.True(t, rl.Allowed(), "keys are independent")
}

func TestMiddleware(t *testing.T) {
	l := setupLimiter(t, 1)
	h := l.Middleware(ClientKey)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/leads/route", nil)
	req.Header.Set("X-User-ID", "ops")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	t.Run("fails open", func(t *testing.T) {
		h := NewLimiter(failingCounter{}, Config{Limit: 1}, logging.NopLogger{}).Middleware(ClientKey)(okHandler())
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "ip:10.0.0.1:1234", ClientKey(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, "ip:203.0.113.9", ClientKey(req))

	req.Header.Set("X-User-ID", "u1")
	assert.Equal(t, "user:u1", ClientKey(req))
}
