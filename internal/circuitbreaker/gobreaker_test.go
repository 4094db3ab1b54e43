package circuitbreaker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"lead-router/internal/common/errors"
	"lead-router/internal/common/logging"
)

func TestBreaker(t *testing.T) {
	logger := logging.NopLogger{}

	t.Run("basic operation", func(t *testing.T) {
		cb := New("test-basic", Config{MaxFailures: 2, Timeout: 100 * time.Millisecond, HalfOpenRequests: 1}, logger)
		assert.Equal(t, StateClosed, cb.State())
		assert.NoError(t, cb.Execute(func() error { return nil }))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("opens after transient failures", func(t *testing.T) {
		cb := New("test-failures", Config{MaxFailures: 3, Timeout: time.Minute, HalfOpenRequests: 1}, logger)

		for i := 0; i < 3; i++ {
			err := cb.Execute(func() error {
				return errors.TransientError("query", fmt.Errorf("failure %d", i))
			})
			assert.Error(t, err)
		}
		assert.True(t, cb.IsOpen())

		err := cb.Execute(func() error {
			t.Fatal("should not be called while open")
			return nil
		})
		assert.True(t, errors.IsType(err, errors.ErrTypeTransientStore))
		assert.Contains(t, err.Error(), "test-failures")
	})

	t.Run("domain outcomes do not trip", func(t *testing.T) {
		cb := New("test-domain", Config{MaxFailures: 2, Timeout: time.Minute, HalfOpenRequests: 1}, logger)

		for i := 0; i < 5; i++ {
			_ = cb.Execute(func() error { return errors.ConflictError("lead changed") })
			_ = cb.Execute(func() error { return errors.NotFoundError("lead") })
		}
		assert.Equal(t, StateClosed, cb.State())
		assert.Equal(t, 0, cb.Stats().Failures)
	})

	t.Run("half-open then closed", func(t *testing.T) {
		cb := New("test-half-open", Config{MaxFailures: 2, Timeout: 50 * time.Millisecond, HalfOpenRequests: 1}, logger)
		for i := 0; i < 2; i++ {
			_ = cb.Execute(func() error { return fmt.Errorf("boom") })
		}
		assert.Equal(t, StateOpen, cb.State())

		time.Sleep(80 * time.Millisecond)
		assert.Equal(t, StateHalfOpen, cb.State())

		assert.NoError(t, cb.Execute(func() error { return nil }))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("invalid config falls back", func(t *testing.T) {
		cb := New("test-invalid", Config{}, logger)
		assert.NoError(t, cb.Execute(func() error { return nil }))
	})
}

func TestIsSuccessful(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, true},
		{"cancelled", context.Canceled, true},
		{"wrapped cancel", fmt.Errorf("query: %w", context.Canceled), true},
		{"transient", errors.TransientError("ping", fmt.Errorf("refused")), false},
		{"plain error", fmt.Errorf("driver: bad connection"), false},
		{"conflict", errors.ConflictError("x"), true},
		{"not found", errors.NotFoundError("lead"), true},
		{"invalid rule", errors.InvalidRuleError("bad", nil), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSuccessful(tt.err))
		})
	}
}
