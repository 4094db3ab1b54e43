package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lead-router/internal/circuitbreaker"
	apperrors "lead-router/internal/common/errors"
	"lead-router/internal/common/logging"
	"lead-router/internal/storage"
	"lead-router/internal/storage/memory"
	"lead-router/internal/storage/storagetest"
)

func TestGuardedConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		return storage.NewGuarded(memory.New(),
			circuitbreaker.New("store", circuitbreaker.DefaultConfig(), logging.NopLogger{}))
	})
}

func TestGuardedOpensOnTransientFailures(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	breaker := circuitbreaker.New("store", circuitbreaker.Config{
		MaxFailures:      2,
		Timeout:          time.Minute,
		HalfOpenRequests: 1,
	}, logging.NopLogger{})
	g := storage.NewGuarded(inner, breaker)

	_, err := g.GetLead(ctx, "missing")
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeNotFound))
	assert.False(t, breaker.IsOpen())

	require.NoError(t, inner.Close())
	for i := 0; i < 2; i++ {
		_, err = g.GetLead(ctx, "any")
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeTransientStore))
	}
	assert.True(t, breaker.IsOpen())

	_, err = g.ListActiveRules(ctx, "w1")
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeTransientStore))
	assert.Contains(t, err.Error(), "circuit breaker")
}
