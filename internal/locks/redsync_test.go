package locks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lead-router/internal/redis"
)

func newRedsyncManager(t *testing.T) (*RedsyncManager, *miniredis.Miniredis) {
	s := miniredis.RunT(t)

	client, err := redis.NewClient(&redis.Config{Address: s.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	m, err := NewRedsyncManager(client)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, s
}

func TestRedsyncManager(t *testing.T) {
	ctx := context.Background()

	t.Run("requires client", func(t *testing.T) {
		_, err := NewRedsyncManager(nil)
		assert.Error(t, err)
	})

	t.Run("acquire and release", func(t *testing.T) {
		m, s := newRedsyncManager(t)

		lock, err := m.TryAcquire(ctx, "dedupe:abc", 5*time.Second, 0)
		require.NoError(t, err)
		assert.True(t, lock.IsHeld())
		assert.True(t, s.Exists("lock:dedupe:abc"))

		_, err = m.TryAcquire(ctx, "dedupe:abc", 5*time.Second, 60*time.Millisecond)
		assert.ErrorIs(t, err, ErrNotAcquired)

		require.NoError(t, lock.Release(ctx))
		assert.False(t, lock.IsHeld())
		assert.False(t, s.Exists("lock:dedupe:abc"))

		again, err := m.TryAcquire(ctx, "dedupe:abc", 5*time.Second, 0)
		require.NoError(t, err)
		require.NoError(t, again.Release(ctx))
	})

	t.Run("independent keys", func(t *testing.T) {
		m, _ := newRedsyncManager(t)

		a, err := m.TryAcquire(ctx, "a", 5*time.Second, 0)
		require.NoError(t, err)
		b, err := m.TryAcquire(ctx, "b", 5*time.Second, 0)
		require.NoError(t, err)

		require.NoError(t, a.Release(ctx))
		require.NoError(t, b.Release(ctx))
	})

	t.Run("close releases held locks", func(t *testing.T) {
		m, s := newRedsyncManager(t)

		_, err := m.TryAcquire(ctx, "held", 5*time.Second, 0)
		require.NoError(t, err)
		require.NoError(t, m.Close())
		assert.False(t, s.Exists("lock:held"))
	})

	t.Run("factory builds redis manager", func(t *testing.T) {
		s := miniredis.RunT(t)
		client, err := redis.NewClient(&redis.Config{Address: s.Addr()})
		require.NoError(t, err)
		defer client.Close()

		m, err := NewManager("redis", client)
		require.NoError(t, err)
		assert.IsType(t, &RedsyncManager{}, m)
	})
}
