package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	client, err := NewClient(&Config{Address: mr.Addr(), KeyPrefix: "lr"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

func TestNewClient(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		_, err := NewClient(nil)
		assert.Error(t, err)
	})

	t.Run("unreachable", func(t *testing.T) {
		_, err := NewClient(&Config{Address: "127.0.0.1:1"})
		assert.Error(t, err)
	})

	t.Run("defaults pool size", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := &Config{Address: mr.Addr()}
		c, err := NewClient(cfg)
		require.NoError(t, err)
		defer c.Close()
		assert.Equal(t, 10, cfg.PoolSize)
		assert.NotNil(t, c.GetGoRedisClient())
		assert.NoError(t, c.Health(context.Background()))
	})
}

func TestKey(t *testing.T) {
	c, _ := setupTestRedis(t)
	assert.Equal(t, "lr:dedupe:abc", c.Key("dedupe", "abc"))

	c.config.KeyPrefix = ""
	assert.Equal(t, "dedupe:abc", c.Key("dedupe", "abc"))
}

func TestSetNX(t *testing.T) {
	c, mr := setupTestRedis(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "k", "lead-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, "k", "lead-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "lead-1", v)

	mr.FastForward(2 * time.Minute)
	_, err = c.Get(ctx, "k")
	assert.True(t, IsNil(err))
}

func TestJSONRoundTrip(t *testing.T) {
	c, _ := setupTestRedis(t)
	ctx := context.Background()

	type payload struct {
		LeadID string `json:"lead_id"`
	}
	require.NoError(t, c.Set(ctx, "p", payload{LeadID: "l1"}, 0))

	var got payload
	require.NoError(t, c.GetJSON(ctx, "p", &got))
	assert.Equal(t, "l1", got.LeadID)

	require.NoError(t, c.Delete(ctx, "p"))
	assert.True(t, IsNil(c.GetJSON(ctx, "p", &got)))
}

func TestXAdd(t *testing.T) {
	c, mr := setupTestRedis(t)

	id, err := c.XAdd(context.Background(), "events", 100, map[string]interface{}{"type": "lead.routed"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	entries, err := mr.Stream("events")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{"type", "lead.routed"}, entries[0].Values)
}

func TestSlidingWindowCount(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	key := client.Key("rate", "ip:1")

	n, err := client.SlidingWindowCount(ctx, key, "a", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = client.SlidingWindowCount(ctx, key, "b", now.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// "a" falls out of the window.
	n, err = client.SlidingWindowCount(ctx, key, "c", now.Add(61*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
