package dedupe

import (
	"context"
	"time"

	"lead-router/internal/common/logging"
	"lead-router/internal/models"
	"lead-router/internal/redis"
)

// ClaimStore is the durable side of the index: a unique claim per hash.
type ClaimStore interface {
	// LookupClaim returns the lead holding hash, or "" if unclaimed.
	LookupClaim(ctx context.Context, hash string) (string, error)
	// Claim inserts hash->leadID unless hash is already claimed, in one
	// conditional write.
	Claim(ctx context.Context, hash, leadID string) (models.ClaimResult, error)
}

// Cache remembers claims. Claims never change once written, so a cached
// positive answer is always correct; a miss falls through to the store.
type Cache interface {
	Get(ctx context.Context, hash string) (string, bool)
	Put(ctx context.Context, hash, leadID string)
}

// Index answers "who claimed this hash" through the cache, then the store.
type Index struct {
	store  ClaimStore
	cache  Cache
	logger logging.Logger
}

// NewIndex builds an index. cache may be nil.
func NewIndex(store ClaimStore, cache Cache, logger logging.Logger) *Index {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	return &Index{store: store, cache: cache, logger: logger}
}

// Claimant returns the lead id holding hash, or "".
func (i *Index) Claimant(ctx context.Context, hash string) (string, error) {
	if hash == "" {
		return "", nil
	}
	if i.cache != nil {
		if id, ok := i.cache.Get(ctx, hash); ok {
			return id, nil
		}
	}
	id, err := i.store.LookupClaim(ctx, hash)
	if err != nil {
		return "", err
	}
	if id != "" {
		i.Remember(ctx, hash, id)
	}
	return id, nil
}

// Claim claims hash for leadID. Re-claiming with the same lead id succeeds.
func (i *Index) Claim(ctx context.Context, hash, leadID string) (models.ClaimResult, error) {
	res, err := i.store.Claim(ctx, hash, leadID)
	if err != nil {
		return models.ClaimResult{}, err
	}
	if res.Claimed {
		i.Remember(ctx, hash, leadID)
	} else {
		i.Remember(ctx, hash, res.ExistingLeadID)
	}
	return res, nil
}

// Remember records a committed claim in the cache.
func (i *Index) Remember(ctx context.Context, hash, leadID string) {
	if i.cache != nil && hash != "" && leadID != "" {
		i.cache.Put(ctx, hash, leadID)
	}
}

// RedisCache stores claims under <prefix>:dedupe:<hash>.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger logging.Logger
}

// NewRedisCache creates a cache whose entries expire after ttl (0 keeps them).
func NewRedisCache(client *redis.Client, ttl time.Duration, logger logging.Logger) *RedisCache {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

// Get treats Redis errors as misses so an outage only costs a store read.
func (c *RedisCache) Get(ctx context.Context, hash string) (string, bool) {
	id, err := c.client.Get(ctx, c.client.Key("dedupe", hash))
	if err != nil {
		if !redis.IsNil(err) {
			c.logger.Warn("dedupe cache read failed", logging.String("hash", hash), logging.Err(err))
		}
		return "", false
	}
	return id, id != ""
}

// Put uses SETNX so a cached claimant is never overwritten.
func (c *RedisCache) Put(ctx context.Context, hash, leadID string) {
	if _, err := c.client.SetNX(ctx, c.client.Key("dedupe", hash), leadID, c.ttl); err != nil {
		c.logger.Warn("dedupe cache write failed", logging.String("hash", hash), logging.Err(err))
	}
}
