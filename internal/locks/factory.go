package locks

import (
	"fmt"

	"lead-router/internal/redis"
)

// NewManager returns the manager for backend ("local" or "redis").
func NewManager(backend string, redisClient *redis.Client) (Manager, error) {
	switch backend {
	case "", "local":
		return NewLocalManager(), nil
	case "redis":
		return NewRedsyncManager(redisClient)
	default:
		return nil, fmt.Errorf("unknown lock backend %q", backend)
	}
}
