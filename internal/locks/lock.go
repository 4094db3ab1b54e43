// Package locks provides the per-key mutual exclusion the router takes
// around a dedupe hash. Two implementations share one interface: a Redlock
// manager backed by go-redsync for multi-instance deployments, and an
// in-process keyed lock for single-node and test setups.
//
// Acquisition is always bounded. A caller either gets the lock within the
// wait it asked for or receives ErrNotAcquired; nothing blocks indefinitely.
package locks

import (
	"context"
	"errors"
	"time"
)

// ErrNotAcquired is returned when the key stayed busy for the whole wait.
var ErrNotAcquired = errors.New("lock not acquired")

// ErrLockLost is returned by Release when the lock expired before it was released.
var ErrLockLost = errors.New("lock lost before release")

// Lock is a held lock.
type Lock interface {
	// Key returns the key the lock was acquired on.
	Key() string

	// Release gives the lock up. Calling it more than once is a no-op.
	Release(ctx context.Context) error

	// IsHeld reports local state only; it does not query the backend.
	IsHeld() bool
}

// Manager acquires locks.
type Manager interface {
	// TryAcquire waits at most wait for key. ttl bounds how long a crashed
	// holder can keep the key; implementations renew it while held.
	TryAcquire(ctx context.Context, key string, ttl, wait time.Duration) (Lock, error)
	Close() error
}
