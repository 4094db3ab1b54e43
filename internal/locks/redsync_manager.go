package locks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"

	apperrors "lead-router/internal/common/errors"
	"lead-router/internal/redis"
)

const redsyncRetryDelay = 25 * time.Millisecond

// RedsyncManager implements Manager with the Redlock algorithm via
// go-redsync/redsync/v4. Held locks are renewed at a third of their TTL.
type RedsyncManager struct {
	redsync *redsync.Redsync
	prefix  string

	mu   sync.Mutex
	held map[*RedsyncLock]struct{}
}

// RedsyncLock wraps a redsync.Mutex.
type RedsyncLock struct {
	mutex   *redsync.Mutex
	key     string
	ttl     time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
	manager *RedsyncManager
}

// NewRedsyncManager creates a Redlock manager on top of a connected client.
func NewRedsyncManager(redisClient *redis.Client) (*RedsyncManager, error) {
	if redisClient == nil {
		return nil, apperrors.ConfigError("redis client is required")
	}

	pool := goredis.NewPool(redisClient.GetGoRedisClient())

	return &RedsyncManager{
		redsync: redsync.New(pool),
		prefix:  redisClient.Key("lock"),
		held:    make(map[*RedsyncLock]struct{}),
	}, nil
}

// TryAcquire polls for the mutex every redsyncRetryDelay until wait elapses.
func (rm *RedsyncManager) TryAcquire(ctx context.Context, key string, ttl, wait time.Duration) (Lock, error) {
	tries := int(wait/redsyncRetryDelay) + 1

	mutex := rm.redsync.NewMutex(rm.prefix+":"+key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(tries),
		redsync.WithRetryDelay(redsyncRetryDelay),
	)

	acquireCtx := ctx
	if wait > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, wait+redsyncRetryDelay)
		defer cancel()
	}

	if err := mutex.LockContext(acquireCtx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrNotAcquired
		}
		return nil, apperrors.TransientError("acquire distributed lock", err)
	}

	lockCtx, cancel := context.WithCancel(context.Background())
	lock := &RedsyncLock{
		mutex:   mutex,
		key:     key,
		ttl:     ttl,
		ctx:     lockCtx,
		cancel:  cancel,
		manager: rm,
	}

	rm.mu.Lock()
	rm.held[lock] = struct{}{}
	rm.mu.Unlock()

	go rm.renew(lock)

	return lock, nil
}

func (rm *RedsyncManager) renew(lock *RedsyncLock) {
	interval := lock.ttl / 3
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-lock.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			ok, err := lock.mutex.ExtendContext(ctx)
			cancel()
			if err != nil || !ok {
				lock.cancel()
				rm.forget(lock)
				return
			}
		}
	}
}

func (rm *RedsyncManager) forget(lock *RedsyncLock) {
	rm.mu.Lock()
	delete(rm.held, lock)
	rm.mu.Unlock()
}

// Close releases every lock still held through this manager.
func (rm *RedsyncManager) Close() error {
	rm.mu.Lock()
	locks := make([]*RedsyncLock, 0, len(rm.held))
	for l := range rm.held {
		locks = append(locks, l)
	}
	rm.mu.Unlock()

	for _, l := range locks {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = l.Release(ctx)
		cancel()
	}
	return nil
}

func (rl *RedsyncLock) Key() string {
	return rl.key
}

// Release stops renewal and deletes the key if this holder still owns it.
func (rl *RedsyncLock) Release(ctx context.Context) error {
	var err error
	rl.once.Do(func() {
		lost := !rl.IsHeld()
		rl.cancel()
		rl.manager.forget(rl)

		ok, unlockErr := rl.mutex.UnlockContext(ctx)
		switch {
		case unlockErr != nil && !lost:
			var taken *redsync.ErrTaken
			if errors.As(unlockErr, &taken) || errors.Is(unlockErr, redsync.ErrLockAlreadyExpired) {
				err = ErrLockLost
				return
			}
			err = apperrors.TransientError("release distributed lock", unlockErr)
		case lost || !ok:
			err = ErrLockLost
		}
	})
	return err
}

func (rl *RedsyncLock) IsHeld() bool {
	select {
	case <-rl.ctx.Done():
		return false
	default:
		return true
	}
}

var _ Manager = (*RedsyncManager)(nil)
