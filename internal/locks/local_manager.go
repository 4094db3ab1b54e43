package locks

import (
	"context"
	"sync"
	"time"
)

// LocalManager is an in-process keyed lock. TTLs are ignored because a
// crashed holder takes the whole process with it.
type LocalManager struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocalManager creates an empty manager.
func NewLocalManager() *LocalManager {
	return &LocalManager{slots: make(map[string]*slot)}
}

func (m *LocalManager) TryAcquire(ctx context.Context, key string, _ time.Duration, wait time.Duration) (Lock, error) {
	s := m.ref(key)

	// Fast path, also the only path when wait is zero.
	select {
	case s.ch <- struct{}{}:
		return &localLock{key: key, slot: s, manager: m}, nil
	default:
	}
	if wait <= 0 {
		m.unref(key, s)
		return nil, ErrNotAcquired
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
		return &localLock{key: key, slot: s, manager: m}, nil
	case <-timer.C:
		m.unref(key, s)
		return nil, ErrNotAcquired
	case <-ctx.Done():
		m.unref(key, s)
		return nil, ctx.Err()
	}
}

func (m *LocalManager) ref(key string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	return s
}

func (m *LocalManager) unref(key string, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(m.slots, key)
	}
}

// Held returns the number of keys with a holder or waiter.
func (m *LocalManager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

func (m *LocalManager) Close() error { return nil }

type localLock struct {
	key     string
	slot    *slot
	manager *LocalManager
	once    sync.Once
	done    bool
	mu      sync.Mutex
}

func (l *localLock) Key() string { return l.key }

func (l *localLock) Release(context.Context) error {
	l.once.Do(func() {
		l.mu.Lock()
		l.done = true
		l.mu.Unlock()
		<-l.slot.ch
		l.manager.unref(l.key, l.slot)
	})
	return nil
}

func (l *localLock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.done
}

var _ Manager = (*LocalManager)(nil)
