package utils

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Backoff computes jittered exponential delays.
//
// Delay(n) = min(Base * Factor^n, Max), then spread by ±Jitter of itself.
// n counts completed attempts, so Delay(0) is the wait before the first retry.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	// Jitter in [0,1]; 0.2 spreads each delay over ±20%.
	Jitter float64
}

// DefaultBackoff is used when no configuration is supplied.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   50 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2.0,
		Jitter: 0.2,
	}
}

// Ceiling returns the unjittered delay for attempt n.
func (b Backoff) Ceiling(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(b.Base) * math.Pow(factor, float64(n))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Delay returns the jittered delay for attempt n. It never exceeds
// Ceiling(n) * (1 + Jitter) and never goes below zero.
func (b Backoff) Delay(n int) time.Duration {
	d := b.Ceiling(n)
	if b.Jitter <= 0 || d <= 0 {
		return d
	}
	spread := int64(float64(d) * b.Jitter)
	if spread <= 0 {
		return d
	}
	offset := randomInt64n(2*spread+1) - spread
	return d + time.Duration(offset)
}

// RetryConfig holds configuration for RetryWithBackoff.
type RetryConfig struct {
	// MaxAttempts includes the initial attempt.
	MaxAttempts int
	Backoff     Backoff
	// RetryableErrors decides whether an error is retried; nil retries everything.
	RetryableErrors func(error) bool
}

// RetryWithBackoff calls fn until it succeeds, returns a non-retryable error,
// the context ends, or MaxAttempts is reached. It returns the number of
// attempts made alongside the outcome.
func RetryWithBackoff(ctx context.Context, config RetryConfig, fn func(attempt int) error) (int, error) {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if config.RetryableErrors != nil && !config.RetryableErrors(err) {
			return attempt, err
		}
		if attempt == config.MaxAttempts {
			return attempt, fmt.Errorf("max retries exceeded: %w", lastErr)
		}

		timer := time.NewTimer(config.Backoff.Delay(attempt - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return config.MaxAttempts, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// randomInt64n returns a random int64 in [0, n) from crypto/rand, falling back to the clock.
func randomInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return time.Now().UnixNano() % n
	}
	return int64(binary.BigEndian.Uint64(buf[:]) % uint64(n))
}
