// Package utils provides helpers shared across the router: id generation,
// jittered exponential backoff, retry loops and time bucketing.
package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lucsky/cuid"
)

// NewID returns a collision-resistant id for stored rows (leads, rules, queue entries).
func NewID() string {
	return cuid.New()
}

// NewOwnerID returns a random id identifying a processor instance when it
// leases queue entries.
func NewOwnerID() string {
	return uuid.NewString()
}

// GenerateRandomID generates a cryptographically secure random hex ID.
// For odd lengths the result is one character shorter.
func GenerateRandomID(length int) (string, error) {
	bytes := make([]byte, length/2)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// GenerateRequestID generates an id in the form "req-{hex}-{unix}" for request correlation.
func GenerateRequestID() string {
	id, err := GenerateRandomID(16)
	if err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("req-%s-%d", id, time.Now().Unix())
}

// StringOrNil returns a pointer to s, or nil when s is empty.
// Used to write NULL for optional columns.
func StringOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// StringFromPtr safely dereferences a string pointer.
func StringFromPtr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// TimeBucket truncates t to a multiple of size in UTC. A zero size returns the
// UTC day.
func TimeBucket(t time.Time, size time.Duration) time.Time {
	if size <= 0 {
		size = 24 * time.Hour
	}
	return t.UTC().Truncate(size)
}
