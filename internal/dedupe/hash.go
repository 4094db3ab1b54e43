// Package dedupe computes lead fingerprints and fronts the durable claim
// table with an optional Redis cache.
package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"lead-router/internal/common/utils"
)

// Hash fingerprints a lead as sha256(email|industry|bucket). Leads sharing
// a normalized email and industry inside the same time bucket collide.
func Hash(email, industry string, at time.Time, bucket time.Duration) string {
	parts := []string{
		strings.ToLower(strings.TrimSpace(email)),
		strings.ToLower(strings.TrimSpace(industry)),
		utils.TimeBucket(at, bucket).Format(time.RFC3339),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
