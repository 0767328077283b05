// Package retry computes deterministic backoff schedules and runs bounded
// retry loops around transient failures.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds a retry loop. Attempt 0 is the first call and is never
// delayed.
type Policy struct {
	BaseMs      int64 `json:"base_ms" yaml:"base_ms" validate:"gte=0"`
	MaxMs       int64 `json:"max_ms" yaml:"max_ms" validate:"gtefield=BaseMs"`
	MaxJitterMs int64 `json:"max_jitter_ms" yaml:"max_jitter_ms" validate:"gte=0"`
	MaxAttempts int   `json:"max_attempts" yaml:"max_attempts" validate:"gte=1"`
}

// DefaultPolicy is used for document recognition calls.
func DefaultPolicy() Policy {
	return Policy{BaseMs: 200, MaxMs: 5000, MaxJitterMs: 100, MaxAttempts: 3}
}

// Backoff returns the delay before attempt. The jitter is derived from seed
// so the same document retries on the same schedule.
func Backoff(policy Policy, seed string, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	factor := int64(1)
	if attempt > 30 {
		// avoid overflow
		factor = 1 << 30
	} else {
		factor = 1 << attempt
	}

	delay := policy.BaseMs * factor
	if policy.MaxMs > 0 && delay > policy.MaxMs {
		delay = policy.MaxMs
	}
	return time.Duration(delay+jitter(policy, seed, attempt)) * time.Millisecond
}

func jitter(policy Policy, seed string, attempt int) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", seed, attempt)))
	basis := binary.BigEndian.Uint64(sum[:8])
	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}
