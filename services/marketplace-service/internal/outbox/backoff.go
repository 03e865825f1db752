package outbox

import (
	"math/rand/v2"
	"time"
)

// maxBackoffExponent caps the doubling so the shift cannot overflow.
const maxBackoffExponent = 10

// Backoff returns the delay before the next try after attempt failures:
// 2^min(attempt,10)*base plus jitter, capped at limit when limit > 0.
func Backoff(attempt int, base, limit, jitter time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base<<min(attempt, maxBackoffExponent) + jitter
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// fullJitter draws uniformly from [0, base).
func fullJitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return rand.N(base)
}
