package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	base := 500 * time.Millisecond
	limit := 5 * time.Minute

	cases := []struct {
		attempt int
		jitter  time.Duration
		want    time.Duration
	}{
		{attempt: 0, want: base},
		{attempt: 1, want: time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 3, jitter: 200 * time.Millisecond, want: 4200 * time.Millisecond},
		{attempt: 9, want: limit},
		{attempt: 64, want: limit},
		{attempt: -2, want: base},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Backoff(tc.attempt, base, limit, tc.jitter), "attempt %d", tc.attempt)
	}
}

func TestBackoffExponentIsBounded(t *testing.T) {
	got := Backoff(1_000, time.Millisecond, 0, 0)
	assert.Equal(t, time.Millisecond<<maxBackoffExponent, got)
}

func TestFullJitter(t *testing.T) {
	assert.Zero(t, fullJitter(0))
	for range 100 {
		j := fullJitter(time.Second)
		assert.GreaterOrEqual(t, j, time.Duration(0))
		assert.Less(t, j, time.Second)
	}
}

func TestConfigNormalize(t *testing.T) {
	c := Config{MaxAttempts: -1}.normalize()
	assert.Equal(t, 50, c.BatchSize)
	assert.Equal(t, 2*time.Second, c.PollInterval)
	assert.Equal(t, 500*time.Millisecond, c.BaseBackoff)
	assert.Equal(t, 5*time.Minute, c.MaxBackoff)
	assert.Zero(t, c.MaxAttempts)
	assert.Equal(t, 10*time.Second, c.DrainTimeout)
}
