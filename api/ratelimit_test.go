package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time { return c.t }

func newTestLimiter() (*tokenRateLimiter, *stepClock) {
	c := &stepClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rl := newTokenRateLimiter()
	rl.now = c.now
	return rl, c
}

func TestRateLimiter_AllowsBeforeThreshold(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < maxFailures-1; i++ {
		rl.recordFailure("10.0.0.1")
		blocked, _ := rl.check("10.0.0.1")
		assert.False(t, blocked)
	}
}

func TestRateLimiter_ExponentialBackoff(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < maxFailures; i++ {
		rl.recordFailure("10.0.0.1")
	}
	blocked, first := rl.check("10.0.0.1")
	require.True(t, blocked)
	assert.Equal(t, baseLockout, first)

	rl.recordFailure("10.0.0.1")
	_, second := rl.check("10.0.0.1")
	assert.Equal(t, 2*baseLockout, second)

	for range 20 {
		rl.recordFailure("10.0.0.1")
	}
	_, capped := rl.check("10.0.0.1")
	assert.Equal(t, maxLockout, capped)
}

func TestRateLimiter_LockoutElapses(t *testing.T) {
	rl, clock := newTestLimiter()
	for i := 0; i < maxFailures; i++ {
		rl.recordFailure("10.0.0.1")
	}
	clock.t = clock.t.Add(baseLockout)
	blocked, _ := rl.check("10.0.0.1")
	assert.False(t, blocked)

	clock.t = clock.t.Add(attemptExpiry + time.Second)
	rl.check("10.0.0.1")
	assert.Empty(t, rl.attempts)
}

func TestRateLimiter_SuccessResetsAndIsolates(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < maxFailures; i++ {
		rl.recordFailure("10.0.0.1")
	}
	blocked, _ := rl.check("10.0.0.2")
	assert.False(t, blocked)

	rl.recordSuccess("10.0.0.1")
	blocked, _ = rl.check("10.0.0.1")
	assert.False(t, blocked)
}

func TestRetryAfterString(t *testing.T) {
	assert.Equal(t, "1", retryAfterString(0))
	assert.Equal(t, "1", retryAfterString(300*time.Millisecond))
	assert.Equal(t, "90", retryAfterString(90*time.Second))
}
