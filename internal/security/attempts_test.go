package security

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAttemptLimiterBurstPerIdentifier(t *testing.T) {
	limiter := NewAttemptLimiter(1, 3, time.Minute)
	now := time.Unix(1700000000, 0)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow("523749811223666"), "attempt %d", i)
	}
	assert.False(t, limiter.Allow("523749811223666"))

	// Other devices are unaffected
	assert.True(t, limiter.Allow("987654321"))

	// Tokens refill at one per second
	now = now.Add(time.Second)
	assert.True(t, limiter.Allow("523749811223666"))
	assert.False(t, limiter.Allow("523749811223666"))
}

func TestAttemptLimiterReset(t *testing.T) {
	limiter := NewAttemptLimiter(0.001, 1, time.Minute)

	assert.True(t, limiter.Allow("serial"))
	assert.False(t, limiter.Allow("serial"))

	limiter.Reset("serial")
	assert.True(t, limiter.Allow("serial"))
}

func TestAttemptLimiterPrunesIdleEntries(t *testing.T) {
	limiter := NewAttemptLimiter(1, 1, time.Minute)
	limiter.maxEntries = 5
	now := time.Unix(1700000000, 0)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		limiter.Allow(fmt.Sprintf("serial-%d", i))
	}
	assert.Equal(t, 5, limiter.Len())

	now = now.Add(2 * time.Minute)
	limiter.Allow("fresh")
	assert.Equal(t, 1, limiter.Len())
}
