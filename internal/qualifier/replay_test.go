package qualifier

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestReplayCache(t *testing.T, ttl time.Duration, maxSize int) (*ReplayCache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	cache := NewReplayCache(ttl, maxSize)
	cache.mutex.Lock()
	cache.now = clock.Now
	cache.mutex.Unlock()
	t.Cleanup(cache.Stop)
	return cache, clock
}

func TestReplayCacheMarkUsed(t *testing.T) {
	cache, _ := newTestReplayCache(t, time.Hour, 10)

	assert.True(t, cache.MarkUsed(testSerial, "q1"))
	assert.False(t, cache.MarkUsed(testSerial, "q1"))
	assert.False(t, cache.MarkUsed(testSerial, "q1"))

	// The fingerprint is bound to the serial number
	assert.True(t, cache.MarkUsed("other-serial", "q1"))
	assert.True(t, cache.MarkUsed(testSerial, "q2"))

	stats := cache.Stats()
	assert.Equal(t, 3, stats.Entries)
	assert.Equal(t, int64(2), stats.Replays)
	assert.Equal(t, time.Hour, stats.TTL)
}

func TestReplayCacheFingerprintSeparatesFields(t *testing.T) {
	cache, _ := newTestReplayCache(t, time.Hour, 10)

	assert.True(t, cache.MarkUsed("ab", "c"))
	assert.True(t, cache.MarkUsed("a", "bc"))
}

func TestReplayCacheExpiry(t *testing.T) {
	cache, clock := newTestReplayCache(t, time.Minute, 10)

	require.True(t, cache.MarkUsed(testSerial, "q1"))
	clock.Advance(59 * time.Second)
	assert.False(t, cache.MarkUsed(testSerial, "q1"))

	clock.Advance(time.Second)
	assert.True(t, cache.MarkUsed(testSerial, "q1"))

	clock.Advance(2 * time.Minute)
	cache.sweep()
	assert.Equal(t, 0, cache.Stats().Entries)
}

func TestReplayCacheEvictsOldest(t *testing.T) {
	cache, clock := newTestReplayCache(t, time.Hour, 2)

	require.True(t, cache.MarkUsed(testSerial, "q1"))
	clock.Advance(time.Second)
	require.True(t, cache.MarkUsed(testSerial, "q2"))
	clock.Advance(time.Second)
	require.True(t, cache.MarkUsed(testSerial, "q3"))

	stats := cache.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, int64(1), stats.Evictions)

	// q1 was evicted, q2 is still remembered
	assert.False(t, cache.MarkUsed(testSerial, "q2"))
	assert.True(t, cache.MarkUsed(testSerial, "q1"))
}

func TestReplayCacheRelease(t *testing.T) {
	cache, _ := newTestReplayCache(t, time.Hour, 10)

	require.True(t, cache.MarkUsed(testSerial, "q1"))
	cache.Release(testSerial, "q1")
	assert.True(t, cache.MarkUsed(testSerial, "q1"))

	assert.NotPanics(t, func() { cache.Release("never", "seen") })
}

func TestReplayCacheConcurrentMarkUsed(t *testing.T) {
	cache, _ := newTestReplayCache(t, time.Hour, 1000)

	var firstUses atomic.Int64
	var g errgroup.Group
	for i := 0; i < 64; i++ {
		g.Go(func() error {
			if cache.MarkUsed(testSerial, "shared") {
				firstUses.Add(1)
			}
			cache.MarkUsed(testSerial, fmt.Sprintf("own-%d", i))
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(1), firstUses.Load())
	assert.Equal(t, 65, cache.Stats().Entries)
}

func TestReplayCacheStopIsIdempotent(t *testing.T) {
	cache := NewReplayCache(time.Millisecond, 10)
	assert.NotPanics(t, func() {
		cache.Stop()
		cache.Stop()
	})
}

func TestSweepInterval(t *testing.T) {
	assert.Equal(t, 5*time.Minute, sweepInterval(24*time.Hour))
	assert.Equal(t, 5*time.Minute, sweepInterval(0))
	assert.Equal(t, time.Minute, sweepInterval(time.Minute))
}
