package qualifier

import (
	"crypto/sha256"
	"sync"
	"time"
)

type replayEntry struct {
	usedAt    time.Time
	expiresAt time.Time
}

// ReplayCache remembers qualifiers that were already accepted so each is consumed once.
// Only SHA-256 fingerprints are held; raw qualifiers never stay in memory.
type ReplayCache struct {
	entries   map[[sha256.Size]byte]replayEntry
	mutex     sync.Mutex
	ttl       time.Duration
	maxSize   int
	replays   int64
	evictions int64
	now       func() time.Time
	stopChan  chan struct{}
	stopOnce  sync.Once
}

// ReplayStats is a snapshot of cache counters
type ReplayStats struct {
	Entries   int
	MaxSize   int
	Replays   int64
	Evictions int64
	TTL       time.Duration
}

// NewReplayCache creates a cache and starts its expiry sweeper; call Stop when done
func NewReplayCache(ttl time.Duration, maxSize int) *ReplayCache {
	c := &ReplayCache{
		entries:  make(map[[sha256.Size]byte]replayEntry),
		ttl:      ttl,
		maxSize:  maxSize,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}

	go c.cleanup(sweepInterval(ttl))

	return c
}

// MarkUsed records the qualifier for serialNumber and reports whether this was its first use
func (c *ReplayCache) MarkUsed(serialNumber, qualifier string) bool {
	key := fingerprint(serialNumber, qualifier)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	if entry, exists := c.entries[key]; exists && now.Before(entry.expiresAt) {
		c.replays++
		return false
	}

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	c.entries[key] = replayEntry{usedAt: now, expiresAt: now.Add(c.ttl)}
	return true
}

// Release forgets a qualifier, used when the activation it belonged to did not complete
func (c *ReplayCache) Release(serialNumber, qualifier string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.entries, fingerprint(serialNumber, qualifier))
}

// Stats returns cache statistics
func (c *ReplayCache) Stats() ReplayStats {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return ReplayStats{
		Entries:   len(c.entries),
		MaxSize:   c.maxSize,
		Replays:   c.replays,
		Evictions: c.evictions,
		TTL:       c.ttl,
	}
}

// Stop stops the sweeper goroutine
func (c *ReplayCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

func (c *ReplayCache) evictOldest() {
	var oldestKey [sha256.Size]byte
	var oldestTime time.Time
	found := false

	for key, entry := range c.entries {
		if !found || entry.usedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.usedAt
			found = true
		}
	}

	if found {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

func (c *ReplayCache) sweep() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	for key, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}

func (c *ReplayCache) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopChan:
			return
		}
	}
}

func sweepInterval(ttl time.Duration) time.Duration {
	const maxInterval = 5 * time.Minute
	if ttl <= 0 || ttl > maxInterval {
		return maxInterval
	}
	return ttl
}

func fingerprint(serialNumber, qualifier string) [sha256.Size]byte {
	h := sha256.New()
	h.Write([]byte(serialNumber))
	h.Write([]byte{0})
	h.Write([]byte(qualifier))

	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
