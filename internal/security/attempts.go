package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AttemptLimiter throttles activation attempts per device identifier.
// Each identifier gets its own token bucket; idle buckets are pruned once the
// table grows past maxEntries.
type AttemptLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*attemptEntry
	limit      rate.Limit
	burst      int
	idleTTL    time.Duration
	maxEntries int
	now        func() time.Time
}

type attemptEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewAttemptLimiter creates a limiter allowing rps attempts per second with the given burst per identifier
func NewAttemptLimiter(rps float64, burst int, idleTTL time.Duration) *AttemptLimiter {
	return &AttemptLimiter{
		limiters:   make(map[string]*attemptEntry),
		limit:      rate.Limit(rps),
		burst:      burst,
		idleTTL:    idleTTL,
		maxEntries: 10000,
		now:        time.Now,
	}
}

// Allow reports whether another attempt for identifier may proceed now
func (l *AttemptLimiter) Allow(identifier string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, exists := l.limiters[identifier]
	if !exists {
		if len(l.limiters) >= l.maxEntries {
			l.pruneLocked(now)
		}
		entry = &attemptEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[identifier] = entry
	}
	entry.lastSeen = now

	return entry.limiter.AllowN(now, 1)
}

// Reset forgets the bucket for identifier, e.g. after a successful activation
func (l *AttemptLimiter) Reset(identifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, identifier)
}

// Len returns the number of tracked identifiers
func (l *AttemptLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *AttemptLimiter) pruneLocked(now time.Time) {
	for id, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > l.idleTTL {
			delete(l.limiters, id)
		}
	}
}
