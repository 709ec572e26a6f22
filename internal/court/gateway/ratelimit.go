package gateway

import (
	"sync"
	"time"
)

// frameRateLimiter enforces a per-frame-type sliding window on one
// connection. Counters for frame types idle past pruneAfter are
// dropped so a long-lived connection does not accumulate stale state.
type frameRateLimiter struct {
	mu         sync.Mutex
	limit      int
	window     time.Duration
	pruneAfter time.Duration
	lastPrune  time.Time
	hits       map[string][]time.Time
}

func newFrameRateLimiter(limit int, window, pruneAfter time.Duration) *frameRateLimiter {
	return &frameRateLimiter{
		limit:      limit,
		window:     window,
		pruneAfter: pruneAfter,
		hits:       make(map[string][]time.Time),
	}
}

// allow records one frame of the given type and reports whether it
// fits in the window.
func (l *frameRateLimiter) allow(frameType string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(now)

	recent := l.hits[frameType]
	cutoff := now.Add(-l.window)
	kept := recent[:0]
	for _, hit := range recent {
		if hit.After(cutoff) {
			kept = append(kept, hit)
		}
	}
	if len(kept) >= l.limit {
		l.hits[frameType] = kept
		return false
	}
	l.hits[frameType] = append(kept, now)
	return true
}

func (l *frameRateLimiter) pruneLocked(now time.Time) {
	if now.Sub(l.lastPrune) < l.pruneAfter {
		return
	}
	l.lastPrune = now
	cutoff := now.Add(-l.pruneAfter)
	for frameType, recent := range l.hits {
		if len(recent) == 0 || !recent[len(recent)-1].After(cutoff) {
			delete(l.hits, frameType)
		}
	}
}

// trackedTypes reports how many frame types currently hold counters.
func (l *frameRateLimiter) trackedTypes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}
