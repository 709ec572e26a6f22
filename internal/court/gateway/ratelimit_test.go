package gateway

import (
	"testing"
	"time"
)

func TestFrameRateLimiterEnforcesWindow(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 2, 14, 10, 0, 0, 0, time.UTC)
	limiter := newFrameRateLimiter(3, time.Second, time.Minute)

	for i := 0; i < 3; i++ {
		if !limiter.allow("court.join", base.Add(time.Duration(i)*time.Millisecond)) {
			t.Fatalf("frame %d should be allowed", i)
		}
	}
	if limiter.allow("court.join", base.Add(4*time.Millisecond)) {
		t.Fatal("fourth frame inside the window should be rejected")
	}
	// A different frame type keeps its own budget.
	if !limiter.allow("court.pick_resolution", base.Add(5*time.Millisecond)) {
		t.Fatal("another frame type should not share the budget")
	}
	// Once the window slides past the first hits, the budget frees up.
	if !limiter.allow("court.join", base.Add(1100*time.Millisecond)) {
		t.Fatal("frame after the window slid should be allowed")
	}
}

func TestFrameRateLimiterPrunesIdleCounters(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 2, 14, 10, 0, 0, 0, time.UTC)
	limiter := newFrameRateLimiter(3, time.Second, time.Minute)

	limiter.allow("court.join", base)
	limiter.allow("court.submit_evidence", base)
	if got := limiter.trackedTypes(); got != 2 {
		t.Fatalf("tracked types = %d, want 2", got)
	}

	// Two minutes later only the fresh type survives the prune.
	limiter.allow("court.pick_resolution", base.Add(2*time.Minute))
	if got := limiter.trackedTypes(); got != 1 {
		t.Fatalf("tracked types after prune = %d, want 1", got)
	}
}

func TestRegistryKeepsOnlyTheNewestPeer(t *testing.T) {
	t.Parallel()

	reg := newRegistry()
	first := newWSPeer(nil)
	second := newWSPeer(nil)

	reg.register("user-a", first)
	reg.register("user-a", second)
	if reg.peerFor("user-a") != second {
		t.Fatal("newest registration should win")
	}

	// The stale connection's teardown must not evict its successor.
	reg.unregister("user-a", first)
	if reg.peerFor("user-a") != second {
		t.Fatal("stale unregister evicted the live peer")
	}

	reg.unregister("user-a", second)
	if reg.peerFor("user-a") != nil {
		t.Fatal("owner unregister should remove the peer")
	}
}
