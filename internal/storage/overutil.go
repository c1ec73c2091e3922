package storage

import (
	"sync"
	"time"

	"github.com/agent-mail/agentmail/internal/clock"
)

// overUtilTracker flips a warning flag once utilization has stayed
// continuously above 80% for 5 minutes, used identically by the pool, WBQ,
// and commit coalescer.
type overUtilTracker struct {
	mu         sync.Mutex
	clock      clock.Clock
	threshold  float64
	sustainFor time.Duration
	since      time.Time
	warning    bool
}

func newOverUtilTracker(c clock.Clock) *overUtilTracker {
	return &overUtilTracker{clock: c, threshold: 0.80, sustainFor: 5 * time.Minute}
}

// Observe records the current utilization fraction (0..1) and returns the
// duration utilization has been continuously over threshold (0 if not).
func (t *overUtilTracker) Observe(utilization float64) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	if utilization <= t.threshold {
		t.since = time.Time{}
		t.warning = false
		return 0
	}
	if t.since.IsZero() {
		t.since = now
	}
	elapsed := now.Sub(t.since)
	t.warning = elapsed >= t.sustainFor
	return elapsed
}

func (t *overUtilTracker) Warning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.warning
}
