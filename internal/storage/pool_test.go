package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-mail/agentmail/internal/apperr"
	"github.com/agent-mail/agentmail/internal/clock"
)

func TestPoolAcquireRelease(t *testing.T) {
	t.Parallel()

	p := NewPool(PoolConfig{Capacity: 2, AcquireTimeout: time.Second}, clock.System{})
	ctx := context.Background()

	l1, err := p.Acquire(ctx)
	require.NoError(t, err)
	l2, err := p.Acquire(ctx)
	require.NoError(t, err)

	stats := p.Stats()
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, 2, stats.PeakActive)
	assert.Equal(t, 100.0, stats.UtilizationPct)

	l1.Release()
	l2.Release()
	stats = p.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 2, stats.Idle)
	assert.Equal(t, 2, stats.PeakActive)
}

func TestPoolExhaustionTimesOut(t *testing.T) {
	t.Parallel()

	p := NewPool(PoolConfig{Capacity: 1, AcquireTimeout: 50 * time.Millisecond}, clock.System{})
	ctx := context.Background()

	lease, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer lease.Release()

	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindPoolExhausted))
}

func TestPoolAcquireCancelled(t *testing.T) {
	t.Parallel()

	p := NewPool(PoolConfig{Capacity: 1, AcquireTimeout: 5 * time.Second}, clock.System{})

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindCancelled))
}

func TestPoolBlockedAcquirerGetsFreedSlot(t *testing.T) {
	t.Parallel()

	p := NewPool(PoolConfig{Capacity: 1, AcquireTimeout: 2 * time.Second}, clock.System{})
	ctx := context.Background()

	lease, err := p.Acquire(ctx)
	require.NoError(t, err)

	acquired := make(chan *Lease)
	go func() {
		l, err := p.Acquire(ctx)
		if err == nil {
			acquired <- l
		}
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, p.Stats().Pending)
	lease.Release()

	select {
	case l := <-acquired:
		l.Release()
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the freed slot")
	}
}

func TestOverUtilTracker(t *testing.T) {
	t.Parallel()

	c := clock.NewMutable(time.Unix(0, 0))
	tr := newOverUtilTracker(c)

	assert.Zero(t, tr.Observe(0.5))
	assert.False(t, tr.Warning())

	tr.Observe(0.9)
	c.Advance(4 * time.Minute)
	tr.Observe(0.95)
	assert.False(t, tr.Warning())

	// Sustained above 80% for 5 minutes flips the warning.
	c.Advance(2 * time.Minute)
	tr.Observe(0.9)
	assert.True(t, tr.Warning())

	// Dropping below the threshold resets both the clock and the flag.
	tr.Observe(0.2)
	assert.False(t, tr.Warning())
	tr.Observe(0.9)
	assert.False(t, tr.Warning())
}

func TestLatencyWindowPercentiles(t *testing.T) {
	t.Parallel()

	w := newLatencyWindow(100)
	p50, p95, p99 := w.Percentiles()
	assert.Zero(t, p50)
	assert.Zero(t, p95)
	assert.Zero(t, p99)

	for i := int64(1); i <= 100; i++ {
		w.Add(i)
	}
	p50, p95, p99 = w.Percentiles()
	assert.Equal(t, int64(50), p50)
	assert.Equal(t, int64(95), p95)
	assert.InDelta(t, 99, p99, 1)

	// The ring is bounded: old samples fall out once capacity wraps.
	small := newLatencyWindow(4)
	for i := int64(1); i <= 8; i++ {
		small.Add(i)
	}
	p50, _, _ = small.Percentiles()
	assert.GreaterOrEqual(t, p50, int64(5))
}
