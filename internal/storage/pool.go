package storage

import (
	"context"
	"sync"
	"time"

	"github.com/agent-mail/agentmail/internal/apperr"
	"github.com/agent-mail/agentmail/internal/clock"
)

// PoolConfig configures the fixed-size connection pool.
type PoolConfig struct {
	Capacity        int
	MinWarm         int
	AcquireTimeout  time.Duration
	MaxConnLifetime time.Duration
}

// PoolStats is a point-in-time snapshot of pool health, surfaced through the
// health endpoint and metrics registry.
type PoolStats struct {
	Active           int
	Idle             int
	Total            int
	Pending          int
	PeakActive       int
	UtilizationPct   float64
	OverUtilFor      time.Duration
	Warning          bool
	AcquireP50Micros int64
	AcquireP95Micros int64
	AcquireP99Micros int64
}

// slot is a logical acquisition token. The pool does not open or close real
// *sql.DB connections per slot (database/sql already pools those); it
// instead serializes logical acquirers to the configured capacity so the
// observable contract (FIFO fairness, acquisition timeout, utilization)
// holds regardless of how database/sql manages physical connections
// underneath.
type Pool struct {
	cfg      PoolConfig
	clock    clock.Clock
	tokens   chan struct{}
	mu       sync.Mutex
	active   int
	pending  int
	peak     int
	overUtil *overUtilTracker
	latency  *latencyWindow
}

func NewPool(cfg PoolConfig, c clock.Clock) *Pool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	return &Pool{
		cfg:      cfg,
		clock:    c,
		tokens:   make(chan struct{}, cfg.Capacity),
		overUtil: newOverUtilTracker(c),
		latency:  newLatencyWindow(512),
	}
}

// Lease is returned by Acquire and must be released exactly once.
type Lease struct {
	pool *Pool
}

func (l *Lease) Release() {
	l.pool.release()
}

// Acquire blocks (honoring FIFO order via the channel's own ordering) until
// a slot is free, the context is cancelled, or the acquisition timeout
// elapses, whichever comes first.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	start := p.clock.Now()
	p.mu.Lock()
	p.pending++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.pending--
		p.mu.Unlock()
	}()

	timeoutCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	select {
	case p.tokens <- struct{}{}:
		p.latency.Add(p.clock.Now().Sub(start).Microseconds())
		p.mu.Lock()
		p.active++
		if p.active > p.peak {
			p.peak = p.active
		}
		util := p.utilizationLocked()
		p.mu.Unlock()
		p.overUtil.Observe(util)
		return &Lease{pool: p}, nil
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			e := apperr.Cancelled()
			e.Wrapped = ctx.Err()
			return nil, e
		}
		return nil, apperr.PoolExhausted(p.cfg.AcquireTimeout.String())
	}
}

func (p *Pool) release() {
	p.mu.Lock()
	p.active--
	util := p.utilizationLocked()
	p.mu.Unlock()
	p.overUtil.Observe(util)
	<-p.tokens
}

func (p *Pool) utilizationLocked() float64 {
	if p.cfg.Capacity == 0 {
		return 0
	}
	return float64(p.active) / float64(p.cfg.Capacity)
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	active, pending, peak := p.active, p.pending, p.peak
	util := p.utilizationLocked()
	p.mu.Unlock()

	p50, p95, p99 := p.latency.Percentiles()
	return PoolStats{
		Active:           active,
		Idle:             p.cfg.Capacity - active,
		Total:            p.cfg.Capacity,
		Pending:          pending,
		PeakActive:       peak,
		UtilizationPct:   util * 100,
		OverUtilFor:      p.overUtil.Observe(util),
		Warning:          p.overUtil.Warning(),
		AcquireP50Micros: p50,
		AcquireP95Micros: p95,
		AcquireP99Micros: p99,
	}
}
