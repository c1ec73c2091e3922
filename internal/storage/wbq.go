package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agent-mail/agentmail/internal/clock"
)

// EnqueueStatus is the outcome returned by Enqueue, never blocking.
type EnqueueStatus int

const (
	Enqueued EnqueueStatus = iota
	SkippedDiskCritical
	QueueUnavailable
)

func (s EnqueueStatus) String() string {
	switch s {
	case Enqueued:
		return "enqueued"
	case SkippedDiskCritical:
		return "skipped_disk_critical"
	case QueueUnavailable:
		return "queue_unavailable"
	default:
		return "unknown"
	}
}

// ArchiveOp is a single idempotent write destined for the archive
// filesystem. DestinationKey is the archive path the op will write;
// per-key ordering is preserved, cross-key ordering is not.
type ArchiveOp struct {
	DestinationKey string
	Apply          func(ctx context.Context) error
	enqueuedAt     time.Time
	attempts       int
}

// WBQStats mirrors the pool's observable contract.
type WBQStats struct {
	Depth                  int
	Capacity               int
	UtilizationPct         float64
	PeakDepth              int
	TotalEnqueued          int64
	TotalDrained           int64
	TotalErrors            int64
	TotalBackpressureDrops int64
	Warning                bool
	WaitP50Micros          int64
	WaitP95Micros          int64
	WaitP99Micros          int64
}

// DiskPressureSource reports whether archive writes are currently disabled
// because of disk pressure (wired to the disk monitor at startup).
type DiskPressureSource interface {
	CriticalOrWorse() bool
}

// WBQ is the write-behind queue decoupling callers from archive
// filesystem writes: a single background goroutine drains the queued ops,
// grouped by destination key so that per-key ordering survives concurrent
// producers.
type WBQ struct {
	logger   *slog.Logger
	clock    clock.Clock
	disk     DiskPressureSource
	capacity int
	maxRetry int

	mu       sync.Mutex
	queues   map[string][]*ArchiveOp // per destination key, FIFO
	order    []string                // destination keys in first-seen order
	depth    int
	peak     int
	overUtil *overUtilTracker
	latency  *latencyWindow

	totalEnqueued, totalDrained, totalErrors, totalDrops int64

	wake chan struct{}
	done chan struct{}
}

func NewWBQ(logger *slog.Logger, c clock.Clock, disk DiskPressureSource, capacity, maxRetry int) *WBQ {
	if capacity <= 0 {
		capacity = 10000
	}
	if maxRetry <= 0 {
		maxRetry = 5
	}
	return &WBQ{
		logger:   logger,
		clock:    c,
		disk:     disk,
		capacity: capacity,
		maxRetry: maxRetry,
		queues:   make(map[string][]*ArchiveOp),
		overUtil: newOverUtilTracker(c),
		latency:  newLatencyWindow(512),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Enqueue never blocks.
func (q *WBQ) Enqueue(op *ArchiveOp) EnqueueStatus {
	if q.disk != nil && q.disk.CriticalOrWorse() {
		return SkippedDiskCritical
	}

	q.mu.Lock()
	if q.depth >= q.capacity {
		q.totalDrops++
		q.mu.Unlock()
		return QueueUnavailable
	}
	op.enqueuedAt = q.clock.Now()
	if _, ok := q.queues[op.DestinationKey]; !ok {
		q.order = append(q.order, op.DestinationKey)
	}
	q.queues[op.DestinationKey] = append(q.queues[op.DestinationKey], op)
	q.depth++
	if q.depth > q.peak {
		q.peak = q.depth
	}
	q.totalEnqueued++
	util := float64(q.depth) / float64(q.capacity)
	q.mu.Unlock()
	q.overUtil.Observe(util)

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return Enqueued
}

// nextOp pops the head op of the key at the front of the rotation, then
// moves that key to the back if it still has ops (round-robin across keys,
// starting in first-enqueued order), preserving per-key FIFO since each
// key's slice is itself FIFO.
func (q *WBQ) nextOp() *ArchiveOp {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.order) > 0 {
		key := q.order[0]
		ops := q.queues[key]
		if len(ops) == 0 {
			q.order = q.order[1:]
			delete(q.queues, key)
			continue
		}
		op := ops[0]
		q.queues[key] = ops[1:]
		if len(q.queues[key]) == 0 {
			q.order = q.order[1:]
			delete(q.queues, key)
		} else {
			q.order = append(q.order[1:], key)
		}
		q.depth--
		return op
	}
	return nil
}

// Name satisfies scheduler.Job so the drain loop can optionally be driven
// by the shared Scheduler in addition to its own dedicated goroutine.
func (q *WBQ) Name() string { return "wbq_drain" }

// Run drains one op if available; intended to be called on a tight loop by
// Start's goroutine, or periodically by a Scheduler as a backstop.
func (q *WBQ) Run(ctx context.Context) error {
	op := q.nextOp()
	if op == nil {
		return nil
	}
	q.latency.Add(q.clock.Now().Sub(op.enqueuedAt).Microseconds())
	q.drainOne(ctx, op)
	return nil
}

func (q *WBQ) drainOne(ctx context.Context, op *ArchiveOp) {
	for {
		op.attempts++
		err := op.Apply(ctx)
		if err == nil {
			q.mu.Lock()
			q.totalDrained++
			q.mu.Unlock()
			return
		}
		if op.attempts >= q.maxRetry {
			q.logger.Error("wbq op dropped after retries",
				"destination_key", op.DestinationKey, "attempts", op.attempts, "error", err)
			q.mu.Lock()
			q.totalErrors++
			q.mu.Unlock()
			return
		}
		backoff := time.Duration(1<<uint(op.attempts)) * 50 * time.Millisecond
		q.logger.Warn("wbq op failed, retrying",
			"destination_key", op.DestinationKey, "attempt", op.attempts, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// Start launches the dedicated drain goroutine, which exits when ctx is
// cancelled without flushing what is still queued; Drain flushes the
// remaining ops at planned shutdown.
func (q *WBQ) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				close(q.done)
				return
			case <-q.wake:
				for q.Run(ctx) == nil && q.Depth() > 0 {
				}
			case <-ticker.C:
				for q.Run(ctx) == nil && q.Depth() > 0 {
				}
			}
		}
	}()
}

// Drain synchronously flushes remaining ops, used at planned shutdown.
func (q *WBQ) Drain(ctx context.Context) {
	for q.Depth() > 0 {
		if err := q.Run(ctx); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (q *WBQ) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

func (q *WBQ) Stats() WBQStats {
	q.mu.Lock()
	depth, peak := q.depth, q.peak
	enq, drained, errs, drops := q.totalEnqueued, q.totalDrained, q.totalErrors, q.totalDrops
	util := float64(depth) / float64(q.capacity)
	q.mu.Unlock()

	p50, p95, p99 := q.latency.Percentiles()
	return WBQStats{
		Depth:                  depth,
		Capacity:               q.capacity,
		UtilizationPct:         util * 100,
		PeakDepth:              peak,
		TotalEnqueued:          enq,
		TotalDrained:           drained,
		TotalErrors:            errs,
		TotalBackpressureDrops: drops,
		Warning:                q.overUtil.Warning(),
		WaitP50Micros:          p50,
		WaitP95Micros:          p95,
		WaitP99Micros:          p99,
	}
}
