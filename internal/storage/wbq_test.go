package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-mail/agentmail/internal/clock"
)

type stubDisk struct{ critical bool }

func (s *stubDisk) CriticalOrWorse() bool { return s.critical }

func newWBQ(capacity, maxRetry int, disk DiskPressureSource) *WBQ {
	return NewWBQ(slog.New(slog.NewTextHandler(io.Discard, nil)), clock.System{}, disk, capacity, maxRetry)
}

func TestWBQEnqueueStatuses(t *testing.T) {
	t.Parallel()

	disk := &stubDisk{}
	q := newWBQ(2, 1, disk)

	noop := func(context.Context) error { return nil }
	assert.Equal(t, Enqueued, q.Enqueue(&ArchiveOp{DestinationKey: "a", Apply: noop}))
	assert.Equal(t, Enqueued, q.Enqueue(&ArchiveOp{DestinationKey: "b", Apply: noop}))

	// Full queue drops with backpressure accounting.
	assert.Equal(t, QueueUnavailable, q.Enqueue(&ArchiveOp{DestinationKey: "c", Apply: noop}))
	assert.Equal(t, int64(1), q.Stats().TotalBackpressureDrops)

	// Disk pressure Critical skips without touching the queue.
	disk.critical = true
	assert.Equal(t, SkippedDiskCritical, q.Enqueue(&ArchiveOp{DestinationKey: "d", Apply: noop}))
	assert.Equal(t, 2, q.Depth())
}

// Per-destination-key ordering is preserved across a drain.
func TestWBQPerKeyOrdering(t *testing.T) {
	t.Parallel()

	q := newWBQ(100, 1, nil)

	var mu sync.Mutex
	applied := map[string][]int{}
	enqueue := func(key string, seq int) {
		require.Equal(t, Enqueued, q.Enqueue(&ArchiveOp{
			DestinationKey: key,
			Apply: func(context.Context) error {
				mu.Lock()
				applied[key] = append(applied[key], seq)
				mu.Unlock()
				return nil
			},
		}))
	}
	for i := 0; i < 5; i++ {
		enqueue("alpha", i)
		enqueue("beta", i)
	}

	q.Drain(context.Background())
	assert.Zero(t, q.Depth())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, applied["alpha"])
	assert.Equal(t, []int{0, 1, 2, 3, 4}, applied["beta"])

	stats := q.Stats()
	assert.Equal(t, int64(10), stats.TotalEnqueued)
	assert.Equal(t, int64(10), stats.TotalDrained)
}

func TestWBQRetriesThenDrops(t *testing.T) {
	t.Parallel()

	q := newWBQ(10, 3, nil)

	attempts := 0
	require.Equal(t, Enqueued, q.Enqueue(&ArchiveOp{
		DestinationKey: "x",
		Apply: func(context.Context) error {
			attempts++
			return errors.New("disk hiccup")
		},
	}))

	q.Drain(context.Background())
	assert.Equal(t, 3, attempts)
	stats := q.Stats()
	assert.Equal(t, int64(1), stats.TotalErrors)
	assert.Equal(t, int64(0), stats.TotalDrained)
}

func TestWBQBackgroundDrain(t *testing.T) {
	t.Parallel()

	q := newWBQ(10, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	done := make(chan struct{})
	require.Equal(t, Enqueued, q.Enqueue(&ArchiveOp{
		DestinationKey: "bg",
		Apply: func(context.Context) error {
			close(done)
			return nil
		},
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("background worker never drained the op")
	}
}
