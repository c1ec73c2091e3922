package storage

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-mail/agentmail/internal/clock"
)

func TestCoalescerMergesConcurrentRequests(t *testing.T) {
	t.Parallel()

	var commits atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})
	c := NewCoalescer(clock.System{}, 32, func(archiveKey string) (string, error) {
		commits.Add(1)
		close(started)
		<-release
		return "hash-" + archiveKey, nil
	})

	const callers = 8
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = c.Commit("proj-a")
	}()
	<-started // the first commit is now in flight

	for i := 1; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Commit("proj-a")
		}()
	}
	// Give the followers a moment to attach to the in-flight commit.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "hash-proj-a", results[i])
	}
	// All concurrent requests collapsed into one commit.
	assert.Equal(t, int64(1), commits.Load())

	stats := c.Stats()
	assert.Equal(t, int64(callers), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.TotalCommits)
}

func TestCoalescerSoftCapFallsBackSynchronously(t *testing.T) {
	t.Parallel()

	var commits atomic.Int64
	block := make(chan struct{})
	started := make(chan struct{})
	c := NewCoalescer(clock.System{}, 1, func(archiveKey string) (string, error) {
		commits.Add(1)
		select {
		case <-started:
		default:
			close(started)
			<-block
		}
		return "hash", nil
	})

	go c.Commit("proj-a") //nolint:errcheck
	<-started

	// The cap of 1 is consumed by the in-flight request; this one falls
	// back to a direct synchronous commit.
	hash, err := c.Commit("proj-a")
	require.NoError(t, err)
	assert.Equal(t, "hash", hash)
	assert.Equal(t, int64(1), c.Stats().TotalSyncFallbacks)

	close(block)
}

func TestCoalescerDistinctKeysCommitIndependently(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	keys := map[string]int{}
	c := NewCoalescer(clock.System{}, 32, func(archiveKey string) (string, error) {
		mu.Lock()
		keys[archiveKey]++
		mu.Unlock()
		return archiveKey, nil
	})

	h1, err := c.Commit("proj-a")
	require.NoError(t, err)
	h2, err := c.Commit("proj-b")
	require.NoError(t, err)
	assert.Equal(t, "proj-a", h1)
	assert.Equal(t, "proj-b", h2)
	assert.Equal(t, 1, keys["proj-a"])
	assert.Equal(t, 1, keys["proj-b"])
}
