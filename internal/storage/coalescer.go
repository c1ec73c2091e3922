package storage

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/agent-mail/agentmail/internal/clock"
)

// CommitFunc performs the actual archive commit for a given key (e.g. a Git
// commit of the project's archive directory) and returns a resulting
// identifier (a commit hash).
type CommitFunc func(archiveKey string) (string, error)

// CoalescerStats mirrors the WBQ's observable contract.
type CoalescerStats struct {
	PendingArchives    int
	TotalRequests      int64
	TotalCommits       int64
	TotalSyncFallbacks int64
	Warning            bool
}

// Coalescer merges concurrent commit requests against the same archive key
// into a single commit, built on singleflight.Group: requests for the same
// key collapsed into one call, every caller gets the identical result.
// A soft cap on pending-per-archive requests is enforced by a semaphore per
// key; callers beyond the cap fall back to a synchronous direct commit.
type Coalescer struct {
	group   singleflight.Group
	clock   clock.Clock
	softCap int
	commit  CommitFunc
	logger  *slog.Logger

	mu                                     sync.Mutex
	pending                                map[string]int
	overUtil                               *overUtilTracker
	totalReq, totalCommits, totalFallbacks int64
}

func NewCoalescer(c clock.Clock, softCapPerArchive int, commit CommitFunc) *Coalescer {
	return NewCoalescerWithLogger(c, softCapPerArchive, commit, slog.Default())
}

// NewCoalescerWithLogger is NewCoalescer with an explicit logger, used to
// correlate a request id across the coalesced-vs-fallback decision.
func NewCoalescerWithLogger(c clock.Clock, softCapPerArchive int, commit CommitFunc, logger *slog.Logger) *Coalescer {
	if softCapPerArchive <= 0 {
		softCapPerArchive = 32
	}
	return &Coalescer{
		clock:    c,
		softCap:  softCapPerArchive,
		commit:   commit,
		logger:   logger,
		pending:  make(map[string]int),
		overUtil: newOverUtilTracker(c),
	}
}

// Commit requests a commit of archiveKey, returning the resulting hash.
// Concurrent requests against the same key within singleflight's in-flight
// window receive the same hash and the same error, if any. Each call gets
// its own request id purely for log correlation across the coalesced vs.
// fallback path; it has no bearing on the dedup key, which stays archiveKey.
func (c *Coalescer) Commit(archiveKey string) (string, error) {
	requestID := uuid.NewString()

	c.mu.Lock()
	c.totalReq++
	over := c.pending[archiveKey] >= c.softCap
	if !over {
		c.pending[archiveKey]++
	}
	total := 0
	for _, n := range c.pending {
		total += n
	}
	c.mu.Unlock()
	c.overUtil.Observe(float64(total) / float64(c.softCap*8))

	if over {
		c.mu.Lock()
		c.totalFallbacks++
		c.mu.Unlock()
		if c.logger != nil {
			c.logger.Debug("coalescer soft cap exceeded, committing synchronously", "request_id", requestID, "archive_key", archiveKey)
		}
		return c.commit(archiveKey)
	}

	defer func() {
		c.mu.Lock()
		c.pending[archiveKey]--
		if c.pending[archiveKey] <= 0 {
			delete(c.pending, archiveKey)
		}
		c.mu.Unlock()
	}()

	hash, err, shared := c.group.Do(archiveKey, func() (any, error) {
		h, err := c.commit(archiveKey)
		if err == nil {
			c.mu.Lock()
			c.totalCommits++
			c.mu.Unlock()
		}
		return h, err
	})
	if c.logger != nil {
		c.logger.Debug("coalescer commit resolved", "request_id", requestID, "archive_key", archiveKey, "shared", shared)
	}
	if err != nil {
		return "", err
	}
	return hash.(string), nil
}

func (c *Coalescer) Stats() CoalescerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := 0
	for _, n := range c.pending {
		pending += n
	}
	return CoalescerStats{
		PendingArchives:    len(c.pending),
		TotalRequests:      c.totalReq,
		TotalCommits:       c.totalCommits,
		TotalSyncFallbacks: c.totalFallbacks,
		Warning:            c.overUtil.Warning(),
	}
}
