package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agent-mail/agentmail/internal/clock"
)

// WatchdogStats records the watchdog's running counters.
type WatchdogStats struct {
	LastOKTs      int64
	LastCheckTs   int64
	ChecksTotal   int64
	FailuresTotal int64
	LastFailure   string
}

// IntegrityWatchdog periodically verifies schema presence, FTS trigger
// presence, and inbox-stats reconciliation against source-of-truth
// aggregates. It implements scheduler.Job.
type IntegrityWatchdog struct {
	db     *sql.DB
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	stats WatchdogStats
}

func NewIntegrityWatchdog(db *sql.DB, c clock.Clock, logger *slog.Logger) *IntegrityWatchdog {
	return &IntegrityWatchdog{db: db, clock: c, logger: logger}
}

func (w *IntegrityWatchdog) Name() string { return "integrity_watchdog" }

func (w *IntegrityWatchdog) Run(ctx context.Context) error {
	now := w.clock.Now().UnixMicro()
	w.mu.Lock()
	w.stats.ChecksTotal++
	w.stats.LastCheckTs = now
	w.mu.Unlock()

	if err := w.check(ctx); err != nil {
		w.mu.Lock()
		w.stats.FailuresTotal++
		w.stats.LastFailure = err.Error()
		w.mu.Unlock()
		w.logger.Error("integrity check failed", "error", err)
		return nil // failures surface through health, not as a job error
	}

	w.mu.Lock()
	w.stats.LastOKTs = now
	w.mu.Unlock()
	return nil
}

func (w *IntegrityWatchdog) check(ctx context.Context) error {
	requiredTables := []string{
		"projects", "agents", "messages", "message_recipients", "file_reservations",
		"fts_messages", "fts_agents", "fts_projects", "inbox_stats",
		"search_recipes", "query_history", "schema_migrations",
	}
	for _, t := range requiredTables {
		var name string
		err := w.db.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type IN ('table','view') AND name = ?`, t).Scan(&name)
		if err == sql.ErrNoRows {
			return fmt.Errorf("missing required table %q", t)
		}
		if err != nil {
			return fmt.Errorf("checking table %q: %w", t, err)
		}
	}

	requiredTriggers := []string{
		"trg_messages_fts_ai", "trg_messages_fts_au", "trg_messages_fts_ad",
		"trg_inbox_stats_message_insert", "trg_inbox_stats_recipient_insert",
		"trg_inbox_stats_set_read", "trg_inbox_stats_set_ack",
	}
	for _, t := range requiredTriggers {
		var name string
		err := w.db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='trigger' AND name = ?`, t).Scan(&name)
		if err == sql.ErrNoRows {
			return fmt.Errorf("missing required trigger %q", t)
		}
		if err != nil {
			return fmt.Errorf("checking trigger %q: %w", t, err)
		}
	}

	return w.reconcileInboxStats(ctx)
}

// reconcileInboxStats checks that inbox_stats counters
// equal the source-of-truth aggregates over message_recipients/messages.
func (w *IntegrityWatchdog) reconcileInboxStats(ctx context.Context) error {
	rows, err := w.db.QueryContext(ctx, `
		SELECT s.agent_id, s.total_count, s.unread_count, s.ack_pending_count,
			coalesce(t.total, 0), coalesce(t.unread, 0), coalesce(t.ack_pending, 0)
		FROM inbox_stats s
		LEFT JOIN (
			SELECT r.agent_id,
				count(*) AS total,
				sum(CASE WHEN r.read_ts IS NULL THEN 1 ELSE 0 END) AS unread,
				sum(CASE WHEN m.ack_required = 1 AND r.ack_ts IS NULL THEN 1 ELSE 0 END) AS ack_pending
			FROM message_recipients r
			JOIN messages m ON m.id = r.message_id
			GROUP BY r.agent_id
		) t ON t.agent_id = s.agent_id
	`)
	if err != nil {
		return fmt.Errorf("reconciling inbox_stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var agentID, total, unread, ackPending, truthTotal, truthUnread, truthAckPending int64
		if err := rows.Scan(&agentID, &total, &unread, &ackPending, &truthTotal, &truthUnread, &truthAckPending); err != nil {
			return err
		}
		if total != truthTotal || unread != truthUnread || ackPending != truthAckPending {
			return fmt.Errorf("inbox_stats mismatch for agent %d: stored=(%d,%d,%d) truth=(%d,%d,%d)",
				agentID, total, unread, ackPending, truthTotal, truthUnread, truthAckPending)
		}
	}
	return rows.Err()
}

func (w *IntegrityWatchdog) Stats() WatchdogStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
