// Package system implements the operational tools: health_status and
// migration_status.
package system

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agent-mail/agentmail/internal/mcp"
	"github.com/agent-mail/agentmail/internal/storage"
)

// HealthSource produces the current health snapshot; appctx.Context
// satisfies it.
type HealthSource interface {
	Health() storage.HealthReport
}

// --- health_status ---

type Health struct {
	source HealthSource
}

func NewHealth(source HealthSource) *Health { return &Health{source: source} }

func (t *Health) Name() string { return "health_status" }
func (t *Health) Description() string {
	return "Report the summary health band (green/yellow/red) with the pool, write-behind queue, commit coalescer, disk pressure, and integrity watchdog snapshots behind it."
}
func (t *Health) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *Health) Execute(_ context.Context, _ json.RawMessage) (*mcp.ToolsCallResult, error) {
	report := t.source.Health()
	return mcp.JSONResult(map[string]any{
		"band": report.Band.String(),
		"disk": map[string]any{
			"band":           report.Disk.Band.String(),
			"effective_free": report.Disk.EffectiveFree,
			"sampled_path":   report.Disk.SampledPath,
		},
		"pool": map[string]any{
			"active":          report.Pool.Active,
			"pending":         report.Pool.Pending,
			"peak_active":     report.Pool.PeakActive,
			"utilization_pct": report.Pool.UtilizationPct,
			"warning":         report.Pool.Warning,
			"acquire_p95_us":  report.Pool.AcquireP95Micros,
		},
		"wbq": map[string]any{
			"depth":           report.WBQ.Depth,
			"utilization_pct": report.WBQ.UtilizationPct,
			"errors_total":    report.WBQ.TotalErrors,
			"warning":         report.WBQ.Warning,
		},
		"coalescer": map[string]any{
			"pending_archives":     report.Coalescer.PendingArchives,
			"sync_fallbacks_total": report.Coalescer.TotalSyncFallbacks,
			"warning":              report.Coalescer.Warning,
		},
		"watchdog": map[string]any{
			"checks_total":   report.Watchdog.ChecksTotal,
			"failures_total": report.Watchdog.FailuresTotal,
			"last_ok_ts":     report.Watchdog.LastOKTs,
		},
	})
}

// --- migration_status ---

type MigrationStatus struct {
	migrator *storage.Migrator
}

func NewMigrationStatus(migrator *storage.Migrator) *MigrationStatus {
	return &MigrationStatus{migrator: migrator}
}

func (t *MigrationStatus) Name() string { return "migration_status" }
func (t *MigrationStatus) Description() string {
	return "Report Applied or Pending for every known schema migration, in application order."
}
func (t *MigrationStatus) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *MigrationStatus) Execute(ctx context.Context, _ json.RawMessage) (*mcp.ToolsCallResult, error) {
	statuses, err := t.migrator.Status(ctx)
	if err != nil {
		return mcp.ErrorResult(fmt.Sprintf("reading migration status: %v", err)), nil
	}
	items := make([]map[string]any, len(statuses))
	for i, s := range statuses {
		state := "pending"
		if s.Applied {
			state = "applied"
		}
		items[i] = map[string]any{"id": s.ID, "state": state}
	}
	return mcp.JSONResult(map[string]any{"migrations": items})
}
