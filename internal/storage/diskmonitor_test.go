package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBandFor(t *testing.T) {
	t.Parallel()

	const mb = int64(1 << 20)
	cases := []struct {
		free int64
		want PressureBand
	}{
		{5000 * mb, Normal},
		{2048 * mb, Warning}, // at the warning threshold
		{1000 * mb, Warning},
		{512 * mb, Critical},
		{100 * mb, Critical},
		{64 * mb, Fatal},
		{0, Fatal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, bandFor(tc.free, 2048, 512, 64), "free=%d", tc.free)
	}
}

func TestDiskMonitorSample(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := NewDiskMonitor(DiskMonitorConfig{
		Enabled: true, StorageRoot: dir, DBPath: dir + "/mail.sqlite3",
		WarningMB: 1, CriticalMB: 0, FatalMB: 0,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, m.Run(context.Background()))
	snap := m.Snapshot()
	assert.Positive(t, snap.EffectiveFree)
	assert.NotEmpty(t, snap.SampledPath)
	assert.NoError(t, snap.LastError)
	assert.False(t, m.CriticalOrWorse())
	assert.False(t, m.FatalBlocksMutations())
}

func TestDiskMonitorDisabled(t *testing.T) {
	t.Parallel()

	m := NewDiskMonitor(DiskMonitorConfig{Enabled: false}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, m.Run(context.Background()))
	assert.Equal(t, Normal, m.Band())
}

func TestComputeHealthBands(t *testing.T) {
	t.Parallel()

	// All quiet: Green.
	report := ComputeHealth(DiskMonitorSnapshot{Band: Normal}, PoolStats{}, WBQStats{}, CoalescerStats{}, WatchdogStats{})
	assert.Equal(t, Green, report.Band)

	// Any warning input: Yellow.
	report = ComputeHealth(DiskMonitorSnapshot{Band: Normal}, PoolStats{Warning: true}, WBQStats{}, CoalescerStats{}, WatchdogStats{})
	assert.Equal(t, Yellow, report.Band)

	report = ComputeHealth(DiskMonitorSnapshot{Band: Warning}, PoolStats{}, WBQStats{}, CoalescerStats{}, WatchdogStats{})
	assert.Equal(t, Yellow, report.Band)

	report = ComputeHealth(DiskMonitorSnapshot{Band: Critical}, PoolStats{}, WBQStats{}, CoalescerStats{}, WatchdogStats{})
	assert.Equal(t, Yellow, report.Band)

	// A failing integrity check (last check newer than last OK): Yellow.
	report = ComputeHealth(DiskMonitorSnapshot{Band: Normal}, PoolStats{}, WBQStats{}, CoalescerStats{},
		WatchdogStats{LastCheckTs: 200, LastOKTs: 100})
	assert.Equal(t, Yellow, report.Band)

	// Disk Fatal: Red, regardless of everything else.
	report = ComputeHealth(DiskMonitorSnapshot{Band: Fatal}, PoolStats{}, WBQStats{}, CoalescerStats{}, WatchdogStats{})
	assert.Equal(t, Red, report.Band)
}
