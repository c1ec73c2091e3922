package storage

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"syscall"
)

// PressureBand is one of the four disk pressure bands.
type PressureBand int

const (
	Normal PressureBand = iota
	Warning
	Critical
	Fatal
)

func (b PressureBand) String() string {
	switch b {
	case Normal:
		return "normal"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// DiskMonitorConfig holds the configurable MB thresholds.
type DiskMonitorConfig struct {
	Enabled     bool
	StorageRoot string
	DBPath      string
	WarningMB   int64
	CriticalMB  int64
	FatalMB     int64
}

// DiskMonitor periodically samples free space on the storage root and the
// DB file's directory, reporting the minimum of the two as the effective
// free-bytes value. It implements scheduler.Job.
type DiskMonitor struct {
	cfg    DiskMonitorConfig
	logger *slog.Logger

	mu            sync.RWMutex
	band          PressureBand
	effectiveFree int64
	lastErr       error
	sampledPath   string
}

func NewDiskMonitor(cfg DiskMonitorConfig, logger *slog.Logger) *DiskMonitor {
	return &DiskMonitor{cfg: cfg, logger: logger, band: Normal}
}

func (m *DiskMonitor) Name() string { return "disk_pressure_monitor" }

func (m *DiskMonitor) Run(ctx context.Context) error {
	if !m.cfg.Enabled {
		return nil
	}
	rootFree, err := freeBytes(m.cfg.StorageRoot)
	if err != nil {
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		m.logger.Warn("disk monitor sample failed", "path", m.cfg.StorageRoot, "error", err)
		return nil
	}
	dbFree, err := freeBytes(filepath.Dir(m.cfg.DBPath))
	if err != nil {
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		m.logger.Warn("disk monitor sample failed", "path", m.cfg.DBPath, "error", err)
		return nil
	}

	effective := rootFree
	path := m.cfg.StorageRoot
	if dbFree < effective {
		effective = dbFree
		path = filepath.Dir(m.cfg.DBPath)
	}

	band := bandFor(effective, m.cfg.WarningMB, m.cfg.CriticalMB, m.cfg.FatalMB)

	m.mu.Lock()
	prev := m.band
	m.band = band
	m.effectiveFree = effective
	m.sampledPath = path
	m.lastErr = nil
	m.mu.Unlock()

	if band != prev {
		m.logger.Info("disk pressure band changed", "from", prev, "to", band, "effective_free_bytes", effective)
	}
	return nil
}

func bandFor(freeBytes, warningMB, criticalMB, fatalMB int64) PressureBand {
	const mb = 1 << 20
	switch {
	case freeBytes <= fatalMB*mb:
		return Fatal
	case freeBytes <= criticalMB*mb:
		return Critical
	case freeBytes <= warningMB*mb:
		return Warning
	default:
		return Normal
	}
}

func freeBytes(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}

func (m *DiskMonitor) Band() PressureBand {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.band
}

// CriticalOrWorse implements DiskPressureSource for the WBQ.
func (m *DiskMonitor) CriticalOrWorse() bool {
	return m.Band() >= Critical
}

func (m *DiskMonitor) FatalBlocksMutations() bool {
	return m.Band() >= Fatal
}

type DiskMonitorSnapshot struct {
	Band          PressureBand
	EffectiveFree int64
	SampledPath   string
	LastError     error
}

func (m *DiskMonitor) Snapshot() DiskMonitorSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return DiskMonitorSnapshot{Band: m.band, EffectiveFree: m.effectiveFree, SampledPath: m.sampledPath, LastError: m.lastErr}
}
