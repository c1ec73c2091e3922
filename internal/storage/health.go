package storage

// HealthBand is the single summary health level.
type HealthBand int

const (
	Green HealthBand = iota
	Yellow
	Red
)

func (b HealthBand) String() string {
	switch b {
	case Green:
		return "green"
	case Yellow:
		return "yellow"
	case Red:
		return "red"
	default:
		return "unknown"
	}
}

// HealthReport is the full snapshot behind the summary band, returned by
// the health tool/endpoint.
type HealthReport struct {
	Band      HealthBand
	Disk      DiskMonitorSnapshot
	Pool      PoolStats
	WBQ       WBQStats
	Coalescer CoalescerStats
	Watchdog  WatchdogStats
}

// ComputeHealth derives the summary band: any Red input escalates to Red;
// else any Yellow input escalates to Yellow; else Green.
func ComputeHealth(disk DiskMonitorSnapshot, pool PoolStats, wbq WBQStats, coalescer CoalescerStats, watchdog WatchdogStats) HealthReport {
	currentlyFailing := watchdog.LastCheckTs != 0 && watchdog.LastCheckTs != watchdog.LastOKTs

	band := Green
	switch {
	case disk.Band == Fatal:
		band = Red
	case disk.Band == Critical || disk.Band == Warning || pool.Warning || wbq.Warning || coalescer.Warning || currentlyFailing:
		band = Yellow
	}
	return HealthReport{
		Band:      band,
		Disk:      disk,
		Pool:      pool,
		WBQ:       wbq,
		Coalescer: coalescer,
		Watchdog:  watchdog,
	}
}
