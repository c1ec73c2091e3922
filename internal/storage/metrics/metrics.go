// Package metrics exposes the storage core's point-in-time stats
// snapshots as Prometheus gauges. It registers into a
// dedicated registry owned by appctx rather than prometheus's package-level
// DefaultRegisterer, matching the no-package-singletons discipline the rest
// of the application follows.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agent-mail/agentmail/internal/storage"
)

// Sources is the set of stats providers the collector samples on every
// scrape. Each field is read through the underlying type's own Stats
// method, which holds that type's mutex only while copying its counters,
// so Collect never blocks a mutation in progress for long.
type Sources struct {
	Pool      *storage.Pool
	WBQ       *storage.WBQ
	Coalescer *storage.Coalescer
	Watchdog  *storage.IntegrityWatchdog
}

// Collector implements prometheus.Collector by recomputing every gauge on
// each scrape from live Stats() snapshots, rather than being updated
// out-of-band; this keeps a single source of truth (the stats structs
// already used by the health endpoint) instead of a second bookkeeping path.
type Collector struct {
	sources Sources

	poolActive, poolIdle, poolPending, poolUtilization *prometheus.Desc
	wbqDepth, wbqUtilization, wbqTotalErrors           *prometheus.Desc
	coalescerPending, coalescerFallbacks               *prometheus.Desc
	watchdogFailures, watchdogLastCheck                *prometheus.Desc
}

func NewCollector(sources Sources) *Collector {
	const ns = "agentmail_storage"
	return &Collector{
		sources: sources,

		poolActive:       prometheus.NewDesc(ns+"_pool_active", "Logical connection-pool slots currently acquired.", nil, nil),
		poolIdle:         prometheus.NewDesc(ns+"_pool_idle", "Logical connection-pool slots currently idle.", nil, nil),
		poolPending:      prometheus.NewDesc(ns+"_pool_pending", "Acquirers waiting for a pool slot.", nil, nil),
		poolUtilization:  prometheus.NewDesc(ns+"_pool_utilization_pct", "Pool utilization percentage.", nil, nil),
		wbqDepth:         prometheus.NewDesc(ns+"_wbq_depth", "Pending write-behind queue operations.", nil, nil),
		wbqUtilization:   prometheus.NewDesc(ns+"_wbq_utilization_pct", "Write-behind queue utilization percentage.", nil, nil),
		wbqTotalErrors:   prometheus.NewDesc(ns+"_wbq_errors_total", "Cumulative write-behind queue apply errors.", nil, nil),
		coalescerPending: prometheus.NewDesc(ns+"_coalescer_pending_archives", "Archive keys with an in-flight coalesced commit.", nil, nil),
		coalescerFallbacks: prometheus.NewDesc(ns+"_coalescer_sync_fallbacks_total",
			"Cumulative commits that bypassed coalescing due to the soft cap.", nil, nil),
		watchdogFailures: prometheus.NewDesc(ns+"_watchdog_failures_total", "Cumulative integrity-check failures.", nil, nil),
		watchdogLastCheck: prometheus.NewDesc(ns+"_watchdog_last_check_unix_micros",
			"Timestamp of the watchdog's last completed check.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.poolActive
	ch <- c.poolIdle
	ch <- c.poolPending
	ch <- c.poolUtilization
	ch <- c.wbqDepth
	ch <- c.wbqUtilization
	ch <- c.wbqTotalErrors
	ch <- c.coalescerPending
	ch <- c.coalescerFallbacks
	ch <- c.watchdogFailures
	ch <- c.watchdogLastCheck
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.sources.Pool != nil {
		ps := c.sources.Pool.Stats()
		ch <- prometheus.MustNewConstMetric(c.poolActive, prometheus.GaugeValue, float64(ps.Active))
		ch <- prometheus.MustNewConstMetric(c.poolIdle, prometheus.GaugeValue, float64(ps.Idle))
		ch <- prometheus.MustNewConstMetric(c.poolPending, prometheus.GaugeValue, float64(ps.Pending))
		ch <- prometheus.MustNewConstMetric(c.poolUtilization, prometheus.GaugeValue, ps.UtilizationPct)
	}
	if c.sources.WBQ != nil {
		ws := c.sources.WBQ.Stats()
		ch <- prometheus.MustNewConstMetric(c.wbqDepth, prometheus.GaugeValue, float64(ws.Depth))
		ch <- prometheus.MustNewConstMetric(c.wbqUtilization, prometheus.GaugeValue, ws.UtilizationPct)
		ch <- prometheus.MustNewConstMetric(c.wbqTotalErrors, prometheus.CounterValue, float64(ws.TotalErrors))
	}
	if c.sources.Coalescer != nil {
		cs := c.sources.Coalescer.Stats()
		ch <- prometheus.MustNewConstMetric(c.coalescerPending, prometheus.GaugeValue, float64(cs.PendingArchives))
		ch <- prometheus.MustNewConstMetric(c.coalescerFallbacks, prometheus.CounterValue, float64(cs.TotalSyncFallbacks))
	}
	if c.sources.Watchdog != nil {
		wd := c.sources.Watchdog.Stats()
		ch <- prometheus.MustNewConstMetric(c.watchdogFailures, prometheus.CounterValue, float64(wd.FailuresTotal))
		ch <- prometheus.MustNewConstMetric(c.watchdogLastCheck, prometheus.GaugeValue, float64(wd.LastCheckTs))
	}
}

// NewRegistry builds a dedicated registry (not prometheus.DefaultRegisterer)
// with the collector and the standard process/Go runtime collectors
// registered, and returns it for the caller (appctx) to own and expose via
// an HTTP handler.
func NewRegistry(sources Sources) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(sources))
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return reg
}
