// Package appctx assembles the explicit application context (config,
// metrics, DB pool, WBQ, coalescer) so no package-level singletons exist:
// built once in main, torn down in reverse order.
package appctx

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/agent-mail/agentmail/internal/clock"
	"github.com/agent-mail/agentmail/internal/config"
	"github.com/agent-mail/agentmail/internal/mailbox"
	"github.com/agent-mail/agentmail/internal/reservation"
	"github.com/agent-mail/agentmail/internal/scheduler"
	"github.com/agent-mail/agentmail/internal/search"
	"github.com/agent-mail/agentmail/internal/storage"
	"github.com/agent-mail/agentmail/internal/storage/archive"
	"github.com/agent-mail/agentmail/internal/storage/metrics"
)

// Context bundles every long-lived component a tool handler needs.
type Context struct {
	Config    *config.Config
	Logger    *slog.Logger
	Clock     clock.Clock
	DB        *sql.DB
	Pool      *storage.Pool
	WBQ       *storage.WBQ
	Coalescer *storage.Coalescer
	DiskMon   *storage.DiskMonitor
	Watchdog  *storage.IntegrityWatchdog
	Store     *storage.Store
	Archive   *archive.Archive
	Reserve   *reservation.Engine
	Search    *search.Engine
	Scheduler *scheduler.Scheduler
	Mailbox   *mailbox.Service
	Migrator  *storage.Migrator
	Metrics   *prometheus.Registry

	cancel  context.CancelFunc
	workers *errgroup.Group
}

// Build opens the database, runs migrations, and wires every background
// worker. The caller owns the returned Context and must call Close.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, c clock.Clock) (*Context, error) {
	dbPath := cfg.DatabasePath()
	db, err := openSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	migrator := storage.NewMigrator(db)
	if _, err := migrator.ApplyAll(ctx); err != nil {
		db.Close()
		return nil, err
	}

	pool := storage.NewPool(storage.PoolConfig{Capacity: 10, AcquireTimeout: 5 * time.Second}, c)

	diskMon := storage.NewDiskMonitor(storage.DiskMonitorConfig{
		Enabled:     cfg.DiskSpace.Monitor,
		StorageRoot: cfg.Storage.Root,
		DBPath:      dbPath,
		WarningMB:   int64(cfg.DiskSpace.WarningMB),
		CriticalMB:  int64(cfg.DiskSpace.CriticalMB),
		FatalMB:     int64(cfg.DiskSpace.FatalMB),
	}, logger)

	wbq := storage.NewWBQ(logger, c, diskMon, 10000, 5)

	archiveRoot := archive.New(cfg.Storage.Root)

	coalescer := storage.NewCoalescerWithLogger(c, 32, func(archiveKey string) (string, error) {
		// No Git integration is wired in this build; commits are recorded
		// as a no-op hash so callers depending on the contract still get a
		// stable, deterministic identifier.
		return "no-git-" + archiveKey, nil
	}, logger)

	watchdog := storage.NewIntegrityWatchdog(db, c, logger)

	sched := scheduler.NewScheduler(logger)
	sched.AddJob(diskMon, 30*time.Second)
	sched.AddJob(watchdog, 2*time.Minute)

	store := storage.NewStore(db, c, wbq)
	reserveEngine := reservation.NewEngine(db, c, logger)

	lexicalStage := search.NewLexicalMessageStage(db)
	searchEngine := search.NewEngine(lexicalStage, search.NewSemanticStage(nil), nil, c)

	mailboxSvc := mailbox.New(store, archiveRoot, wbq, reserveEngine, searchEngine, diskMon, c, logger)

	metricsRegistry := metrics.NewRegistry(metrics.Sources{Pool: pool, WBQ: wbq, Coalescer: coalescer, Watchdog: watchdog})

	runCtx, cancel := context.WithCancel(ctx)
	wbq.Start(runCtx)
	sched.Start(runCtx)

	// workers supervises the orderly shutdown of the two background
	// subsystems: each goroutine blocks on runCtx and performs its own
	// teardown once cancelled, so Close can join both with a single Wait
	// instead of sequencing ad hoc stop calls.
	workers, workerCtx := errgroup.WithContext(runCtx)
	workers.Go(func() error {
		<-workerCtx.Done()
		sched.Stop()
		return nil
	})
	workers.Go(func() error {
		<-workerCtx.Done()
		wbq.Drain(context.Background())
		return nil
	})

	return &Context{
		Config: cfg, Logger: logger, Clock: c, DB: db, Pool: pool, WBQ: wbq,
		Coalescer: coalescer, DiskMon: diskMon, Watchdog: watchdog, Store: store,
		Archive: archiveRoot, Reserve: reserveEngine, Search: searchEngine,
		Scheduler: sched, Mailbox: mailboxSvc, Migrator: migrator, Metrics: metricsRegistry, cancel: cancel, workers: workers,
	}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}
	db.SetMaxOpenConns(1) // SQLite single-writer discipline
	return db, nil
}

// Health computes the current summary health band and full snapshot.
func (a *Context) Health() storage.HealthReport {
	return storage.ComputeHealth(a.DiskMon.Snapshot(), a.Pool.Stats(), a.WBQ.Stats(), a.Coalescer.Stats(), a.Watchdog.Stats())
}

// Close tears components down in reverse order of construction:
// cancel background work, wait for the scheduler and WBQ to
// reach quiescence, then close the database.
func (a *Context) Close() error {
	a.cancel()
	if err := a.workers.Wait(); err != nil {
		a.Logger.Error("worker shutdown reported an error", "error", err)
	}
	return a.DB.Close()
}
