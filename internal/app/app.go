// Package app wires configuration, storage and the sync engine into one
// runnable client instance.
package app

import (
	"context"
	"fmt"

	"github.com/kimhsiao/screensync/internal/audit"
	"github.com/kimhsiao/screensync/internal/checkpoint"
	"github.com/kimhsiao/screensync/internal/clock"
	"github.com/kimhsiao/screensync/internal/config"
	"github.com/kimhsiao/screensync/internal/connectivity"
	"github.com/kimhsiao/screensync/internal/db"
	"github.com/kimhsiao/screensync/internal/export"
	"github.com/kimhsiao/screensync/internal/importer"
	"github.com/kimhsiao/screensync/internal/lock"
	"github.com/kimhsiao/screensync/internal/logging"
	"github.com/kimhsiao/screensync/internal/models"
	"github.com/kimhsiao/screensync/internal/remote"
	syncpkg "github.com/kimhsiao/screensync/internal/sync"
	"github.com/kimhsiao/screensync/internal/sync/queue"
	"github.com/kimhsiao/screensync/internal/sync/scheduler"
)

// App holds every component of a running client.
type App struct {
	Config      *config.Config
	DB          *db.DB
	Store       *db.Store
	Queue       *queue.SyncQueue
	Audit       *audit.Log
	Importer    *importer.Importer
	Export      *export.ExportService
	Authority   remote.Authority
	Monitor     *connectivity.Monitor
	Prober      *connectivity.Prober
	Checkpoint  *checkpoint.FileCell
	Coordinator *syncpkg.Coordinator
	Scheduler   *scheduler.Scheduler

	redis *lock.RedisLocker
}

// Option customizes New.
type Option func(*options)

type options struct {
	clock     clock.Clock
	authority remote.Authority
}

// WithClock replaces the system clock.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithAuthority replaces the HTTP authority client.
func WithAuthority(a remote.Authority) Option {
	return func(o *options) { o.authority = a }
}

// New opens the store under cfg.DataDir and builds the engine. The caller
// must Close the App.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := options{clock: clock.System{}}
	for _, opt := range opts {
		opt(&o)
	}

	database, err := db.Open(ctx, cfg.DataDir)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, DB: database}
	if err := a.build(ctx, o); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, o options) error {
	cfg := a.Config

	a.Store = db.NewStore(a.DB.DB, o.clock)
	a.Queue = queue.NewSyncQueue(a.Store)
	a.Audit = audit.New(a.Store, cfg.UserID)
	a.Export = export.NewExportService(a.Store, a.Audit)
	a.Checkpoint = checkpoint.NewFileCell(cfg.DataDir)

	imp, err := importer.New(a.Store, a.Audit, importer.Options{
		IDPattern:   cfg.Import.IDPattern,
		MinAge:      cfg.Import.MinAge,
		MaxAge:      cfg.Import.MaxAge,
		PhoneRegion: cfg.Import.PhoneRegion,
	})
	if err != nil {
		return err
	}
	a.Importer = imp

	a.Authority = o.authority
	if a.Authority == nil {
		a.Authority = remote.NewClient(remote.Config{
			BaseURL: cfg.Authority.BaseURL,
			Timeout: cfg.Authority.Timeout,
			Token:   cfg.Authority.Token,
		})
	}
	a.Monitor = connectivity.NewMonitor(false)
	a.Prober = connectivity.NewProber(a.Authority, a.Monitor, cfg.Sync.ProbeInterval)

	var locker lock.Locker = lock.NoopLocker{}
	if cfg.Lock.RedisAddr != "" {
		rl, err := lock.NewRedisLocker(ctx, cfg.Lock.RedisAddr)
		if err != nil {
			return err
		}
		a.redis = rl
		locker = rl
	}

	a.Coordinator, err = syncpkg.NewCoordinator(a.Store, a.Authority, a.Monitor, a.Checkpoint, syncpkg.Options{
		Strategy:    cfg.Sync.ConflictStrategy,
		MaxAttempts: cfg.Sync.MaxAttempts,
		RetryDelay:  cfg.Sync.RetryDelay,
		UserID:      cfg.UserID,
		Locker:      locker,
		LockKey:     cfg.Lock.Key,
		LockTTL:     cfg.Lock.TTL,
	})
	if err != nil {
		return err
	}

	a.Scheduler = scheduler.NewScheduler(a.Coordinator, a.Monitor, &scheduler.SchedulerConfig{
		SyncInterval: cfg.Sync.Interval,
		PassTimeout:  cfg.Sync.PassTimeout,
	})
	return nil
}

// SyncOnce probes the authority and runs one pass.
func (a *App) SyncOnce(ctx context.Context) (*syncpkg.Result, error) {
	a.Prober.Probe(ctx)
	return a.Scheduler.SyncNow(ctx)
}

// Run starts probing and scheduled passes and blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	a.Scheduler.Start(ctx)
	a.Prober.Start(ctx)
	logging.Info("Sync engine running", map[string]interface{}{
		"authority": a.Config.Authority.BaseURL,
		"interval":  a.Config.Sync.Interval.String(),
	})

	<-ctx.Done()

	a.Prober.Stop()
	a.Scheduler.Stop()
	return nil
}

// Reset wipes every collection and the checkpoint, then records the wipe.
func (a *App) Reset(ctx context.Context) error {
	counts, err := a.Store.Counts(ctx)
	if err != nil {
		return err
	}
	if err := a.Store.Clear(ctx); err != nil {
		return err
	}
	if err := a.Checkpoint.Reset(); err != nil {
		return fmt.Errorf("reset checkpoint: %w", err)
	}
	_, err = a.Audit.Record(ctx, models.AuditStoreCleared, map[string]interface{}{"cleared": counts})
	return err
}

// Close releases the database and the lock connection.
func (a *App) Close() error {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.DB != nil {
		return a.DB.Close()
	}
	return nil
}
