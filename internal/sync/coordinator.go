package sync

import (
	"context"
	stderrors "errors"
	"fmt"
	stdsync "sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kimhsiao/screensync/internal/audit"
	"github.com/kimhsiao/screensync/internal/checkpoint"
	"github.com/kimhsiao/screensync/internal/clock"
	"github.com/kimhsiao/screensync/internal/db"
	apperrors "github.com/kimhsiao/screensync/internal/errors"
	"github.com/kimhsiao/screensync/internal/lock"
	"github.com/kimhsiao/screensync/internal/logging"
	"github.com/kimhsiao/screensync/internal/models"
	"github.com/kimhsiao/screensync/internal/remote"
	"github.com/kimhsiao/screensync/internal/sync/conflict"
	"github.com/kimhsiao/screensync/internal/sync/queue"
)

var tracer = otel.Tracer("github.com/kimhsiao/screensync/internal/sync")

// Status represents the current coordinator status.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
)

// Defaults applied by NewCoordinator.
const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 2 * time.Second
	DefaultLockKey     = "screensync:sync"
	DefaultLockTTL     = 5 * time.Minute
)

// OnlineChecker reports whether the authority is believed reachable.
type OnlineChecker interface {
	Online() bool
}

// Options configures a Coordinator.
type Options struct {
	// Strategy names the conflict strategy. Empty selects "latest".
	Strategy string

	// MaxAttempts bounds push attempts per entry on connectivity errors.
	MaxAttempts int

	// RetryDelay is the fixed wait between attempts.
	RetryDelay time.Duration

	// UserID is recorded on audit entries.
	UserID string

	// Locker coordinates passes across instances. Nil disables it.
	Locker  lock.Locker
	LockKey string
	LockTTL time.Duration

	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Result represents the outcome of one pass.
type Result struct {
	Skipped     bool
	PullSkipped bool

	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	PulledChildren int
	PulledResults  int
	Conflicts      int
	LocalWins      int
	RemoteWins     int
	Superseded     int

	Pushed  int
	Retries int
	Failed  int

	Checkpoint time.Time
	Error      string
}

// Coordinator runs synchronization passes. Only one pass runs at a time per
// Coordinator; overlapping calls are skipped.
type Coordinator struct {
	store      *db.Store
	queue      *queue.SyncQueue
	audit      *audit.Log
	authority  remote.Authority
	resolver   *conflict.Resolver
	online     OnlineChecker
	checkpoint checkpoint.Cell
	clock      clock.Clock
	opts       Options

	running atomic.Bool

	mu       stdsync.RWMutex
	status   Status
	lastSync *time.Time
	lastErr  error
	handler  EventHandler
}

// NewCoordinator creates a Coordinator. An unknown conflict strategy is
// rejected with CONFLICT_STRATEGY_UNKNOWN.
func NewCoordinator(store *db.Store, authority remote.Authority, online OnlineChecker, cell checkpoint.Cell, opts Options) (*Coordinator, error) {
	resolver, err := conflict.NewResolver(opts.Strategy)
	if err != nil {
		return nil, err
	}

	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	} else if opts.RetryDelay == 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Locker == nil {
		opts.Locker = lock.NoopLocker{}
	}
	if opts.LockKey == "" {
		opts.LockKey = DefaultLockKey
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}

	return &Coordinator{
		store:      store,
		queue:      queue.NewSyncQueue(store),
		audit:      audit.New(store, opts.UserID),
		authority:  authority,
		resolver:   resolver,
		online:     online,
		checkpoint: cell,
		clock:      store.Clock(),
		opts:       opts,
		status:     StatusIdle,
	}, nil
}

// SetEventHandler sets the handler receiving progress events.
func (c *Coordinator) SetEventHandler(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Status returns the current status.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// LastSync returns the end time of the last successful pass.
func (c *Coordinator) LastSync() *time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSync
}

// LastError returns the error of the last pass.
func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// PendingChanges returns the number of pending outbox entries.
func (c *Coordinator) PendingChanges(ctx context.Context) (int, error) {
	return c.queue.Size(ctx)
}

// Strategy returns the configured conflict strategy name.
func (c *Coordinator) Strategy() string {
	return c.resolver.Strategy()
}

// PerformSync runs one pass: pull (unless offline), then push every pending
// outbox entry in enqueue order. Each pass that is not skipped appends
// exactly one sync_completed or sync_failed audit entry.
func (c *Coordinator) PerformSync(ctx context.Context) (*Result, error) {
	if !c.running.CompareAndSwap(false, true) {
		logging.Debug("Sync already in progress, skipping", nil)
		return &Result{Skipped: true}, nil
	}
	defer c.running.Store(false)

	release, err := c.opts.Locker.Obtain(ctx, c.opts.LockKey, c.opts.LockTTL)
	if stderrors.Is(err, lock.ErrNotObtained) {
		logging.Info("Sync lock held by another instance, skipping", map[string]interface{}{"lock_key": c.opts.LockKey})
		return &Result{Skipped: true}, nil
	} else if err != nil {
		logging.Warn("Error obtaining sync lock; proceeding without it", map[string]interface{}{
			"lock_key": c.opts.LockKey,
			"error":    err.Error(),
		})
		release = func() {}
	}
	defer release()

	ctx, span := tracer.Start(ctx, "sync.pass")
	defer span.End()

	c.setStatus(StatusSyncing)
	defer c.setStatus(StatusIdle)

	result := &Result{StartTime: c.clock.Now()}
	c.emit(EventStarted, "", "")

	err = c.pull(ctx, result)
	if err == nil {
		err = c.push(ctx, result)
	}

	result.EndTime = c.clock.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	recordResult(span, result)

	if err != nil {
		return result, c.finishFailed(ctx, span, result, err)
	}
	return result, c.finishCompleted(ctx, result)
}

func (c *Coordinator) finishCompleted(ctx context.Context, result *Result) error {
	_, auditErr := c.audit.Record(ctx, models.AuditSyncCompleted, map[string]interface{}{
		"pull_skipped":    result.PullSkipped,
		"pulled_children": result.PulledChildren,
		"pulled_results":  result.PulledResults,
		"conflicts":       result.Conflicts,
		"superseded":      result.Superseded,
		"pushed":          result.Pushed,
		"failed":          result.Failed,
		"duration_ms":     result.Duration.Milliseconds(),
	})

	end := result.EndTime
	c.mu.Lock()
	c.lastSync = &end
	c.lastErr = auditErr
	c.mu.Unlock()

	logging.Info("Sync completed",
		map[string]interface{}{
			"pull_skipped":    result.PullSkipped,
			"pulled_children": result.PulledChildren,
			"pulled_results":  result.PulledResults,
			"conflicts":       result.Conflicts,
			"pushed":          result.Pushed,
			"failed":          result.Failed,
		})
	c.emit(EventCompleted, "", "")

	if auditErr != nil {
		return fmt.Errorf("record sync completion: %w", auditErr)
	}
	return nil
}

func (c *Coordinator) finishFailed(ctx context.Context, span trace.Span, result *Result, err error) error {
	result.Error = err.Error()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	passErr := apperrors.Wrap(apperrors.ErrSyncFailed, "sync pass failed", err)

	if _, auditErr := c.audit.Record(ctx, models.AuditSyncFailed, map[string]interface{}{
		"error":           err.Error(),
		"error_code":      string(apperrors.CodeOf(err)),
		"pulled_children": result.PulledChildren,
		"pulled_results":  result.PulledResults,
		"pushed":          result.Pushed,
		"failed":          result.Failed,
	}); auditErr != nil {
		logging.Error("Failed to record sync failure", auditErr, nil)
	}

	c.mu.Lock()
	c.lastErr = passErr
	c.mu.Unlock()

	logging.ErrorWithCode("Sync failed", string(apperrors.CodeOf(err)), err,
		map[string]interface{}{
			"pushed": result.Pushed,
			"failed": result.Failed,
		})
	c.emit(EventFailed, "", err.Error())

	return passErr
}

func (c *Coordinator) setStatus(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
}

func (c *Coordinator) emit(t EventType, entryKey, message string) {
	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	if handler == nil {
		return
	}
	handler.OnSyncEvent(Event{Type: t, EntryKey: entryKey, Message: message, Time: c.clock.Now()})
}

func recordResult(span trace.Span, result *Result) {
	span.SetAttributes(
		attribute.Bool("sync.pull_skipped", result.PullSkipped),
		attribute.Int("sync.pulled_children", result.PulledChildren),
		attribute.Int("sync.pulled_results", result.PulledResults),
		attribute.Int("sync.conflicts", result.Conflicts),
		attribute.Int("sync.pushed", result.Pushed),
		attribute.Int("sync.failed", result.Failed),
	)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
