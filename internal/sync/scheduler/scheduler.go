// Package scheduler drives sync passes from the two triggers: an
// offline-to-online transition and a periodic ticker while online.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/screensync/internal/connectivity"
	"github.com/kimhsiao/screensync/internal/errors"
	"github.com/kimhsiao/screensync/internal/logging"
	syncpkg "github.com/kimhsiao/screensync/internal/sync"
)

// Trigger names what started a pass.
type Trigger string

const (
	TriggerPeriodic  Trigger = "periodic"
	TriggerReconnect Trigger = "reconnect"
	TriggerManual    Trigger = "manual"
)

// Scheduler manages background sync passes. Overlap protection is left to
// the coordinator's guard, so triggers firing together cost nothing.
type Scheduler struct {
	engine       syncpkg.CoordinatorInterface
	monitor      *connectivity.Monitor
	syncInterval time.Duration
	passTimeout  time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.RWMutex
	isRunning    bool
	lastSyncTime time.Time
	lastResult   *syncpkg.Result
	passes       int
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // How often to sync while online (default: 15 minutes)
	PassTimeout  time.Duration // Upper bound for one pass (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: 15 * time.Minute,
		PassTimeout:  5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine syncpkg.CoordinatorInterface, monitor *connectivity.Monitor, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = DefaultSchedulerConfig().SyncInterval
	}
	if config.PassTimeout <= 0 {
		config.PassTimeout = DefaultSchedulerConfig().PassTimeout
	}
	if monitor == nil {
		monitor = connectivity.NewMonitor(true)
	}

	return &Scheduler{
		engine:       engine,
		monitor:      monitor,
		syncInterval: config.SyncInterval,
		passTimeout:  config.PassTimeout,
	}
}

// Start starts the background loops. Calling Start on a running scheduler
// does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	// Subscribe before the loop starts so no transition is missed.
	transitions := s.monitor.Subscribe()

	s.wg.Add(2)
	go s.periodicSyncLoop(ctx, stopCh)
	go s.connectivityLoop(ctx, stopCh, transitions)

	logging.Info("Background sync scheduler started",
		map[string]interface{}{"interval": s.syncInterval.String()})
}

// Stop stops the scheduler and waits for in-flight passes to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus forwards an online/offline observation to the monitor.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.monitor.Set(isOnline)
}

// periodicSyncLoop runs a pass on every tick while online.
func (s *Scheduler) periodicSyncLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if !s.monitor.Online() {
				continue
			}
			s.spawn(ctx, TriggerPeriodic)
		}
	}
}

// connectivityLoop runs a pass whenever the monitor goes online.
func (s *Scheduler) connectivityLoop(ctx context.Context, stopCh <-chan struct{}, transitions <-chan bool) {
	defer s.wg.Done()
	defer s.monitor.Unsubscribe(transitions)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case online, ok := <-transitions:
			if !ok {
				return
			}
			if online {
				s.spawn(ctx, TriggerReconnect)
			}
		}
	}
}

func (s *Scheduler) spawn(ctx context.Context, trigger Trigger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, _ = s.runSync(ctx, trigger)
	}()
}

// runSync executes one pass with a timeout.
func (s *Scheduler) runSync(ctx context.Context, trigger Trigger) (*syncpkg.Result, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.passTimeout)
	defer cancel()

	result, err := s.engine.PerformSync(syncCtx)
	if err != nil {
		logging.ErrorWithCode("Scheduled sync failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"trigger": trigger})
		return result, err
	}
	if result != nil && result.Skipped {
		logging.Debug("Sync already in progress, skipping", map[string]interface{}{"trigger": trigger})
		return result, nil
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.lastResult = result
	s.passes++
	s.mu.Unlock()

	logging.Info("Scheduled sync completed",
		map[string]interface{}{
			"trigger":         trigger,
			"pulled_children": result.PulledChildren,
			"pulled_results":  result.PulledResults,
			"pushed":          result.Pushed,
			"failed":          result.Failed,
		})
	return result, nil
}

// TriggerSync starts a pass in the background. It returns false when a pass
// is already running.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if s.engine.Status() == syncpkg.StatusSyncing {
		return false
	}
	s.spawn(ctx, TriggerManual)
	return true
}

// SyncNow runs a pass and waits for it.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.Result, error) {
	return s.runSync(ctx, TriggerManual)
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning      bool
	IsOnline       bool
	LastSyncTime   *time.Time
	LastResult     *syncpkg.Result
	SyncInProgress bool
	Passes         int
	PendingItems   int
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus(ctx context.Context) SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.monitor.Online(),
		LastResult:     s.lastResult,
		SyncInProgress: s.engine.Status() == syncpkg.StatusSyncing,
		Passes:         s.passes,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	s.mu.RUnlock()

	if pending, err := s.engine.PendingChanges(ctx); err == nil {
		status.PendingItems = pending
	} else {
		logging.Warn("Failed to count pending changes", map[string]interface{}{"error": err.Error()})
	}
	return status
}

// IsOnline returns whether the authority is believed reachable.
func (s *Scheduler) IsOnline() bool {
	return s.monitor.Online()
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
