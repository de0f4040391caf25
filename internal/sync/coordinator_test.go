package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/screensync/internal/checkpoint"
	"github.com/kimhsiao/screensync/internal/clock"
	"github.com/kimhsiao/screensync/internal/connectivity"
	"github.com/kimhsiao/screensync/internal/db"
	apperrors "github.com/kimhsiao/screensync/internal/errors"
	"github.com/kimhsiao/screensync/internal/lock"
	"github.com/kimhsiao/screensync/internal/models"
	"github.com/kimhsiao/screensync/internal/remote"
	"github.com/kimhsiao/screensync/internal/remote/authority"
	"github.com/kimhsiao/screensync/internal/sync/queue"
)

var t0 = time.Date(2024, 9, 10, 9, 0, 0, 0, time.UTC)

// fakeAuthority scripts pull responses and per-entity push errors.
type fakeAuthority struct {
	mu        stdsync.Mutex
	pullResp  *remote.PullResponse
	pullErr   error
	pullCalls int
	pullSince []time.Time

	// When set, Pull signals entered and blocks until gate is closed.
	entered chan struct{}
	gate    chan struct{}

	pushErrs map[string][]error
	pushed   []string
	attempts map[string]int
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{
		pullResp: &remote.PullResponse{},
		pushErrs: make(map[string][]error),
		attempts: make(map[string]int),
	}
}

func (f *fakeAuthority) Pull(ctx context.Context, req remote.PullRequest) (*remote.PullResponse, error) {
	f.mu.Lock()
	f.pullCalls++
	f.pullSince = append(f.pullSince, req.LastSyncTime)
	entered, gate := f.entered, f.gate
	resp, err := f.pullResp, f.pullErr
	f.mu.Unlock()

	if gate != nil {
		close(entered)
		<-gate
	}
	return resp, err
}

func (f *fakeAuthority) Push(ctx context.Context, entry *models.OutboxEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[entry.EntityID]++
	if errs := f.pushErrs[entry.EntityID]; len(errs) > 0 {
		err := errs[0]
		if len(errs) > 1 {
			f.pushErrs[entry.EntityID] = errs[1:]
		}
		if err != nil {
			return err
		}
	}
	f.pushed = append(f.pushed, entry.EntityID)
	return nil
}

func (f *fakeAuthority) Health(context.Context) error { return nil }

type harness struct {
	store   *db.Store
	clock   *clock.Manual
	remote  *fakeAuthority
	monitor *connectivity.Monitor
	cell    *checkpoint.MemoryCell
	queue   *queue.SyncQueue
	sleeps  []time.Duration
	coord   *Coordinator
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	database, err := db.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	h := &harness{
		clock:   clock.NewManual(t0),
		remote:  newFakeAuthority(),
		monitor: connectivity.NewMonitor(true),
		cell:    &checkpoint.MemoryCell{},
	}
	h.store = db.NewStore(database.DB, h.clock)
	h.queue = queue.NewSyncQueue(h.store)

	opts.Sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	h.coord, err = NewCoordinator(h.store, h.remote, h.monitor, h.cell, opts)
	require.NoError(t, err)
	return h
}

// addLocalChild stores an unsynced child and its create entry, as the importer does.
func (h *harness) addLocalChild(t *testing.T, key, childID string) *models.ChildRecord {
	t.Helper()
	ctx := context.Background()
	rec := &models.ChildRecord{Key: key, ChildID: childID, FirstName: "Local", LastName: "Edit", SchoolID: "sch-1"}
	require.NoError(t, h.store.Update(ctx, func(tx *db.Store) error {
		if err := tx.Children.Upsert(ctx, rec); err != nil {
			return err
		}
		_, err := h.queue.In(tx).Enqueue(ctx, models.ActionCreate, models.EntityChild, key, rec)
		return err
	}))
	return rec
}

func (h *harness) child(t *testing.T, key string) *models.ChildRecord {
	t.Helper()
	rec, ok, err := h.store.Children.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok, "child %s", key)
	return rec
}

// serveAuthority points the coordinator at an in-memory authority reached
// over HTTP, sharing the harness clock.
func (h *harness) serveAuthority(t *testing.T) *authority.Server {
	t.Helper()
	srv := authority.New(h.clock)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	h.coord.authority = remote.NewClient(remote.Config{BaseURL: ts.URL, Timeout: 5 * time.Second})
	return srv
}

// slowPull runs during after the authority has answered a pull and before
// the response is applied.
type slowPull struct {
	remote.Authority
	during func()
}

func (s *slowPull) Pull(ctx context.Context, req remote.PullRequest) (*remote.PullResponse, error) {
	resp, err := s.Authority.Pull(ctx, req)
	if s.during != nil {
		s.during()
		s.during = nil
	}
	return resp, err
}

func (h *harness) auditActions(t *testing.T) []string {
	t.Helper()
	entries, err := h.store.Audit.All(context.Background())
	require.NoError(t, err)
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	return actions
}

func TestNewCoordinator_unknownStrategy(t *testing.T) {
	database, err := db.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	defer database.Close()

	_, err = NewCoordinator(db.NewStore(database.DB, nil), newFakeAuthority(), nil, &checkpoint.MemoryCell{}, Options{Strategy: "newest_name"})
	assert.True(t, apperrors.Is(err, apperrors.ErrConflictStrategy))
}

func TestPerformSync_pullInsertsAbsentRecords(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	h.remote.pullResp = &remote.PullResponse{
		Children: []*models.ChildRecord{
			{Key: "rk1", ChildID: "S3001", FirstName: "Remote", UpdatedAt: t0.Add(-time.Hour)},
		},
		ScreeningResults: []*models.ScreeningResult{
			{ChildID: "S3001", ScreeningDate: t0, ReferralNeeded: true},
		},
	}

	result, err := h.coord.PerformSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.PulledChildren)
	assert.Equal(t, 1, result.PulledResults)
	assert.False(t, result.PullSkipped)

	got := h.child(t, "rk1")
	assert.True(t, got.IsSynced)
	assert.True(t, got.UpdatedAt.Equal(t0.Add(-time.Hour)))

	res, ok, err := h.store.Results.Get(ctx, ResultKey("S3001", "2024-09-10"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, res.IsSynced)

	cp, err := h.cell.Get(ctx)
	require.NoError(t, err)
	assert.True(t, cp.Equal(t0))
	assert.Equal(t, []string{models.AuditSyncCompleted}, h.auditActions(t))
	assert.Equal(t, StatusIdle, h.coord.Status())
	require.NotNil(t, h.coord.LastSync())
	assert.NoError(t, h.coord.LastError())
}

func TestPerformSync_pullReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	h.remote.pullResp = &remote.PullResponse{
		Children: []*models.ChildRecord{{Key: "rk1", ChildID: "S3001", UpdatedAt: t0}},
	}

	_, err := h.coord.PerformSync(ctx)
	require.NoError(t, err)
	first, err := h.store.Children.All(ctx)
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	_, err = h.coord.PerformSync(ctx)
	require.NoError(t, err)
	second, err := h.store.Children.All(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, []time.Time{checkpoint.Epoch, t0}, h.remote.pullSince)
}

func TestPerformSync_syncedLocalIsReplacedByRemote(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{Strategy: "local"})
	require.NoError(t, h.store.Children.Upsert(ctx, &models.ChildRecord{
		Key: "lk1", ChildID: "S3001", FirstName: "Old", IsSynced: true, UpdatedAt: t0,
	}))
	h.remote.pullResp = &remote.PullResponse{
		Children: []*models.ChildRecord{{Key: "rk1", ChildID: "S3001", FirstName: "New", UpdatedAt: t0.Add(-time.Hour)}},
	}

	result, err := h.coord.PerformSync(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Conflicts)

	got := h.child(t, "lk1")
	assert.Equal(t, "New", got.FirstName, "no conflict when local is synced")
	assert.True(t, got.IsSynced)

	n, err := h.store.Children.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "remote child adopts the local key")
}

func TestPerformSync_conflictStrategies(t *testing.T) {
	tests := []struct {
		name       string
		strategy   string
		remoteAt   time.Time
		wantRemote bool
	}{
		{"latest remote newer", "latest", t0.Add(time.Hour), true},
		{"latest local newer", "latest", t0.Add(-time.Hour), false},
		{"latest tie keeps local", "", t0, false},
		{"local always", "local", t0.Add(time.Hour), false},
		{"remote always", "remote", t0.Add(-time.Hour), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, Options{Strategy: tt.strategy})
			h.addLocalChild(t, "lk1", "S3001") // UpdatedAt stamped t0, unsynced
			h.remote.pullResp = &remote.PullResponse{
				Children: []*models.ChildRecord{{Key: "rk1", ChildID: "S3001", FirstName: "Remote", UpdatedAt: tt.remoteAt}},
			}
			h.remote.pushErrs["lk1"] = []error{apperrors.New(apperrors.ErrProtocol, "hold")}

			result, _ := h.coord.PerformSync(ctx)
			assert.Equal(t, 1, result.Conflicts)

			got := h.child(t, "lk1")
			if tt.wantRemote {
				assert.Equal(t, "Remote", got.FirstName)
				assert.True(t, got.IsSynced)
				assert.Equal(t, 1, result.RemoteWins)
			} else {
				assert.Equal(t, "Local", got.FirstName)
				assert.False(t, got.IsSynced)
				assert.Equal(t, 1, result.LocalWins)
			}
		})
	}
}

func TestPerformSync_remoteWinRetiresLocalEdit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{Strategy: "remote"})
	srv := h.serveAuthority(t)

	h.addLocalChild(t, "lk1", "S3001")
	srv.PutChild(models.ChildRecord{Key: "rk1", ChildID: "S3001", FirstName: "Remote", LastName: "Copy", UpdatedAt: t0.Add(time.Hour)})

	result, err := h.coord.PerformSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Conflicts)
	assert.Equal(t, 1, result.RemoteWins)
	assert.Equal(t, 1, result.Superseded)
	assert.Zero(t, result.Pushed)
	assert.Zero(t, srv.Pushes(), "the losing local edit must not be pushed")

	got := h.child(t, "lk1")
	assert.Equal(t, "Remote", got.FirstName)
	assert.True(t, got.IsSynced)

	entries, err := h.queue.ForEntity(ctx, "lk1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OutboxSynced, entries[0].Status)
	assert.Equal(t, queue.SupersededByRemote, entries[0].LastError)

	h.clock.Advance(time.Minute)
	_, err = h.coord.PerformSync(ctx)
	require.NoError(t, err)

	authoritative, ok := srv.Child("S3001")
	require.True(t, ok)
	assert.Equal(t, "Remote", authoritative.FirstName)
	assert.Equal(t, "Remote", h.child(t, "lk1").FirstName)
}

func TestPerformSync_localWinStillPushes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{Strategy: "local"})
	srv := h.serveAuthority(t)

	h.addLocalChild(t, "lk1", "S3001")
	srv.PutChild(models.ChildRecord{Key: "rk1", ChildID: "S3001", FirstName: "Remote", UpdatedAt: t0.Add(time.Hour)})

	result, err := h.coord.PerformSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.LocalWins)
	assert.Zero(t, result.Superseded)
	assert.Equal(t, 1, result.Pushed)

	authoritative, ok := srv.Child("S3001")
	require.True(t, ok)
	assert.Equal(t, "Local", authoritative.FirstName)
	assert.True(t, h.child(t, "lk1").IsSynced)
}

func TestPerformSync_checkpointIsRequestTime(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	srv := h.serveAuthority(t)
	h.coord.authority = &slowPull{
		Authority: h.coord.authority,
		during: func() {
			// Received after the response was built, before the pass ends.
			h.clock.Advance(time.Second)
			srv.PutChild(models.ChildRecord{Key: "rk9", ChildID: "S3999", FirstName: "Late", UpdatedAt: h.clock.Now()})
		},
	}

	result, err := h.coord.PerformSync(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.PulledChildren)
	assert.True(t, result.Checkpoint.Equal(t0))

	h.clock.Advance(time.Minute)
	result, err = h.coord.PerformSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.PulledChildren)

	late, err := h.store.Children.ScanByIndex(ctx, db.IndexByChildID, "S3999")
	require.NoError(t, err)
	require.Len(t, late, 1)
	assert.Equal(t, "Late", late[0].FirstName)
}

func TestPerformSync_offlineSkipsPull(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	h.monitor.Set(false)
	require.NoError(t, h.cell.Set(ctx, t0.Add(-time.Hour)))
	h.addLocalChild(t, "lk1", "S3001")

	result, err := h.coord.PerformSync(ctx)
	require.NoError(t, err)
	assert.True(t, result.PullSkipped)
	assert.Zero(t, h.remote.pullCalls)
	assert.Equal(t, 1, result.Pushed)

	cp, err := h.cell.Get(ctx)
	require.NoError(t, err)
	assert.True(t, cp.Equal(t0.Add(-time.Hour)), "checkpoint unchanged while offline")
}

func TestPerformSync_pullErrorFailsBeforePush(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	h.addLocalChild(t, "lk1", "S3001")
	h.remote.pullErr = apperrors.New(apperrors.ErrProtocol, "bad request")

	result, err := h.coord.PerformSync(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncFailed))
	assert.True(t, apperrors.IsProtocol(err))
	assert.NotEmpty(t, result.Error)
	assert.Empty(t, h.remote.pushed)

	cp, err := h.cell.Get(ctx)
	require.NoError(t, err)
	assert.True(t, cp.Equal(checkpoint.Epoch))
	assert.Equal(t, []string{models.AuditSyncFailed}, h.auditActions(t))
	assert.Error(t, h.coord.LastError())
	assert.Nil(t, h.coord.LastSync())
}

func TestPerformSync_pushMarksEntitySynced(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	h.addLocalChild(t, "lk1", "S3001")
	h.addLocalChild(t, "lk2", "S3002")

	result, err := h.coord.PerformSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Pushed)
	assert.Equal(t, []string{"lk1", "lk2"}, h.remote.pushed, "enqueue order")

	assert.True(t, h.child(t, "lk1").IsSynced)
	pending, err := h.coord.PendingChanges(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	stats, err := h.queue.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Synced)
}

func TestPerformSync_pendingEditKeepsEntityUnsynced(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	rec := h.addLocalChild(t, "lk1", "S3001")
	_, err := h.queue.Enqueue(ctx, models.ActionUpdate, models.EntityChild, "lk1", rec)
	require.NoError(t, err)

	// The update is rejected and stays pending; the create went through.
	h.remote.pushErrs["lk1"] = []error{nil, apperrors.New(apperrors.ErrProtocol, "conflict")}

	_, err = h.coord.PerformSync(ctx)
	require.Error(t, err)
	assert.False(t, h.child(t, "lk1").IsSynced)
}

func TestPerformSync_connectivityRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{MaxAttempts: 3, RetryDelay: 5 * time.Second})
	h.addLocalChild(t, "lk1", "S3001")
	h.addLocalChild(t, "lk2", "S3002")
	h.remote.pushErrs["lk1"] = []error{apperrors.New(apperrors.ErrConnectivity, "no route to host")}

	result, err := h.coord.PerformSync(ctx)
	require.NoError(t, err, "exhausted retries do not fail the pass")
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Pushed)
	assert.Equal(t, 2, result.Retries)
	assert.Equal(t, 3, h.remote.attempts["lk1"])
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, h.sleeps)

	failed, err := h.queue.GetFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "lk1", failed[0].EntityID)
	assert.Equal(t, 3, failed[0].RetryCount)
	assert.Contains(t, failed[0].LastError, "no route to host")
	assert.False(t, h.child(t, "lk1").IsSynced)

	// Failed entries are not retried by later passes.
	_, err = h.coord.PerformSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, h.remote.attempts["lk1"])

	var details map[string]interface{}
	entries, err := h.store.Audit.ScanByIndex(ctx, db.IndexByAction, models.AuditSyncCompleted)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.NoError(t, json.Unmarshal(entries[0].Details, &details))
	assert.EqualValues(t, 1, details["failed"])
}

func TestPerformSync_connectivityRecovers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{MaxAttempts: 3})
	h.addLocalChild(t, "lk1", "S3001")
	h.remote.pushErrs["lk1"] = []error{apperrors.New(apperrors.ErrConnectivity, "timeout"), nil}

	result, err := h.coord.PerformSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pushed)
	assert.Equal(t, 1, result.Retries)
	assert.Len(t, h.sleeps, 1)
	assert.True(t, h.child(t, "lk1").IsSynced)
}

func TestPerformSync_protocolErrorStopsPush(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{MaxAttempts: 3})
	h.addLocalChild(t, "lk1", "S3001")
	h.addLocalChild(t, "lk2", "S3002")
	h.remote.pushErrs["lk1"] = []error{apperrors.New(apperrors.ErrProtocol, "422 invalid child")}

	_, err := h.coord.PerformSync(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.IsProtocol(err))
	assert.Equal(t, 1, h.remote.attempts["lk1"], "no retry")
	assert.Zero(t, h.remote.attempts["lk2"], "push stops")
	assert.Empty(t, h.sleeps)

	pending, err := h.queue.GetPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "lk1", pending[0].EntityID)
	assert.Contains(t, pending[0].LastError, "422 invalid child")
	assert.Equal(t, []string{models.AuditSyncFailed}, h.auditActions(t))
}

func TestPerformSync_overlappingCallIsSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	h.remote.entered = make(chan struct{})
	h.remote.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.coord.PerformSync(ctx)
		done <- err
	}()

	<-h.remote.entered
	assert.Equal(t, StatusSyncing, h.coord.Status())

	result, err := h.coord.PerformSync(ctx)
	require.NoError(t, err)
	assert.True(t, result.Skipped)

	close(h.remote.gate)
	require.NoError(t, <-done)

	assert.Equal(t, 1, h.remote.pullCalls)
	assert.Equal(t, []string{models.AuditSyncCompleted}, h.auditActions(t))
}

type heldLocker struct{}

func (heldLocker) Obtain(context.Context, string, time.Duration) (func(), error) {
	return nil, lock.ErrNotObtained
}

type brokenLocker struct{}

func (brokenLocker) Obtain(context.Context, string, time.Duration) (func(), error) {
	return nil, errors.New("redis: connection refused")
}

func TestPerformSync_crossInstanceLock(t *testing.T) {
	ctx := context.Background()

	held := newHarness(t, Options{Locker: heldLocker{}})
	result, err := held.coord.PerformSync(ctx)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Zero(t, held.remote.pullCalls)
	assert.Empty(t, held.auditActions(t))

	broken := newHarness(t, Options{Locker: brokenLocker{}})
	result, err = broken.coord.PerformSync(ctx)
	require.NoError(t, err)
	assert.False(t, result.Skipped, "lock errors do not block sync")
	assert.Equal(t, 1, broken.remote.pullCalls)
}

func TestPerformSync_checkpointNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})

	_, err := h.coord.PerformSync(ctx)
	require.NoError(t, err)

	h.clock.Set(t0.Add(-24 * time.Hour))
	result, err := h.coord.PerformSync(ctx)
	require.NoError(t, err)
	assert.True(t, result.Checkpoint.Equal(t0))

	cp, err := h.cell.Get(ctx)
	require.NoError(t, err)
	assert.True(t, cp.Equal(t0))
}

func TestPerformSync_events(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	h.addLocalChild(t, "lk1", "S3001")

	var events []EventType
	h.coord.SetEventHandler(EventHandlerFunc(func(e Event) { events = append(events, e.Type) }))

	_, err := h.coord.PerformSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []EventType{EventStarted, EventPullCompleted, EventEntryPushed, EventCompleted}, events)
}
