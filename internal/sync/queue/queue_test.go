package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kimhsiao/screensync/internal/clock"
	"github.com/kimhsiao/screensync/internal/db"
	apperrors "github.com/kimhsiao/screensync/internal/errors"
	"github.com/kimhsiao/screensync/internal/models"
)

func newTestQueue(t *testing.T) (*SyncQueue, *clock.Manual) {
	t.Helper()
	database, err := db.Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	clk := clock.NewManual(time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC))
	return NewSyncQueue(db.NewStore(database.DB, clk)), clk
}

func enqueueChild(t *testing.T, q *SyncQueue, childKey string) *models.OutboxEntry {
	t.Helper()
	entry, err := q.Enqueue(context.Background(), models.ActionCreate, models.EntityChild, childKey,
		map[string]string{"key": childKey})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return entry
}

// TestSyncQueueEnqueue tests enqueuing operations.
func TestSyncQueueEnqueue(t *testing.T) {
	q, clk := newTestQueue(t)
	entry := enqueueChild(t, q, "child-1")

	if entry.Key == "" {
		t.Error("Expected entry key to be set")
	}
	if entry.Status != models.OutboxPending {
		t.Errorf("Expected pending status, got %s", entry.Status)
	}
	if entry.RetryCount != 0 {
		t.Errorf("Expected RetryCount 0, got %d", entry.RetryCount)
	}
	if !entry.CreatedAt.Equal(clk.Now()) {
		t.Errorf("Expected CreatedAt %v, got %v", clk.Now(), entry.CreatedAt)
	}
	if string(entry.Payload) != `{"key":"child-1"}` {
		t.Errorf("Unexpected payload %s", entry.Payload)
	}
}

func TestSyncQueueEnqueue_rejectsUnknownEntityType(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Enqueue(context.Background(), models.ActionCreate, "guardian", "x", nil)
	if !apperrors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("Expected validation error, got %v", err)
	}
}

// TestSyncQueuePendingOrder verifies entries come back in enqueue order.
func TestSyncQueuePendingOrder(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	var keys []string
	for _, id := range []string{"c", "a", "b"} {
		keys = append(keys, enqueueChild(t, q, id).Key)
	}

	// Completing the middle entry must not reorder the rest.
	if _, err := q.Complete(ctx, keys[1]); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	pending, err := q.GetPending(ctx)
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("Expected 2 pending, got %d", len(pending))
	}
	if pending[0].Key != keys[0] || pending[1].Key != keys[2] {
		t.Errorf("Unexpected order: %s, %s", pending[0].EntityID, pending[1].EntityID)
	}
}

// TestSyncQueueTransitions checks that status only leaves pending once.
func TestSyncQueueTransitions(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	synced := enqueueChild(t, q, "c1")
	if _, err := q.Complete(ctx, synced.Key); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	failed := enqueueChild(t, q, "c2")
	got, err := q.Failed(ctx, failed.Key, errors.New("network unreachable"))
	if err != nil {
		t.Fatalf("Failed failed: %v", err)
	}
	if got.LastError != "network unreachable" {
		t.Errorf("Expected LastError to be recorded, got %q", got.LastError)
	}

	tests := []struct {
		name string
		fn   func() error
	}{
		{"synced -> failed", func() error { _, err := q.Failed(ctx, synced.Key, nil); return err }},
		{"synced -> synced", func() error { _, err := q.Complete(ctx, synced.Key); return err }},
		{"failed -> synced", func() error { _, err := q.Complete(ctx, failed.Key); return err }},
		{"failed -> pending", func() error { _, err := q.RecordAttempt(ctx, failed.Key, nil); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !apperrors.Is(err, apperrors.ErrInvalidTransition) {
				t.Errorf("Expected INVALID_TRANSITION, got %v", err)
			}
		})
	}

	if _, err := q.Complete(ctx, "missing"); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected NOT_FOUND, got %v", err)
	}
}

func TestSyncQueueRecordAttempt(t *testing.T) {
	ctx := context.Background()
	q, clk := newTestQueue(t)
	entry := enqueueChild(t, q, "c1")

	clk.Advance(time.Second)
	got, err := q.RecordAttempt(ctx, entry.Key, errors.New("status 422"))
	if err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}
	if got.Status != models.OutboxPending {
		t.Errorf("Expected entry to stay pending, got %s", got.Status)
	}
	if got.RetryCount != 1 || got.LastError != "status 422" {
		t.Errorf("Unexpected attempt bookkeeping: %+v", got)
	}
	if !got.UpdatedAt.After(got.CreatedAt) {
		t.Error("Expected UpdatedAt to advance")
	}
}

func TestSyncQueueRequeue(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	entry := enqueueChild(t, q, "c1")
	if _, err := q.Requeue(ctx, entry.Key); !apperrors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("Expected pending entry requeue to be rejected, got %v", err)
	}

	if _, err := q.Failed(ctx, entry.Key, errors.New("offline")); err != nil {
		t.Fatalf("Failed failed: %v", err)
	}

	fresh, err := q.Requeue(ctx, entry.Key)
	if err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	if fresh.Key == entry.Key || fresh.Status != models.OutboxPending || fresh.EntityID != "c1" {
		t.Errorf("Unexpected requeued entry: %+v", fresh)
	}
	if string(fresh.Payload) != string(entry.Payload) {
		t.Errorf("Expected payload to be copied, got %s", fresh.Payload)
	}

	old, err := q.Get(ctx, entry.Key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if old.Status != models.OutboxFailed {
		t.Errorf("Expected original entry to stay failed, got %s", old.Status)
	}

	history, err := q.ForEntity(ctx, "c1")
	if err != nil {
		t.Fatalf("ForEntity failed: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("Expected 2 entries for entity, got %d", len(history))
	}
}

func TestSyncQueueSupersede(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	first := enqueueChild(t, q, "c1")
	second := enqueueChild(t, q, "c1")
	other := enqueueChild(t, q, "c2")
	if _, err := q.Complete(ctx, first.Key); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	n, err := q.Supersede(ctx, "c1")
	if err != nil {
		t.Fatalf("Supersede failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 superseded entry, got %d", n)
	}

	got, err := q.Get(ctx, second.Key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.OutboxSynced || got.LastError != SupersededByRemote {
		t.Errorf("Expected superseded entry to be synced with reason, got %s %q", got.Status, got.LastError)
	}

	pending, err := q.GetPending(ctx)
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Key != other.Key {
		t.Errorf("Expected only c2 to stay pending, got %+v", pending)
	}

	if _, err := q.Requeue(ctx, second.Key); !apperrors.Is(err, apperrors.ErrInvalidTransition) {
		t.Errorf("Expected superseded entry to be excluded from requeue, got %v", err)
	}
}

func TestSyncQueueRetryAllAndStats(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	for _, id := range []string{"c1", "c2"} {
		entry := enqueueChild(t, q, id)
		if _, err := q.Failed(ctx, entry.Key, nil); err != nil {
			t.Fatalf("Failed failed: %v", err)
		}
	}
	done := enqueueChild(t, q, "c3")
	if _, err := q.Complete(ctx, done.Key); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	n, err := q.RetryAll(ctx)
	if err != nil {
		t.Fatalf("RetryAll failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 requeued, got %d", n)
	}

	stats, err := q.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	want := Stats{Total: 5, Pending: 2, Synced: 1, Failed: 2}
	if stats != want {
		t.Errorf("Expected %+v, got %+v", want, stats)
	}

	size, err := q.Size(ctx)
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if size != 2 {
		t.Errorf("Expected size 2, got %d", size)
	}
}
