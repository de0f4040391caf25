// Package queue provides the persistent mutation outbox drained by the sync
// coordinator.
package queue

import (
	"context"
	"encoding/json"

	"github.com/kimhsiao/screensync/internal/db"
	apperrors "github.com/kimhsiao/screensync/internal/errors"
	"github.com/kimhsiao/screensync/internal/logging"
	"github.com/kimhsiao/screensync/internal/models"
	"github.com/kimhsiao/screensync/internal/uuid"
)

// Stats counts outbox entries per status.
type Stats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
}

// SyncQueue manages outbox entries stored in the sync_queue collection.
// Entries leave the pending state exactly once.
type SyncQueue struct {
	store *db.Store
}

// NewSyncQueue creates a new SyncQueue over store.
func NewSyncQueue(store *db.Store) *SyncQueue {
	return &SyncQueue{store: store}
}

// In returns a SyncQueue bound to a transaction-scoped store.
func (q *SyncQueue) In(tx *db.Store) *SyncQueue {
	return &SyncQueue{store: tx}
}

// Enqueue appends a pending entry describing a local mutation.
func (q *SyncQueue) Enqueue(ctx context.Context, action models.OutboxAction, entityType models.EntityType, entityID string, payload interface{}) (*models.OutboxEntry, error) {
	if !entityType.Valid() {
		return nil, apperrors.Newf(apperrors.ErrValidation, "unknown entity type %q", entityType)
	}
	if action != models.ActionCreate && action != models.ActionUpdate {
		return nil, apperrors.Newf(apperrors.ErrValidation, "unknown outbox action %q", action)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "encode outbox payload", err)
	}

	now := q.store.Clock().Now()
	entry := &models.OutboxEntry{
		Key:        uuid.New(),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    raw,
		Status:     models.OutboxPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := q.store.Outbox.Upsert(ctx, entry); err != nil {
		return nil, err
	}

	logging.Debug("Outbox entry enqueued", map[string]interface{}{
		"key":         entry.Key,
		"action":      entry.Action,
		"entity_type": entry.EntityType,
		"entity_id":   entry.EntityID,
	})
	return entry, nil
}

// Get returns the entry stored under key.
func (q *SyncQueue) Get(ctx context.Context, key string) (*models.OutboxEntry, error) {
	entry, ok, err := q.store.Outbox.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "outbox entry %s not found", key)
	}
	return entry, nil
}

// GetPending returns pending entries in enqueue order.
func (q *SyncQueue) GetPending(ctx context.Context) ([]*models.OutboxEntry, error) {
	return q.store.Outbox.ScanByIndex(ctx, db.IndexByStatus, string(models.OutboxPending))
}

// GetFailed returns failed entries in enqueue order.
func (q *SyncQueue) GetFailed(ctx context.Context) ([]*models.OutboxEntry, error) {
	return q.store.Outbox.ScanByIndex(ctx, db.IndexByStatus, string(models.OutboxFailed))
}

// ForEntity returns every entry referring to entityID.
func (q *SyncQueue) ForEntity(ctx context.Context, entityID string) ([]*models.OutboxEntry, error) {
	return q.store.Outbox.ScanByIndex(ctx, db.IndexByEntity, entityID)
}

// Complete marks a pending entry as synced.
func (q *SyncQueue) Complete(ctx context.Context, key string) (*models.OutboxEntry, error) {
	return q.transition(ctx, key, models.OutboxSynced, func(e *models.OutboxEntry) {
		e.LastError = ""
	})
}

// Failed marks a pending entry as permanently failed. Failed entries are
// never retried automatically; see Requeue.
func (q *SyncQueue) Failed(ctx context.Context, key string, cause error) (*models.OutboxEntry, error) {
	entry, err := q.transition(ctx, key, models.OutboxFailed, func(e *models.OutboxEntry) {
		if cause != nil {
			e.LastError = cause.Error()
		}
	})
	if err != nil {
		return nil, err
	}

	logging.Warn("Outbox entry failed permanently", map[string]interface{}{
		"key":         entry.Key,
		"entity_id":   entry.EntityID,
		"retry_count": entry.RetryCount,
		"last_error":  entry.LastError,
	})
	return entry, nil
}

// SupersededByRemote is the LastError of entries retired by Supersede.
const SupersededByRemote = "superseded by remote"

// Supersede retires every pending entry of entityID whose change lost a
// conflict to the remote copy. The entries become synced with LastError
// set to SupersededByRemote, so they are neither pushed nor requeued.
func (q *SyncQueue) Supersede(ctx context.Context, entityID string) (int, error) {
	entries, err := q.ForEntity(ctx, entityID)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, entry := range entries {
		if entry.Status != models.OutboxPending {
			continue
		}
		if _, err := q.transition(ctx, entry.Key, models.OutboxSynced, func(e *models.OutboxEntry) {
			e.LastError = SupersededByRemote
		}); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		logging.Info("Outbox entries superseded by remote", map[string]interface{}{
			"entity_id": entityID,
			"count":     n,
		})
	}
	return n, nil
}

// RecordAttempt notes an unsuccessful delivery attempt. The entry stays pending.
func (q *SyncQueue) RecordAttempt(ctx context.Context, key string, cause error) (*models.OutboxEntry, error) {
	return q.transition(ctx, key, models.OutboxPending, func(e *models.OutboxEntry) {
		e.RetryCount++
		if cause != nil {
			e.LastError = cause.Error()
		}
	})
}

// Requeue appends a fresh pending copy of a failed entry. The failed entry
// itself stays failed.
func (q *SyncQueue) Requeue(ctx context.Context, key string) (*models.OutboxEntry, error) {
	failed, err := q.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if failed.Status != models.OutboxFailed {
		return nil, apperrors.Newf(apperrors.ErrInvalidTransition, "only failed entries can be requeued, %s is %s", key, failed.Status)
	}

	var payload json.RawMessage = failed.Payload
	return q.Enqueue(ctx, failed.Action, failed.EntityType, failed.EntityID, payload)
}

// RetryAll requeues every failed entry and returns how many were requeued.
func (q *SyncQueue) RetryAll(ctx context.Context) (int, error) {
	failed, err := q.GetFailed(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	err = q.store.Update(ctx, func(tx *db.Store) error {
		txq := q.In(tx)
		for _, entry := range failed {
			if _, err := txq.Requeue(ctx, entry.Key); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if count > 0 {
		logging.Info("Requeued failed outbox entries", map[string]interface{}{"count": count})
	}
	return count, nil
}

// GetStats returns per-status counts.
func (q *SyncQueue) GetStats(ctx context.Context) (Stats, error) {
	all, err := q.store.Outbox.All(ctx)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	for _, entry := range all {
		stats.Total++
		switch entry.Status {
		case models.OutboxPending:
			stats.Pending++
		case models.OutboxSynced:
			stats.Synced++
		case models.OutboxFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// Size returns the number of pending entries.
func (q *SyncQueue) Size(ctx context.Context) (int, error) {
	pending, err := q.GetPending(ctx)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

// transition applies mutate to a pending entry and moves it to status.
func (q *SyncQueue) transition(ctx context.Context, key string, to models.OutboxStatus, mutate func(*models.OutboxEntry)) (*models.OutboxEntry, error) {
	entry, err := q.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry.Status != models.OutboxPending {
		return nil, apperrors.Newf(apperrors.ErrInvalidTransition, "outbox entry %s: %s -> %s", key, entry.Status, to)
	}

	mutate(entry)
	entry.Status = to
	entry.UpdatedAt = q.store.Clock().Now()

	if err := q.store.Outbox.Upsert(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}
