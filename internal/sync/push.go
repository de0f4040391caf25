package sync

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kimhsiao/screensync/internal/db"
	apperrors "github.com/kimhsiao/screensync/internal/errors"
	"github.com/kimhsiao/screensync/internal/logging"
	"github.com/kimhsiao/screensync/internal/models"
)

// push delivers pending outbox entries one at a time in enqueue order.
//
// Connectivity errors are retried up to MaxAttempts with a fixed delay, after
// which the entry is marked failed and push moves on. Any other error leaves
// the entry pending, stops the push and fails the pass.
func (c *Coordinator) push(ctx context.Context, result *Result) error {
	ctx, span := tracer.Start(ctx, "sync.push")
	defer span.End()

	pending, err := c.queue.GetPending(ctx)
	if err != nil {
		return fmt.Errorf("list pending entries: %w", err)
	}
	span.SetAttributes(attribute.Int("push.pending", len(pending)))

	for _, entry := range pending {
		if err := c.pushEntry(ctx, entry, result); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "push failed")
			return err
		}
	}
	return nil
}

func (c *Coordinator) pushEntry(ctx context.Context, entry *models.OutboxEntry, result *Result) error {
	for attempt := 1; ; attempt++ {
		err := c.authority.Push(ctx, entry)
		if err == nil {
			if err := c.markSynced(ctx, entry); err != nil {
				return err
			}
			result.Pushed++
			c.emit(EventEntryPushed, entry.Key, "")
			return nil
		}

		if _, recErr := c.queue.RecordAttempt(ctx, entry.Key, err); recErr != nil {
			return fmt.Errorf("record push attempt for %s: %w", entry.Key, recErr)
		}

		if !apperrors.IsConnectivity(err) {
			logging.ErrorWithCode("Push failed, not retrying", string(apperrors.CodeOf(err)), err,
				map[string]interface{}{
					"key":       entry.Key,
					"entity_id": entry.EntityID,
				})
			return fmt.Errorf("push %s: %w", entry.Key, err)
		}

		if attempt >= c.opts.MaxAttempts {
			if _, ferr := c.queue.Failed(ctx, entry.Key, err); ferr != nil {
				return fmt.Errorf("mark %s failed: %w", entry.Key, ferr)
			}
			result.Failed++
			c.emit(EventEntryFailed, entry.Key, err.Error())
			return nil
		}

		result.Retries++
		logging.Warn("Push failed, retrying",
			map[string]interface{}{
				"key":          entry.Key,
				"attempt":      attempt,
				"max_attempts": c.opts.MaxAttempts,
				"retry_delay":  c.opts.RetryDelay.String(),
				"error":        err.Error(),
			})
		c.emit(EventEntryRetried, entry.Key, err.Error())

		if err := c.opts.Sleep(ctx, c.opts.RetryDelay); err != nil {
			return err
		}
	}
}

// markSynced completes the entry and flags the referenced record as synced,
// unless newer edits to that record are still waiting in the outbox.
func (c *Coordinator) markSynced(ctx context.Context, entry *models.OutboxEntry) error {
	return c.store.Update(ctx, func(tx *db.Store) error {
		txq := c.queue.In(tx)
		if _, err := txq.Complete(ctx, entry.Key); err != nil {
			return err
		}

		others, err := txq.ForEntity(ctx, entry.EntityID)
		if err != nil {
			return err
		}
		for _, other := range others {
			if other.Status == models.OutboxPending {
				return nil
			}
		}

		switch entry.EntityType {
		case models.EntityChild:
			rec, ok, err := tx.Children.Get(ctx, entry.EntityID)
			if err != nil || !ok || rec.IsSynced {
				return err
			}
			rec.IsSynced = true
			return tx.Children.Upsert(ctx, rec)
		case models.EntityScreeningResult:
			rec, ok, err := tx.Results.Get(ctx, entry.EntityID)
			if err != nil || !ok || rec.IsSynced {
				return err
			}
			rec.IsSynced = true
			return tx.Results.Upsert(ctx, rec)
		}
		return nil
	})
}
