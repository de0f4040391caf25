package sync

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kimhsiao/screensync/internal/checkpoint"
	"github.com/kimhsiao/screensync/internal/db"
	"github.com/kimhsiao/screensync/internal/logging"
	"github.com/kimhsiao/screensync/internal/models"
	"github.com/kimhsiao/screensync/internal/remote"
	"github.com/kimhsiao/screensync/internal/uuid"
)

// pull applies remote changes made since the checkpoint. Offline, it does
// nothing and leaves the checkpoint alone. The checkpoint only advances once
// every pulled record has been applied, and only to the time the request was
// sent, so writes the authority receives while the response is in flight are
// pulled again next pass.
func (c *Coordinator) pull(ctx context.Context, result *Result) error {
	if c.online != nil && !c.online.Online() {
		result.PullSkipped = true
		logging.Info("Offline, skipping pull", nil)
		c.emit(EventPullSkipped, "", "offline")
		return nil
	}

	ctx, span := tracer.Start(ctx, "sync.pull")
	defer span.End()

	since, err := c.checkpoint.Get(ctx)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}

	requestedAt := c.clock.Now()
	resp, err := c.authority.Pull(ctx, remote.PullRequest{LastSyncTime: since})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pull failed")
		return fmt.Errorf("pull: %w", err)
	}

	err = c.store.Update(ctx, func(tx *db.Store) error {
		for _, rec := range resp.Children {
			if rec == nil {
				continue
			}
			if err := c.applyChild(ctx, tx, rec, result); err != nil {
				return err
			}
		}
		for _, rec := range resp.ScreeningResults {
			if rec == nil {
				continue
			}
			if err := c.applyResult(ctx, tx, rec, result); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply pulled records: %w", err)
	}

	result.Checkpoint, err = checkpoint.Advance(ctx, c.checkpoint, requestedAt)
	if err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}

	span.SetAttributes(
		attribute.Int("pull.children", len(resp.Children)),
		attribute.Int("pull.screening_results", len(resp.ScreeningResults)),
	)
	logging.Info("Pull applied",
		map[string]interface{}{
			"since":             since,
			"children":          result.PulledChildren,
			"screening_results": result.PulledResults,
			"conflicts":         result.Conflicts,
		})
	c.emit(EventPullCompleted, "", "")
	return nil
}

// applyChild merges one remote child. Children are matched by ChildID; the
// local internal key is kept.
func (c *Coordinator) applyChild(ctx context.Context, tx *db.Store, incoming *models.ChildRecord, result *Result) error {
	matches, err := tx.Children.ScanByIndex(ctx, db.IndexByChildID, incoming.ChildID)
	if err != nil {
		return err
	}

	rec := *incoming
	rec.IsSynced = true

	if len(matches) == 0 {
		if rec.Key != "" {
			if _, taken, err := tx.Children.Get(ctx, rec.Key); err != nil {
				return err
			} else if taken {
				rec.Key = ""
			}
		}
		if rec.Key == "" {
			rec.Key = uuid.New()
		}
	} else {
		local := matches[0]
		if !c.remoteWins(models.EntityChild, local.Key, local, &rec, local.IsSynced, result) {
			return nil
		}
		rec.Key = local.Key
		if err := c.supersede(ctx, tx, rec.Key, result); err != nil {
			return err
		}
	}

	if err := tx.Children.Upsert(ctx, &rec); err != nil {
		return err
	}
	result.PulledChildren++
	return nil
}

// applyResult merges one remote screening result, matched by key.
func (c *Coordinator) applyResult(ctx context.Context, tx *db.Store, incoming *models.ScreeningResult, result *Result) error {
	rec := *incoming
	rec.IsSynced = true
	if rec.Key == "" {
		rec.Key = ResultKey(rec.ChildID, rec.ScreeningDate.UTC().Format(models.DateLayout))
	}

	local, found, err := tx.Results.Get(ctx, rec.Key)
	if err != nil {
		return err
	}
	if found {
		if !c.remoteWins(models.EntityScreeningResult, local.Key, local, &rec, local.IsSynced, result) {
			return nil
		}
		if err := c.supersede(ctx, tx, rec.Key, result); err != nil {
			return err
		}
	}

	if err := tx.Results.Upsert(ctx, &rec); err != nil {
		return err
	}
	result.PulledResults++
	return nil
}

// remoteWins decides whether the remote copy replaces an existing local one.
// A synced local copy is always replaced; an unsynced one is a conflict.
func (c *Coordinator) remoteWins(entityType models.EntityType, key string, local, incoming models.Versioned, localSynced bool, result *Result) bool {
	conflict, ok := c.resolver.DetectConflict(entityType, key, local, incoming, localSynced)
	if !ok {
		return true
	}

	result.Conflicts++
	resolved, err := c.resolver.Resolve(conflict)
	if err != nil {
		// A registered strategy returned neither side.
		logging.Error("Conflict resolution failed, keeping local", err,
			map[string]interface{}{"entity_type": entityType, "key": key})
		result.LocalWins++
		return false
	}
	if resolved.RemoteWins() {
		result.RemoteWins++
		return true
	}
	result.LocalWins++
	return false
}

// supersede retires local outbox entries for a record the remote copy just
// replaced. Pushing them would overwrite the winning remote version.
func (c *Coordinator) supersede(ctx context.Context, tx *db.Store, entityID string, result *Result) error {
	n, err := c.queue.In(tx).Supersede(ctx, entityID)
	if err != nil {
		return err
	}
	result.Superseded += n
	return nil
}

// ResultKey derives a stable key for a screening result that arrives
// without one, so replays of the same observation land on the same record.
func ResultKey(childID, screeningDate string) string {
	return uuid.Derive("screening_result|" + childID + "|" + screeningDate)
}
