// Package importer validates external child rosters and materializes valid
// rows as store writes plus outbox entries.
package importer

import (
	"context"
	"fmt"
	"strings"

	"github.com/kimhsiao/screensync/internal/audit"
	"github.com/kimhsiao/screensync/internal/db"
	apperrors "github.com/kimhsiao/screensync/internal/errors"
	"github.com/kimhsiao/screensync/internal/logging"
	"github.com/kimhsiao/screensync/internal/models"
	"github.com/kimhsiao/screensync/internal/sync/queue"
	"github.com/kimhsiao/screensync/internal/uuid"
)

// Importer turns roster rows into children and create/update outbox entries.
type Importer struct {
	store *db.Store
	queue *queue.SyncQueue
	audit *audit.Log
	rules *rules
}

// New creates an Importer. It fails with CONFIG_INVALID when opts carry an
// unusable ID pattern or age range.
func New(store *db.Store, auditLog *audit.Log, opts Options) (*Importer, error) {
	r, err := newRules(opts)
	if err != nil {
		return nil, err
	}
	return &Importer{
		store: store,
		queue: queue.NewSyncQueue(store),
		audit: auditLog,
		rules: r,
	}, nil
}

// ImportRows validates and stores rows for one partition. A failing row is
// reported and skipped; it never aborts the batch. One bulk_import audit
// entry summarizes the batch.
//
// The returned error is non-nil only when the batch could not run at all or
// its audit entry could not be written; the report is returned either way.
func (im *Importer) ImportRows(ctx context.Context, partitionID string, rows []Row) (*Report, error) {
	partitionID = strings.TrimSpace(partitionID)
	if partitionID == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "partition id is required")
	}

	report := &Report{PartitionID: partitionID, StartedAt: im.store.Clock().Now()}
	seen := make(map[string]int)

	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return report, apperrors.Wrap(apperrors.ErrImportFailed, "import interrupted", err)
		}
		report.add(im.importRow(ctx, partitionID, i+2, row, seen))
	}

	if _, err := im.audit.Record(ctx, models.AuditBulkImport, map[string]interface{}{
		"partition_id":  partitionID,
		"success_count": report.SuccessCount,
		"error_count":   report.ErrorCount,
		"total_rows":    report.TotalRows,
	}); err != nil {
		return report, apperrors.Wrap(apperrors.ErrImportFailed, "record import audit", err)
	}

	logging.Info("Bulk import finished", map[string]interface{}{
		"partition_id":  partitionID,
		"total_rows":    report.TotalRows,
		"success_count": report.SuccessCount,
		"error_count":   report.ErrorCount,
		"warning_count": report.WarningCount,
	})
	return report, nil
}

func (im *Importer) importRow(ctx context.Context, partitionID string, rowNumber int, row Row, seen map[string]int) RowResult {
	ext := extract(row)
	res := RowResult{
		RowNumber: rowNumber,
		Input:     row,
		ChildID:   ext[fieldChildID],
		Name:      strings.TrimSpace(ext[fieldFirstName] + " " + ext[fieldLastName]),
	}

	rec, errs, warnings := im.rules.check(ext, im.store.Clock().Now())
	if first, dup := seen[res.ChildID]; dup {
		errs = append(errs, fmt.Sprintf("Duplicate Child ID %s (first seen on row %d)", res.ChildID, first))
	}
	if len(errs) > 0 {
		res.Status = StatusError
		res.Message = strings.Join(errs, "; ")
		return res
	}

	rec.SchoolID = partitionID
	action, err := im.persist(ctx, rec)
	if err != nil {
		logging.Warn("Import row not stored", map[string]interface{}{
			"row":      rowNumber,
			"child_id": rec.ChildID,
			"error":    err.Error(),
		})
		res.Status = StatusError
		res.Message = "Store write failed: " + err.Error()
		return res
	}

	seen[res.ChildID] = rowNumber
	res.Status = StatusSuccess
	res.Key = rec.Key
	res.Action = action
	res.Warnings = warnings
	if action == models.ActionUpdate {
		res.Message = "Updated"
	} else {
		res.Message = "Imported"
	}
	return res
}

// persist writes rec and its outbox entry in one transaction. An existing
// child with the same ChildID keeps its key and gets an update entry.
func (im *Importer) persist(ctx context.Context, rec *models.ChildRecord) (models.OutboxAction, error) {
	action := models.ActionCreate
	err := im.store.Update(ctx, func(tx *db.Store) error {
		existing, err := tx.Children.ScanByIndex(ctx, db.IndexByChildID, rec.ChildID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			rec.Key = existing[0].Key
			action = models.ActionUpdate
		} else {
			rec.Key = uuid.New()
		}
		rec.IsSynced = false
		rec.UpdatedAt = tx.Clock().Now()

		if err := tx.Children.Upsert(ctx, rec); err != nil {
			return err
		}
		_, err = im.queue.In(tx).Enqueue(ctx, action, models.EntityChild, rec.Key, rec)
		return err
	})
	return action, err
}
