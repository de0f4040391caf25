package db

import (
	"context"

	"github.com/kimhsiao/screensync/internal/models"
)

// Index names understood by ScanByIndex.
const (
	IndexBySchool     = "by_school"
	IndexByChildID    = "by_child_id"
	IndexBySyncStatus = "by_sync_status"
	IndexByReferral   = "by_referral"
	IndexByStatus     = "by_status"
	IndexByEntity     = "by_entity"
	IndexByAction     = "by_action"
)

// Collection is a named set of records keyed by a primary key with secondary
// indexes. Every write replaces the whole record.
type Collection[T any] interface {
	// Name returns the collection name.
	Name() string

	// Upsert inserts or replaces a record. Replaying the same record is a no-op.
	Upsert(ctx context.Context, rec *T) error

	// Get retrieves a record by primary key.
	Get(ctx context.Context, key string) (*T, bool, error)

	// ScanByIndex returns the records whose indexed field equals value.
	ScanByIndex(ctx context.Context, index string, value interface{}) ([]*T, error)

	// All returns every record in the collection.
	All(ctx context.Context) ([]*T, error)

	// Count returns the number of records.
	Count(ctx context.Context) (int, error)
}

// Ensure *Table implements Collection for every stored type at compile time.
var (
	_ Collection[models.ChildRecord]     = (*Table[models.ChildRecord])(nil)
	_ Collection[models.ScreeningResult] = (*Table[models.ScreeningResult])(nil)
	_ Collection[models.OutboxEntry]     = (*Table[models.OutboxEntry])(nil)
	_ Collection[models.AuditLogEntry]   = (*Table[models.AuditLogEntry])(nil)
)
