package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kimhsiao/screensync/internal/clock"
	apperrors "github.com/kimhsiao/screensync/internal/errors"
	"github.com/kimhsiao/screensync/internal/models"
)

// Store groups the four collections of the local store. A Store returned by
// NewStore runs each call in its own implicit transaction; the Store passed
// to an Update callback is bound to that transaction.
type Store struct {
	db    *sql.DB
	q     querier
	clock clock.Clock

	Children *Table[models.ChildRecord]
	Results  *Table[models.ScreeningResult]
	Outbox   *Table[models.OutboxEntry]
	Audit    *Table[models.AuditLogEntry]
}

// NewStore creates a Store over an opened database.
func NewStore(db *sql.DB, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.System{}
	}
	s := bind(db, clk)
	s.db = db
	return s
}

func bind(q querier, clk clock.Clock) *Store {
	return &Store{
		q:        q,
		clock:    clk,
		Children: newTable(q, clk, childrenSpec),
		Results:  newTable(q, clk, resultsSpec),
		Outbox:   newTable(q, clk, outboxSpec),
		Audit:    newTable(q, clk, auditSpec),
	}
}

// Clock returns the clock used to stamp records.
func (s *Store) Clock() clock.Clock {
	return s.clock
}

// Update runs fn inside a single transaction. fn must use the Store it is
// given; the outer Store shares the one sqlite connection and would block.
// Nested calls on a transaction-bound Store run fn in the same transaction.
func (s *Store) Update(ctx context.Context, fn func(tx *Store) error) error {
	if s.db == nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Storage("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(bind(tx, s.clock)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Storage("commit transaction", err)
	}
	return nil
}

// Clear wipes every collection in one transaction.
func (s *Store) Clear(ctx context.Context) error {
	return s.Update(ctx, func(tx *Store) error {
		for _, clear := range []func(context.Context) error{
			tx.Children.clear,
			tx.Results.clear,
			tx.Outbox.clear,
			tx.Audit.clear,
		} {
			if err := clear(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}

// Counts returns the number of records per collection name.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int, 4)
	for name, count := range map[string]func(context.Context) (int, error){
		s.Children.Name(): s.Children.Count,
		s.Results.Name():  s.Results.Count,
		s.Outbox.Name():   s.Outbox.Count,
		s.Audit.Name():    s.Audit.Count,
	} {
		n, err := count(ctx)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", name, err)
		}
		counts[name] = n
	}
	return counts, nil
}

var childrenSpec = tableSpec[models.ChildRecord]{
	name: models.ChildRecord{}.TableName(),
	key:  func(c *models.ChildRecord) string { return c.Key },
	stamp: func(c *models.ChildRecord, now time.Time) time.Time {
		if c.UpdatedAt.IsZero() {
			c.UpdatedAt = now
		}
		return c.UpdatedAt
	},
	indexes: map[string]string{
		IndexBySchool:     "$.school_id",
		IndexByChildID:    "$.child_id",
		IndexBySyncStatus: "$.is_synced",
	},
}

var resultsSpec = tableSpec[models.ScreeningResult]{
	name: models.ScreeningResult{}.TableName(),
	key:  func(r *models.ScreeningResult) string { return r.Key },
	stamp: func(r *models.ScreeningResult, now time.Time) time.Time {
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = now
		}
		return r.UpdatedAt
	},
	indexes: map[string]string{
		IndexByChildID:    "$.child_id",
		IndexByReferral:   "$.referral_needed",
		IndexBySyncStatus: "$.is_synced",
	},
}

var outboxSpec = tableSpec[models.OutboxEntry]{
	name: models.OutboxEntry{}.TableName(),
	key:  func(e *models.OutboxEntry) string { return e.Key },
	stamp: func(e *models.OutboxEntry, now time.Time) time.Time {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if e.UpdatedAt.IsZero() {
			e.UpdatedAt = now
		}
		return e.UpdatedAt
	},
	indexes: map[string]string{
		IndexByStatus: "$.status",
		IndexByEntity: "$.entity_id",
	},
}

var auditSpec = tableSpec[models.AuditLogEntry]{
	name: models.AuditLogEntry{}.TableName(),
	key:  func(a *models.AuditLogEntry) string { return a.Key },
	stamp: func(a *models.AuditLogEntry, now time.Time) time.Time {
		if a.Timestamp.IsZero() {
			a.Timestamp = now
		}
		return a.Timestamp
	},
	indexes: map[string]string{
		IndexByAction: "$.action",
	},
}
