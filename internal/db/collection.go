package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kimhsiao/screensync/internal/clock"
	apperrors "github.com/kimhsiao/screensync/internal/errors"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// tableSpec describes how records of type T map onto a collection table.
type tableSpec[T any] struct {
	name string

	// key returns the primary key of a record.
	key func(*T) string

	// stamp returns the record's UpdatedAt, setting it to now first when unset.
	stamp func(rec *T, now time.Time) time.Time

	// indexes maps an index name to the JSON path it covers.
	indexes map[string]string
}

// Table is a Collection backed by a sqlite table of JSON documents.
type Table[T any] struct {
	q     querier
	clock clock.Clock
	spec  tableSpec[T]
}

func newTable[T any](q querier, clk clock.Clock, spec tableSpec[T]) *Table[T] {
	return &Table[T]{q: q, clock: clk, spec: spec}
}

// Name returns the collection name.
func (t *Table[T]) Name() string {
	return t.spec.name
}

// Upsert inserts rec or replaces the stored record with the same key.
func (t *Table[T]) Upsert(ctx context.Context, rec *T) error {
	key := t.spec.key(rec)
	if key == "" {
		return apperrors.New(apperrors.ErrValidation, t.spec.name+": record key is empty")
	}

	updatedAt := t.spec.stamp(rec, t.clock.Now())

	body, err := json.Marshal(rec)
	if err != nil {
		return apperrors.Storage("encode "+t.spec.name+" record", err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (key, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`, t.spec.name)
	if _, err := t.q.ExecContext(ctx, query, key, string(body), updatedAt.UnixMilli()); err != nil {
		return apperrors.Storage("upsert "+t.spec.name+" "+key, err)
	}
	return nil
}

// Get returns the record stored under key. The boolean is false when absent.
func (t *Table[T]) Get(ctx context.Context, key string) (*T, bool, error) {
	query := fmt.Sprintf("SELECT body FROM %s WHERE key = ?", t.spec.name)

	var body string
	err := t.q.QueryRowContext(ctx, query, key).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.Storage("get "+t.spec.name+" "+key, err)
	}

	rec, err := t.decode(body)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// ScanByIndex returns every record whose indexed field equals value, in
// insertion order. The result reflects the table contents at call time.
func (t *Table[T]) ScanByIndex(ctx context.Context, index string, value interface{}) ([]*T, error) {
	path, ok := t.spec.indexes[index]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrValidation, "%s has no index %q", t.spec.name, index)
	}

	// json_extract yields 1/0 for JSON booleans.
	if b, isBool := value.(bool); isBool {
		if b {
			value = 1
		} else {
			value = 0
		}
	}

	query := fmt.Sprintf("SELECT body FROM %s WHERE json_extract(body, '%s') = ? ORDER BY rowid", t.spec.name, path)
	return t.list(ctx, query, value)
}

// All returns every record in insertion order.
func (t *Table[T]) All(ctx context.Context) ([]*T, error) {
	return t.list(ctx, fmt.Sprintf("SELECT body FROM %s ORDER BY rowid", t.spec.name))
}

// Count returns the number of stored records.
func (t *Table[T]) Count(ctx context.Context) (int, error) {
	var n int
	if err := t.q.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", t.spec.name)).Scan(&n); err != nil {
		return 0, apperrors.Storage("count "+t.spec.name, err)
	}
	return n, nil
}

func (t *Table[T]) list(ctx context.Context, query string, args ...interface{}) ([]*T, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Storage("scan "+t.spec.name, err)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, apperrors.Storage("scan "+t.spec.name, err)
		}
		rec, err := t.decode(body)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("scan "+t.spec.name, err)
	}
	return out, nil
}

func (t *Table[T]) decode(body string) (*T, error) {
	rec := new(T)
	if err := json.Unmarshal([]byte(body), rec); err != nil {
		return nil, apperrors.Storage("decode "+t.spec.name+" record", err)
	}
	return rec, nil
}

func (t *Table[T]) clear(ctx context.Context) error {
	if _, err := t.q.ExecContext(ctx, "DELETE FROM "+t.spec.name); err != nil {
		return apperrors.Storage("clear "+t.spec.name, err)
	}
	return nil
}
