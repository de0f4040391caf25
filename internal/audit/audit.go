// Package audit appends administrative and sync events to the store's
// append-only audit_log collection.
package audit

import (
	"context"
	"encoding/json"

	"github.com/kimhsiao/screensync/internal/db"
	apperrors "github.com/kimhsiao/screensync/internal/errors"
	"github.com/kimhsiao/screensync/internal/models"
	"github.com/kimhsiao/screensync/internal/uuid"
)

// Log records audit entries on behalf of one acting user.
type Log struct {
	store  *db.Store
	userID string
}

// New creates an audit Log writing to store.
func New(store *db.Store, userID string) *Log {
	return &Log{store: store, userID: userID}
}

// In returns a Log bound to a transaction-scoped store.
func (l *Log) In(tx *db.Store) *Log {
	return &Log{store: tx, userID: l.userID}
}

// Record appends one entry. details must encode to a JSON object; nil is
// stored as {}.
func (l *Log) Record(ctx context.Context, action string, details interface{}) (*models.AuditLogEntry, error) {
	raw := json.RawMessage(`{}`)
	if details != nil {
		encoded, err := json.Marshal(details)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "encode audit details", err)
		}
		if len(encoded) == 0 || encoded[0] != '{' {
			return nil, apperrors.Newf(apperrors.ErrValidation, "audit details for %s must be an object", action)
		}
		raw = encoded
	}

	entry := &models.AuditLogEntry{
		Key:       uuid.New(),
		Action:    action,
		Details:   raw,
		UserID:    l.userID,
		Timestamp: l.store.Clock().Now(),
	}
	if err := l.store.Audit.Upsert(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// ByAction returns the entries recorded for action in append order.
func (l *Log) ByAction(ctx context.Context, action string) ([]*models.AuditLogEntry, error) {
	return l.store.Audit.ScanByIndex(ctx, db.IndexByAction, action)
}

// All returns every entry in append order.
func (l *Log) All(ctx context.Context) ([]*models.AuditLogEntry, error) {
	return l.store.Audit.All(ctx)
}
