package models

import (
	"encoding/json"
	"time"
)

// Audit actions written by the importer and the sync coordinator.
const (
	AuditBulkImport    = "bulk_import"
	AuditSyncCompleted = "sync_completed"
	AuditSyncFailed    = "sync_failed"
	AuditStoreCleared  = "store_cleared"
	AuditDataRestored  = "data_restored"
)

// AuditLogEntry is an append-only record of an administrative or sync event.
type AuditLogEntry struct {
	Key       string          `json:"key"`
	Action    string          `json:"action"`
	Details   json.RawMessage `json:"details"`
	UserID    string          `json:"user_id"`
	Timestamp time.Time       `json:"timestamp"`
}

// TableName returns the collection name for AuditLogEntry.
func (AuditLogEntry) TableName() string {
	return "audit_log"
}

// DecodeDetails unmarshals Details into v.
func (a *AuditLogEntry) DecodeDetails(v interface{}) error {
	if len(a.Details) == 0 {
		return nil
	}
	return json.Unmarshal(a.Details, v)
}
