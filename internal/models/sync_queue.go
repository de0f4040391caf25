package models

import (
	"encoding/json"
	"time"
)

// OutboxStatus is the delivery state of an outbox entry.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSynced  OutboxStatus = "synced"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxAction is the kind of mutation an entry propagates.
type OutboxAction string

const (
	ActionCreate OutboxAction = "create"
	ActionUpdate OutboxAction = "update"
)

// OutboxEntry is one pending local mutation awaiting delivery to the remote
// authority. Status only moves pending -> synced or pending -> failed.
type OutboxEntry struct {
	Key        string          `json:"key"`
	Action     OutboxAction    `json:"action"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload"`
	Status     OutboxStatus    `json:"status"`
	RetryCount int             `json:"retry_count"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// TableName returns the collection name for OutboxEntry.
func (OutboxEntry) TableName() string {
	return "sync_queue"
}

// Terminal reports whether the entry has left the pending state.
func (e *OutboxEntry) Terminal() bool {
	return e.Status == OutboxSynced || e.Status == OutboxFailed
}
