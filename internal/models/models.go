// Package models provides the record types persisted by the local store.
package models

import "time"

// EntityType names the kind of record an outbox entry refers to.
type EntityType string

const (
	EntityChild           EntityType = "child"
	EntityScreeningResult EntityType = "screening_result"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	return t == EntityChild || t == EntityScreeningResult
}

// Versioned is implemented by records that carry a last-modified timestamp.
type Versioned interface {
	LastModified() time.Time
}
