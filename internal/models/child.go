package models

import (
	"strings"
	"time"
)

// DateLayout is the ISO calendar-date layout used for dates of birth.
const DateLayout = "2006-01-02"

// ChildRecord is a child profile. Key is the immutable internal storage key;
// ChildID is the externally meaningful identifier, unique within the store.
type ChildRecord struct {
	Key             string    `json:"key"`
	ChildID         string    `json:"child_id"`
	FirstName       string    `json:"first_name"`
	LastName        string    `json:"last_name"`
	DateOfBirth     string    `json:"date_of_birth"`
	SchoolID        string    `json:"school_id"`
	Grade           string    `json:"grade,omitempty"`
	GuardianContact string    `json:"guardian_contact,omitempty"`
	IsSynced        bool      `json:"is_synced"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TableName returns the collection name for ChildRecord.
func (ChildRecord) TableName() string {
	return "children"
}

// FullName joins first and last name.
func (c *ChildRecord) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// Birthdate parses DateOfBirth.
func (c *ChildRecord) Birthdate() (time.Time, error) {
	return time.Parse(DateLayout, c.DateOfBirth)
}

// LastModified implements Versioned.
func (c *ChildRecord) LastModified() time.Time {
	return c.UpdatedAt
}
