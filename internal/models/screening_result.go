package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ScreeningResult is one vision/hearing screening observation. ChildID is a
// soft reference: the child may be absent from the local store.
type ScreeningResult struct {
	Key            string              `json:"key"`
	ChildID        string              `json:"child_id"`
	ScreeningDate  time.Time           `json:"screening_date"`
	VisionLogMAR   decimal.NullDecimal `json:"vision_logmar"`
	VisionPass     bool                `json:"vision_pass"`
	HearingPass    bool                `json:"hearing_pass"`
	ReferralNeeded bool                `json:"referral_needed"`
	Notes          string              `json:"notes,omitempty"`
	IsSynced       bool                `json:"is_synced"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// TableName returns the collection name for ScreeningResult.
func (ScreeningResult) TableName() string {
	return "screening_results"
}

// LastModified implements Versioned.
func (r *ScreeningResult) LastModified() time.Time {
	return r.UpdatedAt
}
