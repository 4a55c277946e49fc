package model

import (
	"encoding/json"
	"time"
)

// ItemValidation is the result of validating an item against its pipeline's
// required fields and dedup rules.
type ItemValidation string

const (
	ItemValid     ItemValidation = "valid"
	ItemInvalid   ItemValidation = "invalid"
	ItemDuplicate ItemValidation = "duplicate"
)

// ItemStatus tracks an item's progress through the step that owns it.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusProcessed  ItemStatus = "processed"
	ItemStatusFailed     ItemStatus = "failed"
	// ItemStatusPassed marks an item a human curated into the next step's
	// input set.
	ItemStatusPassed ItemStatus = "passed"
)

// Item is the granular unit a step operates on: a scraped lead, a candidate
// platform match, a generated asset. Items are created by automatic steps or
// by human action and move between steps via explicit pass operations.
type Item struct {
	ID           string          `json:"id"`
	JobID        string          `json:"job_id"`
	StepNumber   int             `json:"step_number"`
	DedupKey     string          `json:"dedup_key,omitempty"`
	Validation   ItemValidation  `json:"validation"`
	Status       ItemStatus      `json:"status"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ItemPatch lists the only item fields mutable after creation.
type ItemPatch struct {
	Status       *ItemStatus     `json:"status,omitempty"`
	StepNumber   *int            `json:"step_number,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
}

// Empty reports whether the patch would change nothing.
func (p ItemPatch) Empty() bool {
	return p.Status == nil && p.StepNumber == nil && p.Payload == nil && p.ErrorMessage == nil
}
