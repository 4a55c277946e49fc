package model

import (
	"time"
)

// JobStatus is the lifecycle status of a pipeline job.
type JobStatus string

const (
	JobStatusDraft      JobStatus = "draft"
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status permits no further transitions except an
// explicit retry (failed jobs can be resumed via RetryFromStep).
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCancelled, JobStatusFailed:
		return true
	default:
		return false
	}
}

// Startable reports whether Start is a legal operation from this status.
func (s JobStatus) Startable() bool {
	return s == JobStatusDraft || s == JobStatusPending
}

// Job is one pipeline instance bound to a single subject: a lead-search
// request or one restaurant's registration.
type Job struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	BatchID        string    `json:"batch_id,omitempty"`
	Pipeline       string    `json:"pipeline"`
	Subject        Subject   `json:"subject"`
	Status         JobStatus `json:"status"`
	CurrentStep    int       `json:"current_step"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// JobPatch lists the only job fields the orchestrator is permitted to mutate
// after creation. Nil fields are left untouched.
type JobPatch struct {
	Status       *JobStatus `json:"status,omitempty"`
	CurrentStep  *int       `json:"current_step,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
}

// Empty reports whether the patch would change nothing.
func (p JobPatch) Empty() bool {
	return p.Status == nil && p.CurrentStep == nil && p.ErrorMessage == nil
}
