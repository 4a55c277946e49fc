package model

import (
	"time"
)

// ExecConfig is the per-job execution configuration a batch applies to every
// job it creates.
type ExecConfig struct {
	// AutoAdvance triggers the next step as soon as the current one
	// completes. When false the pipeline pauses after every step.
	AutoAdvance bool `json:"auto_advance"`
	// MaxAttempts bounds external-call attempts per step (first try
	// included). Zero means the adapter default.
	MaxAttempts int `json:"max_attempts,omitempty"`
	// BaseDelay scales the backoff between attempts: attempt n waits
	// BaseDelay * n.
	BaseDelay time.Duration `json:"base_delay,omitempty"`
}

// Batch groups many jobs created together, e.g. "register these 50
// restaurants". Its aggregate status is derived from constituent jobs.
type Batch struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Name           string     `json:"name"`
	Pipeline       string     `json:"pipeline"`
	SourceJobID    string     `json:"source_job_id,omitempty"`
	Config         ExecConfig `json:"config"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// BatchProgress aggregates job statuses for polling.
type BatchProgress struct {
	BatchID        string    `json:"batch_id"`
	Status         JobStatus `json:"status"`
	Total          int       `json:"total"`
	Pending        int       `json:"pending"`
	InProgress     int       `json:"in_progress"`
	ActionRequired int       `json:"action_required"`
	Completed      int       `json:"completed"`
	Cancelled      int       `json:"cancelled"`
	Failed         int       `json:"failed"`
}

// Derive computes the batch aggregate status from the counts: completed only
// when every job is terminal, pending until any job has started.
func (p *BatchProgress) Derive() {
	switch {
	case p.Total == 0:
		p.Status = JobStatusPending
	case p.Completed+p.Cancelled+p.Failed == p.Total:
		p.Status = JobStatusCompleted
	case p.InProgress > 0 || p.ActionRequired > 0 || p.Completed > 0 || p.Failed > 0:
		p.Status = JobStatusInProgress
	default:
		p.Status = JobStatusPending
	}
}
