package model

import (
	"encoding/json"
	"time"
)

// StepKind distinguishes steps the engine executes against a connector from
// steps that pause the pipeline until a human supplies input.
type StepKind string

const (
	StepKindAutomatic      StepKind = "automatic"
	StepKindActionRequired StepKind = "action_required"
)

// StepStatus is the execution status of one step of a job.
type StepStatus string

const (
	StepStatusPending        StepStatus = "pending"
	StepStatusInProgress     StepStatus = "in_progress"
	StepStatusActionRequired StepStatus = "action_required"
	StepStatusCompleted      StepStatus = "completed"
	StepStatusFailed         StepStatus = "failed"
	StepStatusSkipped        StepStatus = "skipped"
)

// Terminal reports whether the step has reached a resting state that ends its
// processing (completed, failed, or skipped).
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return true
	default:
		return false
	}
}

// Done reports whether the step counts as satisfied for step-ordering
// purposes: the next step may only run once this one is completed or skipped.
func (s StepStatus) Done() bool {
	return s == StepStatusCompleted || s == StepStatusSkipped
}

// Step is one ordinate position in a job's pipeline. Step numbers within a
// job are contiguous starting at 1 and are processed strictly in order.
type Step struct {
	ID           string          `json:"id"`
	JobID        string          `json:"job_id"`
	Number       int             `json:"number"`
	Name         string          `json:"name"`
	Kind         StepKind        `json:"kind"`
	Status       StepStatus      `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	RetryCount   int             `json:"retry_count"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}
