// Package pipeline is the orchestration core: pipeline definitions, the job
// state machine, the step engine, and the deferred continuation scheduler.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/forkline/ops-cli/internal/store"
)

// ValidationError rejects bad input shape before any state change.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Msg
}

// NewValidationError creates a ValidationError with a formatted message.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// InvalidTransitionError rejects an operation not legal from the current
// status, before any state change.
type InvalidTransitionError struct {
	Op      string
	Current string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s not allowed from %s", e.Op, e.Current)
}

// NotFoundError reports an unknown job, step, batch, or item id.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// notFound translates the store's sentinel into a typed NotFoundError,
// passing other errors through.
func notFound(err error, resource, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{Resource: resource, ID: id}
	}
	return err
}
