package connector

import (
	"encoding/json"

	"github.com/forkline/ops-cli/internal/resilience"
)

// OutcomeKind classifies what an external call produced.
type OutcomeKind string

const (
	OutcomeSuccess          OutcomeKind = "success"
	OutcomeRetryableFailure OutcomeKind = "retryable_failure"
	OutcomeTerminalFailure  OutcomeKind = "terminal_failure"
)

// Outcome is the normalized result of an external call: a payload on success,
// a reason otherwise. The step engine keys its failure handling off Kind.
type Outcome struct {
	Kind    OutcomeKind     `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// OutcomeOf folds a call result into an Outcome. Errors that the resilience
// taxonomy deems transient become retryable failures; everything else is
// terminal.
func OutcomeOf(payload json.RawMessage, err error) Outcome {
	if err == nil {
		return Outcome{Kind: OutcomeSuccess, Payload: payload}
	}
	return Outcome{Kind: ClassifyFailure(err), Reason: err.Error()}
}

// ClassifyFailure maps an error to the failure kind the engine acts on.
func ClassifyFailure(err error) OutcomeKind {
	if resilience.IsTransient(err) {
		return OutcomeRetryableFailure
	}
	return OutcomeTerminalFailure
}
