// Package connector binds pipeline steps to external services. Each automatic
// step names a Handler; the Adapter wraps every outbound call with rate
// limiting, a circuit breaker, and linear-backoff retries.
package connector

import (
	"context"
	"encoding/json"

	"github.com/forkline/ops-cli/internal/model"
)

// Input carries the job context a handler runs against.
type Input struct {
	Job *model.Job
	// Step is the step being executed.
	Step *model.Step
	// Items are the items passed into this step from upstream.
	Items  []model.Item
	Config model.ExecConfig
}

// NewItem is an item a handler produced, before the engine assigns an ID and
// runs organization-level dedup.
type NewItem struct {
	DedupKey string
	// Validation defaults to valid when empty. Handlers set invalid for
	// records that fail domain rules; the engine marks duplicates.
	Validation model.ItemValidation
	Payload    json.RawMessage
}

// ItemUpdate mutates an existing item after the handler processed it.
type ItemUpdate struct {
	ItemID  string
	Status  model.ItemStatus
	Payload json.RawMessage
	Error   string
}

// Result is the outcome of a successful handler run.
type Result struct {
	// Summary is marshaled into the step's result column.
	Summary any
	// Items are attached to the step that produced them.
	Items []NewItem
	// Updates apply to items the handler received as input.
	Updates []ItemUpdate
}

// Handler executes one automatic step kind.
type Handler interface {
	// Name matches the step name in a pipeline definition.
	Name() string
	Run(ctx context.Context, in Input) (*Result, error)
}
