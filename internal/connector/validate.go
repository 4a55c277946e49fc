package connector

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/forkline/ops-cli/internal/resilience"
)

// ValidateProfile runs the first registration step: check the restaurant
// profile for required fields and emit it as a deduplicated item. The engine
// marks the item a duplicate if the organization already processed the same
// restaurant.
type ValidateProfile struct{}

// NewValidateProfile creates the validate-profile handler.
func NewValidateProfile() *ValidateProfile {
	return &ValidateProfile{}
}

func (h *ValidateProfile) Name() string { return "validate-profile" }

func (h *ValidateProfile) Run(ctx context.Context, in Input) (*Result, error) {
	subject := in.Job.Subject

	if missing := subject.MissingFields(profileFields); len(missing) > 0 {
		return nil, resilience.NewTerminalError(
			eris.Errorf("connector: profile missing required fields: %s", strings.Join(missing, ", ")), 0)
	}

	profile := map[string]string{}
	for key := range subject.Fields {
		profile[key] = subject.Field(key)
	}
	payload, err := json.Marshal(profile)
	if err != nil {
		return nil, eris.Wrap(err, "connector: marshal profile")
	}

	return &Result{
		Summary: map[string]any{"fields": len(profile)},
		Items: []NewItem{{
			DedupKey: subject.DedupKey("name", "phone"),
			Payload:  payload,
		}},
	}, nil
}
