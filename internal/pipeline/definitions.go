package pipeline

import (
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/forkline/ops-cli/internal/model"
)

// StepDef declares one ordinate position of a pipeline.
type StepDef struct {
	Number int
	Name   string
	Kind   model.StepKind
	// ActionSchema validates completeAction payloads for action_required
	// steps. Nil for automatic steps.
	ActionSchema *jsonschema.Schema
}

// Definition declares a pipeline: its required subject fields and ordered
// steps.
type Definition struct {
	Name string
	// RequiredFields must be present on the subject at job creation.
	RequiredFields []string
	Steps          []StepDef
}

// Step returns the definition for the given step number.
func (d Definition) Step(number int) (StepDef, bool) {
	for _, s := range d.Steps {
		if s.Number == number {
			return s, true
		}
	}
	return StepDef{}, false
}

// LastStep is the highest step number in the pipeline.
func (d Definition) LastStep() int {
	return len(d.Steps)
}

// Action payload schemas. Selection payloads carry the curated item ids;
// approval payloads carry the reviewer's verdict.
var (
	selectionSchema = jsonschema.MustCompileString("selection.json", `{
		"type": "object",
		"required": ["selected_item_ids"],
		"properties": {
			"selected_item_ids": {
				"type": "array",
				"items": {"type": "string"},
				"minItems": 1
			},
			"note": {"type": "string"}
		},
		"additionalProperties": false
	}`)

	// confirmSchema allows an empty selection: confirming zero listings
	// means "register a fresh listing".
	confirmSchema = jsonschema.MustCompileString("confirm.json", `{
		"type": "object",
		"required": ["selected_item_ids"],
		"properties": {
			"selected_item_ids": {
				"type": "array",
				"items": {"type": "string"},
				"maxItems": 1
			},
			"note": {"type": "string"}
		},
		"additionalProperties": false
	}`)

	approvalSchema = jsonschema.MustCompileString("approval.json", `{
		"type": "object",
		"required": ["approved"],
		"properties": {
			"approved": {"type": "boolean"},
			"note": {"type": "string"}
		},
		"additionalProperties": false
	}`)
)

// Definitions returns the built-in pipelines keyed by name.
func Definitions() map[string]Definition {
	return map[string]Definition{
		"lead-acquisition": {
			Name:           "lead-acquisition",
			RequiredFields: []string{"query", "location"},
			Steps: []StepDef{
				{Number: 1, Name: "extract-leads", Kind: model.StepKindAutomatic},
				{Number: 2, Name: "curate-leads", Kind: model.StepKindActionRequired, ActionSchema: selectionSchema},
				{Number: 3, Name: "enrich-contacts", Kind: model.StepKindAutomatic},
				{Number: 4, Name: "approve-export", Kind: model.StepKindActionRequired, ActionSchema: approvalSchema},
			},
		},
		"restaurant-registration": {
			Name:           "restaurant-registration",
			RequiredFields: []string{"name", "address", "phone"},
			Steps: []StepDef{
				{Number: 1, Name: "validate-profile", Kind: model.StepKindAutomatic},
				{Number: 2, Name: "platform-match", Kind: model.StepKindAutomatic},
				{Number: 3, Name: "confirm-match", Kind: model.StepKindActionRequired, ActionSchema: confirmSchema},
				{Number: 4, Name: "submit-registration", Kind: model.StepKindAutomatic},
				{Number: 5, Name: "generate-assets", Kind: model.StepKindAutomatic},
				{Number: 6, Name: "approve-assets", Kind: model.StepKindActionRequired, ActionSchema: approvalSchema},
			},
		},
	}
}
