package pipeline

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/forkline/ops-cli/internal/connector"
	"github.com/forkline/ops-cli/internal/model"
	"github.com/forkline/ops-cli/internal/store"
)

// Engine executes exactly one step at a time and decides the next action.
// Advancement is idempotent: the compare-and-set claim on the step row makes
// a racing foreground trigger and deferred continuation collapse to one
// execution.
type Engine struct {
	store    store.Store
	registry *connector.Registry
	sched    *Scheduler
	defs     map[string]Definition

	// autoAdvance is the default when a job has no batch config.
	autoAdvance bool
}

// NewEngine creates a step engine.
func NewEngine(st store.Store, registry *connector.Registry, sched *Scheduler, defs map[string]Definition, autoAdvance bool) *Engine {
	return &Engine{
		store:       st,
		registry:    registry,
		sched:       sched,
		defs:        defs,
		autoAdvance: autoAdvance,
	}
}

// Advance executes the given step of the job. Precondition violations are
// returned to the caller; execution failures are persisted on the step and
// job, never raised, because most invocations arrive through the scheduler
// where nobody is listening.
//
// Calling Advance on a step that is already in progress or terminal is a
// no-op, as is advancing a cancelled job.
func (e *Engine) Advance(ctx context.Context, jobID string, stepNumber int) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return notFound(err, "job", jobID)
	}

	// Cancellation is checked here, at the top: an in-flight call is not
	// aborted, but no further step ever starts.
	if job.Status == model.JobStatusCancelled {
		return nil
	}
	if job.Status != model.JobStatusInProgress {
		return &InvalidTransitionError{Op: "advance", Current: string(job.Status)}
	}

	def, ok := e.defs[job.Pipeline]
	if !ok {
		return NewValidationError("unknown pipeline %q", job.Pipeline)
	}

	// A stale continuation for an earlier (or not yet reached) step is a
	// no-op; the current step is the only live one.
	if stepNumber != job.CurrentStep {
		zap.L().Debug("stale advance trigger ignored",
			zap.String("job_id", jobID),
			zap.Int("step", stepNumber),
			zap.Int("current_step", job.CurrentStep),
		)
		return nil
	}

	stepDef, ok := def.Step(stepNumber)
	if !ok {
		return NewValidationError("pipeline %q has no step %d", job.Pipeline, stepNumber)
	}

	step, err := e.store.GetStep(ctx, jobID, stepNumber)
	if err != nil {
		return notFound(err, "step", stepID(jobID, stepNumber))
	}
	if step.Status == model.StepStatusInProgress || step.Status.Terminal() {
		return nil
	}

	if stepDef.Kind == model.StepKindActionRequired {
		// Pause for human input. The CAS keeps a double trigger from
		// logging the pause twice.
		claimed, err := e.store.TransitionStep(ctx, step.ID,
			[]model.StepStatus{model.StepStatusPending}, model.StepStatusActionRequired)
		if err != nil {
			return eris.Wrapf(err, "pipeline: pause step %d of job %s", stepNumber, jobID)
		}
		if claimed {
			zap.L().Info("step awaiting action",
				zap.String("job_id", jobID),
				zap.Int("step", stepNumber),
				zap.String("name", stepDef.Name),
			)
		}
		return nil
	}

	// The atomic claim: exactly one of two racing callers flips pending to
	// in_progress and runs the connector.
	claimed, err := e.store.TransitionStep(ctx, step.ID,
		[]model.StepStatus{model.StepStatusPending}, model.StepStatusInProgress)
	if err != nil {
		return eris.Wrapf(err, "pipeline: claim step %d of job %s", stepNumber, jobID)
	}
	if !claimed {
		return nil
	}

	cfg, err := e.execConfig(ctx, job)
	if err != nil {
		return err
	}

	e.runStep(ctx, job, def, stepDef, step, cfg)
	return nil
}

// runStep executes a claimed automatic step and persists the outcome.
func (e *Engine) runStep(ctx context.Context, job *model.Job, def Definition, stepDef StepDef, step *model.Step, cfg model.ExecConfig) {
	handler, err := e.registry.Get(stepDef.Name)
	if err != nil {
		e.failStep(ctx, job, step, err.Error())
		return
	}

	items, err := e.store.ListItems(ctx, job.ID, step.Number)
	if err != nil {
		e.failStep(ctx, job, step, err.Error())
		return
	}

	result, err := handler.Run(ctx, connector.Input{
		Job:    job,
		Step:   step,
		Items:  items,
		Config: cfg,
	})
	if err != nil {
		// The adapter already exhausted its retries; whatever is left is
		// the step's fate.
		e.failStep(ctx, job, step, err.Error())
		return
	}

	if err := e.applyResult(ctx, job, step, result); err != nil {
		e.failStep(ctx, job, step, err.Error())
		return
	}

	e.completeStep(ctx, job, def, step.Number, cfg)
}

// applyResult persists a handler's produced items, item updates, and summary.
func (e *Engine) applyResult(ctx context.Context, job *model.Job, step *model.Step, result *connector.Result) error {
	if len(result.Items) > 0 {
		if err := e.createItems(ctx, job, step.Number, result.Items); err != nil {
			return err
		}
	}

	for _, update := range result.Updates {
		patch := model.ItemPatch{Payload: update.Payload}
		if update.Status != "" {
			status := update.Status
			patch.Status = &status
		}
		if update.Error != "" {
			msg := update.Error
			patch.ErrorMessage = &msg
		}
		if err := e.store.UpdateItems(ctx, []string{update.ItemID}, patch); err != nil {
			return err
		}
	}

	var summary []byte
	if result.Summary != nil {
		var err error
		summary, err = json.Marshal(result.Summary)
		if err != nil {
			return eris.Wrap(err, "pipeline: marshal step summary")
		}
	}
	return e.store.FinishStep(ctx, step.ID, model.StepStatusCompleted, summary, "")
}

// createItems assigns ids and runs organization-level dedup before inserting.
func (e *Engine) createItems(ctx context.Context, job *model.Job, stepNumber int, newItems []connector.NewItem) error {
	keys := make([]string, 0, len(newItems))
	for _, ni := range newItems {
		if ni.DedupKey != "" {
			keys = append(keys, ni.DedupKey)
		}
	}

	existing, err := e.store.ExistingDedupKeys(ctx, job.OrganizationID, keys)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	seen := make(map[string]bool, len(newItems))
	items := make([]model.Item, 0, len(newItems))
	for _, ni := range newItems {
		validation := ni.Validation
		if validation == "" {
			validation = model.ItemValid
		}
		if validation == model.ItemValid && ni.DedupKey != "" &&
			(existing[ni.DedupKey] || seen[ni.DedupKey]) {
			validation = model.ItemDuplicate
		}
		seen[ni.DedupKey] = true

		items = append(items, model.Item{
			ID:         uuid.NewString(),
			JobID:      job.ID,
			StepNumber: stepNumber,
			DedupKey:   ni.DedupKey,
			Validation: validation,
			Status:     model.ItemStatusPending,
			Payload:    ni.Payload,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	return e.store.CreateItems(ctx, items)
}

// completeStep records step completion on the job: bump the current step or
// finish the job, then auto-advance when configured.
func (e *Engine) completeStep(ctx context.Context, job *model.Job, def Definition, stepNumber int, cfg model.ExecConfig) {
	if stepNumber >= def.LastStep() {
		status := model.JobStatusCompleted
		if _, err := e.store.TransitionJob(ctx, job.ID,
			[]model.JobStatus{model.JobStatusInProgress},
			model.JobPatch{Status: &status}); err != nil {
			zap.L().Error("failed to complete job", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		zap.L().Info("job completed", zap.String("job_id", job.ID), zap.String("pipeline", job.Pipeline))
		return
	}

	next := stepNumber + 1
	// The guard on in_progress keeps a cancel that landed mid-step from
	// being overwritten.
	moved, err := e.store.TransitionJob(ctx, job.ID,
		[]model.JobStatus{model.JobStatusInProgress},
		model.JobPatch{CurrentStep: &next})
	if err != nil {
		zap.L().Error("failed to move job to next step", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if !moved {
		return
	}

	if cfg.AutoAdvance {
		e.trigger(job.ID, next)
	}
}

// trigger schedules a deferred advance of the given step.
func (e *Engine) trigger(jobID string, stepNumber int) {
	err := e.sched.Schedule(func(ctx context.Context) {
		if err := e.Advance(ctx, jobID, stepNumber); err != nil {
			zap.L().Error("deferred advance failed",
				zap.String("job_id", jobID),
				zap.Int("step", stepNumber),
				zap.Error(err),
			)
		}
	})
	if err != nil {
		// A dropped continuation is recoverable: the job sits at the next
		// pending step until retried manually.
		zap.L().Warn("could not schedule advance",
			zap.String("job_id", jobID),
			zap.Int("step", stepNumber),
			zap.Error(err),
		)
	}
}

// failStep persists a step failure and marks the job failed, preserving
// current_step so a retry resumes from the same point.
func (e *Engine) failStep(ctx context.Context, job *model.Job, step *model.Step, reason string) {
	if err := e.store.FinishStep(ctx, step.ID, model.StepStatusFailed, nil, reason); err != nil {
		zap.L().Error("failed to persist step failure",
			zap.String("job_id", job.ID),
			zap.Int("step", step.Number),
			zap.Error(err),
		)
	}

	status := model.JobStatusFailed
	if _, err := e.store.TransitionJob(ctx, job.ID,
		[]model.JobStatus{model.JobStatusInProgress},
		model.JobPatch{Status: &status, ErrorMessage: &reason}); err != nil {
		zap.L().Error("failed to mark job failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	zap.L().Warn("step failed",
		zap.String("job_id", job.ID),
		zap.Int("step", step.Number),
		zap.String("reason", reason),
	)
}

// CompleteAction applies human input to a step waiting in action_required,
// validates the payload against the step's schema, passes any selected items
// forward, and completes the step exactly as the automatic path does.
func (e *Engine) CompleteAction(ctx context.Context, jobID string, stepNumber int, payload json.RawMessage) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return notFound(err, "job", jobID)
	}
	if job.Status != model.JobStatusInProgress {
		return &InvalidTransitionError{Op: "completeAction", Current: string(job.Status)}
	}

	def, ok := e.defs[job.Pipeline]
	if !ok {
		return NewValidationError("unknown pipeline %q", job.Pipeline)
	}
	stepDef, ok := def.Step(stepNumber)
	if !ok {
		return NewValidationError("pipeline %q has no step %d", job.Pipeline, stepNumber)
	}
	if stepDef.Kind != model.StepKindActionRequired {
		return NewValidationError("step %d (%s) does not accept actions", stepNumber, stepDef.Name)
	}

	step, err := e.store.GetStep(ctx, jobID, stepNumber)
	if err != nil {
		return notFound(err, "step", stepID(jobID, stepNumber))
	}
	if step.Status != model.StepStatusActionRequired {
		return &InvalidTransitionError{Op: "completeAction", Current: string(step.Status)}
	}

	selected, err := validateActionPayload(stepDef, payload)
	if err != nil {
		return err
	}
	if len(selected) > 0 {
		// Selection curates the previous step's output, so ownership is
		// checked against that step.
		if err := e.checkItemsBelong(ctx, selected, jobID, stepNumber-1); err != nil {
			return err
		}
	}

	// Claim the step so two reviewers submitting at once apply exactly one
	// action.
	claimed, err := e.store.TransitionStep(ctx, step.ID,
		[]model.StepStatus{model.StepStatusActionRequired}, model.StepStatusInProgress)
	if err != nil {
		return eris.Wrapf(err, "pipeline: claim action step %d of job %s", stepNumber, jobID)
	}
	if !claimed {
		return &InvalidTransitionError{Op: "completeAction", Current: "in_progress"}
	}

	if len(selected) > 0 && stepNumber < def.LastStep() {
		next := stepNumber + 1
		passed := model.ItemStatusPassed
		if err := e.store.UpdateItems(ctx, selected, model.ItemPatch{
			Status:     &passed,
			StepNumber: &next,
		}); err != nil {
			return eris.Wrap(err, "pipeline: pass selected items")
		}
	}

	if err := e.store.FinishStep(ctx, step.ID, model.StepStatusCompleted, payload, ""); err != nil {
		return eris.Wrapf(err, "pipeline: complete action step %d of job %s", stepNumber, jobID)
	}

	cfg, err := e.execConfig(ctx, job)
	if err != nil {
		return err
	}
	e.completeStep(ctx, job, def, stepNumber, cfg)
	return nil
}

// actionPayload is the subset of human input the engine itself interprets.
type actionPayload struct {
	SelectedItemIDs []string `json:"selected_item_ids"`
}

// validateActionPayload checks the payload against the step's schema and
// extracts the selected item ids, if any.
func validateActionPayload(stepDef StepDef, payload json.RawMessage) ([]string, error) {
	var generic any
	if err := json.Unmarshal(payload, &generic); err != nil {
		return nil, NewValidationError("action payload is not valid JSON: %v", err)
	}
	if stepDef.ActionSchema != nil {
		if err := stepDef.ActionSchema.Validate(generic); err != nil {
			return nil, NewValidationError("action payload for %s: %v", stepDef.Name, err)
		}
	}

	var parsed actionPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, NewValidationError("action payload: %v", err)
	}
	return parsed.SelectedItemIDs, nil
}

// checkItemsBelong verifies every id names an item of the given job and step.
func (e *Engine) checkItemsBelong(ctx context.Context, itemIDs []string, jobID string, stepNumber int) error {
	items, err := e.store.GetItems(ctx, itemIDs)
	if err != nil {
		return eris.Wrap(err, "pipeline: load selected items")
	}
	byID := make(map[string]model.Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	for _, id := range itemIDs {
		it, ok := byID[id]
		if !ok {
			return &NotFoundError{Resource: "item", ID: id}
		}
		if it.JobID != jobID || it.StepNumber != stepNumber {
			return NewValidationError("item %s does not belong to step %d of job %s", id, stepNumber, jobID)
		}
	}
	return nil
}

// PassItems moves a human-curated subset of a step's items into the next
// step's input set. With autoProcess the next step is triggered immediately.
func (e *Engine) PassItems(ctx context.Context, stepRowID string, itemIDs []string, autoProcess bool) error {
	if len(itemIDs) == 0 {
		return NewValidationError("no items selected")
	}

	step, err := e.store.GetStepByID(ctx, stepRowID)
	if err != nil {
		return notFound(err, "step", stepRowID)
	}
	job, err := e.store.GetJob(ctx, step.JobID)
	if err != nil {
		return notFound(err, "job", step.JobID)
	}
	def, ok := e.defs[job.Pipeline]
	if !ok {
		return NewValidationError("unknown pipeline %q", job.Pipeline)
	}
	next := step.Number + 1
	if next > def.LastStep() {
		return NewValidationError("step %d is the last step; nothing to pass items to", step.Number)
	}

	if err := e.checkItemsBelong(ctx, itemIDs, job.ID, step.Number); err != nil {
		return err
	}

	passed := model.ItemStatusPassed
	if err := e.store.UpdateItems(ctx, itemIDs, model.ItemPatch{
		Status:     &passed,
		StepNumber: &next,
	}); err != nil {
		return eris.Wrap(err, "pipeline: pass items")
	}

	if autoProcess {
		e.trigger(job.ID, next)
	}
	return nil
}

// RetryItems re-runs the step's connector for only the named failed items,
// leaving sibling items untouched. The step itself is not reset.
func (e *Engine) RetryItems(ctx context.Context, stepRowID string, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return NewValidationError("no items selected")
	}

	step, err := e.store.GetStepByID(ctx, stepRowID)
	if err != nil {
		return notFound(err, "step", stepRowID)
	}
	job, err := e.store.GetJob(ctx, step.JobID)
	if err != nil {
		return notFound(err, "job", step.JobID)
	}
	def, ok := e.defs[job.Pipeline]
	if !ok {
		return NewValidationError("unknown pipeline %q", job.Pipeline)
	}
	stepDef, ok := def.Step(step.Number)
	if !ok {
		return NewValidationError("pipeline %q has no step %d", job.Pipeline, step.Number)
	}
	if stepDef.Kind != model.StepKindAutomatic {
		return NewValidationError("step %d (%s) has no connector to retry", step.Number, stepDef.Name)
	}

	items, err := e.store.GetItems(ctx, itemIDs)
	if err != nil {
		return eris.Wrap(err, "pipeline: load items to retry")
	}
	for _, it := range items {
		if it.JobID != job.ID || it.StepNumber != step.Number {
			return NewValidationError("item %s does not belong to step %d of job %s", it.ID, step.Number, job.ID)
		}
		if it.Status != model.ItemStatusFailed {
			return NewValidationError("item %s is %s, not failed", it.ID, it.Status)
		}
	}
	if len(items) != len(itemIDs) {
		return &NotFoundError{Resource: "item", ID: "one or more selected ids"}
	}

	handler, err := e.registry.Get(stepDef.Name)
	if err != nil {
		return err
	}

	cfg, err := e.execConfig(ctx, job)
	if err != nil {
		return err
	}

	result, err := handler.Run(ctx, connector.Input{
		Job:    job,
		Step:   step,
		Items:  items,
		Config: cfg,
	})
	if err != nil {
		return eris.Wrapf(err, "pipeline: retry items on step %d of job %s", step.Number, job.ID)
	}

	if err := e.applyRetryResult(ctx, job, step, result); err != nil {
		return err
	}
	return e.store.IncrementStepRetry(ctx, step.ID)
}

// applyRetryResult persists item updates from a partial rerun without
// touching the step's completed result.
func (e *Engine) applyRetryResult(ctx context.Context, job *model.Job, step *model.Step, result *connector.Result) error {
	if len(result.Items) > 0 {
		if err := e.createItems(ctx, job, step.Number, result.Items); err != nil {
			return err
		}
	}
	for _, update := range result.Updates {
		patch := model.ItemPatch{Payload: update.Payload}
		if update.Status != "" {
			status := update.Status
			patch.Status = &status
		}
		if update.Error != "" {
			msg := update.Error
			patch.ErrorMessage = &msg
		}
		if err := e.store.UpdateItems(ctx, []string{update.ItemID}, patch); err != nil {
			return err
		}
	}
	return nil
}

// execConfig resolves the job's execution configuration: the batch config
// when the job belongs to one, otherwise the engine defaults.
func (e *Engine) execConfig(ctx context.Context, job *model.Job) (model.ExecConfig, error) {
	if job.BatchID == "" {
		return model.ExecConfig{AutoAdvance: e.autoAdvance}, nil
	}
	batch, err := e.store.GetBatch(ctx, job.BatchID)
	if err != nil {
		return model.ExecConfig{}, notFound(err, "batch", job.BatchID)
	}
	return batch.Config, nil
}

func stepID(jobID string, number int) string {
	return jobID + "/" + strconv.Itoa(number)
}
