package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/forkline/ops-cli/internal/model"
	"github.com/forkline/ops-cli/internal/store"
)

// Machine owns job lifecycle transitions. Every status change goes through a
// guarded update so concurrent callers cannot race a job into an illegal
// state; the engine handles step execution once a job is in progress.
type Machine struct {
	store  store.Store
	engine *Engine
	defs   map[string]Definition
}

// NewMachine creates a job state machine over the given store and engine.
func NewMachine(st store.Store, engine *Engine, defs map[string]Definition) *Machine {
	return &Machine{store: st, engine: engine, defs: defs}
}

// Create validates the subject against the pipeline definition and persists a
// pending job with its full step skeleton.
func (m *Machine) Create(ctx context.Context, orgID, pipelineName string, subject model.Subject, batchID string) (*model.Job, error) {
	def, ok := m.defs[pipelineName]
	if !ok {
		return nil, NewValidationError("unknown pipeline %q", pipelineName)
	}
	if orgID == "" {
		return nil, NewValidationError("organization id is required")
	}
	if missing := subject.MissingFields(def.RequiredFields); len(missing) > 0 {
		return nil, NewValidationError("subject is missing required fields: %v", missing)
	}

	now := time.Now().UTC()
	job := &model.Job{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		BatchID:        batchID,
		Pipeline:       pipelineName,
		Subject:        subject,
		Status:         model.JobStatusPending,
		CurrentStep:    1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, eris.Wrap(err, "pipeline: create job")
	}

	steps := make([]model.Step, 0, len(def.Steps))
	for _, sd := range def.Steps {
		steps = append(steps, model.Step{
			ID:     uuid.NewString(),
			JobID:  job.ID,
			Number: sd.Number,
			Name:   sd.Name,
			Kind:   sd.Kind,
			Status: model.StepStatusPending,
		})
	}
	if err := m.store.CreateSteps(ctx, steps); err != nil {
		return nil, eris.Wrap(err, "pipeline: create steps")
	}

	zap.L().Info("job created",
		zap.String("job_id", job.ID),
		zap.String("pipeline", pipelineName),
		zap.String("org_id", orgID),
	)
	return job, nil
}

// Start moves a draft or pending job into in_progress and triggers its first
// step. The guarded update means a double start runs the step once.
func (m *Machine) Start(ctx context.Context, jobID string) error {
	status := model.JobStatusInProgress
	first := 1
	started, err := m.store.TransitionJob(ctx, jobID,
		[]model.JobStatus{model.JobStatusDraft, model.JobStatusPending},
		model.JobPatch{Status: &status, CurrentStep: &first})
	if err != nil {
		return eris.Wrapf(err, "pipeline: start job %s", jobID)
	}
	if !started {
		return m.transitionRefused(ctx, jobID, "start")
	}

	zap.L().Info("job started", zap.String("job_id", jobID))
	m.engine.trigger(jobID, 1)
	return nil
}

// Cancel stops a job before its next step begins. An in-flight external call
// is not aborted; the engine checks cancellation before starting any step.
func (m *Machine) Cancel(ctx context.Context, jobID string) error {
	status := model.JobStatusCancelled
	cancelled, err := m.store.TransitionJob(ctx, jobID,
		[]model.JobStatus{model.JobStatusDraft, model.JobStatusPending, model.JobStatusInProgress},
		model.JobPatch{Status: &status})
	if err != nil {
		return eris.Wrapf(err, "pipeline: cancel job %s", jobID)
	}
	if !cancelled {
		return m.transitionRefused(ctx, jobID, "cancel")
	}

	zap.L().Info("job cancelled", zap.String("job_id", jobID))
	return nil
}

// RetryFromStep resumes a failed job at the step it failed on. The job never
// skips forward: retrying resumes the same step with the same inputs.
func (m *Machine) RetryFromStep(ctx context.Context, jobID string, stepNumber int) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return notFound(err, "job", jobID)
	}
	if job.Status != model.JobStatusFailed {
		return &InvalidTransitionError{Op: "retryFromStep", Current: string(job.Status)}
	}
	if stepNumber != job.CurrentStep {
		return NewValidationError("job %s failed on step %d; retry must resume there", jobID, job.CurrentStep)
	}

	step, err := m.store.GetStep(ctx, jobID, stepNumber)
	if err != nil {
		return notFound(err, "step", stepID(jobID, stepNumber))
	}
	if err := m.store.ResetStep(ctx, step.ID); err != nil {
		return eris.Wrapf(err, "pipeline: reset step %d of job %s", stepNumber, jobID)
	}
	if err := m.store.IncrementStepRetry(ctx, step.ID); err != nil {
		return eris.Wrapf(err, "pipeline: bump retry count on step %d of job %s", stepNumber, jobID)
	}

	status := model.JobStatusInProgress
	empty := ""
	resumed, err := m.store.TransitionJob(ctx, jobID,
		[]model.JobStatus{model.JobStatusFailed},
		model.JobPatch{Status: &status, ErrorMessage: &empty})
	if err != nil {
		return eris.Wrapf(err, "pipeline: resume job %s", jobID)
	}
	if !resumed {
		return m.transitionRefused(ctx, jobID, "retryFromStep")
	}

	zap.L().Info("job retrying",
		zap.String("job_id", jobID),
		zap.Int("step", stepNumber),
		zap.Int("retry_count", step.RetryCount+1),
	)
	m.engine.trigger(jobID, stepNumber)
	return nil
}

// MarkFailed records a failure on an in_progress job, preserving current_step
// so a later retry resumes where it stopped.
func (m *Machine) MarkFailed(ctx context.Context, jobID, reason string) error {
	status := model.JobStatusFailed
	marked, err := m.store.TransitionJob(ctx, jobID,
		[]model.JobStatus{model.JobStatusInProgress},
		model.JobPatch{Status: &status, ErrorMessage: &reason})
	if err != nil {
		return eris.Wrapf(err, "pipeline: mark job %s failed", jobID)
	}
	if !marked {
		return m.transitionRefused(ctx, jobID, "markFailed")
	}
	return nil
}

// transitionRefused distinguishes a missing job from one in the wrong state
// after a guarded update matched zero rows.
func (m *Machine) transitionRefused(ctx context.Context, jobID, op string) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return notFound(err, "job", jobID)
	}
	return &InvalidTransitionError{Op: op, Current: string(job.Status)}
}
