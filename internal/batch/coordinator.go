// Package batch fans pipeline jobs out over many subjects and keeps their
// failures isolated: one bad restaurant never blocks the other forty-nine.
package batch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/forkline/ops-cli/internal/model"
	"github.com/forkline/ops-cli/internal/pipeline"
	"github.com/forkline/ops-cli/internal/store"
)

const defaultConcurrency = 8

// JobResult reports the outcome of one per-job operation inside a batch.
// Batch operations never abort early; every subject gets a result.
type JobResult struct {
	JobID string `json:"job_id,omitempty"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Coordinator runs batch-scoped operations on top of the job machine.
type Coordinator struct {
	store       store.Store
	machine     *pipeline.Machine
	engine      *pipeline.Engine
	concurrency int
}

// NewCoordinator creates a batch coordinator. concurrency bounds how many
// jobs are started in parallel; zero means the default.
func NewCoordinator(st store.Store, machine *pipeline.Machine, engine *pipeline.Engine, concurrency int) *Coordinator {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Coordinator{
		store:       st,
		machine:     machine,
		engine:      engine,
		concurrency: concurrency,
	}
}

// Create persists a batch and one job per subject. A subject that fails
// validation yields an error result for its position; the remaining subjects
// still get jobs.
func (c *Coordinator) Create(ctx context.Context, orgID, name, pipelineName string, subjects []model.Subject, cfg model.ExecConfig, sourceJobID string) (*model.Batch, []JobResult, error) {
	if len(subjects) == 0 {
		return nil, nil, pipeline.NewValidationError("batch needs at least one subject")
	}

	now := time.Now().UTC()
	batch := &model.Batch{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		Name:           name,
		Pipeline:       pipelineName,
		SourceJobID:    sourceJobID,
		Config:         cfg,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.store.CreateBatch(ctx, batch); err != nil {
		return nil, nil, eris.Wrap(err, "batch: create")
	}

	results := make([]JobResult, len(subjects))
	created := 0
	for i, subject := range subjects {
		job, err := c.machine.Create(ctx, orgID, pipelineName, subject, batch.ID)
		if err != nil {
			results[i] = JobResult{Error: err.Error()}
			continue
		}
		results[i] = JobResult{JobID: job.ID, OK: true}
		created++
	}

	zap.L().Info("batch created",
		zap.String("batch_id", batch.ID),
		zap.String("pipeline", pipelineName),
		zap.Int("jobs", created),
		zap.Int("rejected", len(subjects)-created),
	)
	return batch, results, nil
}

// Start launches every startable job of the batch, bounded-parallel. Per-job
// start failures land in the result list; the rest of the batch proceeds.
func (c *Coordinator) Start(ctx context.Context, batchID string) ([]JobResult, error) {
	if _, err := c.store.GetBatch(ctx, batchID); err != nil {
		return nil, notFound(err, batchID)
	}

	jobs, err := c.store.ListJobs(ctx, store.JobFilter{BatchID: batchID})
	if err != nil {
		return nil, eris.Wrapf(err, "batch: list jobs of %s", batchID)
	}

	var startable []model.Job
	for _, job := range jobs {
		if job.Status.Startable() {
			startable = append(startable, job)
		}
	}

	results := make([]JobResult, len(startable))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, job := range startable {
		g.Go(func() error {
			res := JobResult{JobID: job.ID, OK: true}
			if err := c.machine.Start(gctx, job.ID); err != nil {
				res.OK = false
				res.Error = err.Error()
			}
			mu.Lock()
			results[i] = res
			mu.Unlock()
			// Errors stay in the results; returning them would cancel the
			// group and take the other jobs down with it.
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

// CompleteAction applies human input to one step across the batch's jobs.
// Payloads are per job; jobs without an entry fall back to the default
// payload, and a selectedJobIDs filter (when non-empty) restricts which jobs
// are touched at all.
func (c *Coordinator) CompleteAction(ctx context.Context, batchID string, stepNumber int, defaultPayload json.RawMessage, perJob map[string]json.RawMessage, selectedJobIDs []string) ([]JobResult, error) {
	if _, err := c.store.GetBatch(ctx, batchID); err != nil {
		return nil, notFound(err, batchID)
	}

	jobs, err := c.store.ListJobs(ctx, store.JobFilter{BatchID: batchID, Status: model.JobStatusInProgress})
	if err != nil {
		return nil, eris.Wrapf(err, "batch: list jobs of %s", batchID)
	}

	selected := make(map[string]bool, len(selectedJobIDs))
	for _, id := range selectedJobIDs {
		selected[id] = true
	}

	var results []JobResult
	for _, job := range jobs {
		if len(selected) > 0 && !selected[job.ID] {
			continue
		}
		if job.CurrentStep != stepNumber {
			continue
		}

		payload := defaultPayload
		if p, ok := perJob[job.ID]; ok {
			payload = p
		}
		if payload == nil {
			results = append(results, JobResult{JobID: job.ID, Error: "no action payload for job"})
			continue
		}

		res := JobResult{JobID: job.ID, OK: true}
		if err := c.engine.CompleteAction(ctx, job.ID, stepNumber, payload); err != nil {
			res.OK = false
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results, nil
}

// Cancel cancels every still-cancellable job of the batch.
func (c *Coordinator) Cancel(ctx context.Context, batchID string) ([]JobResult, error) {
	if _, err := c.store.GetBatch(ctx, batchID); err != nil {
		return nil, notFound(err, batchID)
	}

	jobs, err := c.store.ListJobs(ctx, store.JobFilter{BatchID: batchID})
	if err != nil {
		return nil, eris.Wrapf(err, "batch: list jobs of %s", batchID)
	}

	var results []JobResult
	for _, job := range jobs {
		if job.Status.Terminal() {
			continue
		}
		res := JobResult{JobID: job.ID, OK: true}
		if err := c.machine.Cancel(ctx, job.ID); err != nil {
			res.OK = false
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results, nil
}

// Progress aggregates the batch's job statuses for polling.
func (c *Coordinator) Progress(ctx context.Context, batchID string) (*model.BatchProgress, error) {
	if _, err := c.store.GetBatch(ctx, batchID); err != nil {
		return nil, notFound(err, batchID)
	}
	progress, err := c.store.BatchProgress(ctx, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "batch: progress of %s", batchID)
	}
	return progress, nil
}

func notFound(err error, batchID string) error {
	if eris.Is(err, store.ErrNotFound) {
		return &pipeline.NotFoundError{Resource: "batch", ID: batchID}
	}
	return err
}
