package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/forkline/ops-cli/internal/model"
)

// ErrNotFound is returned when a job, step, item, or batch id is unknown.
// The pipeline layer translates it into its typed NotFound error.
var ErrNotFound = eris.New("store: not found")

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	OrganizationID string          `json:"organization_id,omitempty"`
	BatchID        string          `json:"batch_id,omitempty"`
	Status         model.JobStatus `json:"status,omitempty"`
	Limit          int             `json:"limit,omitempty"`
	Offset         int             `json:"offset,omitempty"`
}

// Store defines persistence for jobs, steps, items, and batches.
//
// Transition methods implement compare-and-set semantics: the write applies
// only if the row's current status matches one of the expected values, and
// the bool result reports whether it did. This is the guard that keeps a
// foreground trigger and a deferred continuation from double-advancing the
// same step.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)
	UpdateJob(ctx context.Context, jobID string, patch model.JobPatch) error
	// TransitionJob applies the patch only if the job's status is one of
	// from. Returns false (and no error) when the guard fails.
	TransitionJob(ctx context.Context, jobID string, from []model.JobStatus, patch model.JobPatch) (bool, error)

	// Steps
	CreateSteps(ctx context.Context, steps []model.Step) error
	GetStep(ctx context.Context, jobID string, number int) (*model.Step, error)
	GetStepByID(ctx context.Context, stepID string) (*model.Step, error)
	ListSteps(ctx context.Context, jobID string) ([]model.Step, error)
	// TransitionStep moves the step to the target status only if its
	// current status is one of from ("set in_progress where status =
	// pending"). Returns false when another caller won the race.
	TransitionStep(ctx context.Context, stepID string, from []model.StepStatus, to model.StepStatus) (bool, error)
	// FinishStep records a step's terminal outcome together with its
	// result payload and error message.
	FinishStep(ctx context.Context, stepID string, status model.StepStatus, result []byte, errMsg string) error
	IncrementStepRetry(ctx context.Context, stepID string) error
	ResetStep(ctx context.Context, stepID string) error

	// Items
	CreateItems(ctx context.Context, items []model.Item) error
	GetItems(ctx context.Context, itemIDs []string) ([]model.Item, error)
	ListItems(ctx context.Context, jobID string, stepNumber int) ([]model.Item, error)
	UpdateItems(ctx context.Context, itemIDs []string, patch model.ItemPatch) error
	// ExistingDedupKeys returns the subset of keys already present for the
	// organization, used to mark duplicate items.
	ExistingDedupKeys(ctx context.Context, organizationID string, keys []string) (map[string]bool, error)

	// Batches
	CreateBatch(ctx context.Context, batch *model.Batch) error
	GetBatch(ctx context.Context, batchID string) (*model.Batch, error)
	BatchProgress(ctx context.Context, batchID string) (*model.BatchProgress, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
