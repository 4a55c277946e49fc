package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkline/ops-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedJob(t *testing.T, st *SQLiteStore, orgID, pipeline string) *model.Job {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	job := &model.Job{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		Pipeline:       pipeline,
		Subject: model.Subject{
			Kind:   model.SubjectRestaurant,
			Ref:    "rest-1",
			Fields: map[string]string{"name": "Sal's Pizzeria", "phone": "5551234"},
		},
		Status:      model.JobStatusPending,
		CurrentStep: 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, st.CreateJob(context.Background(), job))
	return job
}

// --- Jobs ---

func TestSQLite_Job_CreateAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := seedJob(t, st, "org-1", "restaurant-registration")

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, model.JobStatusPending, got.Status)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, model.SubjectRestaurant, got.Subject.Kind)
	assert.Equal(t, "Sal's Pizzeria", got.Subject.Fields["name"])
}

func TestSQLite_Job_GetMissing(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetJob(context.Background(), "nonexistent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_Job_ListFiltered(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	seedJob(t, st, "org-1", "lead-acquisition")
	seedJob(t, st, "org-1", "lead-acquisition")
	seedJob(t, st, "org-2", "lead-acquisition")

	jobs, err := st.ListJobs(ctx, JobFilter{OrganizationID: "org-1"})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = st.ListJobs(ctx, JobFilter{OrganizationID: "org-2", Status: model.JobStatusPending})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	jobs, err = st.ListJobs(ctx, JobFilter{OrganizationID: "org-2", Status: model.JobStatusFailed})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSQLite_Job_Update(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := seedJob(t, st, "org-1", "lead-acquisition")

	status := model.JobStatusCancelled
	msg := "operator cancelled"
	require.NoError(t, st.UpdateJob(ctx, job.ID, model.JobPatch{Status: &status, ErrorMessage: &msg}))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, got.Status)
	assert.Equal(t, "operator cancelled", got.ErrorMessage)
}

func TestSQLite_Job_TransitionGuard(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := seedJob(t, st, "org-1", "lead-acquisition")

	status := model.JobStatusInProgress
	ok, err := st.TransitionJob(ctx, job.ID, []model.JobStatus{model.JobStatusPending},
		model.JobPatch{Status: &status})
	require.NoError(t, err)
	assert.True(t, ok)

	// Second transition from pending must lose: the job already moved on.
	ok, err = st.TransitionJob(ctx, job.ID, []model.JobStatus{model.JobStatusPending},
		model.JobPatch{Status: &status})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusInProgress, got.Status)
}

// --- Steps ---

func seedSteps(t *testing.T, st *SQLiteStore, jobID string) []model.Step {
	t.Helper()
	steps := []model.Step{
		{ID: uuid.NewString(), JobID: jobID, Number: 1, Name: "validate-profile",
			Kind: model.StepKindAutomatic, Status: model.StepStatusPending},
		{ID: uuid.NewString(), JobID: jobID, Number: 2, Name: "confirm-match",
			Kind: model.StepKindActionRequired, Status: model.StepStatusPending},
	}
	require.NoError(t, st.CreateSteps(context.Background(), steps))
	return steps
}

func TestSQLite_Step_CreateAndList(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := seedJob(t, st, "org-1", "restaurant-registration")
	seedSteps(t, st, job.ID)

	steps, err := st.ListSteps(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "validate-profile", steps[0].Name)
	assert.Equal(t, model.StepKindAutomatic, steps[0].Kind)
	assert.Equal(t, "confirm-match", steps[1].Name)
	assert.Equal(t, model.StepKindActionRequired, steps[1].Kind)

	step, err := st.GetStep(ctx, job.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, steps[1].ID, step.ID)
}

func TestSQLite_Step_TransitionClaim(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := seedJob(t, st, "org-1", "restaurant-registration")
	steps := seedSteps(t, st, job.ID)

	ok, err := st.TransitionStep(ctx, steps[0].ID,
		[]model.StepStatus{model.StepStatusPending}, model.StepStatusInProgress)
	require.NoError(t, err)
	assert.True(t, ok)

	// A racing claim sees the step already in progress and backs off.
	ok, err = st.TransitionStep(ctx, steps[0].ID,
		[]model.StepStatus{model.StepStatusPending}, model.StepStatusInProgress)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := st.GetStepByID(ctx, steps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusInProgress, got.Status)
	require.NotNil(t, got.StartedAt)
}

func TestSQLite_Step_FinishAndReset(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := seedJob(t, st, "org-1", "restaurant-registration")
	steps := seedSteps(t, st, job.ID)

	result := []byte(`{"matches":3}`)
	require.NoError(t, st.FinishStep(ctx, steps[0].ID, model.StepStatusCompleted, result, ""))

	got, err := st.GetStepByID(ctx, steps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusCompleted, got.Status)
	assert.JSONEq(t, `{"matches":3}`, string(got.Result))
	require.NotNil(t, got.CompletedAt)

	require.NoError(t, st.ResetStep(ctx, steps[0].ID))
	got, err = st.GetStepByID(ctx, steps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusPending, got.Status)
	assert.Nil(t, got.Result)
	assert.Nil(t, got.CompletedAt)
}

func TestSQLite_Step_FailureRecordsError(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := seedJob(t, st, "org-1", "restaurant-registration")
	steps := seedSteps(t, st, job.ID)

	require.NoError(t, st.IncrementStepRetry(ctx, steps[0].ID))
	require.NoError(t, st.IncrementStepRetry(ctx, steps[0].ID))
	require.NoError(t, st.FinishStep(ctx, steps[0].ID, model.StepStatusFailed, nil, "platform unreachable"))

	got, err := st.GetStepByID(ctx, steps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "platform unreachable", got.ErrorMessage)
}

// --- Items ---

func TestSQLite_Item_CreateListUpdate(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := seedJob(t, st, "org-1", "lead-acquisition")
	now := time.Now().UTC().Truncate(time.Second)
	items := []model.Item{
		{ID: uuid.NewString(), JobID: job.ID, StepNumber: 1, DedupKey: "sals|5551234",
			Validation: model.ItemValid, Status: model.ItemStatusPending,
			Payload: []byte(`{"name":"Sal's"}`), CreatedAt: now, UpdatedAt: now},
		{ID: uuid.NewString(), JobID: job.ID, StepNumber: 1, DedupKey: "marios|5555678",
			Validation: model.ItemDuplicate, Status: model.ItemStatusPending,
			CreatedAt: now, UpdatedAt: now},
	}
	require.NoError(t, st.CreateItems(ctx, items))

	listed, err := st.ListItems(ctx, job.ID, 1)
	require.NoError(t, err)
	require.Len(t, listed, 2)

	status := model.ItemStatusPassed
	step := 2
	require.NoError(t, st.UpdateItems(ctx, []string{items[0].ID}, model.ItemPatch{
		Status: &status, StepNumber: &step,
	}))

	moved, err := st.GetItems(ctx, []string{items[0].ID})
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Equal(t, model.ItemStatusPassed, moved[0].Status)
	assert.Equal(t, 2, moved[0].StepNumber)

	// The duplicate stayed behind on step 1.
	remaining, err := st.ListItems(ctx, job.ID, 1)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, model.ItemDuplicate, remaining[0].Validation)
}

func TestSQLite_Item_ExistingDedupKeys(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	jobA := seedJob(t, st, "org-1", "lead-acquisition")
	jobB := seedJob(t, st, "org-2", "lead-acquisition")
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, st.CreateItems(ctx, []model.Item{
		{ID: uuid.NewString(), JobID: jobA.ID, StepNumber: 1, DedupKey: "sals|5551234",
			Validation: model.ItemValid, Status: model.ItemStatusPending, CreatedAt: now, UpdatedAt: now},
		{ID: uuid.NewString(), JobID: jobB.ID, StepNumber: 1, DedupKey: "marios|5555678",
			Validation: model.ItemValid, Status: model.ItemStatusPending, CreatedAt: now, UpdatedAt: now},
	}))

	// Dedup scope is the organization: org-1 must not see org-2's key.
	existing, err := st.ExistingDedupKeys(ctx, "org-1", []string{"sals|5551234", "marios|5555678"})
	require.NoError(t, err)
	assert.True(t, existing["sals|5551234"])
	assert.False(t, existing["marios|5555678"])
}

// --- Batches ---

func TestSQLite_Batch_CreateGetProgress(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	batch := &model.Batch{
		ID:             uuid.NewString(),
		OrganizationID: "org-1",
		Name:           "spring onboarding",
		Pipeline:       "restaurant-registration",
		Config:         model.ExecConfig{AutoAdvance: true, MaxAttempts: 3, BaseDelay: time.Second},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, st.CreateBatch(ctx, batch))

	got, err := st.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, "spring onboarding", got.Name)
	assert.True(t, got.Config.AutoAdvance)
	assert.Equal(t, time.Second, got.Config.BaseDelay)

	// Two jobs in the batch: one untouched, one waiting on a human.
	jobA := seedJob(t, st, "org-1", "restaurant-registration")
	jobB := seedJob(t, st, "org-1", "restaurant-registration")
	batchPatch := batch.ID
	for _, id := range []string{jobA.ID, jobB.ID} {
		_, err := st.db.ExecContext(ctx, `UPDATE jobs SET batch_id = ? WHERE id = ?`, batchPatch, id)
		require.NoError(t, err)
	}

	stepsB := seedSteps(t, st, jobB.ID)
	status := model.JobStatusInProgress
	currentStep := 2
	ok, err := st.TransitionJob(ctx, jobB.ID, []model.JobStatus{model.JobStatusPending},
		model.JobPatch{Status: &status, CurrentStep: &currentStep})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.TransitionStep(ctx, stepsB[1].ID,
		[]model.StepStatus{model.StepStatusPending}, model.StepStatusActionRequired)
	require.NoError(t, err)
	require.True(t, ok)

	progress, err := st.BatchProgress(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, progress.Total)
	assert.Equal(t, 1, progress.Pending)
	assert.Equal(t, 1, progress.ActionRequired)
	assert.Equal(t, model.JobStatusInProgress, progress.Status)
}

func TestSQLite_Batch_GetMissing(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetBatch(context.Background(), "nonexistent")
	require.ErrorIs(t, err, ErrNotFound)
}
