package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/forkline/ops-cli/internal/model"
	"github.com/forkline/ops-cli/internal/store"
)

// memStore is an in-memory Store with the same compare-and-set semantics as
// the SQL implementations, so engine races can be exercised without a
// database.
type memStore struct {
	mu      sync.Mutex
	jobs    map[string]*model.Job
	steps   map[string]*model.Step
	items   map[string]*model.Item
	batches map[string]*model.Batch
}

func newMemStore() *memStore {
	return &memStore{
		jobs:    make(map[string]*model.Job),
		steps:   make(map[string]*model.Step),
		items:   make(map[string]*model.Item),
		batches: make(map[string]*model.Batch),
	}
}

func (m *memStore) CreateJob(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memStore) GetJob(_ context.Context, jobID string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *memStore) ListJobs(_ context.Context, filter store.JobFilter) ([]model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Job
	for _, job := range m.jobs {
		if filter.OrganizationID != "" && job.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.BatchID != "" && job.BatchID != filter.BatchID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		out = append(out, *job)
	}
	return out, nil
}

func (m *memStore) UpdateJob(_ context.Context, jobID string, patch model.JobPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	applyJobPatch(job, patch)
	return nil
}

func (m *memStore) TransitionJob(_ context.Context, jobID string, from []model.JobStatus, patch model.JobPatch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return false, nil
	}
	if !containsJobStatus(from, job.Status) {
		return false, nil
	}
	applyJobPatch(job, patch)
	return true, nil
}

func applyJobPatch(job *model.Job, patch model.JobPatch) {
	if patch.Status != nil {
		job.Status = *patch.Status
	}
	if patch.CurrentStep != nil {
		job.CurrentStep = *patch.CurrentStep
	}
	if patch.ErrorMessage != nil {
		job.ErrorMessage = *patch.ErrorMessage
	}
	job.UpdatedAt = time.Now().UTC()
}

func containsJobStatus(set []model.JobStatus, s model.JobStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func (m *memStore) CreateSteps(_ context.Context, steps []model.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range steps {
		cp := s
		m.steps[s.ID] = &cp
	}
	return nil
}

func (m *memStore) GetStep(_ context.Context, jobID string, number int) (*model.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.steps {
		if s.JobID == jobID && s.Number == number {
			cp := *s
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) GetStepByID(_ context.Context, stepID string) (*model.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[stepID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) ListSteps(_ context.Context, jobID string) ([]model.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Step
	for _, s := range m.steps {
		if s.JobID == jobID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) TransitionStep(_ context.Context, stepID string, from []model.StepStatus, to model.StepStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[stepID]
	if !ok {
		return false, nil
	}
	matched := false
	for _, f := range from {
		if s.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	s.Status = to
	if to == model.StepStatusInProgress {
		now := time.Now().UTC()
		s.StartedAt = &now
	}
	return true, nil
}

func (m *memStore) FinishStep(_ context.Context, stepID string, status model.StepStatus, result []byte, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[stepID]
	if !ok {
		return store.ErrNotFound
	}
	s.Status = status
	s.Result = result
	s.ErrorMessage = errMsg
	if status.Terminal() {
		now := time.Now().UTC()
		s.CompletedAt = &now
	}
	return nil
}

func (m *memStore) IncrementStepRetry(_ context.Context, stepID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[stepID]
	if !ok {
		return store.ErrNotFound
	}
	s.RetryCount++
	return nil
}

func (m *memStore) ResetStep(_ context.Context, stepID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[stepID]
	if !ok {
		return store.ErrNotFound
	}
	s.Status = model.StepStatusPending
	s.Result = nil
	s.ErrorMessage = ""
	s.StartedAt = nil
	s.CompletedAt = nil
	return nil
}

func (m *memStore) CreateItems(_ context.Context, items []model.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		cp := it
		m.items[it.ID] = &cp
	}
	return nil
}

func (m *memStore) GetItems(_ context.Context, itemIDs []string) ([]model.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Item
	for _, id := range itemIDs {
		if it, ok := m.items[id]; ok {
			out = append(out, *it)
		}
	}
	return out, nil
}

func (m *memStore) ListItems(_ context.Context, jobID string, stepNumber int) ([]model.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Item
	for _, it := range m.items {
		if it.JobID == jobID && it.StepNumber == stepNumber {
			out = append(out, *it)
		}
	}
	return out, nil
}

func (m *memStore) UpdateItems(_ context.Context, itemIDs []string, patch model.ItemPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range itemIDs {
		it, ok := m.items[id]
		if !ok {
			return store.ErrNotFound
		}
		if patch.Status != nil {
			it.Status = *patch.Status
		}
		if patch.StepNumber != nil {
			it.StepNumber = *patch.StepNumber
		}
		if patch.Payload != nil {
			it.Payload = patch.Payload
		}
		if patch.ErrorMessage != nil {
			it.ErrorMessage = *patch.ErrorMessage
		}
		it.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *memStore) ExistingDedupKeys(_ context.Context, organizationID string, keys []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	out := make(map[string]bool)
	for _, it := range m.items {
		if it.DedupKey == "" || !want[it.DedupKey] {
			continue
		}
		job, ok := m.jobs[it.JobID]
		if ok && job.OrganizationID == organizationID {
			out[it.DedupKey] = true
		}
	}
	return out, nil
}

func (m *memStore) CreateBatch(_ context.Context, batch *model.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *batch
	m.batches[batch.ID] = &cp
	return nil
}

func (m *memStore) GetBatch(_ context.Context, batchID string) (*model.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *memStore) BatchProgress(_ context.Context, batchID string) (*model.BatchProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &model.BatchProgress{BatchID: batchID}
	for _, job := range m.jobs {
		if job.BatchID != batchID {
			continue
		}
		p.Total++
		switch job.Status {
		case model.JobStatusPending, model.JobStatusDraft:
			p.Pending++
		case model.JobStatusInProgress:
			waiting := false
			for _, s := range m.steps {
				if s.JobID == job.ID && s.Number == job.CurrentStep &&
					s.Status == model.StepStatusActionRequired {
					waiting = true
					break
				}
			}
			if waiting {
				p.ActionRequired++
			} else {
				p.InProgress++
			}
		case model.JobStatusCompleted:
			p.Completed++
		case model.JobStatusCancelled:
			p.Cancelled++
		case model.JobStatusFailed:
			p.Failed++
		}
	}
	p.Derive()
	return p, nil
}

func (m *memStore) Migrate(context.Context) error { return nil }
func (m *memStore) Close() error                  { return nil }
