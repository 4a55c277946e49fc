package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/forkline/ops-cli/internal/db"
	"github.com/forkline/ops-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS batches (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	name            TEXT NOT NULL,
	pipeline        TEXT NOT NULL,
	source_job_id   TEXT,
	config          JSONB NOT NULL DEFAULT '{}',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	batch_id        TEXT REFERENCES batches(id),
	pipeline        TEXT NOT NULL,
	subject         JSONB NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	current_step    INT NOT NULL DEFAULT 0,
	error_message   TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS steps (
	id            TEXT PRIMARY KEY,
	job_id        TEXT NOT NULL REFERENCES jobs(id),
	number        INT NOT NULL,
	name          TEXT NOT NULL,
	kind          TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	result        JSONB,
	error_message TEXT,
	retry_count   INT NOT NULL DEFAULT 0,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	UNIQUE (job_id, number)
);

CREATE TABLE IF NOT EXISTS items (
	id            TEXT PRIMARY KEY,
	job_id        TEXT NOT NULL REFERENCES jobs(id),
	step_number   INT NOT NULL,
	dedup_key     TEXT,
	validation    TEXT NOT NULL DEFAULT 'valid',
	status        TEXT NOT NULL DEFAULT 'pending',
	payload       JSONB,
	error_message TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_batch_id ON jobs(batch_id);
CREATE INDEX IF NOT EXISTS idx_jobs_org_status ON jobs(organization_id, status);
CREATE INDEX IF NOT EXISTS idx_steps_job_id ON steps(job_id);
CREATE INDEX IF NOT EXISTS idx_items_job_step ON items(job_id, step_number);
CREATE INDEX IF NOT EXISTS idx_items_dedup_key ON items(dedup_key);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, organization_id, COALESCE(batch_id, ''), pipeline, subject, status, current_step, COALESCE(error_message, ''), created_at, updated_at`

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.Job) error {
	subjectJSON, err := json.Marshal(job.Subject)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal subject")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, organization_id, batch_id, pipeline, subject, status, current_step, created_at, updated_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9)`,
		job.ID, job.OrganizationID, job.BatchID, job.Pipeline, subjectJSON,
		string(job.Status), job.CurrentStep, job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert job %s", job.ID)
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	return scanJob(row)
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any

	if filter.OrganizationID != "" {
		args = append(args, filter.OrganizationID)
		query += fmt.Sprintf(` AND organization_id = $%d`, len(args))
	}
	if filter.BatchID != "" {
		args = append(args, filter.BatchID)
		query += fmt.Sprintf(` AND batch_id = $%d`, len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	query += ` ORDER BY created_at`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(` LIMIT $%d`, len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) UpdateJob(ctx context.Context, jobID string, patch model.JobPatch) error {
	set, args := jobPatchClauses(patch)
	if len(set) == 0 {
		return nil
	}
	args = append(args, jobID)
	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $%d`, strings.Join(set, ", "), len(args))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) TransitionJob(ctx context.Context, jobID string, from []model.JobStatus, patch model.JobPatch) (bool, error) {
	set, args := jobPatchClauses(patch)
	if len(set) == 0 {
		return false, eris.New("postgres: transition job: empty patch")
	}
	args = append(args, jobID)
	idArg := len(args)
	args = append(args, statusStrings(from))
	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $%d AND status = ANY($%d)`,
		strings.Join(set, ", "), idArg, len(args))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: transition job %s", jobID)
	}
	return tag.RowsAffected() > 0, nil
}

// jobPatchClauses builds SET clauses for the fields present in the patch.
// updated_at always advances.
func jobPatchClauses(patch model.JobPatch) ([]string, []any) {
	var set []string
	var args []any

	add := func(col string, val any) {
		args = append(args, val)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.CurrentStep != nil {
		add("current_step", *patch.CurrentStep)
	}
	if patch.ErrorMessage != nil {
		add("error_message", *patch.ErrorMessage)
	}
	if len(set) > 0 {
		add("updated_at", time.Now().UTC())
	}
	return set, args
}

// --- Steps ---

const stepColumns = `id, job_id, number, name, kind, status, result, COALESCE(error_message, ''), retry_count, started_at, completed_at`

func (s *PostgresStore) CreateSteps(ctx context.Context, steps []model.Step) error {
	for _, st := range steps {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO steps (id, job_id, number, name, kind, status, retry_count)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			st.ID, st.JobID, st.Number, st.Name, string(st.Kind), string(st.Status), st.RetryCount,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert step %d for job %s", st.Number, st.JobID)
		}
	}
	return nil
}

func (s *PostgresStore) GetStep(ctx context.Context, jobID string, number int) (*model.Step, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE job_id = $1 AND number = $2`, jobID, number)
	return scanStep(row)
}

func (s *PostgresStore) GetStepByID(ctx context.Context, stepID string) (*model.Step, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE id = $1`, stepID)
	return scanStep(row)
}

func (s *PostgresStore) ListSteps(ctx context.Context, jobID string) ([]model.Step, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE job_id = $1 ORDER BY number`, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list steps for job %s", jobID)
	}
	defer rows.Close()

	var steps []model.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *st)
	}
	return steps, eris.Wrap(rows.Err(), "postgres: list steps iterate")
}

func (s *PostgresStore) TransitionStep(ctx context.Context, stepID string, from []model.StepStatus, to model.StepStatus) (bool, error) {
	// The conditional update is the idempotency guard: only one of two
	// racing callers observes a row in the expected status.
	tag, err := s.pool.Exec(ctx,
		`UPDATE steps SET status = $1,
		        started_at = CASE WHEN $1 = 'in_progress' THEN now() ELSE started_at END
		 WHERE id = $2 AND status = ANY($3)`,
		string(to), stepID, stepStatusStrings(from),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: transition step %s", stepID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) FinishStep(ctx context.Context, stepID string, status model.StepStatus, result []byte, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE steps SET status = $1, result = $2, error_message = NULLIF($3, ''),
		        completed_at = CASE WHEN $1 IN ('completed', 'failed', 'skipped') THEN now() ELSE completed_at END
		 WHERE id = $4`,
		string(status), result, errMsg, stepID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish step %s", stepID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) IncrementStepRetry(ctx context.Context, stepID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE steps SET retry_count = retry_count + 1 WHERE id = $1`, stepID)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment retry for step %s", stepID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ResetStep(ctx context.Context, stepID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE steps SET status = 'pending', result = NULL, error_message = NULL,
		        started_at = NULL, completed_at = NULL
		 WHERE id = $1`, stepID)
	if err != nil {
		return eris.Wrapf(err, "postgres: reset step %s", stepID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Items ---

const itemColumns = `id, job_id, step_number, COALESCE(dedup_key, ''), validation, status, payload, COALESCE(error_message, ''), created_at, updated_at`

// bulkCopyThreshold is the item count above which inserts switch to the COPY
// protocol. Extraction steps can produce hundreds of leads at once.
const bulkCopyThreshold = 25

func (s *PostgresStore) CreateItems(ctx context.Context, items []model.Item) error {
	if len(items) == 0 {
		return nil
	}

	if len(items) >= bulkCopyThreshold {
		rows := make([][]any, 0, len(items))
		for _, it := range items {
			rows = append(rows, []any{
				it.ID, it.JobID, it.StepNumber, it.DedupKey, string(it.Validation),
				string(it.Status), []byte(it.Payload), it.ErrorMessage, it.CreatedAt, it.UpdatedAt,
			})
		}
		_, err := db.CopyFrom(ctx, s.pool, "items",
			[]string{"id", "job_id", "step_number", "dedup_key", "validation", "status", "payload", "error_message", "created_at", "updated_at"},
			rows,
		)
		return eris.Wrap(err, "postgres: bulk insert items")
	}

	for _, it := range items {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO items (id, job_id, step_number, dedup_key, validation, status, payload, error_message, created_at, updated_at)
			 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, NULLIF($8, ''), $9, $10)`,
			it.ID, it.JobID, it.StepNumber, it.DedupKey, string(it.Validation),
			string(it.Status), []byte(it.Payload), it.ErrorMessage, it.CreatedAt, it.UpdatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert item %s", it.ID)
		}
	}
	return nil
}

func (s *PostgresStore) GetItems(ctx context.Context, itemIDs []string) ([]model.Item, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = ANY($1) ORDER BY created_at`, itemIDs)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get items")
	}
	defer rows.Close()
	return collectItems(rows)
}

func (s *PostgresStore) ListItems(ctx context.Context, jobID string, stepNumber int) ([]model.Item, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM items WHERE job_id = $1 AND step_number = $2 ORDER BY created_at`,
		jobID, stepNumber)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list items for job %s step %d", jobID, stepNumber)
	}
	defer rows.Close()
	return collectItems(rows)
}

func (s *PostgresStore) UpdateItems(ctx context.Context, itemIDs []string, patch model.ItemPatch) error {
	if len(itemIDs) == 0 || patch.Empty() {
		return nil
	}

	var set []string
	var args []any
	add := func(col string, val any) {
		args = append(args, val)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.StepNumber != nil {
		add("step_number", *patch.StepNumber)
	}
	if patch.Payload != nil {
		add("payload", []byte(patch.Payload))
	}
	if patch.ErrorMessage != nil {
		add("error_message", *patch.ErrorMessage)
	}
	add("updated_at", time.Now().UTC())

	args = append(args, itemIDs)
	query := fmt.Sprintf(`UPDATE items SET %s WHERE id = ANY($%d)`, strings.Join(set, ", "), len(args))

	_, err := s.pool.Exec(ctx, query, args...)
	return eris.Wrap(err, "postgres: update items")
}

func (s *PostgresStore) ExistingDedupKeys(ctx context.Context, organizationID string, keys []string) (map[string]bool, error) {
	if len(keys) == 0 {
		return map[string]bool{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT i.dedup_key FROM items i
		 JOIN jobs j ON j.id = i.job_id
		 WHERE j.organization_id = $1 AND i.dedup_key = ANY($2)`,
		organizationID, keys)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: existing dedup keys")
	}
	defer rows.Close()

	existing := make(map[string]bool)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dedup key")
		}
		existing[key] = true
	}
	return existing, eris.Wrap(rows.Err(), "postgres: dedup keys iterate")
}

// --- Batches ---

func (s *PostgresStore) CreateBatch(ctx context.Context, batch *model.Batch) error {
	configJSON, err := json.Marshal(batch.Config)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal batch config")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO batches (id, organization_id, name, pipeline, source_job_id, config, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)`,
		batch.ID, batch.OrganizationID, batch.Name, batch.Pipeline, batch.SourceJobID,
		configJSON, batch.CreatedAt, batch.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert batch %s", batch.ID)
}

func (s *PostgresStore) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, organization_id, name, pipeline, COALESCE(source_job_id, ''), config, created_at, updated_at
		 FROM batches WHERE id = $1`, batchID)

	var b model.Batch
	var configJSON []byte
	err := row.Scan(&b.ID, &b.OrganizationID, &b.Name, &b.Pipeline, &b.SourceJobID, &configJSON, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get batch %s", batchID)
	}
	if err := json.Unmarshal(configJSON, &b.Config); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal batch config")
	}
	return &b, nil
}

func (s *PostgresStore) BatchProgress(ctx context.Context, batchID string) (*model.BatchProgress, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT j.status, COALESCE(st.status, ''), count(*)
		 FROM jobs j
		 LEFT JOIN steps st ON st.job_id = j.id AND st.number = j.current_step
		 WHERE j.batch_id = $1
		 GROUP BY 1, 2`,
		batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: batch progress %s", batchID)
	}
	defer rows.Close()

	progress := &model.BatchProgress{BatchID: batchID}
	for rows.Next() {
		var jobStatus, stepStatus string
		var count int
		if err := rows.Scan(&jobStatus, &stepStatus, &count); err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch progress")
		}
		tallyProgress(progress, model.JobStatus(jobStatus), model.StepStatus(stepStatus), count)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: batch progress iterate")
	}

	progress.Derive()
	return progress, nil
}

// tallyProgress folds one (job status, current step status, count) row into
// the aggregate. A job counts as action_required when it is in progress and
// its live step is waiting on a human.
func tallyProgress(p *model.BatchProgress, jobStatus model.JobStatus, stepStatus model.StepStatus, count int) {
	p.Total += count
	switch jobStatus {
	case model.JobStatusDraft, model.JobStatusPending:
		p.Pending += count
	case model.JobStatusInProgress:
		if stepStatus == model.StepStatusActionRequired {
			p.ActionRequired += count
		} else {
			p.InProgress += count
		}
	case model.JobStatusCompleted:
		p.Completed += count
	case model.JobStatusCancelled:
		p.Cancelled += count
	case model.JobStatusFailed:
		p.Failed += count
	}
}

// --- scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*model.Job, error) {
	var j model.Job
	var subjectJSON []byte
	var status string

	err := row.Scan(&j.ID, &j.OrganizationID, &j.BatchID, &j.Pipeline, &subjectJSON,
		&status, &j.CurrentStep, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan job")
	}

	j.Status = model.JobStatus(status)
	if err := json.Unmarshal(subjectJSON, &j.Subject); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal subject")
	}
	return &j, nil
}

func scanStep(row scannable) (*model.Step, error) {
	var st model.Step
	var kind, status string
	var result []byte

	err := row.Scan(&st.ID, &st.JobID, &st.Number, &st.Name, &kind, &status,
		&result, &st.ErrorMessage, &st.RetryCount, &st.StartedAt, &st.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan step")
	}

	st.Kind = model.StepKind(kind)
	st.Status = model.StepStatus(status)
	st.Result = result
	return &st, nil
}

func collectItems(rows pgx.Rows) ([]model.Item, error) {
	var items []model.Item
	for rows.Next() {
		var it model.Item
		var validation, status string
		var payload []byte
		err := rows.Scan(&it.ID, &it.JobID, &it.StepNumber, &it.DedupKey, &validation,
			&status, &payload, &it.ErrorMessage, &it.CreatedAt, &it.UpdatedAt)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan item")
		}
		it.Validation = model.ItemValidation(validation)
		it.Status = model.ItemStatus(status)
		it.Payload = payload
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: items iterate")
}

func statusStrings(statuses []model.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func stepStatusStrings(statuses []model.StepStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
