package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/forkline/ops-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local
// development and single-operator installs; Postgres is the production path.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS batches (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	name            TEXT NOT NULL,
	pipeline        TEXT NOT NULL,
	source_job_id   TEXT,
	config          TEXT NOT NULL DEFAULT '{}',
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	batch_id        TEXT REFERENCES batches(id),
	pipeline        TEXT NOT NULL,
	subject         TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	current_step    INTEGER NOT NULL DEFAULT 0,
	error_message   TEXT,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS steps (
	id            TEXT PRIMARY KEY,
	job_id        TEXT NOT NULL REFERENCES jobs(id),
	number        INTEGER NOT NULL,
	name          TEXT NOT NULL,
	kind          TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	result        TEXT,
	error_message TEXT,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	started_at    DATETIME,
	completed_at  DATETIME,
	UNIQUE (job_id, number)
);

CREATE TABLE IF NOT EXISTS items (
	id            TEXT PRIMARY KEY,
	job_id        TEXT NOT NULL REFERENCES jobs(id),
	step_number   INTEGER NOT NULL,
	dedup_key     TEXT,
	validation    TEXT NOT NULL DEFAULT 'valid',
	status        TEXT NOT NULL DEFAULT 'pending',
	payload       TEXT,
	error_message TEXT,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_batch_id ON jobs(batch_id);
CREATE INDEX IF NOT EXISTS idx_jobs_org_status ON jobs(organization_id, status);
CREATE INDEX IF NOT EXISTS idx_steps_job_id ON steps(job_id);
CREATE INDEX IF NOT EXISTS idx_items_job_step ON items(job_id, step_number);
CREATE INDEX IF NOT EXISTS idx_items_dedup_key ON items(dedup_key);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Jobs ---

const sqliteJobColumns = `id, organization_id, COALESCE(batch_id, ''), pipeline, subject, status, current_step, COALESCE(error_message, ''), created_at, updated_at`

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.Job) error {
	subjectJSON, err := json.Marshal(job.Subject)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal subject")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, organization_id, batch_id, pipeline, subject, status, current_step, created_at, updated_at)
		 VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?)`,
		job.ID, job.OrganizationID, job.BatchID, job.Pipeline, string(subjectJSON),
		string(job.Status), job.CurrentStep, job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert job %s", job.ID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, jobID)
	return scanSQLiteJob(row)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + sqliteJobColumns + ` FROM jobs WHERE 1=1`
	var args []any

	if filter.OrganizationID != "" {
		query += ` AND organization_id = ?`
		args = append(args, filter.OrganizationID)
	}
	if filter.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, filter.BatchID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, jobID string, patch model.JobPatch) error {
	set, args := sqliteJobPatchClauses(patch)
	if len(set) == 0 {
		return nil
	}
	args = append(args, jobID)
	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = ?`, strings.Join(set, ", "))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job %s", jobID)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) TransitionJob(ctx context.Context, jobID string, from []model.JobStatus, patch model.JobPatch) (bool, error) {
	set, args := sqliteJobPatchClauses(patch)
	if len(set) == 0 {
		return false, eris.New("sqlite: transition job: empty patch")
	}
	args = append(args, jobID)
	placeholders := make([]string, len(from))
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = ? AND status IN (%s)`,
		strings.Join(set, ", "), strings.Join(placeholders, ", "))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: transition job %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func sqliteJobPatchClauses(patch model.JobPatch) ([]string, []any) {
	var set []string
	var args []any

	if patch.Status != nil {
		set = append(set, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.CurrentStep != nil {
		set = append(set, "current_step = ?")
		args = append(args, *patch.CurrentStep)
	}
	if patch.ErrorMessage != nil {
		set = append(set, "error_message = ?")
		args = append(args, *patch.ErrorMessage)
	}
	if len(set) > 0 {
		set = append(set, "updated_at = ?")
		args = append(args, time.Now().UTC())
	}
	return set, args
}

// --- Steps ---

const sqliteStepColumns = `id, job_id, number, name, kind, status, result, COALESCE(error_message, ''), retry_count, started_at, completed_at`

func (s *SQLiteStore) CreateSteps(ctx context.Context, steps []model.Step) error {
	for _, st := range steps {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO steps (id, job_id, number, name, kind, status, retry_count)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			st.ID, st.JobID, st.Number, st.Name, string(st.Kind), string(st.Status), st.RetryCount,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert step %d for job %s", st.Number, st.JobID)
		}
	}
	return nil
}

func (s *SQLiteStore) GetStep(ctx context.Context, jobID string, number int) (*model.Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteStepColumns+` FROM steps WHERE job_id = ? AND number = ?`, jobID, number)
	return scanSQLiteStep(row)
}

func (s *SQLiteStore) GetStepByID(ctx context.Context, stepID string) (*model.Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteStepColumns+` FROM steps WHERE id = ?`, stepID)
	return scanSQLiteStep(row)
}

func (s *SQLiteStore) ListSteps(ctx context.Context, jobID string) ([]model.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteStepColumns+` FROM steps WHERE job_id = ? ORDER BY number`, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list steps for job %s", jobID)
	}
	defer rows.Close()

	var steps []model.Step
	for rows.Next() {
		st, err := scanSQLiteStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *st)
	}
	return steps, eris.Wrap(rows.Err(), "sqlite: list steps iterate")
}

func (s *SQLiteStore) TransitionStep(ctx context.Context, stepID string, from []model.StepStatus, to model.StepStatus) (bool, error) {
	placeholders := make([]string, len(from))
	args := []any{string(to), string(to), time.Now().UTC(), stepID}
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	query := fmt.Sprintf(
		`UPDATE steps SET status = ?,
		        started_at = CASE WHEN ? = 'in_progress' THEN ? ELSE started_at END
		 WHERE id = ? AND status IN (%s)`,
		strings.Join(placeholders, ", "))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: transition step %s", stepID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) FinishStep(ctx context.Context, stepID string, status model.StepStatus, result []byte, errMsg string) error {
	var resultVal any
	if result != nil {
		resultVal = string(result)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE steps SET status = ?, result = ?, error_message = NULLIF(?, ''),
		        completed_at = CASE WHEN ? IN ('completed', 'failed', 'skipped') THEN ? ELSE completed_at END
		 WHERE id = ?`,
		string(status), resultVal, errMsg, string(status), time.Now().UTC(), stepID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish step %s", stepID)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) IncrementStepRetry(ctx context.Context, stepID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE steps SET retry_count = retry_count + 1 WHERE id = ?`, stepID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment retry for step %s", stepID)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) ResetStep(ctx context.Context, stepID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE steps SET status = 'pending', result = NULL, error_message = NULL,
		        started_at = NULL, completed_at = NULL
		 WHERE id = ?`, stepID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: reset step %s", stepID)
	}
	return checkRowsAffected(res)
}

// --- Items ---

const sqliteItemColumns = `id, job_id, step_number, COALESCE(dedup_key, ''), validation, status, payload, COALESCE(error_message, ''), created_at, updated_at`

func (s *SQLiteStore) CreateItems(ctx context.Context, items []model.Item) error {
	for _, it := range items {
		var payloadVal any
		if it.Payload != nil {
			payloadVal = string(it.Payload)
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO items (id, job_id, step_number, dedup_key, validation, status, payload, error_message, created_at, updated_at)
			 VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?, NULLIF(?, ''), ?, ?)`,
			it.ID, it.JobID, it.StepNumber, it.DedupKey, string(it.Validation),
			string(it.Status), payloadVal, it.ErrorMessage, it.CreatedAt, it.UpdatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert item %s", it.ID)
		}
	}
	return nil
}

func (s *SQLiteStore) GetItems(ctx context.Context, itemIDs []string) ([]model.Item, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(itemIDs))
	args := make([]any, len(itemIDs))
	for i, id := range itemIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM items WHERE id IN (%s) ORDER BY created_at`,
			sqliteItemColumns, strings.Join(placeholders, ", ")),
		args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get items")
	}
	defer rows.Close()
	return collectSQLiteItems(rows)
}

func (s *SQLiteStore) ListItems(ctx context.Context, jobID string, stepNumber int) ([]model.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteItemColumns+` FROM items WHERE job_id = ? AND step_number = ? ORDER BY created_at`,
		jobID, stepNumber)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list items for job %s step %d", jobID, stepNumber)
	}
	defer rows.Close()
	return collectSQLiteItems(rows)
}

func (s *SQLiteStore) UpdateItems(ctx context.Context, itemIDs []string, patch model.ItemPatch) error {
	if len(itemIDs) == 0 || patch.Empty() {
		return nil
	}

	var set []string
	var args []any
	if patch.Status != nil {
		set = append(set, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.StepNumber != nil {
		set = append(set, "step_number = ?")
		args = append(args, *patch.StepNumber)
	}
	if patch.Payload != nil {
		set = append(set, "payload = ?")
		args = append(args, string(patch.Payload))
	}
	if patch.ErrorMessage != nil {
		set = append(set, "error_message = ?")
		args = append(args, *patch.ErrorMessage)
	}
	set = append(set, "updated_at = ?")
	args = append(args, time.Now().UTC())

	placeholders := make([]string, len(itemIDs))
	for i, id := range itemIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	query := fmt.Sprintf(`UPDATE items SET %s WHERE id IN (%s)`,
		strings.Join(set, ", "), strings.Join(placeholders, ", "))

	_, err := s.db.ExecContext(ctx, query, args...)
	return eris.Wrap(err, "sqlite: update items")
}

func (s *SQLiteStore) ExistingDedupKeys(ctx context.Context, organizationID string, keys []string) (map[string]bool, error) {
	if len(keys) == 0 {
		return map[string]bool{}, nil
	}
	placeholders := make([]string, len(keys))
	args := []any{organizationID}
	for i, k := range keys {
		placeholders[i] = "?"
		args = append(args, k)
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT DISTINCT i.dedup_key FROM items i
			 JOIN jobs j ON j.id = i.job_id
			 WHERE j.organization_id = ? AND i.dedup_key IN (%s)`,
			strings.Join(placeholders, ", ")),
		args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: existing dedup keys")
	}
	defer rows.Close()

	existing := make(map[string]bool)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dedup key")
		}
		existing[key] = true
	}
	return existing, eris.Wrap(rows.Err(), "sqlite: dedup keys iterate")
}

// --- Batches ---

func (s *SQLiteStore) CreateBatch(ctx context.Context, batch *model.Batch) error {
	configJSON, err := json.Marshal(batch.Config)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal batch config")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO batches (id, organization_id, name, pipeline, source_job_id, config, created_at, updated_at)
		 VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?)`,
		batch.ID, batch.OrganizationID, batch.Name, batch.Pipeline, batch.SourceJobID,
		string(configJSON), batch.CreatedAt, batch.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert batch %s", batch.ID)
}

func (s *SQLiteStore) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, name, pipeline, COALESCE(source_job_id, ''), config, created_at, updated_at
		 FROM batches WHERE id = ?`, batchID)

	var b model.Batch
	var configJSON string
	err := row.Scan(&b.ID, &b.OrganizationID, &b.Name, &b.Pipeline, &b.SourceJobID, &configJSON, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get batch %s", batchID)
	}
	if err := json.Unmarshal([]byte(configJSON), &b.Config); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal batch config")
	}
	return &b, nil
}

func (s *SQLiteStore) BatchProgress(ctx context.Context, batchID string) (*model.BatchProgress, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT j.status, COALESCE(st.status, ''), count(*)
		 FROM jobs j
		 LEFT JOIN steps st ON st.job_id = j.id AND st.number = j.current_step
		 WHERE j.batch_id = ?
		 GROUP BY 1, 2`,
		batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: batch progress %s", batchID)
	}
	defer rows.Close()

	progress := &model.BatchProgress{BatchID: batchID}
	for rows.Next() {
		var jobStatus, stepStatus string
		var count int
		if err := rows.Scan(&jobStatus, &stepStatus, &count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan batch progress")
		}
		tallyProgress(progress, model.JobStatus(jobStatus), model.StepStatus(stepStatus), count)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: batch progress iterate")
	}

	progress.Derive()
	return progress, nil
}

// --- scan helpers ---

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSQLiteJob(row scannable) (*model.Job, error) {
	var j model.Job
	var subjectJSON, status string

	err := row.Scan(&j.ID, &j.OrganizationID, &j.BatchID, &j.Pipeline, &subjectJSON,
		&status, &j.CurrentStep, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}

	j.Status = model.JobStatus(status)
	if err := json.Unmarshal([]byte(subjectJSON), &j.Subject); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal subject")
	}
	return &j, nil
}

func scanSQLiteStep(row scannable) (*model.Step, error) {
	var st model.Step
	var kind, status string
	var result sql.NullString

	err := row.Scan(&st.ID, &st.JobID, &st.Number, &st.Name, &kind, &status,
		&result, &st.ErrorMessage, &st.RetryCount, &st.StartedAt, &st.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan step")
	}

	st.Kind = model.StepKind(kind)
	st.Status = model.StepStatus(status)
	if result.Valid {
		st.Result = []byte(result.String)
	}
	return &st, nil
}

func collectSQLiteItems(rows *sql.Rows) ([]model.Item, error) {
	var items []model.Item
	for rows.Next() {
		var it model.Item
		var validation, status string
		var payload sql.NullString
		err := rows.Scan(&it.ID, &it.JobID, &it.StepNumber, &it.DedupKey, &validation,
			&status, &payload, &it.ErrorMessage, &it.CreatedAt, &it.UpdatedAt)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan item")
		}
		it.Validation = model.ItemValidation(validation)
		it.Status = model.ItemStatus(status)
		if payload.Valid {
			it.Payload = []byte(payload.String)
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: items iterate")
}
