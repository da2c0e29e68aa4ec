package job

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/chimeworks/chime/errors"
)

// Store is the narrow interface the engine reads and writes jobs through.
// The durable record is the single source of truth for job state; the
// scheduler and executor only hold transient references.
type Store interface {
	// CreateJob inserts a new job record.
	CreateJob(ctx context.Context, j *Job) error
	// GetJob retrieves a job by ID, or ErrNotFound.
	GetJob(ctx context.Context, id string) (*Job, error)
	// UpdateJob applies mutate to the current record and persists the
	// result atomically. No two mutations of the same job interleave.
	UpdateJob(ctx context.Context, id string, mutate func(*Job) error) (*Job, error)
	// ListByOwner returns the owner's jobs, newest first, optionally
	// filtered by status.
	ListByOwner(ctx context.Context, owner string, status *Status, limit int) ([]*Job, error)
	// ListByStatus returns jobs in the given status across all owners,
	// oldest scheduled time first. Used for startup recovery.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Job, error)
}

// Schema creates the jobs table. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	owner            TEXT NOT NULL,
	name             TEXT NOT NULL,
	description      TEXT,
	payload          TEXT,
	status           TEXT NOT NULL,
	scheduled_time   TIMESTAMP NOT NULL,
	execution_handle TEXT,
	result           TEXT,
	error            TEXT,
	attempt_count    INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 3,
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_owner_status ON jobs(owner, status);
CREATE INDEX IF NOT EXISTS idx_jobs_scheduled_time ON jobs(scheduled_time);
`

// SQLiteStore persists jobs in SQLite through database/sql.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store over an open database handle.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Migrate applies the jobs schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return errors.Wrap(err, "failed to migrate jobs schema")
	}
	return nil
}

// CreateJob inserts a new job into the database
func (s *SQLiteStore) CreateJob(ctx context.Context, j *Job) error {
	query := `
		INSERT INTO jobs (
			id, owner, name, description, payload, status,
			scheduled_time, execution_handle, result, error,
			attempt_count, max_attempts, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	description := sql.NullString{String: j.Description, Valid: j.Description != ""}
	payload := sql.NullString{String: string(j.Payload), Valid: len(j.Payload) > 0}
	handle := sql.NullString{String: j.ExecutionHandle, Valid: j.ExecutionHandle != ""}
	result := sql.NullString{String: string(j.Result), Valid: len(j.Result) > 0}
	errMsg := sql.NullString{String: j.Error, Valid: j.Error != ""}

	_, err := s.db.ExecContext(ctx, query,
		j.ID,
		j.Owner,
		j.Name,
		description,
		payload,
		j.Status,
		j.ScheduledTime,
		handle,
		result,
		errMsg,
		j.AttemptCount,
		j.MaxAttempts,
		j.CreatedAt,
		j.UpdatedAt,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", j.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Owner: %s", j.Owner))
		return err
	}

	return nil
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + selectColumns + ` FROM jobs WHERE id = ?`

	var j Job
	err := scanRow(s.db.QueryRowContext(ctx, query, id), &j)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}

	return &j, nil
}

// UpdateJob applies mutate inside a single transaction, serializing all
// read-modify-write cycles for a job id. A concurrently completing
// execution and a cancel request therefore cannot lose each other's
// updates; the later mutator sees the earlier one's status and its
// transition check decides the outcome.
func (s *SQLiteStore) UpdateJob(ctx context.Context, id string, mutate func(*Job) error) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStoreUnavailable, err.Error())
	}
	defer tx.Rollback()

	query := `SELECT ` + selectColumns + ` FROM jobs WHERE id = ?`

	var j Job
	args := &scanArgs{}
	err = tx.QueryRowContext(ctx, query, id).Scan(scanTargets(&j, args)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read job for update")
	}
	applyScanArgs(&j, args)

	if err := mutate(&j); err != nil {
		return nil, err
	}

	update := `
		UPDATE jobs
		SET name = ?,
		    description = ?,
		    payload = ?,
		    status = ?,
		    scheduled_time = ?,
		    execution_handle = ?,
		    result = ?,
		    error = ?,
		    attempt_count = ?,
		    max_attempts = ?,
		    updated_at = ?
		WHERE id = ?
	`

	description := sql.NullString{String: j.Description, Valid: j.Description != ""}
	payload := sql.NullString{String: string(j.Payload), Valid: len(j.Payload) > 0}
	handle := sql.NullString{String: j.ExecutionHandle, Valid: j.ExecutionHandle != ""}
	result := sql.NullString{String: string(j.Result), Valid: len(j.Result) > 0}
	errMsg := sql.NullString{String: j.Error, Valid: j.Error != ""}

	if _, err := tx.ExecContext(ctx, update,
		j.Name,
		description,
		payload,
		j.Status,
		j.ScheduledTime,
		handle,
		result,
		errMsg,
		j.AttemptCount,
		j.MaxAttempts,
		j.UpdatedAt,
		j.ID,
	); err != nil {
		err = errors.Wrap(err, "failed to update job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", j.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Status: %s", j.Status))
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(errors.ErrStoreUnavailable, err.Error())
	}

	return &j, nil
}

// ListByOwner returns jobs for an owner, optionally filtered by status
func (s *SQLiteStore) ListByOwner(ctx context.Context, owner string, status *Status, limit int) ([]*Job, error) {
	var query string
	var args []interface{}

	baseQuery := `SELECT ` + selectColumns + ` FROM jobs WHERE owner = ?`
	if status != nil {
		query = baseQuery + ` AND status = ? ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{owner, *status, limit}
	} else {
		query = baseQuery + ` ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{owner, limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var j Job
		if err := scanRows(rows, &j); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating jobs")
	}

	return jobs, nil
}

// ListByStatus returns jobs in a given status, oldest scheduled time first.
func (s *SQLiteStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Job, error) {
	query := `SELECT ` + selectColumns + ` FROM jobs WHERE status = ? ORDER BY scheduled_time ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs by status")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var j Job
		if err := scanRows(rows, &j); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating jobs")
	}

	return jobs, nil
}

// CountByStatus returns the number of jobs in each status. Used by the
// status surface; not part of the engine's Store contract.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job counts")
	}

	return counts, nil
}
