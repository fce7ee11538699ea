// Package store is the PostgreSQL-backed persistence layer for a job
// queue: two tables (job, job_attempt_log) and the transactional
// operations that move rows between lifecycle states.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store wraps a *sql.DB opened against a pgx/v5 stdlib driver connection
// and implements every job-table and attempt-log-table operation.
type Store struct {
	db     *sql.DB
	schema *SchemaManager
}

// New constructs a Store. tablePrefix is forwarded to the embedded
// SchemaManager so callers only need to construct one prefix-aware object.
func New(db *sql.DB, tablePrefix string) *Store {
	return &Store{db: db, schema: NewSchemaManager(db, tablePrefix)}
}

// Schema exposes the embedded SchemaManager for Manager's lazy
// initialize/reset_hard/uninstall operations.
func (s *Store) Schema() *SchemaManager { return s.schema }

// Insert creates a new job row. uid, created_at and updated_at are
// server-generated; run_at is runAt, or the current UTC time if runAt is nil.
func (s *Store) Insert(ctx context.Context, jobType string, payload json.RawMessage, maxAttempts int, backoffStrategy string, maxAttemptDurationMS int, runAt *time.Time) (*Job, error) {
	if payload == nil {
		payload = []byte(`{}`)
	}
	effectiveRunAt := time.Now().UTC()
	if runAt != nil {
		effectiveRunAt = *runAt
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (type, payload, max_attempts, backoff_strategy, max_attempt_duration_ms, run_at)
		VALUES ($1, $2::jsonb, $3, $4, $5, $6)
		RETURNING id, uid, type, payload, status, result, attempts, max_attempts,
			max_attempt_duration_ms, backoff_strategy, created_at, updated_at, run_at, started_at, completed_at
	`, quoteIdent(s.schema.JobTable()))

	row := s.db.QueryRowContext(ctx, query, jobType, payload, maxAttempts, backoffStrategy, maxAttemptDurationMS, effectiveRunAt)
	return scanJob(row)
}

// ClaimNext atomically selects and claims the oldest eligible pending job,
// in a single round trip: the inner SELECT ... FOR UPDATE SKIP LOCKED picks
// one row no other claimer holds, and the outer UPDATE marks it running
// before returning it. Returns (nil, nil) if no row is eligible.
func (s *Store) ClaimNext(ctx context.Context) (*Job, error) {
	query := fmt.Sprintf(`
		UPDATE %[1]s
		SET status = 'running', started_at = NOW(), updated_at = NOW(), attempts = attempts + 1
		WHERE id = (
			SELECT id FROM %[1]s
			WHERE status = 'pending' AND run_at <= NOW()
			ORDER BY id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, uid, type, payload, status, result, attempts, max_attempts,
			max_attempt_duration_ms, backoff_strategy, created_at, updated_at, run_at, started_at, completed_at
	`, quoteIdent(s.schema.JobTable()))

	row := s.db.QueryRowContext(ctx, query)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// LogAttemptStart inserts an attempt row for job (attempt_number =
// job.Attempts, which ClaimNext already incremented to the 1-based count)
// and returns its id.
func (s *Store) LogAttemptStart(ctx context.Context, job *Job) (int64, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (job_id, attempt_number)
		VALUES ($1, $2)
		RETURNING id
	`, quoteIdent(s.schema.AttemptTable()))

	var id int64
	if err := s.db.QueryRowContext(ctx, query, job.ID, job.Attempts).Scan(&id); err != nil {
		return 0, fmt.Errorf("jobqueue/store: log attempt start: %w", err)
	}
	return id, nil
}

// Complete marks a job and its attempt row successful. If result is not
// valid JSON, a stub result (with the raw bytes as its details) is stored
// instead so the job still completes rather than failing on a
// serialization problem.
func (s *Store) Complete(ctx context.Context, jobID, attemptLogID int64, result json.RawMessage) (*Job, error) {
	if result == nil {
		result = []byte(`{}`)
	}
	if !json.Valid(result) {
		stub, _ := json.Marshal(map[string]string{
			"message": "Unable to serialize completed job result",
			"details": string(result),
		})
		result = stub
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("jobqueue/store: complete: begin: %w", err)
	}
	defer tx.Rollback()

	updateJob := fmt.Sprintf(`
		UPDATE %s SET status = 'completed', completed_at = NOW(), updated_at = NOW(), result = $2::jsonb
		WHERE id = $1
		RETURNING id, uid, type, payload, status, result, attempts, max_attempts,
			max_attempt_duration_ms, backoff_strategy, created_at, updated_at, run_at, started_at, completed_at
	`, quoteIdent(s.schema.JobTable()))
	job, err := scanJob(tx.QueryRowContext(ctx, updateJob, jobID, result))
	if err != nil {
		return nil, fmt.Errorf("jobqueue/store: complete: update job: %w", err)
	}

	updateAttempt := fmt.Sprintf(`
		UPDATE %s SET status = 'success', completed_at = NOW() WHERE id = $1
	`, quoteIdent(s.schema.AttemptTable()))
	if _, err := tx.ExecContext(ctx, updateAttempt, attemptLogID); err != nil {
		return nil, fmt.Errorf("jobqueue/store: complete: update attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("jobqueue/store: complete: commit: %w", err)
	}
	return job, nil
}

// FailOrRequeue records a failed attempt and either requeues job for
// another try (status=pending, run_at pushed out by nextRunAt) or marks it
// permanently failed if attempts have been exhausted.
func (s *Store) FailOrRequeue(ctx context.Context, job *Job, attemptLogID int64, errMessage string, errDetails json.RawMessage, nextRunAt time.Time) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("jobqueue/store: fail_or_requeue: begin: %w", err)
	}
	defer tx.Rollback()

	updateAttempt := fmt.Sprintf(`
		UPDATE %s SET status = 'error', completed_at = NOW(), error_message = $2, error_details = $3::jsonb
		WHERE id = $1
	`, quoteIdent(s.schema.AttemptTable()))
	if _, err := tx.ExecContext(ctx, updateAttempt, attemptLogID, errMessage, nullableJSON(errDetails)); err != nil {
		return nil, fmt.Errorf("jobqueue/store: fail_or_requeue: update attempt: %w", err)
	}

	var updateJob string
	var args []any
	if job.Attempts >= job.MaxAttempts {
		updateJob = fmt.Sprintf(`
			UPDATE %s SET status = 'failed', completed_at = NOW(), updated_at = NOW()
			WHERE id = $1
			RETURNING id, uid, type, payload, status, result, attempts, max_attempts,
				max_attempt_duration_ms, backoff_strategy, created_at, updated_at, run_at, started_at, completed_at
		`, quoteIdent(s.schema.JobTable()))
		args = []any{job.ID}
	} else {
		updateJob = fmt.Sprintf(`
			UPDATE %s SET status = 'pending', run_at = $2, updated_at = NOW()
			WHERE id = $1
			RETURNING id, uid, type, payload, status, result, attempts, max_attempts,
				max_attempt_duration_ms, backoff_strategy, created_at, updated_at, run_at, started_at, completed_at
		`, quoteIdent(s.schema.JobTable()))
		args = []any{job.ID, nextRunAt}
	}

	updated, err := scanJob(tx.QueryRowContext(ctx, updateJob, args...))
	if err != nil {
		return nil, fmt.Errorf("jobqueue/store: fail_or_requeue: update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("jobqueue/store: fail_or_requeue: commit: %w", err)
	}
	return updated, nil
}

// Find looks up a single job by uid. Returns ErrNotFound if absent, or if
// uid isn't a well-formed UUID (it cannot match any row either way).
func (s *Store) Find(ctx context.Context, uidStr string) (*Job, error) {
	parsed, err := uuid.Parse(uidStr)
	if err != nil {
		return nil, ErrNotFound
	}

	query := fmt.Sprintf(`
		SELECT id, uid, type, payload, status, result, attempts, max_attempts,
			max_attempt_duration_ms, backoff_strategy, created_at, updated_at, run_at, started_at, completed_at
		FROM %s WHERE uid = $1
	`, quoteIdent(s.schema.JobTable()))

	job, err := scanJob(s.db.QueryRowContext(ctx, query, parsed))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return job, err
}

// FetchAll lists jobs matching filter, newest-or-oldest first per
// filter.Ascending.
func (s *Store) FetchAll(ctx context.Context, filter ListFilter) ([]*Job, error) {
	order := "DESC"
	if filter.Ascending {
		order = "ASC"
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	clauses := []string{"1=1"}
	args := []any{}
	argN := 1
	if filter.Status != "" {
		clauses = append(clauses, fmt.Sprintf("status = $%d", argN))
		args = append(args, filter.Status)
		argN++
	}
	if filter.SinceMinutesAgo > 0 {
		clauses = append(clauses, fmt.Sprintf("created_at >= NOW() - make_interval(mins => $%d)", argN))
		args = append(args, filter.SinceMinutesAgo)
		argN++
	}
	args = append(args, limit, filter.Offset)

	query := fmt.Sprintf(`
		SELECT id, uid, type, payload, status, result, attempts, max_attempts,
			max_attempt_duration_ms, backoff_strategy, created_at, updated_at, run_at, started_at, completed_at
		FROM %s
		WHERE %s
		ORDER BY id %s
		LIMIT $%d OFFSET $%d
	`, quoteIdent(s.schema.JobTable()), joinAnd(clauses), order, argN, argN+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("jobqueue/store: fetch_all: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJobRows(rows)
		if err != nil {
			return nil, fmt.Errorf("jobqueue/store: fetch_all: scan: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// FetchAttempts returns every attempt row for jobID, oldest first.
func (s *Store) FetchAttempts(ctx context.Context, jobID int64) ([]*JobAttempt, error) {
	query := fmt.Sprintf(`
		SELECT id, job_id, attempt_number, started_at, completed_at, status, error_message, error_details
		FROM %s WHERE job_id = $1 ORDER BY id ASC
	`, quoteIdent(s.schema.AttemptTable()))

	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("jobqueue/store: fetch_attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*JobAttempt
	for rows.Next() {
		a := &JobAttempt{}
		if err := rows.Scan(&a.ID, &a.JobID, &a.AttemptNumber, &a.StartedAt, &a.CompletedAt, &a.Status, &a.ErrorMessage, &a.ErrorDetails); err != nil {
			return nil, fmt.Errorf("jobqueue/store: fetch_attempts: scan: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// MarkExpired transitions any job stuck in running for longer than
// maxRunningMinutes to expired. Attempt rows are left untouched; the
// in-flight attempt's outcome is simply never recorded.
func (s *Store) MarkExpired(ctx context.Context, maxRunningMinutes int) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'expired', updated_at = NOW()
		WHERE status = 'running' AND started_at < NOW() - make_interval(mins => $1)
	`, quoteIdent(s.schema.JobTable()))

	result, err := s.db.ExecContext(ctx, query, maxRunningMinutes)
	if err != nil {
		return 0, fmt.Errorf("jobqueue/store: mark_expired: %w", err)
	}
	return result.RowsAffected()
}

// HealthPreview aggregates job counts and average duration by status over
// jobs created within the last sinceMinutes minutes.
func (s *Store) HealthPreview(ctx context.Context, sinceMinutes int) ([]HealthRow, error) {
	query := fmt.Sprintf(`
		SELECT status, COUNT(*),
			COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at))), 0)
		FROM %s
		WHERE created_at >= NOW() - make_interval(mins => $1)
		GROUP BY status
	`, quoteIdent(s.schema.JobTable()))

	rows, err := s.db.QueryContext(ctx, query, sinceMinutes)
	if err != nil {
		return nil, fmt.Errorf("jobqueue/store: health_preview: %w", err)
	}
	defer rows.Close()

	var out []HealthRow
	for rows.Next() {
		var r HealthRow
		if err := rows.Scan(&r.Status, &r.Count, &r.AvgDurationSeconds); err != nil {
			return nil, fmt.Errorf("jobqueue/store: health_preview: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func joinAnd(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out
}

func nullableJSON(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return []byte(`null`)
	}
	return raw
}

// rowScanner abstracts *sql.Row and *sql.Rows so scanJob can serve both a
// single-row QueryRow path and a multi-row Query path.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	err := row.Scan(&j.ID, &j.UID, &j.Type, &j.Payload, &j.Status, &j.Result, &j.Attempts, &j.MaxAttempts,
		&j.MaxAttemptDurationMS, &j.BackoffStrategy, &j.CreatedAt, &j.UpdatedAt, &j.RunAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("jobqueue/store: scan job: %w", err)
	}
	return j, nil
}

func scanJobRows(rows *sql.Rows) (*Job, error) {
	return scanJob(rows)
}
