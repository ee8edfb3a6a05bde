package postgres

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"containerops/internal/apperrors"
	"containerops/internal/job"

	"github.com/jackc/pgx/v5"
)

const jobColumns = `
	id, type, target_type, target_id, status,
	progress_current, progress_total, progress_message,
	result, error, estimated_seconds,
	created_at, updated_at, completed_at`

// CreateJob persists a new job.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	args, err := jobArgs(j)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, insertJobSQL, args...)
	if err != nil {
		if isDuplicateKey(err) {
			return apperrors.Conflict("job", j.ID, "job already exists")
		}
		return persistence("createJob", err)
	}
	return nil
}

// CreateJobWithKey atomically persists a job and its idempotency key entry.
// The composite primary key on (key, scope) rejects a live duplicate and
// rolls back the job insert with it.
func (s *Store) CreateJobWithKey(ctx context.Context, j *job.Job, entry *job.KeyEntry) error {
	args, err := jobArgs(j)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return persistence("beginTx", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, insertJobSQL, args...); err != nil {
		if isDuplicateKey(err) {
			return apperrors.Conflict("job", j.ID, "job already exists")
		}
		return persistence("createJob", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO idempotency_keys (key, scope, request_hash, job_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.Key, entry.Scope, entry.RequestHash, entry.JobID, entry.CreatedAt, entry.ExpiresAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return apperrors.Conflict("idempotencyKey", entry.Key, "idempotency key already registered")
		}
		return persistence("createKey", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return persistence("commitTx", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, apperrors.NotFound("job", id)
		}
		return nil, persistence("getJob", err)
	}
	return j, nil
}

// MutateJob applies fn to the job inside a transaction holding a row lock.
func (s *Store) MutateJob(ctx context.Context, id string, fn func(*job.Job) error) (*job.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, persistence("beginTx", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, apperrors.NotFound("job", id)
		}
		return nil, persistence("lockJob", err)
	}

	if err := fn(j); err != nil {
		return nil, err
	}

	result, errJSON, err := jobPayloads(j)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE jobs SET
			status = $2,
			progress_current = $3, progress_total = $4, progress_message = $5,
			result = $6, error = $7,
			updated_at = $8, completed_at = $9
		WHERE id = $1`,
		j.ID, string(j.Status),
		j.Progress.Current, j.Progress.Total, j.Progress.Message,
		result, errJSON,
		j.UpdatedAt, j.CompletedAt,
	)
	if err != nil {
		return nil, persistence("updateJob", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, persistence("commitTx", err)
	}
	return j, nil
}

// ListByTarget returns jobs for a target, newest first.
func (s *Store) ListByTarget(ctx context.Context, targetType job.TargetType, targetID string, opts job.ListOptions) ([]*job.Job, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = job.DefaultListLimit
	}

	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE target_type = $1 AND target_id = $2`
	args := []any{string(targetType), targetID}
	if opts.Status != "" {
		query += ` AND status = $3`
		args = append(args, string(opts.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ` + strconv.Itoa(limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, persistence("listByTarget", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ListInProgress returns pending and running jobs, oldest first.
func (s *Store) ListInProgress(ctx context.Context) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+`
		FROM jobs
		WHERE status IN ('pending', 'running')
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, persistence("listInProgress", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// DeleteTerminalJobsBefore removes terminal jobs completed before cutoff.
func (s *Store) DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND completed_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, persistence("deleteTerminalJobs", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountJobs aggregates job counts with a completion-rate window.
func (s *Store) CountJobs(ctx context.Context, windowStart time.Time) (*job.Counts, error) {
	counts := &job.Counts{
		ByStatus: make(map[job.Status]int64),
		ByType:   make(map[job.Type]int64),
	}

	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE created_at >= $1),
			COUNT(*) FILTER (WHERE created_at >= $1 AND status = 'completed')
		FROM jobs`,
		windowStart,
	).Scan(&counts.Total, &counts.WindowCreated, &counts.WindowCompleted)
	if err != nil {
		return nil, persistence("countJobs", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, persistence("countByStatus", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, persistence("countByStatus", err)
		}
		counts.ByStatus[job.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("countByStatus", err)
	}

	typeRows, err := s.pool.Query(ctx, `SELECT type, COUNT(*) FROM jobs GROUP BY type`)
	if err != nil {
		return nil, persistence("countByType", err)
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var typ string
		var n int64
		if err := typeRows.Scan(&typ, &n); err != nil {
			return nil, persistence("countByType", err)
		}
		counts.ByType[job.Type(typ)] = n
	}
	if err := typeRows.Err(); err != nil {
		return nil, persistence("countByType", err)
	}

	return counts, nil
}

const insertJobSQL = `
	INSERT INTO jobs (
		id, type, target_type, target_id, status,
		progress_current, progress_total, progress_message,
		result, error, estimated_seconds,
		created_at, updated_at, completed_at
	) VALUES (
		$1, $2, $3, $4, $5,
		$6, $7, $8,
		$9, $10, $11,
		$12, $13, $14
	)`

func jobArgs(j *job.Job) ([]any, error) {
	result, errJSON, err := jobPayloads(j)
	if err != nil {
		return nil, err
	}
	return []any{
		j.ID, string(j.Type), string(j.Target.Type), j.Target.ID, string(j.Status),
		j.Progress.Current, j.Progress.Total, j.Progress.Message,
		result, errJSON, j.EstimatedSeconds,
		j.CreatedAt, j.UpdatedAt, j.CompletedAt,
	}, nil
}

// jobPayloads marshals the result and error columns.
func jobPayloads(j *job.Job) ([]byte, []byte, error) {
	var result []byte
	if j.Result != nil {
		result = []byte(j.Result)
	}
	var errJSON []byte
	if j.Error != nil {
		b, err := json.Marshal(j.Error)
		if err != nil {
			return nil, nil, apperrors.Internal("postgres.marshalError", err)
		}
		errJSON = b
	}
	return result, errJSON, nil
}

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j         job.Job
		typ       string
		tgtType   string
		status    string
		result    []byte
		errJSON   []byte
		completed *time.Time
	)
	err := row.Scan(
		&j.ID, &typ, &tgtType, &j.Target.ID, &status,
		&j.Progress.Current, &j.Progress.Total, &j.Progress.Message,
		&result, &errJSON, &j.EstimatedSeconds,
		&j.CreatedAt, &j.UpdatedAt, &completed,
	)
	if err != nil {
		return nil, err
	}

	j.Type = job.Type(typ)
	j.Target.Type = job.TargetType(tgtType)
	j.Status = job.Status(status)
	j.CompletedAt = completed
	if len(result) > 0 {
		j.Result = json.RawMessage(result)
	}
	if len(errJSON) > 0 {
		var jobErr job.Error
		if err := json.Unmarshal(errJSON, &jobErr); err != nil {
			return nil, err
		}
		j.Error = &jobErr
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	jobs := make([]*job.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, persistence("scanJob", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("collectJobs", err)
	}
	return jobs, nil
}
