package async

import (
	"context"
	"database/sql"
	"time"

	"github.com/looperhq/looper/errors"
)

const jobColumns = `id, handler_name, payload, source, status, error,
	retry_count, created_at, started_at, completed_at, updated_at`

// Store persists jobs in the async_jobs table.
type Store struct {
	db *sql.DB
}

// NewStore creates a job store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateJob inserts a new job.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO async_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.HandlerName,
		nullString(string(job.Payload)),
		job.Source,
		job.Status,
		job.Error,
		job.RetryCount,
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "create job %s (%s)", job.ID, job.HandlerName)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM async_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundf("job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get job %s", id)
	}
	return job, nil
}

// UpdateJob persists a job's mutable state.
func (s *Store) UpdateJob(ctx context.Context, job *Job) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE async_jobs
		SET status = ?, error = ?, retry_count = ?,
		    started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		job.Status,
		job.Error,
		job.RetryCount,
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
		job.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "update job %s", job.ID)
	}
	return nil
}

// ListJobs returns jobs, optionally filtered by status, newest first.
func (s *Store) ListJobs(ctx context.Context, status *JobStatus, limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM async_jobs`
	args := []interface{}{}
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()
	return collectJobs(rows)
}

// NextQueued returns the oldest queued job, or nil when the queue is idle.
func (s *Store) NextQueued(ctx context.Context) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM async_jobs
		WHERE status = 'queued'
		ORDER BY created_at ASC, id ASC
		LIMIT 1`)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "next queued job")
	}
	return job, nil
}

// FindActiveJobBySource finds a queued or running job for the same source
// and handler. Returns nil, nil when there is none; callers use this for
// deduplication so one rule change does not fan out into duplicate work.
func (s *Store) FindActiveJobBySource(ctx context.Context, source, handlerName string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM async_jobs
		WHERE source = ? AND handler_name = ? AND status IN ('queued', 'running')
		ORDER BY created_at DESC
		LIMIT 1`, source, handlerName)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find active job for %s/%s", handlerName, source)
	}
	return job, nil
}

// RequeueRunning flips every running job back to queued. Called once on
// worker pool start to recover jobs orphaned by a crash.
func (s *Store) RequeueRunning(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE async_jobs
		SET status = 'queued', started_at = NULL, updated_at = ?
		WHERE status = 'running'`, time.Now())
	if err != nil {
		return 0, errors.Wrap(err, "requeue running jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	return int(n), nil
}

// CleanupOldJobs removes completed and failed jobs older than the duration.
func (s *Store) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM async_jobs
		WHERE status IN ('completed', 'failed') AND updated_at < ?`,
		time.Now().Add(-olderThan))
	if err != nil {
		return 0, errors.Wrap(err, "cleanup old jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	return int(n), nil
}

// CountByStatus returns the number of jobs per status.
func (s *Store) CountByStatus(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM async_jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "count jobs by status")
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "scan job count")
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(r rowScanner) (*Job, error) {
	var job Job
	var payload sql.NullString
	var startedAt, completedAt sql.NullTime
	err := r.Scan(
		&job.ID,
		&job.HandlerName,
		&payload,
		&job.Source,
		&job.Status,
		&job.Error,
		&job.RetryCount,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		job.Payload = []byte(payload.String)
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate jobs")
	}
	return jobs, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
