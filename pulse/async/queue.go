package async

import (
	"context"
	"sync"
	"time"

	"github.com/looperhq/looper/errors"
)

// Queue is the enqueue/dequeue surface over the job store. A mutex
// serializes dequeue-and-mark so two workers never claim the same job.
type Queue struct {
	store *Store
	mu    sync.Mutex
}

// NewQueue creates a job queue over the given store.
func NewQueue(store *Store) *Queue {
	return &Queue{store: store}
}

// Enqueue adds a job. When dedupe is set and an active job already exists
// for the same source and handler, the existing job is returned instead of
// creating a duplicate.
func (q *Queue) Enqueue(ctx context.Context, job *Job, dedupe bool) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if dedupe {
		existing, err := q.store.FindActiveJobBySource(ctx, job.Source, job.HandlerName)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	if err := q.store.CreateJob(ctx, job); err != nil {
		return nil, errors.Wrapf(err, "enqueue %s for %s", job.HandlerName, job.Source)
	}
	return job, nil
}

// Dequeue claims the oldest queued job, marking it running. Returns nil
// when the queue is idle.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.store.NextQueued(ctx)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}

	job.Start()
	if err := q.store.UpdateJob(ctx, job); err != nil {
		return nil, errors.Wrapf(err, "mark job %s running", job.ID)
	}
	return job, nil
}

// Complete marks a job as completed.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	job.Complete()
	return q.store.UpdateJob(ctx, job)
}

// Fail records a handler failure: the job is re-queued while retries
// remain, then marked failed. Returns true if the job will run again.
func (q *Queue) Fail(ctx context.Context, job *Job, jobErr error) (bool, error) {
	retrying := job.Retry(jobErr)
	if !retrying {
		job.Fail(jobErr)
	}
	if err := q.store.UpdateJob(ctx, job); err != nil {
		return retrying, errors.Wrapf(err, "record failure of job %s", job.ID)
	}
	return retrying, nil
}

// Requeue puts a job back in the queue without consuming a retry, used
// when execution was interrupted by shutdown rather than a handler error.
func (q *Queue) Requeue(ctx context.Context, job *Job) error {
	job.Status = JobStatusQueued
	job.StartedAt = nil
	job.UpdatedAt = time.Now()
	return q.store.UpdateJob(ctx, job)
}

// GetJob retrieves a job by ID.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	return q.store.GetJob(ctx, id)
}

// ListJobs returns jobs, optionally filtered by status.
func (q *Queue) ListJobs(ctx context.Context, status *JobStatus, limit int) ([]*Job, error) {
	return q.store.ListJobs(ctx, status, limit)
}

// Cleanup removes old completed/failed jobs, returning how many went.
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	return q.store.CleanupOldJobs(ctx, olderThan)
}

// QueueStats summarizes the queue by status.
type QueueStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Stats returns queue statistics.
func (q *Queue) Stats(ctx context.Context) (*QueueStats, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	stats := &QueueStats{
		Queued:    counts[JobStatusQueued],
		Running:   counts[JobStatusRunning],
		Completed: counts[JobStatusCompleted],
		Failed:    counts[JobStatusFailed],
	}
	stats.Total = stats.Queued + stats.Running + stats.Completed + stats.Failed
	return stats, nil
}
