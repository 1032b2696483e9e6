// Package async provides the persistent background job queue that drives
// rule recalculation and report exports. Jobs are generic: domain packages
// register named handlers and own their payload formats, so the queue knows
// nothing about spots, rules or reports.
package async

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/looperhq/looper/errors"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsValidStatus returns true if the status string is a valid JobStatus.
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// MaxRetries is how many times a failed job is re-queued before it is
// marked failed for good. Handlers are idempotent, so re-running is safe.
const MaxRetries = 2

// Job is one unit of queued work. HandlerName routes it to a registered
// handler; Payload carries handler-specific data; Source identifies the
// triggering entity for deduplication ("rule:42", "scan:7").
type Job struct {
	ID          string          `json:"id"`
	HandlerName string          `json:"handler_name"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Source      string          `json:"source"`
	Status      JobStatus       `json:"status"`
	Error       string          `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewJob creates a queued job for a handler.
//
// Example:
//
//	payload, _ := json.Marshal(recalc.RulePayload{RuleID: 42})
//	job, _ := async.NewJob("atf.recalculate-rule", "rule:42", payload)
func NewJob(handlerName, source string, payload json.RawMessage) (*Job, error) {
	if handlerName == "" {
		return nil, errors.NewInvalidf("job requires a handler name")
	}
	if source == "" {
		return nil, errors.NewInvalidf("job requires a source")
	}

	now := time.Now()
	return &Job{
		ID:          uuid.NewString(),
		HandlerName: handlerName,
		Payload:     payload,
		Source:      source,
		Status:      JobStatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Start marks the job as running.
func (j *Job) Start() {
	now := time.Now()
	j.Status = JobStatusRunning
	j.StartedAt = &now
	j.UpdatedAt = now
}

// Complete marks the job as completed.
func (j *Job) Complete() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Fail marks the job as failed with an error message.
func (j *Job) Fail(err error) {
	now := time.Now()
	j.Status = JobStatusFailed
	j.Error = err.Error()
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Retry re-queues the job after a failure, keeping the error for visibility.
// Returns false when the retry budget is spent.
func (j *Job) Retry(err error) bool {
	if j.RetryCount >= MaxRetries {
		return false
	}
	j.RetryCount++
	j.Status = JobStatusQueued
	j.Error = err.Error()
	j.StartedAt = nil
	j.UpdatedAt = time.Now()
	return true
}
