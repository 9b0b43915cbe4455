package domain

import (
	"fmt"
	"time"
)

// JobKind distinguishes fresh publish work from retries
type JobKind string

const (
	JobKindPublish JobKind = "publish"
	JobKindRetry   JobKind = "retry"
)

// JobStatus represents the state of a queued job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Job priorities. Retries outrank fresh publish jobs at claim time.
const (
	PriorityPublish = 0
	PriorityRetry   = 1
)

// DefaultMaxAttempts is the retry ceiling for a publish target.
const DefaultMaxAttempts = 3

// maxRetryDelay caps the exponential backoff.
const maxRetryDelay = 60 * time.Minute

// ErrInvalidJob is returned when creating a job with invalid fields.
var ErrInvalidJob = fmt.Errorf("invalid job")

// JobPayload is the adapted-content-ready unit of work carried by a job.
// A payload references its post by id only; the job must tolerate the post
// being gone and report failure rather than crash.
type JobPayload struct {
	PostID    string   `json:"post_id"`
	UserID    string   `json:"user_id"`
	Platforms []string `json:"platforms"`
	Body      string   `json:"body"`
	Images    []string `json:"images,omitempty"`
	Videos    []string `json:"videos,omitempty"`
}

// Job is one unit of queued publish or retry work
type Job struct {
	ID           string     `db:"id"            json:"id"`
	Kind         JobKind    `db:"kind"          json:"kind"`
	Payload      JobPayload `db:"-"             json:"payload"`
	Status       JobStatus  `db:"status"        json:"status"`
	Priority     int        `db:"priority"      json:"priority"`
	ScheduledFor time.Time  `db:"scheduled_for" json:"scheduled_for"`
	Attempt      int        `db:"attempt"       json:"attempt"`
	MaxAttempts  int        `db:"max_attempts"  json:"max_attempts"`
	LastError    *string    `db:"last_error"    json:"last_error,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"    json:"updated_at"`
}

// NewJob creates a job with validation.
func NewJob(kind JobKind, payload JobPayload, runAt time.Time, priority, attempt int) (*Job, error) {
	if payload.PostID == "" {
		return nil, fmt.Errorf("%w: post_id is required", ErrInvalidJob)
	}
	if payload.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidJob)
	}
	if len(payload.Platforms) == 0 {
		return nil, fmt.Errorf("%w: at least one platform is required", ErrInvalidJob)
	}

	now := time.Now()
	return &Job{
		Kind:         kind,
		Payload:      payload,
		Status:       JobStatusPending,
		Priority:     priority,
		ScheduledFor: runAt,
		Attempt:      attempt,
		MaxAttempts:  DefaultMaxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// ShouldRetry reports whether another attempt is allowed under the ceiling.
func (j *Job) ShouldRetry() bool {
	return j.Attempt+1 < j.MaxAttempts
}

// RetryDelay returns the backoff before attempt k: min(2^k minutes, 60 minutes).
func RetryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 2^6 minutes already exceeds the cap; avoid overflow for large attempts.
	if attempt > 6 {
		return maxRetryDelay
	}
	delay := time.Duration(1<<uint(attempt)) * time.Minute
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}
