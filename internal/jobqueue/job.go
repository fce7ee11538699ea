// Package jobqueue implements a PostgreSQL-backed background job manager:
// durable job submission, a pool of concurrent workers with at-most-one
// worker per job, bounded retries with backoff, per-attempt timeouts, and an
// in-process event bus for completion and per-attempt notifications.
package jobqueue

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// isTerminalStatus reports whether a job in this status will never be
// claimed or attempted again.
func isTerminalStatus(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// BackoffStrategy selects how retry delays are computed between attempts.
type BackoffStrategy string

const (
	BackoffNone BackoffStrategy = "none"
	BackoffExp  BackoffStrategy = "exp"
)

// emptyJSON is the canonical empty-object payload/result used whenever a
// caller does not supply one.
var emptyJSON = json.RawMessage(`{}`)

// Job is a durable unit of work. External consumers reference jobs by UID;
// ID is the server-assigned row identifier used internally for ordering and
// foreign keys.
type Job struct {
	ID                   int64
	UID                  string
	Type                 string
	Payload              json.RawMessage
	Result               json.RawMessage
	Status               Status
	Attempts             int
	MaxAttempts          int
	BackoffStrategy      BackoffStrategy
	MaxAttemptDurationMS int
	CreatedAt            time.Time
	UpdatedAt            time.Time
	RunAt                time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
}

// AttemptStatus is the terminal outcome of a single JobAttempt.
type AttemptStatus string

const (
	AttemptSuccess AttemptStatus = "success"
	AttemptError   AttemptStatus = "error"
)

// JobAttempt records a single physical execution of a Job. Rows are
// append-mostly: created at attempt start, updated exactly once with their
// terminal status.
type JobAttempt struct {
	ID            int64
	JobID         int64
	AttemptNumber int
	StartedAt     time.Time
	CompletedAt   *time.Time
	Status        AttemptStatus
	ErrorMessage  *string
	ErrorDetails  json.RawMessage
}

// CreateJobParams describes a new job submission. MaxAttempts must be >= 1
// (DefaultMaxAttempts is a reasonable starting point, not a substitute for
// the zero value); MaxAttemptDurationMS must be >= 0, where 0 means no
// per-attempt deadline. An empty BackoffStrategy takes the documented
// default (exp).
type CreateJobParams struct {
	Type                 string
	Payload              any
	MaxAttempts          int
	BackoffStrategy      BackoffStrategy
	MaxAttemptDurationMS int
	RunAt                *time.Time // nil => now
}

// Handler processes a single job attempt. It returns a result to be stored
// (serialized to JSON) on success, or an error that drives the retry/fail
// decision. Handlers should respect ctx for cooperative cancellation on
// timeout, but the core never forcibly terminates a running handler.
type Handler func(ctx context.Context, job *Job) (result any, err error)
