package store

import (
	"encoding/json"
	"time"
)

// Job is the row shape of the job table. The jobqueue package converts
// between this and its own exported Job type, the way the teacher's
// repository layer converts sqlc row types into core domain types.
type Job struct {
	ID                   int64
	UID                  string
	Type                 string
	Payload              json.RawMessage
	Status               string
	Result               json.RawMessage
	Attempts             int
	MaxAttempts          int
	MaxAttemptDurationMS int
	BackoffStrategy      string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	RunAt                time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
}

// JobAttempt is the row shape of the job_attempt_log table.
type JobAttempt struct {
	ID            int64
	JobID         int64
	AttemptNumber int
	StartedAt     time.Time
	CompletedAt   *time.Time
	Status        *string
	ErrorMessage  *string
	ErrorDetails  json.RawMessage
}

// ListFilter narrows FetchAll results.
type ListFilter struct {
	Status          string // empty = any
	Limit           int
	Offset          int
	Ascending       bool
	SinceMinutesAgo int // 0 = unbounded
}

// HealthRow is one row of a HealthPreview aggregation.
type HealthRow struct {
	Status             string
	Count              int64
	AvgDurationSeconds float64
}
