// Package config loads the demo worker binary's runtime configuration from
// the environment, using the reflection-based env.Load loader.
package config

import (
	"fmt"
	"time"

	"github.com/arlenhart/pgqueue/internal/env"
)

// Worker holds the knobs a host process needs to wire up a jobqueue.Manager.
type Worker struct {
	// PostgresURL is the DSN passed to pgx/v5/stdlib. Required.
	PostgresURL string `env:"POSTGRES_URL"`

	// TablePrefix namespaces the job/job_attempt_log tables, e.g. for
	// running multiple independent queues against one database.
	TablePrefix string `env:"JOBQUEUE_TABLE_PREFIX"`

	// Concurrency is how many worker goroutines claim and execute jobs
	// concurrently.
	Concurrency int `env:"JOBQUEUE_CONCURRENCY"`

	// PollInterval is how long an idle worker sleeps between failed claim
	// attempts.
	PollInterval time.Duration `env:"JOBQUEUE_POLL_INTERVAL"`

	// CleanupInterval is how often the demo binary runs Manager.Cleanup to
	// expire stuck running jobs.
	CleanupInterval time.Duration `env:"JOBQUEUE_CLEANUP_INTERVAL"`

	// ExpiryThresholdMinutes is how long a job may sit in "running" before
	// Cleanup marks it expired.
	ExpiryThresholdMinutes int `env:"JOBQUEUE_EXPIRY_THRESHOLD_MINUTES"`
}

// Validate is called automatically by env.Load after parsing.
func (w *Worker) Validate() error {
	if w.PostgresURL == "" {
		return fmt.Errorf("config: POSTGRES_URL is required")
	}
	return nil
}

// LoadWorker reads Worker from the environment, applying defaults for
// anything left unset.
func LoadWorker() (*Worker, error) {
	w := &Worker{
		TablePrefix:            "",
		Concurrency:            4,
		PollInterval:           time.Second,
		CleanupInterval:        5 * time.Minute,
		ExpiryThresholdMinutes: 60,
	}

	// env.Load only overwrites fields with a matching, set environment
	// variable, so the defaults above survive for anything unset.
	loaded := &Worker{}
	if err := env.Load(loaded); err != nil {
		return nil, err
	}
	applySetFields(w, loaded)

	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// applySetFields copies every non-zero field from loaded onto defaults,
// so environment variables override defaults without env.Load needing to
// know about them.
func applySetFields(defaults, loaded *Worker) {
	if loaded.PostgresURL != "" {
		defaults.PostgresURL = loaded.PostgresURL
	}
	if loaded.TablePrefix != "" {
		defaults.TablePrefix = loaded.TablePrefix
	}
	if loaded.Concurrency != 0 {
		defaults.Concurrency = loaded.Concurrency
	}
	if loaded.PollInterval != 0 {
		defaults.PollInterval = loaded.PollInterval
	}
	if loaded.CleanupInterval != 0 {
		defaults.CleanupInterval = loaded.CleanupInterval
	}
	if loaded.ExpiryThresholdMinutes != 0 {
		defaults.ExpiryThresholdMinutes = loaded.ExpiryThresholdMinutes
	}
}
