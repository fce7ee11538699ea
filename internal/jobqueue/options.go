package jobqueue

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/arlenhart/pgqueue/internal/jobqueue/dbresilience"
)

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithTablePrefix prepends prefix to both table names. May embed a schema
// qualifier, e.g. "acme." or "tenant_a_".
func WithTablePrefix(prefix string) Option {
	return func(m *Manager) { m.tablePrefix = prefix }
}

// WithPollInterval overrides the worker idle-wait interval (default 1s).
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.pollInterval = d }
}

// WithLogger overrides the structured logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = newSlogLogger(l) }
}

// WithFallbackHandler installs a handler used for job types that have no
// type-specific handler registered.
func WithFallbackHandler(h Handler) Option {
	return func(m *Manager) { m.fallbackHandler = h }
}

// WithHandlers bulk-registers type-keyed handlers.
func WithHandlers(handlers map[string]Handler) Option {
	return func(m *Manager) {
		for t, h := range handlers {
			m.handlersByType[t] = h
		}
	}
}

// WithGracefulSigterm controls whether the Manager registers a
// process-termination hook that calls Stop. Default true.
func WithGracefulSigterm(enabled bool) Option {
	return func(m *Manager) { m.gracefulSigterm = enabled }
}

// WithDBRetry enables the DB-retry wrapper around Store calls using opts.
func WithDBRetry(opts dbresilience.RetryOptions) Option {
	return func(m *Manager) {
		m.dbRetry = dbresilience.NewRetrier(opts)
	}
}

// WithDefaultDBRetry enables the DB-retry wrapper with the package
// defaults ({3, 100ms, 5000ms, x2} over the connection-class SQLSTATEs).
func WithDefaultDBRetry() Option {
	return WithDBRetry(dbresilience.DefaultRetryOptions())
}

// WithDBHealthCheck enables the periodic connectivity health monitor.
func WithDBHealthCheck(opts dbresilience.MonitorOptions) Option {
	return func(m *Manager) { m.healthOpts = &opts }
}

// WithDedupeSubscriptions controls whether the event bus collapses
// duplicate (topic, handler) subscriptions. Default true.
func WithDedupeSubscriptions(enabled bool) Option {
	return func(m *Manager) { m.dedupeSubscriptions = enabled }
}

// WithExpiryThreshold sets how long a job may sit in running before
// Cleanup considers it abandoned and marks it expired. Default 60 minutes.
func WithExpiryThreshold(minutes int) Option {
	return func(m *Manager) { m.expiryThresholdMinutes = minutes }
}

// newManagerDefaults returns the options every Manager starts from before
// caller-supplied Options are applied.
func newManagerDefaults(db *sql.DB) *Manager {
	return &Manager{
		db:                     db,
		pollInterval:           time.Second,
		logger:                 newSlogLogger(nil),
		handlersByType:         make(map[string]Handler),
		gracefulSigterm:        true,
		dedupeSubscriptions:    true,
		expiryThresholdMinutes: 60,
	}
}
