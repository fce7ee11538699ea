package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/arlenhart/pgqueue/internal/jobqueue/dbresilience"
	"github.com/arlenhart/pgqueue/internal/jobqueue/eventbus"
	"github.com/arlenhart/pgqueue/internal/jobqueue/store"
)

// sigtermOnce ensures the process-termination handler is registered at most
// once no matter how many Managers a host constructs, so multiple Managers
// don't each install a competing signal.Notify.
var sigtermOnce sync.Once
var sigtermManagers struct {
	mu       sync.Mutex
	managers []*Manager
}

// Manager is the facade over the job queue: schema lifecycle, the worker
// pool, the handler registry, and the event bus. Construct with New,
// start processing with Start, and always pair a successful Start with a
// Stop before the process exits.
type Manager struct {
	db          *sql.DB
	tablePrefix string

	pollInterval           time.Duration
	logger                 Logger
	gracefulSigterm        bool
	dedupeSubscriptions    bool
	expiryThresholdMinutes int

	dbRetry    *dbresilience.Retrier
	healthOpts *dbresilience.MonitorOptions

	handlersMu      sync.RWMutex
	handlersByType  map[string]Handler
	fallbackHandler Handler

	store         *store.Store
	healthMonitor *dbresilience.Monitor
	schemaOnce    sync.Once
	schemaErr     error

	attemptBus  *eventbus.Bus
	doneBus     *eventbus.Bus
	attemptOnce *eventbus.OnceRegistry
	doneOnce    *eventbus.OnceRegistry

	exec *executor

	runMu        sync.Mutex
	running      bool
	stopping     bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	activeJobIDs *activeJobSet
}

// New constructs a Manager bound to db. db must be non-nil; the caller
// owns its lifecycle and is responsible for closing it after Stop.
func New(db *sql.DB, opts ...Option) (*Manager, error) {
	if db == nil {
		return nil, BadInputError{Field: "db", Reason: "must not be nil"}
	}

	m := newManagerDefaults(db)
	for _, opt := range opts {
		opt(m)
	}

	m.activeJobIDs = newActiveJobSet()
	m.attemptBus = eventbus.New(eventbus.WithDedupe(m.dedupeSubscriptions), eventbus.WithLogger(nil))
	m.doneBus = eventbus.New(eventbus.WithDedupe(m.dedupeSubscriptions), eventbus.WithLogger(nil))
	m.attemptOnce = eventbus.NewOnceRegistry(nil)
	m.doneOnce = eventbus.NewOnceRegistry(nil)
	m.store = store.New(db, m.tablePrefix)
	m.exec = &executor{
		store:       m.store,
		attemptBus:  m.attemptBus,
		doneBus:     m.doneBus,
		attemptOnce: m.attemptOnce,
		doneOnce:    m.doneOnce,
		logger:      m.logger,
	}

	if m.healthOpts != nil {
		m.healthMonitor = dbresilience.NewMonitor(db, *m.healthOpts)
	}

	if m.gracefulSigterm {
		registerGracefulSigterm(m)
	}

	return m, nil
}

func registerGracefulSigterm(m *Manager) {
	sigtermManagers.mu.Lock()
	sigtermManagers.managers = append(sigtermManagers.managers, m)
	sigtermManagers.mu.Unlock()

	sigtermOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-ch
			sigtermManagers.mu.Lock()
			managers := append([]*Manager(nil), sigtermManagers.managers...)
			sigtermManagers.mu.Unlock()
			for _, mgr := range managers {
				_ = mgr.Stop(context.Background())
			}
		}()
	})
}

func (m *Manager) ensureSchema(ctx context.Context) error {
	m.schemaOnce.Do(func() {
		m.schemaErr = m.store.Schema().Initialize(ctx, false)
	})
	return m.schemaErr
}

// Start begins processing with concurrency workers (default 2 if <= 0).
// Returns ErrAlreadyRunning if already started.
func (m *Manager) Start(ctx context.Context, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 2
	}

	m.runMu.Lock()
	if m.running {
		m.runMu.Unlock()
		return ErrAlreadyRunning
	}
	if m.stopping {
		m.runMu.Unlock()
		return fmt.Errorf("jobqueue: %w", ErrManagerStopped)
	}
	m.running = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.runMu.Unlock()

	if err := m.ensureSchema(ctx); err != nil {
		m.runMu.Lock()
		m.running = false
		m.runMu.Unlock()
		return fmt.Errorf("jobqueue: start: %w", err)
	}

	if m.healthMonitor != nil {
		m.healthMonitor.Start(runCtx)
	}

	for i := 0; i < concurrency; i++ {
		w := &worker{id: i, manager: m, pollInterval: m.pollInterval}
		m.wg.Add(1)
		go w.run(runCtx, &m.wg)
	}

	m.logger.InfoContext(ctx, "jobqueue: started", "concurrency", concurrency)
	return nil
}

// Stop signals all workers to stop claiming new jobs, waits for every
// in-flight handler to finish, and returns once the pool has fully
// drained. Safe to call even if Start was never called.
func (m *Manager) Stop(ctx context.Context) error {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return nil
	}
	m.stopping = true
	cancel := m.cancel
	m.runMu.Unlock()

	cancel()
	m.wg.Wait()

	if m.healthMonitor != nil {
		m.healthMonitor.Stop()
	}

	m.runMu.Lock()
	m.running = false
	m.stopping = false
	m.runMu.Unlock()

	m.logger.InfoContext(ctx, "jobqueue: stopped")
	return nil
}

// claimNext wraps store.ClaimNext in the DB-retry policy when enabled.
func (m *Manager) claimNext(ctx context.Context) (*store.Job, error) {
	if m.dbRetry == nil {
		return m.store.ClaimNext(ctx)
	}
	var job *store.Job
	err := m.dbRetry.Do(ctx, func(ctx context.Context) error {
		var err error
		job, err = m.store.ClaimNext(ctx)
		return err
	})
	return job, err
}

// runClaimedJob resolves the handler for sj.Type and runs the execute
// protocol, logging store failures that leave the job's persisted state
// ambiguous (the Fatal class of spec error: logged, never propagated).
func (m *Manager) runClaimedJob(ctx context.Context, sj *store.Job) {
	handler := m.resolveHandler(sj.Type)
	if _, err := m.exec.execute(ctx, sj, handler); err != nil {
		m.logger.ErrorContext(ctx, "jobqueue: execute failed", "job_id", sj.ID, "job_uid", sj.UID, "error", err)
	}
}

func (m *Manager) resolveHandler(jobType string) Handler {
	m.handlersMu.RLock()
	defer m.handlersMu.RUnlock()
	if h, ok := m.handlersByType[jobType]; ok {
		return h
	}
	if m.fallbackHandler != nil {
		return m.fallbackHandler
	}
	return noopHandler
}

func noopHandler(ctx context.Context, job *Job) (any, error) {
	return map[string]bool{"noop": true}, nil
}

// CreateJob inserts a new job. Use OnDoneFor/OnAttemptFor with the
// returned Job's UID to observe its lifecycle.
func (m *Manager) CreateJob(ctx context.Context, params CreateJobParams) (*Job, error) {
	if params.Type == "" {
		return nil, BadInputError{Field: "Type", Reason: "must not be empty"}
	}
	if params.MaxAttempts < 1 {
		return nil, BadInputError{Field: "MaxAttempts", Reason: "must be >= 1"}
	}
	if params.MaxAttemptDurationMS < 0 {
		return nil, BadInputError{Field: "MaxAttemptDurationMS", Reason: "must be >= 0 (0 means no deadline)"}
	}
	backoffStrategy := params.BackoffStrategy
	if backoffStrategy == "" {
		backoffStrategy = BackoffExp
	}
	if backoffStrategy != BackoffNone && backoffStrategy != BackoffExp {
		m.logger.WarnContext(ctx, "jobqueue: unknown backoff strategy, defaulting to exp", "strategy", backoffStrategy)
		backoffStrategy = BackoffExp
	}

	if err := m.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("jobqueue: create: %w", err)
	}

	payload, err := json.Marshal(params.Payload)
	if err != nil {
		return nil, SerializationError{Err: err}
	}
	if params.Payload == nil {
		payload = emptyJSON
	}

	sj, err := m.store.Insert(ctx, params.Type, payload, params.MaxAttempts, string(backoffStrategy), params.MaxAttemptDurationMS, params.RunAt)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: create: %w", err)
	}

	job := fromStoreJob(sj)
	return job, nil
}

// Find looks up a job by uid, optionally including its attempt history.
func (m *Manager) Find(ctx context.Context, uid string, withAttempts bool) (*Job, []*JobAttempt, error) {
	sj, err := m.store.Find(ctx, uid)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("jobqueue: find: %w", err)
	}
	job := fromStoreJob(sj)
	if !withAttempts {
		return job, nil, nil
	}
	attempts, err := m.store.FetchAttempts(ctx, sj.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("jobqueue: find: attempts: %w", err)
	}
	return job, fromStoreAttempts(attempts), nil
}

// FetchFilter narrows FetchAll results.
type FetchFilter struct {
	Status          Status
	Limit           int
	Offset          int
	Ascending       bool
	SinceMinutesAgo int
}

// FetchAll lists jobs matching filter.
func (m *Manager) FetchAll(ctx context.Context, filter FetchFilter) ([]*Job, error) {
	sjs, err := m.store.FetchAll(ctx, store.ListFilter{
		Status:          string(filter.Status),
		Limit:           filter.Limit,
		Offset:          filter.Offset,
		Ascending:       filter.Ascending,
		SinceMinutesAgo: filter.SinceMinutesAgo,
	})
	if err != nil {
		return nil, fmt.Errorf("jobqueue: fetch_all: %w", err)
	}
	out := make([]*Job, len(sjs))
	for i, sj := range sjs {
		out[i] = fromStoreJob(sj)
	}
	return out, nil
}

// SetHandler registers (or, if h is nil, unregisters) the handler for
// jobType. Returns m so calls can be chained.
func (m *Manager) SetHandler(jobType string, h Handler) *Manager {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	if h == nil {
		delete(m.handlersByType, jobType)
	} else {
		m.handlersByType[jobType] = h
	}
	return m
}

// SetFallbackHandler registers (or, if h is nil, clears) the fallback
// handler used for job types with no type-specific handler.
func (m *Manager) SetFallbackHandler(h Handler) *Manager {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.fallbackHandler = h
	return m
}

// ResetHandlers clears every registered type handler and the fallback.
func (m *Manager) ResetHandlers() {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlersByType = make(map[string]Handler)
	m.fallbackHandler = nil
}

// OnDone subscribes to completion events for jobType (eventbus.WildcardTopic
// for every type). cb receives the terminal Job view. With dedup enabled
// (the default), re-subscribing the same cb to the same jobType collapses
// to the one existing subscription rather than adding a second.
func (m *Manager) OnDone(jobType string, cb func(job *Job)) eventbus.Unsubscribe {
	return m.doneBus.SubscribeAs(jobType, wrapJobCallback(cb), cb)
}

// OnAttempt subscribes to every attempt-start/attempt-end event for
// jobType (eventbus.WildcardTopic for every type). Dedup semantics match
// OnDone.
func (m *Manager) OnAttempt(jobType string, cb func(job *Job)) eventbus.Unsubscribe {
	return m.attemptBus.SubscribeAs(jobType, wrapJobCallback(cb), cb)
}

// OnDoneFor registers a one-shot callback that fires when the job
// identified by uid reaches a terminal state.
func (m *Manager) OnDoneFor(uid string, cb func(job *Job)) {
	m.doneOnce.Add(uid, wrapJobCallback(cb))
}

// OnAttemptFor registers a one-shot-per-attempt callback for uid; unlike
// OnDoneFor it may fire multiple times (once per attempt) until the job
// reaches a terminal state, after which the registry drops it.
func (m *Manager) OnAttemptFor(uid string, cb func(job *Job)) {
	m.attemptOnce.Add(uid, wrapJobCallback(cb))
}

func wrapJobCallback(cb func(job *Job)) eventbus.Handler {
	return func(ctx context.Context, topic string, payload any) {
		job, ok := payload.(*Job)
		if !ok {
			return
		}
		cb(job)
	}
}

// Cleanup transitions jobs stuck in running beyond the configured expiry
// threshold to expired. The host is expected to call this periodically;
// the core never calls it automatically.
func (m *Manager) Cleanup(ctx context.Context) (int64, error) {
	n, err := m.store.MarkExpired(ctx, m.expiryThresholdMinutes)
	if err != nil {
		return 0, fmt.Errorf("jobqueue: cleanup: %w", err)
	}
	return n, nil
}

// HealthPreview aggregates job counts and average duration by status over
// the last sinceMinutes minutes.
func (m *Manager) HealthPreview(ctx context.Context, sinceMinutes int) ([]store.HealthRow, error) {
	rows, err := m.store.HealthPreview(ctx, sinceMinutes)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: health_preview: %w", err)
	}
	return rows, nil
}

// ResetHard drops and recreates both tables, discarding every job and
// attempt row. Intended for test setup or an explicit operator reset.
func (m *Manager) ResetHard(ctx context.Context) error {
	if err := m.store.Schema().Initialize(ctx, true); err != nil {
		return fmt.Errorf("jobqueue: reset_hard: %w", err)
	}
	return nil
}

// Uninstall drops both tables.
func (m *Manager) Uninstall(ctx context.Context) error {
	if err := m.store.Schema().Uninstall(ctx); err != nil {
		return fmt.Errorf("jobqueue: uninstall: %w", err)
	}
	return nil
}

// GetDBHealth returns the last observed health Status, or nil if the
// health monitor isn't enabled or hasn't probed yet.
func (m *Manager) GetDBHealth() *dbresilience.Status {
	if m.healthMonitor == nil {
		return nil
	}
	return m.healthMonitor.LastStatus()
}

// CheckDBHealth issues an immediate synchronous health probe, independent
// of whether the periodic monitor is enabled.
func (m *Manager) CheckDBHealth(ctx context.Context) dbresilience.Status {
	start := time.Now().UTC()
	var version string
	err := m.db.QueryRowContext(ctx, "SELECT version()").Scan(&version)
	status := dbresilience.Status{
		LatencyMS:  float64(time.Since(start).Microseconds()) / 1000.0,
		ObservedAt: time.Now().UTC(),
	}
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Healthy = true
	if fields := strings.Fields(version); len(fields) > 0 {
		status.Version = fields[0]
	}
	return status
}
