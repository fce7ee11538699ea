package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/arlenhart/pgqueue/internal/jobqueue/eventbus"
	"github.com/arlenhart/pgqueue/internal/jobqueue/store"
)

// executor runs the five-step execute protocol against one claimed job: log
// the attempt, publish a running view, invoke the handler under the
// timeout wrapper, then persist and publish the terminal outcome.
type executor struct {
	store       *store.Store
	attemptBus  *eventbus.Bus
	doneBus     *eventbus.Bus
	attemptOnce *eventbus.OnceRegistry
	doneOnce    *eventbus.OnceRegistry
	logger      Logger
}

// execute processes one already-claimed job with handler and returns the
// job's terminal or requeued view. It never returns an error for handler
// failures — those are captured into the attempt log and drive the
// retry/fail decision; it only returns an error for store failures that
// leave the job's persisted state ambiguous.
func (e *executor) execute(ctx context.Context, sj *store.Job, handler Handler) (*Job, error) {
	attemptLogID, err := e.store.LogAttemptStart(ctx, sj)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: log attempt start: %w", err)
	}

	job := fromStoreJob(sj)
	e.publishAttempt(ctx, job)

	result, handlerErr := runWithDeadline(ctx, job.UID, job.MaxAttemptDurationMS, func(ctx context.Context) (any, error) {
		return e.invokeHandler(ctx, handler, job)
	})

	if handlerErr == nil {
		return e.onSuccess(ctx, sj, attemptLogID, result)
	}
	return e.onFailure(ctx, sj, attemptLogID, handlerErr)
}

// invokeHandler calls handler with panic recovery, converting a recovered
// panic into a PanicError so it flows through the same retry/backoff
// decision as any other handler error.
func (e *executor) invokeHandler(ctx context.Context, handler Handler, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			e.logger.ErrorContext(ctx, "jobqueue: handler panicked",
				"job_uid", job.UID, "job_type", job.Type, "panic", r)
			err = PanicError{Value: r, StackTrace: stack}
		}
	}()
	return handler(ctx, job)
}

func (e *executor) onSuccess(ctx context.Context, sj *store.Job, attemptLogID int64, result any) (*Job, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		// Serialization failure still completes the job, with a stub
		// result recorded in its place — Store.Complete performs the
		// substitution once it sees the invalid payload.
		payload = []byte(fmt.Sprintf("invalid:%v", err))
	}

	updatedStoreJob, err := e.store.Complete(ctx, sj.ID, attemptLogID, payload)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: complete: %w", err)
	}

	updated := fromStoreJob(updatedStoreJob)
	e.publishAttempt(ctx, updated)
	e.publishDone(ctx, updated)
	return updated, nil
}

func (e *executor) onFailure(ctx context.Context, sj *store.Job, attemptLogID int64, handlerErr error) (*Job, error) {
	message := handlerErr.Error()
	var details json.RawMessage
	var panicErr PanicError
	if asPanicError(handlerErr, &panicErr) {
		details, _ = json.Marshal(map[string]string{"stack": panicErr.StackTrace})
	}

	nextRunAt := time.Now().UTC().Add(nextRunDelay(BackoffStrategy(sj.BackoffStrategy), sj.Attempts))

	updatedStoreJob, err := e.store.FailOrRequeue(ctx, sj, attemptLogID, message, details, nextRunAt)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: fail_or_requeue: %w", err)
	}

	updated := fromStoreJob(updatedStoreJob)
	e.publishAttempt(ctx, updated)
	if updated.Status == StatusFailed {
		e.publishDone(ctx, updated)
	}
	return updated, nil
}

func asPanicError(err error, target *PanicError) bool {
	p, ok := err.(PanicError)
	if ok {
		*target = p
	}
	return ok
}

// publishAttempt fires the per-uid attempt registration without dropping
// it, unless job has just reached a terminal status — attempts keep
// firing across retries, one running view and one success/error view per
// attempt, and the registration is only released once no further attempt
// will occur.
func (e *executor) publishAttempt(ctx context.Context, job *Job) {
	e.attemptBus.Publish(ctx, job.Type, job)
	e.attemptOnce.Fire(ctx, job.UID, job.Type, job, isTerminalStatus(job.Status))
}

func (e *executor) publishDone(ctx context.Context, job *Job) {
	e.doneBus.Publish(ctx, job.Type, job)
	e.doneOnce.Fire(ctx, job.UID, job.Type, job, true)
}
