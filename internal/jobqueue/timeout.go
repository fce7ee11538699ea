package jobqueue

import (
	"context"
	"time"
)

// runWithDeadline races fn against the per-attempt timeout. fn is never
// forcibly terminated: if it overruns, runWithDeadline returns a
// TimeoutError immediately but fn's goroutine keeps running to completion
// in the background, writing its result into a buffered channel nobody
// reads. The handler's own ctx is cancelled at the deadline so well-behaved
// handlers observe ctx.Done() and can exit early; misbehaving ones simply
// leak until they return.
func runWithDeadline(ctx context.Context, jobUID string, timeoutMS int, fn func(ctx context.Context) (any, error)) (any, error) {
	if timeoutMS <= 0 {
		return fn(ctx)
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		result, err := fn(deadlineCtx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-deadlineCtx.Done():
		return nil, TimeoutError{JobUID: jobUID, AfterMS: timeoutMS}
	}
}
