package jobqueue

import (
	"errors"
	"fmt"
)

// === Input validation ===

// BadInputError indicates a job submission or lookup request was malformed
// (nil db, empty type, MaxAttempts < 1, negative MaxAttemptDurationMS). It
// is never retried and never reaches a handler. A payload that cannot be
// marshaled is reported as a SerializationError instead.
type BadInputError struct {
	Field  string
	Reason string
}

func (e BadInputError) Error() string {
	return fmt.Sprintf("bad input: %s: %s", e.Field, e.Reason)
}

// IsBadInput returns true if err (or any error it wraps) is a BadInputError.
func IsBadInput(err error) bool {
	var bad BadInputError
	return errors.As(err, &bad)
}

// === Retry classification ===

// RetryableError wraps an error to mark it as transient. It is a marker for
// callers only: the executor does not consult it, and every handler error,
// wrapped or not, goes through the same retry-or-fail decision based on
// the job's attempts and MaxAttempts.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string { return e.Err.Error() }
func (e RetryableError) Unwrap() error { return e.Err }

// Transient wraps err to mark it retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// IsRetryable returns true if err was wrapped with Transient.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// === Panic handling ===

// PanicError records a handler panic recovered by the executor. The job is
// still subject to the normal retry/backoff decision — a panic is treated
// like any other handler error, not as an automatic permanent failure,
// since a handler bug on one payload shouldn't necessarily be fatal on
// retry with a fresh attempt.
type PanicError struct {
	Value      any
	StackTrace string
}

func (e PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// IsPanic returns true if err originated from a recovered handler panic.
func IsPanic(err error) bool {
	var panicErr PanicError
	return errors.As(err, &panicErr)
}

// === Timeout ===

// TimeoutError indicates a handler did not return within MaxAttemptDurationMS.
// The handler's goroutine is not killed; its context is cancelled and the
// executor moves on, racing the deadline against the handler's return.
// JobUID and AfterMS carry attribution detail for logging; Error() itself
// returns a fixed message since it is stored verbatim as the attempt row's
// error_message.
type TimeoutError struct {
	JobUID  string
	AfterMS int
}

func (e TimeoutError) Error() string {
	return "Execution timed out"
}

// IsTimeout returns true if err is a TimeoutError.
func IsTimeout(err error) bool {
	var to TimeoutError
	return errors.As(err, &to)
}

// === Serialization ===

// SerializationError wraps a failure to marshal a job payload to JSON in
// CreateJob. A handler result that cannot be marshaled does not produce
// this error: the job still completes, with a stub result stored instead.
type SerializationError struct {
	Err error
}

func (e SerializationError) Error() string {
	return fmt.Sprintf("serialization: %s", e.Err.Error())
}
func (e SerializationError) Unwrap() error { return e.Err }

// IsSerializationError returns true if err is a SerializationError.
func IsSerializationError(err error) bool {
	var serr SerializationError
	return errors.As(err, &serr)
}

// ErrNotFound is returned when a job UID does not exist.
var ErrNotFound = errors.New("jobqueue: job not found")

// ErrNoHandler names the case of a job type with neither a registered
// handler nor a fallback handler. The Manager does not return it: such a
// job runs the built-in noop handler, which completes it with {"noop": true}.
var ErrNoHandler = errors.New("jobqueue: no handler registered for job type")

// ErrManagerStopped is returned (wrapped) by Start while a Stop is still in
// progress. Once Stop has completed, Start may be called again.
var ErrManagerStopped = errors.New("jobqueue: manager is stopped")

// ErrAlreadyRunning is returned by Start if the Manager is already running.
var ErrAlreadyRunning = errors.New("jobqueue: manager already running")
