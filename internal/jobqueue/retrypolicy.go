package jobqueue

import "time"

const (
	// DefaultMaxAttempts is a suggested MaxAttempts for callers that don't
	// have a more specific retry budget in mind. CreateJob does not apply
	// it implicitly — MaxAttempts must be set explicitly and >= 1.
	DefaultMaxAttempts = 3

	// DefaultMaxAttemptDurationMS is a suggested per-attempt deadline for
	// callers that want one. CreateJob does not apply it implicitly — a
	// MaxAttemptDurationMS of 0 means the handler runs with no deadline.
	DefaultMaxAttemptDurationMS = 30_000

	// maxBackoff caps the computed delay so a job with a high attempt count
	// doesn't end up scheduled days out.
	maxBackoff = time.Hour
)

// nextRunDelay computes the delay before a failed job's next attempt,
// given the number of attempts already made (attemptsSoFar >= 1).
//
// BackoffNone always retries immediately. BackoffExp grows as
// 2^attemptsSoFar seconds, capped at maxBackoff.
func nextRunDelay(strategy BackoffStrategy, attemptsSoFar int) time.Duration {
	switch strategy {
	case BackoffNone:
		return 0
	case BackoffExp:
		if attemptsSoFar < 0 {
			attemptsSoFar = 0
		}
		// Cap the shift to avoid overflowing time.Duration for pathological
		// attempt counts; anything beyond this already hits maxBackoff.
		shift := attemptsSoFar
		if shift > 20 {
			shift = 20
		}
		d := time.Duration(1<<uint(shift)) * time.Second
		if d > maxBackoff {
			d = maxBackoff
		}
		return d
	default:
		return 0
	}
}
