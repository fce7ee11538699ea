// Package dbresilience wraps database operations with retry-on-transient-
// error semantics, classified by PostgreSQL SQLSTATE connection-class
// codes, and provides a periodic connectivity health monitor.
package dbresilience

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
)

// RetryOptions configures the DB-retry wrapper. Zero value is invalid; use
// DefaultRetryOptions. BackoffMultiplier is accepted for parity with the
// documented options shape but go-retry's exponential backoff always
// doubles; non-default multipliers are not honored.
type RetryOptions struct {
	MaxRetries        uint64
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	RetryableCodes    map[string]struct{}
}

// defaultRetryableCodes are the PostgreSQL connection-class SQLSTATEs: 08000
// connection_exception, 08003 connection_does_not_exist, 08006
// connection_failure, 57P03 cannot_connect_now.
func defaultRetryableCodes() map[string]struct{} {
	return map[string]struct{}{
		"08000": {},
		"08003": {},
		"08006": {},
		"57P03": {},
	}
}

// DefaultRetryOptions returns {3, 100ms, 5000ms, x2} over the default
// connection-class SQLSTATE set.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries:        3,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2,
		RetryableCodes:    defaultRetryableCodes(),
	}
}

// Retrier wraps database operations with the configured retry policy.
type Retrier struct {
	opts RetryOptions
}

// NewRetrier constructs a Retrier from opts.
func NewRetrier(opts RetryOptions) *Retrier {
	if opts.RetryableCodes == nil {
		opts.RetryableCodes = defaultRetryableCodes()
	}
	return &Retrier{opts: opts}
}

// Do runs op, retrying when it fails with an error classified as
// retryable. Non-retryable errors return immediately on the first
// attempt. The backoff used is go-retry's exponential backoff capped at
// opts.MaxDelay, matching the doubling-delay contract.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	backoff := retry.NewExponential(r.opts.InitialDelay)
	backoff = retry.WithCappedDuration(r.opts.MaxDelay, backoff)
	backoff = retry.WithMaxRetries(r.opts.MaxRetries, backoff)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if r.isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// isRetryable reports whether err is a *pgconn.PgError whose SQLSTATE is in
// the configured retryable set.
func (r *Retrier) isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	_, ok := r.opts.RetryableCodes[pgErr.Code]
	return ok
}
