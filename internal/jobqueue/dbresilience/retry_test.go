package dbresilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions() RetryOptions {
	opts := DefaultRetryOptions()
	opts.InitialDelay = time.Millisecond
	opts.MaxDelay = 5 * time.Millisecond
	return opts
}

func TestRetrier_SucceedsOnFirstAttemptWithoutRetrying(t *testing.T) {
	r := NewRetrier(fastOptions())
	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetrier_RetriesConnectionClassErrorsThenSucceeds(t *testing.T) {
	r := NewRetrier(fastOptions())
	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "08006", Message: "connection failure"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrier_NonRetryableErrorReturnsImmediately(t *testing.T) {
	r := NewRetrier(fastOptions())
	calls := 0
	wantErr := errors.New("syntax error")
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, calls)
}

func TestRetrier_NonConnectionClassPgErrorIsNotRetried(t *testing.T) {
	r := NewRetrier(fastOptions())
	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &pgconn.PgError{Code: "23505", Message: "unique_violation"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetrier_ExhaustsMaxRetriesAndReturnsLastError(t *testing.T) {
	opts := fastOptions()
	opts.MaxRetries = 2
	r := NewRetrier(opts)
	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &pgconn.PgError{Code: "08006", Message: "connection failure"}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls) // initial attempt + 2 retries
}

func TestDefaultRetryOptions_CoversConnectionClassCodes(t *testing.T) {
	opts := DefaultRetryOptions()
	for _, code := range []string{"08000", "08003", "08006", "57P03"} {
		_, ok := opts.RetryableCodes[code]
		assert.True(t, ok, "expected %s to be retryable by default", code)
	}
}
