package jobqueue

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubConnector never actually connects; it exists so tests can construct a
// *sql.DB without a live PostgreSQL instance for code paths (like
// CreateJob's input validation) that fail before touching the database.
type stubConnector struct{}

func (stubConnector) Connect(ctx context.Context) (driver.Conn, error) {
	return nil, errors.New("stub connector: no real connection available")
}
func (stubConnector) Driver() driver.Driver { return stubDriver{} }

type stubDriver struct{}

func (stubDriver) Open(name string) (driver.Conn, error) {
	return nil, errors.New("stub driver: no real connection available")
}

func newStubDB() *sql.DB {
	return sql.OpenDB(stubConnector{})
}

func TestNew_RejectsNilDB(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	assert.True(t, IsBadInput(err))
}

func TestNew_AppliesOptions(t *testing.T) {
	m, err := New(newStubDB(), WithTablePrefix("acme_"), WithGracefulSigterm(false))
	require.NoError(t, err)
	assert.Equal(t, "acme_", m.tablePrefix)
	assert.False(t, m.gracefulSigterm)
}

func TestCreateJob_RejectsEmptyType(t *testing.T) {
	m, err := New(newStubDB(), WithGracefulSigterm(false))
	require.NoError(t, err)

	_, err = m.CreateJob(context.Background(), CreateJobParams{Type: ""})
	require.Error(t, err)
	assert.True(t, IsBadInput(err))
}

func TestCreateJob_RejectsZeroMaxAttempts(t *testing.T) {
	m, err := New(newStubDB(), WithGracefulSigterm(false))
	require.NoError(t, err)

	_, err = m.CreateJob(context.Background(), CreateJobParams{Type: "email.send", MaxAttempts: 0})
	require.Error(t, err)
	assert.True(t, IsBadInput(err))
}

func TestCreateJob_RejectsNegativeMaxAttempts(t *testing.T) {
	m, err := New(newStubDB(), WithGracefulSigterm(false))
	require.NoError(t, err)

	_, err = m.CreateJob(context.Background(), CreateJobParams{Type: "email.send", MaxAttempts: -1})
	require.Error(t, err)
	assert.True(t, IsBadInput(err))
}

func TestCreateJob_RejectsNegativeMaxAttemptDurationMS(t *testing.T) {
	m, err := New(newStubDB(), WithGracefulSigterm(false))
	require.NoError(t, err)

	_, err = m.CreateJob(context.Background(), CreateJobParams{
		Type:                 "email.send",
		MaxAttempts:          3,
		MaxAttemptDurationMS: -1,
	})
	require.Error(t, err)
	assert.True(t, IsBadInput(err))
}

func TestSetHandler_RegistersAndUnregisters(t *testing.T) {
	m, err := New(newStubDB(), WithGracefulSigterm(false))
	require.NoError(t, err)

	called := false
	m.SetHandler("email.send", func(ctx context.Context, job *Job) (any, error) {
		called = true
		return nil, nil
	})

	h := m.resolveHandler("email.send")
	_, _ = h(context.Background(), &Job{})
	assert.True(t, called)

	m.SetHandler("email.send", nil)
	h = m.resolveHandler("email.send")
	result, err := h(context.Background(), &Job{})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"noop": true}, result)
}

func TestResolveHandler_FallsBackToFallbackThenNoop(t *testing.T) {
	m, err := New(newStubDB(), WithGracefulSigterm(false))
	require.NoError(t, err)

	fallbackCalled := false
	m.SetFallbackHandler(func(ctx context.Context, job *Job) (any, error) {
		fallbackCalled = true
		return nil, nil
	})

	h := m.resolveHandler("unregistered.type")
	_, _ = h(context.Background(), &Job{})
	assert.True(t, fallbackCalled)

	m.ResetHandlers()
	h = m.resolveHandler("unregistered.type")
	result, _ := h(context.Background(), &Job{})
	assert.Equal(t, map[string]bool{"noop": true}, result)
}

func TestOnAttempt_DedupCollapsesRepeatedSubscribeOfSameCallback(t *testing.T) {
	m, err := New(newStubDB(), WithGracefulSigterm(false))
	require.NoError(t, err)

	var calls int
	cb := func(job *Job) { calls++ }

	m.OnAttempt("email.send", cb)
	m.OnAttempt("email.send", cb)

	m.attemptBus.Publish(context.Background(), "email.send", &Job{Status: StatusRunning})
	assert.Equal(t, 1, calls, "re-subscribing the same callback must yield a single active subscription")
}

func TestOnAttempt_DedupDoesNotCollapseDistinctCallbacks(t *testing.T) {
	m, err := New(newStubDB(), WithGracefulSigterm(false))
	require.NoError(t, err)

	var firstCalls, secondCalls int
	m.OnAttempt("email.send", func(job *Job) { firstCalls++ })
	m.OnAttempt("email.send", func(job *Job) { secondCalls++ })

	m.attemptBus.Publish(context.Background(), "email.send", &Job{Status: StatusRunning})
	assert.Equal(t, 1, firstCalls)
	assert.Equal(t, 1, secondCalls)
}

func TestOnDone_DedupCollapsesRepeatedSubscribeOfSameCallback(t *testing.T) {
	m, err := New(newStubDB(), WithGracefulSigterm(false))
	require.NoError(t, err)

	var calls int
	cb := func(job *Job) { calls++ }

	m.OnDone("email.send", cb)
	unsub := m.OnDone("email.send", cb)

	m.doneBus.Publish(context.Background(), "email.send", &Job{Status: StatusCompleted})
	assert.Equal(t, 1, calls)

	unsub()
	m.doneBus.Publish(context.Background(), "email.send", &Job{Status: StatusCompleted})
	assert.Equal(t, 1, calls, "unsubscribing the collapsed registration must stop delivery")
}

func TestStop_WithoutStartIsNoop(t *testing.T) {
	m, err := New(newStubDB(), WithGracefulSigterm(false))
	require.NoError(t, err)
	assert.NoError(t, m.Stop(context.Background()))
}

func TestStart_RejectsDoubleStart(t *testing.T) {
	m, err := New(newStubDB(), WithGracefulSigterm(false))
	require.NoError(t, err)
	m.running = true // simulate an already-running manager without a live DB

	err = m.Start(context.Background(), 2)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}
