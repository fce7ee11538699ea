package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWorker_RequiresPostgresURL(t *testing.T) {
	t.Setenv("POSTGRES_URL", "")
	_, err := LoadWorker()
	require.Error(t, err)
}

func TestLoadWorker_AppliesDefaults(t *testing.T) {
	t.Setenv("POSTGRES_URL", "postgres://localhost/test")
	// t.Setenv registers restoration of the original value; Unsetenv then
	// leaves the variable truly unset (a set-but-empty int or duration
	// variable is a parse error for env.Load, not "unset").
	for _, k := range []string{"JOBQUEUE_CONCURRENCY", "JOBQUEUE_POLL_INTERVAL"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	w, err := LoadWorker()
	require.NoError(t, err)
	assert.Equal(t, 4, w.Concurrency)
	assert.Equal(t, time.Second, w.PollInterval)
	assert.Equal(t, 60, w.ExpiryThresholdMinutes)
}

func TestLoadWorker_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("POSTGRES_URL", "postgres://localhost/test")
	t.Setenv("JOBQUEUE_CONCURRENCY", "10")
	t.Setenv("JOBQUEUE_TABLE_PREFIX", "acme_")
	t.Setenv("JOBQUEUE_POLL_INTERVAL", "2s")

	w, err := LoadWorker()
	require.NoError(t, err)
	assert.Equal(t, 10, w.Concurrency)
	assert.Equal(t, "acme_", w.TablePrefix)
	assert.Equal(t, 2*time.Second, w.PollInterval)
}
