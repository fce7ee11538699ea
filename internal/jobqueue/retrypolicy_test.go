package jobqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextRunDelay_None(t *testing.T) {
	assert.Equal(t, time.Duration(0), nextRunDelay(BackoffNone, 1))
	assert.Equal(t, time.Duration(0), nextRunDelay(BackoffNone, 5))
}

func TestNextRunDelay_Exponential(t *testing.T) {
	tests := []struct {
		attemptsSoFar int
		want          time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{0, 1 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, nextRunDelay(BackoffExp, tt.attemptsSoFar))
	}
}

func TestNextRunDelay_CapsAtMaxBackoff(t *testing.T) {
	assert.Equal(t, maxBackoff, nextRunDelay(BackoffExp, 30))
}

// Unknown strategies are normalized to BackoffExp at CreateJob time (see
// Manager.CreateJob); nextRunDelay's own default case is a defensive
// fallback that should never fire on a persisted job.
func TestNextRunDelay_UnrecognizedStrategyDefaultsToZero(t *testing.T) {
	assert.Equal(t, time.Duration(0), nextRunDelay(BackoffStrategy("bogus"), 1))
}
