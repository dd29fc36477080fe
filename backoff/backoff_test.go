//go:build unit

package backoff

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponential(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 100*time.Millisecond, Exponential(100*time.Millisecond, 0))
	assert.Equal(t, 400*time.Millisecond, Exponential(100*time.Millisecond, 2))
	assert.Equal(t, 100*time.Millisecond, Exponential(100*time.Millisecond, -5))
	assert.Equal(t, time.Duration(0), Exponential(0, 3))
}

func TestExponentialOverflowIsClamped(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Duration(math.MaxInt64), Exponential(time.Hour, maxShift))
}

func TestFullJitterStaysInRange(t *testing.T) {
	t.Parallel()

	for range 100 {
		jittered := FullJitter(time.Second)
		assert.GreaterOrEqual(t, jittered, time.Duration(0))
		assert.Less(t, jittered, time.Second)
	}

	assert.Equal(t, time.Duration(0), FullJitter(0))
	assert.Equal(t, time.Duration(0), FullJitter(-time.Second))
}

func TestExponentialWithJitterStaysInRange(t *testing.T) {
	t.Parallel()

	for attempt := range 5 {
		jittered := ExponentialWithJitter(50*time.Millisecond, attempt)
		assert.GreaterOrEqual(t, jittered, time.Duration(0))
		assert.Less(t, jittered, Exponential(50*time.Millisecond, attempt))
	}
}

func TestSleepWithContextCompletes(t *testing.T) {
	t.Parallel()

	require.NoError(t, SleepWithContext(context.Background(), time.Millisecond))
	require.NoError(t, SleepWithContext(context.Background(), 0))
}

func TestSleepWithContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := SleepWithContext(ctx, time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
