//go:build unit

package outbox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	t.Parallel()

	status, err := ParseStatus(StatusPendingRaw)
	require.NoError(t, err)
	require.Equal(t, StatusPending, status)

	_, err = ParseStatus("UNKNOWN")
	require.ErrorIs(t, err, ErrStatusInvalid)

	_, err = ParseStatus("pending")
	require.ErrorIs(t, err, ErrStatusInvalid)
}

func TestStatusCanTransitionTo(t *testing.T) {
	t.Parallel()

	allowed := map[Status][]Status{
		StatusPending:    {StatusProcessing},
		StatusFailed:     {StatusProcessing},
		StatusProcessing: {StatusProcessed, StatusFailed},
		StatusProcessed:  {},
	}

	all := []Status{StatusPending, StatusProcessing, StatusProcessed, StatusFailed}

	for from, targets := range allowed {
		permitted := map[Status]bool{}
		for _, to := range targets {
			permitted[to] = true
		}

		for _, to := range all {
			require.Equal(t, permitted[to], from.CanTransitionTo(to),
				"transition %s -> %s", from, to)
		}
	}
}

func TestValidateTransition(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateTransition(StatusPendingRaw, StatusProcessingRaw))
	require.NoError(t, ValidateTransition(StatusFailedRaw, StatusProcessingRaw))
	require.NoError(t, ValidateTransition(StatusProcessingRaw, StatusProcessedRaw))
	require.NoError(t, ValidateTransition(StatusProcessingRaw, StatusFailedRaw))

	err := ValidateTransition(StatusProcessedRaw, StatusProcessingRaw)
	require.ErrorIs(t, err, ErrTransitionInvalid)

	err = ValidateTransition(StatusPendingRaw, StatusProcessedRaw)
	require.ErrorIs(t, err, ErrTransitionInvalid)

	err = ValidateTransition("BOGUS", StatusProcessingRaw)
	require.ErrorIs(t, err, ErrStatusInvalid)
}
