package syncrun

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunStateValid(t *testing.T) {
	require.False(t, RunStateUnknown.Valid())
	require.False(t, runStateSentinel.Valid())
	for s := RunStatePending; s < runStateSentinel; s++ {
		require.True(t, s.Valid(), s.String())
	}
}

func TestRunStateActive(t *testing.T) {
	active := map[RunState]bool{
		RunStatePending:    true,
		RunStateProcessing: true,
		RunStateDelayed:    true,
		RunStateProcessed:  false,
		RunStateError:      false,
	}
	for s, expected := range active {
		require.Equal(t, expected, s.Active(), s.String())
		require.Equal(t, !expected, s.Terminal(), s.String())
	}
}

func TestStreamStateValid(t *testing.T) {
	require.False(t, StreamStateUnknown.Valid())
	require.False(t, streamStateSentinel.Valid())
	for s := StreamStatePending; s < streamStateSentinel; s++ {
		require.True(t, s.Valid(), s.String())
	}
}

func TestStateStrings(t *testing.T) {
	require.Equal(t, "Pending", RunStatePending.String())
	require.Equal(t, "Processed", RunStateProcessed.String())
	require.Equal(t, "RunState(99)", RunState(99).String())
	require.Equal(t, "Error", StreamStateError.String())
	require.Equal(t, "StreamState(99)", StreamState(99).String())
}
