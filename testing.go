package syncrun

import (
	"context"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
)

// AwaitRunState polls the run store until the run reaches the given state
// and returns its snapshot. It fails the test after a few seconds of the
// state not being reached.
func AwaitRunState(t testing.TB, runs RunStore, runID string, state RunState) *Run {
	t.Helper()

	ctx := context.Background()
	deadline := time.Now().Add(time.Second * 5)
	var last RunState
	for time.Now().Before(deadline) {
		run, err := runs.Lookup(ctx, runID)
		jtest.RequireNil(t, err)

		if run.State == state {
			return run
		}

		last = run.State
		time.Sleep(time.Millisecond * 10)
	}

	t.Fatalf("run %v never reached state %v, last seen %v", runID, state, last)
	return nil
}

// AwaitStreamState polls the stream store until the stream reaches the
// given state and returns its snapshot.
func AwaitStreamState(t testing.TB, streams StreamStore, streamID string, state StreamState) *Stream {
	t.Helper()

	ctx := context.Background()
	deadline := time.Now().Add(time.Second * 5)
	var last StreamState
	for time.Now().Before(deadline) {
		stream, err := streams.Lookup(ctx, streamID)
		jtest.RequireNil(t, err)

		if stream.State == state {
			return stream
		}

		last = stream.State
		time.Sleep(time.Millisecond * 10)
	}

	t.Fatalf("stream %v never reached state %v, last seen %v", streamID, state, last)
	return nil
}
