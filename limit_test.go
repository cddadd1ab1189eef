package syncrun_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/luno/syncrun"
)

func TestGlobalLimitBackpressure(t *testing.T) {
	adapter := &testAdapter{
		descriptors: []syncrun.Descriptor{{Name: "members"}},
		globalLimit: 1,
		limitFreq:   time.Hour,
		process: func(call int, stream *syncrun.Stream, rc *syncrun.RunContext) (*syncrun.StreamResult, error) {
			return &syncrun.StreamResult{
				Operations: []syncrun.BulkOperation{{
					Type:    "member_upsert",
					Records: []json.RawMessage{[]byte(`{"id":1}`), []byte(`{"id":2}`)},
				}},
			}, nil
		},
	}
	h := setup(t, adapter)
	ctx := context.Background()
	start := h.clock.Now()

	runID, err := h.engine.Trigger(ctx, testIntegration, testTenant)
	jtest.RequireNil(t, err)

	// The stream's records overshoot the window cap, so the run parks until
	// the window resets even though no rate limit response was seen.
	run := syncrun.AwaitRunState(t, h.store.Runs(), runID, syncrun.RunStateDelayed)
	require.True(t, run.DelayedUntil.Equal(start.Add(time.Hour)))

	// The stream itself completed and the count was persisted.
	syncrun.AwaitStreamState(t, h.store.Streams(), adapter.streamIDs()[0], syncrun.StreamStateProcessed)
	integration, err := h.store.Integrations().Lookup(ctx, testIntegration)
	jtest.RequireNil(t, err)
	require.Equal(t, 2, integration.LimitCount)
	require.True(t, integration.LimitLastResetAt.Equal(start))

	// Claiming after the window lapsed resets the count and completes.
	h.clock.Step(time.Hour * 2)
	h.retrigger(t, runID)

	syncrun.AwaitRunState(t, h.store.Runs(), runID, syncrun.RunStateProcessed)
	integration, err = h.store.Integrations().Lookup(ctx, testIntegration)
	jtest.RequireNil(t, err)
	require.Zero(t, integration.LimitCount)
	require.True(t, integration.LimitLastResetAt.After(start))
	require.Equal(t, 2, h.sink.total())
}

func TestForcedStreamReplay(t *testing.T) {
	adapter := &testAdapter{
		descriptors: []syncrun.Descriptor{{Name: "members"}},
		process: func(call int, stream *syncrun.Stream, rc *syncrun.RunContext) (*syncrun.StreamResult, error) {
			return &syncrun.StreamResult{
				Operations: []syncrun.BulkOperation{{
					Type:    "member_upsert",
					Records: []json.RawMessage{[]byte(`{"id":1}`)},
				}},
			}, nil
		},
	}
	h := setup(t, adapter)
	ctx := context.Background()

	runID, err := h.engine.Trigger(ctx, testIntegration, testTenant)
	jtest.RequireNil(t, err)
	syncrun.AwaitRunState(t, h.store.Runs(), runID, syncrun.RunStateProcessed)
	require.Equal(t, 1, h.sink.total())

	// Replaying a single stream bypasses the claim checks and reprocesses
	// just that stream, leaving the run's terminal state alone.
	err = h.engine.ReplayStream(ctx, runID, adapter.streamIDs()[0])
	jtest.RequireNil(t, err)

	waitFor(t, func() bool {
		return h.sink.total() == 2
	})

	run, err := h.store.Runs().Lookup(ctx, runID)
	jtest.RequireNil(t, err)
	require.Equal(t, syncrun.RunStateProcessed, run.State)
}

func TestReplayUnknownStream(t *testing.T) {
	h := setup(t, &testAdapter{})
	ctx := context.Background()

	runID, err := h.engine.Trigger(ctx, testIntegration, testTenant)
	jtest.RequireNil(t, err)
	syncrun.AwaitRunState(t, h.store.Runs(), runID, syncrun.RunStateProcessed)

	err = h.engine.ReplayStream(ctx, runID, "nope")
	jtest.Require(t, syncrun.ErrStreamNotFound, err)
}
