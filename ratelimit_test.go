package syncrun_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/luno/syncrun"
)

func TestRateLimitDelaysRun(t *testing.T) {
	adapter := &testAdapter{
		descriptors: []syncrun.Descriptor{
			{Name: "members"},
			{Name: "activities"},
		},
		process: func(call int, stream *syncrun.Stream, rc *syncrun.RunContext) (*syncrun.StreamResult, error) {
			if stream.Name == "activities" && call == 1 {
				return nil, syncrun.RateLimit(time.Hour)
			}
			return &syncrun.StreamResult{
				Operations: []syncrun.BulkOperation{{
					Type:    "activity_upsert",
					Records: []json.RawMessage{[]byte(`{"id":1}`)},
				}},
			}, nil
		},
	}
	h := setup(t, adapter)
	ctx := context.Background()
	start := h.clock.Now()

	runID, err := h.engine.Trigger(ctx, testIntegration, testTenant)
	jtest.RequireNil(t, err)

	// The run parks until the platform's reset plus the safety margin.
	run := syncrun.AwaitRunState(t, h.store.Runs(), runID, syncrun.RunStateDelayed)
	require.True(t, run.DelayedUntil.Equal(start.Add(time.Hour+time.Second*30)))
	require.Nil(t, run.Error)

	// The interrupted stream went back to pending without consuming a retry.
	ids := adapter.streamIDs()
	require.Len(t, ids, 2)
	syncrun.AwaitStreamState(t, h.store.Streams(), ids[0], syncrun.StreamStateProcessed)
	interrupted := syncrun.AwaitStreamState(t, h.store.Streams(), ids[1], syncrun.StreamStatePending)
	require.Zero(t, interrupted.Retries)

	// Once the limit window has passed the run resumes and completes.
	h.clock.Step(time.Hour * 2)
	h.retrigger(t, runID)

	syncrun.AwaitRunState(t, h.store.Runs(), runID, syncrun.RunStateProcessed)
	require.Equal(t, 2, h.sink.total())
}

func TestRateLimitDuringPreprocess(t *testing.T) {
	adapter := &testAdapter{
		preprocess: func(rc *syncrun.RunContext) error {
			if !rc.Integration.LimitLastResetAt.IsZero() {
				// Second invocation, limit has recovered.
				return nil
			}
			rc.Integration.LimitLastResetAt = rc.StartedAt
			return syncrun.RateLimit(time.Minute * 10)
		},
	}
	h := setup(t, adapter)
	ctx := context.Background()
	start := h.clock.Now()

	runID, err := h.engine.Trigger(ctx, testIntegration, testTenant)
	jtest.RequireNil(t, err)

	run := syncrun.AwaitRunState(t, h.store.Runs(), runID, syncrun.RunStateDelayed)
	require.True(t, run.DelayedUntil.Equal(start.Add(time.Minute*10+time.Second*30)))

	// Settings mutated before the rate limit hit were persisted.
	integration, err := h.store.Integrations().Lookup(ctx, testIntegration)
	jtest.RequireNil(t, err)
	require.False(t, integration.LimitLastResetAt.IsZero())

	h.clock.Step(time.Minute * 11)
	h.retrigger(t, runID)

	syncrun.AwaitRunState(t, h.store.Runs(), runID, syncrun.RunStateProcessed)
}

func TestStreamRetriesThenExhausts(t *testing.T) {
	adapter := &testAdapter{
		descriptors: []syncrun.Descriptor{
			{Name: "members"},
			{Name: "activities"},
		},
		process: func(call int, stream *syncrun.Stream, rc *syncrun.RunContext) (*syncrun.StreamResult, error) {
			if stream.Name == "activities" {
				return nil, errors.New("upstream 500")
			}
			return &syncrun.StreamResult{}, nil
		},
	}
	h := setup(t, adapter, syncrun.WithMaxRetries(2))
	ctx := context.Background()
	start := h.clock.Now()

	runID, err := h.engine.Trigger(ctx, testIntegration, testTenant)
	jtest.RequireNil(t, err)

	// First pass: the run drains but the errored stream has a retry left,
	// so the run is re-delayed rather than finished.
	run := syncrun.AwaitRunState(t, h.store.Runs(), runID, syncrun.RunStateDelayed)
	require.True(t, run.DelayedUntil.Equal(start.Add(time.Second * 60)))

	ids := adapter.streamIDs()
	require.Len(t, ids, 2)
	failed := syncrun.AwaitStreamState(t, h.store.Streams(), ids[1], syncrun.StreamStateError)
	require.Equal(t, 1, failed.Retries)
	require.Equal(t, "process_stream", failed.Error.ErrorPoint)

	// Second pass after the retry backoff: the stream exhausts its retries
	// and the run completes without it.
	h.clock.Step(time.Minute * 10)
	h.retrigger(t, runID)

	syncrun.AwaitRunState(t, h.store.Runs(), runID, syncrun.RunStateProcessed)
	failed = syncrun.AwaitStreamState(t, h.store.Streams(), ids[1], syncrun.StreamStateError)
	require.Equal(t, 2, failed.Retries)

	counts, err := h.store.Streams().CountByState(ctx, runID)
	jtest.RequireNil(t, err)
	require.Equal(t, 1, counts[syncrun.StreamStateProcessed])
	require.Equal(t, 1, counts[syncrun.StreamStateError])
}

func TestSinkFailureConsumesRetry(t *testing.T) {
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
	h.sink.failWrites(1)
	ctx := context.Background()

	runID, err := h.engine.Trigger(ctx, testIntegration, testTenant)
	jtest.RequireNil(t, err)

	// The failed commit errors the stream, which re-delays the run.
	syncrun.AwaitRunState(t, h.store.Runs(), runID, syncrun.RunStateDelayed)
	failed := syncrun.AwaitStreamState(t, h.store.Streams(), adapter.streamIDs()[0], syncrun.StreamStateError)
	require.Equal(t, 1, failed.Retries)
	require.Equal(t, "process_stream_results", failed.Error.ErrorPoint)

	// After the backoff the stream reprocesses and the write succeeds.
	h.clock.Step(time.Minute * 10)
	h.retrigger(t, runID)

	syncrun.AwaitRunState(t, h.store.Runs(), runID, syncrun.RunStateProcessed)
	require.Equal(t, 1, h.sink.total())
}
