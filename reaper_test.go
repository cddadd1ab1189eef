package syncrun_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/luno/syncrun"
	"github.com/luno/syncrun/adapters/memqueue"
	"github.com/luno/syncrun/adapters/memstore"
)

// realClockSetup builds an engine on the wall clock for tests that depend
// on reaper timers actually firing.
func realClockSetup(t *testing.T, adapter *testAdapter, opts ...syncrun.Option) *harness {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := memstore.New()
	queue := memqueue.New()
	sink := &recordSink{}
	notifier := &recordNotifier{}

	err := store.Integrations().Save(ctx, &syncrun.Integration{
		ID:       testIntegration,
		TenantID: testTenant,
		Platform: testPlatform,
		Status:   "in-progress",
	})
	jtest.RequireNil(t, err)

	opts = append([]syncrun.Option{
		syncrun.WithNotifier(notifier),
		syncrun.WithReapInterval(time.Millisecond * 10),
	}, opts...)

	engine := syncrun.New(
		store.Runs(),
		store.Streams(),
		store.Integrations(),
		syncrun.NewRegistry(adapter),
		queue,
		sink,
		opts...,
	)

	engine.Run(ctx)
	t.Cleanup(engine.Stop)

	return &harness{
		engine:   engine,
		store:    store,
		queue:    queue,
		sink:     sink,
		notifier: notifier,
	}
}

func TestDelayedRunReaped(t *testing.T) {
	adapter := &testAdapter{
		descriptors: []syncrun.Descriptor{{Name: "members"}},
		process: func(call int, stream *syncrun.Stream, rc *syncrun.RunContext) (*syncrun.StreamResult, error) {
			return &syncrun.StreamResult{
				Operations: []syncrun.BulkOperation{{
					Type:    "member_upsert",
					Records: []json.RawMessage{[]byte(`{"id":1}`)},
				}},
				// Asks for a pause; the reaper must hand the run back.
				Sleep: time.Millisecond,
			}, nil
		},
	}
	h := realClockSetup(t, adapter)
	ctx := context.Background()

	runID, err := h.engine.Trigger(ctx, testIntegration, testTenant)
	jtest.RequireNil(t, err)

	// The reaper re-enqueues the run once its wake time lapses and the
	// second invocation finds nothing pending and completes it.
	syncrun.AwaitRunState(t, h.store.Runs(), runID, syncrun.RunStateProcessed)
	require.Equal(t, 1, h.sink.total())
}

func TestStuckRunErrored(t *testing.T) {
	adapter := &testAdapter{}
	h := realClockSetup(t, adapter, syncrun.WithStuckAfter(time.Millisecond*50))
	ctx := context.Background()

	// A processing run whose worker died never heartbeats again, holding
	// a stream mid-flight.
	err := h.store.Runs().Create(ctx, &syncrun.Run{
		ID:            "orphaned-run",
		IntegrationID: testIntegration,
		TenantID:      testTenant,
		State:         syncrun.RunStateProcessing,
	})
	jtest.RequireNil(t, err)
	err = h.store.Streams().Create(ctx, &syncrun.Stream{
		ID:            "orphaned-stream",
		RunID:         "orphaned-run",
		TenantID:      testTenant,
		IntegrationID: testIntegration,
		Name:          "members",
		State:         syncrun.StreamStateProcessing,
	})
	jtest.RequireNil(t, err)

	run := syncrun.AwaitRunState(t, h.store.Runs(), "orphaned-run", syncrun.RunStateError)
	require.Equal(t, "heartbeat", run.Error.ErrorPoint)

	// The dead worker's stream was handed back, so a restart finishes the
	// run instead of stalling on an unclaimable stream.
	stream := syncrun.AwaitStreamState(t, h.store.Streams(), "orphaned-stream", syncrun.StreamStatePending)
	require.Zero(t, stream.Retries)

	err = h.engine.Restart(ctx, "orphaned-run")
	jtest.RequireNil(t, err)
	syncrun.AwaitRunState(t, h.store.Runs(), "orphaned-run", syncrun.RunStateProcessed)
}
