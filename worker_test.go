package syncrun_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/luno/syncrun"
	"github.com/luno/syncrun/adapters/memstore"
)

// redeliverQueue keeps a message at the head until it is acked, modelling a
// durable queue that redelivers unacked messages.
type redeliverQueue struct {
	mu      sync.Mutex
	pending []syncrun.TriggerMessage
}

func (q *redeliverQueue) Send(ctx context.Context, msg *syncrun.TriggerMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, *msg)
	return nil
}

func (q *redeliverQueue) Receive(ctx context.Context) (*syncrun.TriggerMessage, syncrun.Ack, error) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			msg := q.pending[0]
			q.mu.Unlock()
			return &msg, func() error {
				q.mu.Lock()
				defer q.mu.Unlock()
				if len(q.pending) > 0 && q.pending[0] == msg {
					q.pending = q.pending[1:]
				}
				return nil
			}, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (q *redeliverQueue) Close() error { return nil }

func (q *redeliverQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// flakyRuns fails a number of lookups with a transient error before
// recovering.
type flakyRuns struct {
	syncrun.RunStore

	mu       sync.Mutex
	failures int
}

func (f *flakyRuns) Lookup(ctx context.Context, id string) (*syncrun.Run, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, errors.New("store unavailable")
	}
	f.mu.Unlock()

	return f.RunStore.Lookup(ctx, id)
}

func TestTransientFailureRedelivered(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := memstore.New()
	runs := &flakyRuns{RunStore: store.Runs(), failures: 1}
	queue := new(redeliverQueue)
	sink := &recordSink{}

	err := store.Integrations().Save(ctx, &syncrun.Integration{
		ID:       testIntegration,
		TenantID: testTenant,
		Platform: testPlatform,
		Status:   "in-progress",
	})
	jtest.RequireNil(t, err)

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

	engine := syncrun.New(
		runs,
		store.Streams(),
		store.Integrations(),
		syncrun.NewRegistry(adapter),
		queue,
		sink,
		syncrun.WithErrBackOff(time.Millisecond),
	)
	engine.Run(ctx)
	t.Cleanup(engine.Stop)

	runID, err := engine.Trigger(ctx, testIntegration, testTenant)
	jtest.RequireNil(t, err)

	// The first delivery fails on the store lookup and is left unacked;
	// the redelivery finds the store healthy and completes the run.
	syncrun.AwaitRunState(t, store.Runs(), runID, syncrun.RunStateProcessed)
	require.Equal(t, 1, sink.total())
	waitFor(t, func() bool { return queue.len() == 0 })
}

func TestBadTriggerDropped(t *testing.T) {
	adapter := &testAdapter{
		descriptors: []syncrun.Descriptor{{Name: "members"}},
	}
	h := setup(t, adapter)
	ctx := context.Background()

	// A trigger for a run that does not exist is acked and dropped, not
	// retried, so it cannot wedge the worker.
	err := h.queue.Send(ctx, &syncrun.TriggerMessage{RunID: "missing"})
	jtest.RequireNil(t, err)

	runID, err := h.engine.Trigger(ctx, testIntegration, testTenant)
	jtest.RequireNil(t, err)
	syncrun.AwaitRunState(t, h.store.Runs(), runID, syncrun.RunStateProcessed)
}
