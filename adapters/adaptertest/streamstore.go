package adaptertest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/luno/syncrun"
)

// RunStreamStoreTest exercises a stream store together with the run store
// sharing its state, since run state syncing is computed from stream rows.
func RunStreamStoreTest(t *testing.T, factory func() (syncrun.RunStore, syncrun.StreamStore)) {
	tests := []func(t *testing.T, runs syncrun.RunStore, streams syncrun.StreamStore){
		testStreamCreateLookup,
		testNextPending,
		testRetryBackoff,
		testCountByState,
		testStreamReset,
		testResetProcessing,
		testSync,
	}

	for _, test := range tests {
		runs, streams := factory()
		test(t, runs, streams)
	}
}

func newStream(runID, name string) *syncrun.Stream {
	return &syncrun.Stream{
		ID:       uuid.New().String(),
		RunID:    runID,
		TenantID: "tenant-1",
		Name:     name,
		Metadata: json.RawMessage(`{"page":1}`),
	}
}

func testStreamCreateLookup(t *testing.T, runs syncrun.RunStore, streams syncrun.StreamStore) {
	t.Run("StreamCreateLookup", func(t *testing.T) {
		ctx := context.Background()

		stream := newStream("run-1", "members")
		err := streams.Create(ctx, stream)
		jtest.RequireNil(t, err)

		found, err := streams.Lookup(ctx, stream.ID)
		jtest.RequireNil(t, err)
		require.Equal(t, "members", found.Name)
		require.Equal(t, syncrun.StreamStatePending, found.State)
		require.JSONEq(t, `{"page":1}`, string(found.Metadata))
		require.False(t, found.CreatedAt.IsZero())

		_, err = streams.Lookup(ctx, "nope")
		jtest.Require(t, syncrun.ErrStreamNotFound, err)

		batch := []syncrun.Stream{
			*newStream("run-1", "a"),
			*newStream("run-1", "b"),
		}
		err = streams.CreateBatch(ctx, batch)
		jtest.RequireNil(t, err)

		counts, err := streams.CountByState(ctx, "run-1")
		jtest.RequireNil(t, err)
		require.Equal(t, 3, counts[syncrun.StreamStatePending])
	})
}

func testNextPending(t *testing.T, runs syncrun.RunStore, streams syncrun.StreamStore) {
	t.Run("NextPending", func(t *testing.T) {
		ctx := context.Background()

		_, err := streams.NextPending(ctx, "run-1", 5)
		jtest.Require(t, syncrun.ErrStreamNotFound, err)

		first := newStream("run-1", "a")
		err = streams.Create(ctx, first)
		jtest.RequireNil(t, err)
		second := newStream("run-1", "b")
		err = streams.Create(ctx, second)
		jtest.RequireNil(t, err)

		// Oldest first.
		next, err := streams.NextPending(ctx, "run-1", 5)
		jtest.RequireNil(t, err)
		require.Equal(t, first.ID, next.ID)

		err = streams.MarkProcessing(ctx, first.ID)
		jtest.RequireNil(t, err)
		next, err = streams.NextPending(ctx, "run-1", 5)
		jtest.RequireNil(t, err)
		require.Equal(t, second.ID, next.ID)

		err = streams.MarkProcessed(ctx, first.ID)
		jtest.RequireNil(t, err)
		err = streams.MarkProcessed(ctx, second.ID)
		jtest.RequireNil(t, err)

		_, err = streams.NextPending(ctx, "run-1", 5)
		jtest.Require(t, syncrun.ErrStreamNotFound, err)
	})
}

func testRetryBackoff(t *testing.T, runs syncrun.RunStore, streams syncrun.StreamStore) {
	t.Run("RetryBackoff", func(t *testing.T) {
		ctx := context.Background()

		stream := newStream("run-1", "a")
		err := streams.Create(ctx, stream)
		jtest.RequireNil(t, err)

		retries, err := streams.MarkError(ctx, stream.ID, &syncrun.ErrorInfo{Message: "boom"})
		jtest.RequireNil(t, err)
		require.Equal(t, 1, retries)

		// Inside the backoff window the stream is not claimable.
		_, err = streams.NextPending(ctx, "run-1", 5)
		jtest.Require(t, syncrun.ErrStreamNotFound, err)

		// Exhausted streams are never claimable.
		retries, err = streams.MarkError(ctx, stream.ID, &syncrun.ErrorInfo{Message: "boom"})
		jtest.RequireNil(t, err)
		require.Equal(t, 2, retries)
		_, err = streams.NextPending(ctx, "run-1", 2)
		jtest.Require(t, syncrun.ErrStreamNotFound, err)
	})
}

func testCountByState(t *testing.T, runs syncrun.RunStore, streams syncrun.StreamStore) {
	t.Run("CountByState", func(t *testing.T) {
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			err := streams.Create(ctx, newStream("run-1", "a"))
			jtest.RequireNil(t, err)
		}
		done := newStream("run-1", "b")
		err := streams.Create(ctx, done)
		jtest.RequireNil(t, err)
		err = streams.MarkProcessed(ctx, done.ID)
		jtest.RequireNil(t, err)

		err = streams.Create(ctx, newStream("run-2", "c"))
		jtest.RequireNil(t, err)

		counts, err := streams.CountByState(ctx, "run-1")
		jtest.RequireNil(t, err)
		require.Equal(t, 3, counts[syncrun.StreamStatePending])
		require.Equal(t, 1, counts[syncrun.StreamStateProcessed])
		require.Zero(t, counts[syncrun.StreamStateError])
	})
}

func testStreamReset(t *testing.T, runs syncrun.RunStore, streams syncrun.StreamStore) {
	t.Run("Reset", func(t *testing.T) {
		ctx := context.Background()

		stream := newStream("run-1", "a")
		err := streams.Create(ctx, stream)
		jtest.RequireNil(t, err)

		_, err = streams.MarkError(ctx, stream.ID, &syncrun.ErrorInfo{Message: "boom"})
		jtest.RequireNil(t, err)

		err = streams.Reset(ctx, stream.ID)
		jtest.RequireNil(t, err)

		found, err := streams.Lookup(ctx, stream.ID)
		jtest.RequireNil(t, err)
		require.Equal(t, syncrun.StreamStatePending, found.State)
		require.Zero(t, found.Retries)
		require.Nil(t, found.Error)
	})
}

func testResetProcessing(t *testing.T, runs syncrun.RunStore, streams syncrun.StreamStore) {
	t.Run("ResetProcessing", func(t *testing.T) {
		ctx := context.Background()

		inflight := newStream("run-1", "a")
		err := streams.Create(ctx, inflight)
		jtest.RequireNil(t, err)
		err = streams.MarkProcessing(ctx, inflight.ID)
		jtest.RequireNil(t, err)

		done := newStream("run-1", "b")
		err = streams.Create(ctx, done)
		jtest.RequireNil(t, err)
		err = streams.MarkProcessed(ctx, done.ID)
		jtest.RequireNil(t, err)

		other := newStream("run-2", "c")
		err = streams.Create(ctx, other)
		jtest.RequireNil(t, err)
		err = streams.MarkProcessing(ctx, other.ID)
		jtest.RequireNil(t, err)

		reset, err := streams.ResetProcessing(ctx, "run-1")
		jtest.RequireNil(t, err)
		require.Equal(t, 1, reset)

		found, err := streams.Lookup(ctx, inflight.ID)
		jtest.RequireNil(t, err)
		require.Equal(t, syncrun.StreamStatePending, found.State)

		// Other runs and terminal streams are untouched.
		found, err = streams.Lookup(ctx, other.ID)
		jtest.RequireNil(t, err)
		require.Equal(t, syncrun.StreamStateProcessing, found.State)
		found, err = streams.Lookup(ctx, done.ID)
		jtest.RequireNil(t, err)
		require.Equal(t, syncrun.StreamStateProcessed, found.State)

		reset, err = streams.ResetProcessing(ctx, "run-1")
		jtest.RequireNil(t, err)
		require.Zero(t, reset)
	})
}

func testSync(t *testing.T, runs syncrun.RunStore, streams syncrun.StreamStore) {
	t.Run("Sync", func(t *testing.T) {
		ctx := context.Background()

		run := newRun("int-1")
		err := runs.Create(ctx, run)
		jtest.RequireNil(t, err)
		err = runs.MarkProcessing(ctx, run.ID)
		jtest.RequireNil(t, err)

		a := newStream(run.ID, "a")
		err = streams.Create(ctx, a)
		jtest.RequireNil(t, err)
		b := newStream(run.ID, "b")
		err = streams.Create(ctx, b)
		jtest.RequireNil(t, err)

		// Pending streams keep the run open.
		state, err := runs.Sync(ctx, run.ID, 5)
		jtest.RequireNil(t, err)
		require.Equal(t, syncrun.RunStateProcessing, state)

		err = streams.MarkProcessed(ctx, a.ID)
		jtest.RequireNil(t, err)
		_, err = streams.MarkError(ctx, b.ID, &syncrun.ErrorInfo{Message: "boom"})
		jtest.RequireNil(t, err)

		// An errored stream with retries left keeps the run open.
		state, err = runs.Sync(ctx, run.ID, 5)
		jtest.RequireNil(t, err)
		require.Equal(t, syncrun.RunStateProcessing, state)

		// Once retries are exhausted the run completes regardless.
		state, err = runs.Sync(ctx, run.ID, 1)
		jtest.RequireNil(t, err)
		require.Equal(t, syncrun.RunStateProcessed, state)

		found, err := runs.Lookup(ctx, run.ID)
		jtest.RequireNil(t, err)
		require.Equal(t, syncrun.RunStateProcessed, found.State)
		require.False(t, found.ProcessedAt.IsZero())
	})
}

func waitFor(t *testing.T, d time.Duration, test func() bool) {
	t.Helper()

	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if test() {
			return
		}
		time.Sleep(time.Millisecond * 10)
	}

	require.Fail(t, "condition not met before deadline")
}
