// Package adaptertest provides conformance suites that every store and
// queue implementation must pass.
package adaptertest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/luno/syncrun"
)

func RunRunStoreTest(t *testing.T, factory func() syncrun.RunStore) {
	tests := []func(t *testing.T, store syncrun.RunStore){
		testCreateLookup,
		testLastActive,
		testTransitions,
		testClaimConditional,
		testRestart,
		testListDelayed,
		testListStuck,
		testDeleteProcessedBefore,
	}

	for _, test := range tests {
		test(t, factory())
	}
}

func newRun(integrationID string) *syncrun.Run {
	return &syncrun.Run{
		ID:            uuid.New().String(),
		IntegrationID: integrationID,
		TenantID:      "tenant-1",
		State:         syncrun.RunStatePending,
	}
}

func testCreateLookup(t *testing.T, store syncrun.RunStore) {
	t.Run("CreateLookup", func(t *testing.T) {
		ctx := context.Background()

		run := newRun("int-1")
		run.Onboarding = true
		err := store.Create(ctx, run)
		jtest.RequireNil(t, err)

		found, err := store.Lookup(ctx, run.ID)
		jtest.RequireNil(t, err)
		require.Equal(t, run.ID, found.ID)
		require.Equal(t, "int-1", found.IntegrationID)
		require.Equal(t, "tenant-1", found.TenantID)
		require.True(t, found.Onboarding)
		require.Equal(t, syncrun.RunStatePending, found.State)
		require.False(t, found.CreatedAt.IsZero())
		require.False(t, found.UpdatedAt.IsZero())

		_, err = store.Lookup(ctx, "nope")
		jtest.Require(t, syncrun.ErrRunNotFound, err)
	})
}

func testLastActive(t *testing.T, store syncrun.RunStore) {
	t.Run("LastActive", func(t *testing.T) {
		ctx := context.Background()

		_, err := store.LastActive(ctx, "int-1", "", "")
		jtest.Require(t, syncrun.ErrRunNotFound, err)

		first := newRun("int-1")
		err = store.Create(ctx, first)
		jtest.RequireNil(t, err)

		second := newRun("int-1")
		err = store.Create(ctx, second)
		jtest.RequireNil(t, err)

		other := newRun("int-2")
		err = store.Create(ctx, other)
		jtest.RequireNil(t, err)

		found, err := store.LastActive(ctx, "int-1", "", "")
		jtest.RequireNil(t, err)
		require.Equal(t, second.ID, found.ID)

		// Excluding the newest run falls back to the older one.
		found, err = store.LastActive(ctx, "int-1", "", second.ID)
		jtest.RequireNil(t, err)
		require.Equal(t, first.ID, found.ID)

		// Terminal runs are not active.
		err = store.MarkError(ctx, second.ID, &syncrun.ErrorInfo{Message: "boom"})
		jtest.RequireNil(t, err)
		err = store.MarkProcessing(ctx, first.ID)
		jtest.RequireNil(t, err)
		_, err = store.Sync(ctx, first.ID, 5)
		jtest.RequireNil(t, err)

		_, err = store.LastActive(ctx, "int-1", "", "")
		jtest.Require(t, syncrun.ErrRunNotFound, err)

		// Microservice triggered runs match on microservice id.
		ms := &syncrun.Run{
			ID:             uuid.New().String(),
			MicroserviceID: "ms-1",
			TenantID:       "tenant-1",
			State:          syncrun.RunStatePending,
		}
		err = store.Create(ctx, ms)
		jtest.RequireNil(t, err)

		found, err = store.LastActive(ctx, "", "ms-1", "")
		jtest.RequireNil(t, err)
		require.Equal(t, ms.ID, found.ID)
	})
}

func testTransitions(t *testing.T, store syncrun.RunStore) {
	t.Run("Transitions", func(t *testing.T) {
		ctx := context.Background()

		run := newRun("int-1")
		err := store.Create(ctx, run)
		jtest.RequireNil(t, err)

		err = store.MarkProcessing(ctx, run.ID)
		jtest.RequireNil(t, err)
		found, err := store.Lookup(ctx, run.ID)
		jtest.RequireNil(t, err)
		require.Equal(t, syncrun.RunStateProcessing, found.State)

		until := time.Now().Add(time.Minute).Truncate(time.Second)
		err = store.Delay(ctx, run.ID, until)
		jtest.RequireNil(t, err)
		found, err = store.Lookup(ctx, run.ID)
		jtest.RequireNil(t, err)
		require.Equal(t, syncrun.RunStateDelayed, found.State)
		require.True(t, found.DelayedUntil.Equal(until))

		// Claiming a delayed run clears the wake time.
		err = store.MarkProcessing(ctx, run.ID)
		jtest.RequireNil(t, err)
		found, err = store.Lookup(ctx, run.ID)
		jtest.RequireNil(t, err)
		require.True(t, found.DelayedUntil.IsZero())

		info := &syncrun.ErrorInfo{ErrorPoint: "process_stream", Message: "boom"}
		err = store.MarkError(ctx, run.ID, info)
		jtest.RequireNil(t, err)
		found, err = store.Lookup(ctx, run.ID)
		jtest.RequireNil(t, err)
		require.Equal(t, syncrun.RunStateError, found.State)
		require.NotNil(t, found.Error)
		require.Equal(t, "process_stream", found.Error.ErrorPoint)

		err = store.MarkProcessing(ctx, "nope")
		jtest.Require(t, syncrun.ErrRunNotFound, err)
		err = store.Touch(ctx, "nope")
		jtest.Require(t, syncrun.ErrRunNotFound, err)
	})
}

func testClaimConditional(t *testing.T, store syncrun.RunStore) {
	t.Run("ClaimConditional", func(t *testing.T) {
		ctx := context.Background()

		run := newRun("int-1")
		err := store.Create(ctx, run)
		jtest.RequireNil(t, err)

		err = store.MarkProcessing(ctx, run.ID)
		jtest.RequireNil(t, err)

		// A racing duplicate claim loses.
		err = store.MarkProcessing(ctx, run.ID)
		jtest.Require(t, syncrun.ErrInvalidRunState, err)

		// Delayed and errored runs are claimable again.
		err = store.Delay(ctx, run.ID, time.Now().Add(time.Minute))
		jtest.RequireNil(t, err)
		err = store.MarkProcessing(ctx, run.ID)
		jtest.RequireNil(t, err)

		err = store.MarkError(ctx, run.ID, &syncrun.ErrorInfo{Message: "boom"})
		jtest.RequireNil(t, err)
		err = store.MarkProcessing(ctx, run.ID)
		jtest.RequireNil(t, err)

		// Processed runs are terminal.
		state, err := store.Sync(ctx, run.ID, 5)
		jtest.RequireNil(t, err)
		require.Equal(t, syncrun.RunStateProcessed, state)
		err = store.MarkProcessing(ctx, run.ID)
		jtest.Require(t, syncrun.ErrInvalidRunState, err)
	})
}

func testRestart(t *testing.T, store syncrun.RunStore) {
	t.Run("Restart", func(t *testing.T) {
		ctx := context.Background()

		run := newRun("int-1")
		err := store.Create(ctx, run)
		jtest.RequireNil(t, err)

		err = store.MarkError(ctx, run.ID, &syncrun.ErrorInfo{Message: "boom"})
		jtest.RequireNil(t, err)

		err = store.Restart(ctx, run.ID)
		jtest.RequireNil(t, err)

		found, err := store.Lookup(ctx, run.ID)
		jtest.RequireNil(t, err)
		require.Equal(t, syncrun.RunStatePending, found.State)
		require.Nil(t, found.Error)
		require.True(t, found.DelayedUntil.IsZero())
		require.True(t, found.ProcessedAt.IsZero())
	})
}

func testListDelayed(t *testing.T, store syncrun.RunStore) {
	t.Run("ListDelayed", func(t *testing.T) {
		ctx := context.Background()
		now := time.Now()

		var late, early *syncrun.Run
		for i, until := range []time.Time{now.Add(-time.Minute), now.Add(-time.Hour)} {
			run := newRun("int-1")
			err := store.Create(ctx, run)
			jtest.RequireNil(t, err)
			err = store.Delay(ctx, run.ID, until)
			jtest.RequireNil(t, err)
			if i == 0 {
				late = run
			} else {
				early = run
			}
		}

		future := newRun("int-1")
		err := store.Create(ctx, future)
		jtest.RequireNil(t, err)
		err = store.Delay(ctx, future.ID, now.Add(time.Hour))
		jtest.RequireNil(t, err)

		due, err := store.ListDelayed(ctx, now, 10)
		jtest.RequireNil(t, err)
		require.Len(t, due, 2)
		require.Equal(t, early.ID, due[0].ID)
		require.Equal(t, late.ID, due[1].ID)

		due, err = store.ListDelayed(ctx, now, 1)
		jtest.RequireNil(t, err)
		require.Len(t, due, 1)
		require.Equal(t, early.ID, due[0].ID)
	})
}

func testListStuck(t *testing.T, store syncrun.RunStore) {
	t.Run("ListStuck", func(t *testing.T) {
		ctx := context.Background()

		run := newRun("int-1")
		err := store.Create(ctx, run)
		jtest.RequireNil(t, err)
		err = store.MarkProcessing(ctx, run.ID)
		jtest.RequireNil(t, err)

		stuck, err := store.ListStuck(ctx, time.Now().Add(-time.Hour), 10)
		jtest.RequireNil(t, err)
		require.Empty(t, stuck)

		stuck, err = store.ListStuck(ctx, time.Now().Add(time.Hour), 10)
		jtest.RequireNil(t, err)
		require.Len(t, stuck, 1)
		require.Equal(t, run.ID, stuck[0].ID)
	})
}

func testDeleteProcessedBefore(t *testing.T, store syncrun.RunStore) {
	t.Run("DeleteProcessedBefore", func(t *testing.T) {
		ctx := context.Background()

		run := newRun("int-1")
		err := store.Create(ctx, run)
		jtest.RequireNil(t, err)
		err = store.MarkProcessing(ctx, run.ID)
		jtest.RequireNil(t, err)
		_, err = store.Sync(ctx, run.ID, 5)
		jtest.RequireNil(t, err)

		active := newRun("int-1")
		err = store.Create(ctx, active)
		jtest.RequireNil(t, err)

		deleted, err := store.DeleteProcessedBefore(ctx, time.Now().Add(-time.Hour))
		jtest.RequireNil(t, err)
		require.Zero(t, deleted)

		deleted, err = store.DeleteProcessedBefore(ctx, time.Now().Add(time.Hour))
		jtest.RequireNil(t, err)
		require.Equal(t, 1, deleted)

		_, err = store.Lookup(ctx, run.ID)
		jtest.Require(t, syncrun.ErrRunNotFound, err)
		_, err = store.Lookup(ctx, active.ID)
		jtest.RequireNil(t, err)
	})
}
