package syncrun_test

import (
	"context"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/luno/syncrun"
)

func TestScheduleTriggersRun(t *testing.T) {
	adapter := &testAdapter{}
	h := setup(t, adapter)
	ctx := context.Background()

	go func() {
		_ = h.engine.Schedule(testIntegration, testTenant, "* * * * *")
	}()

	// Walk the clock forward until a scheduled run has completed.
	waitFor(t, func() bool {
		h.clock.Step(time.Second * 30)

		integration, err := h.store.Integrations().Lookup(ctx, testIntegration)
		jtest.RequireNil(t, err)
		return integration.Status == "done"
	})
}

func TestScheduleInvalidSpec(t *testing.T) {
	h := setup(t, &testAdapter{})

	err := h.engine.Schedule(testIntegration, testTenant, "not a cron spec")
	require.Error(t, err)
}

func TestUnknownPlatform(t *testing.T) {
	h := setup(t, &testAdapter{})
	ctx := context.Background()

	err := h.store.Integrations().Save(ctx, &syncrun.Integration{
		ID:       "int-2",
		TenantID: testTenant,
		Platform: "bitbucket",
	})
	jtest.RequireNil(t, err)

	runID, err := h.engine.Trigger(ctx, "int-2", testTenant)
	jtest.RequireNil(t, err)

	run := syncrun.AwaitRunState(t, h.store.Runs(), runID, syncrun.RunStateError)
	require.Equal(t, "resolve_adapter", run.Error.ErrorPoint)
}

func TestNotifierFailureRetriesNextRun(t *testing.T) {
	h := setup(t, &testAdapter{})
	h.notifier.setFail(true)
	ctx := context.Background()

	runID, err := h.engine.Trigger(ctx, testIntegration, testTenant)
	jtest.RequireNil(t, err)
	syncrun.AwaitRunState(t, h.store.Runs(), runID, syncrun.RunStateProcessed)

	// The notification failed so the flag stays unset.
	integration, err := h.store.Integrations().Lookup(ctx, testIntegration)
	jtest.RequireNil(t, err)
	require.False(t, integration.Notified)
	require.Equal(t, 1, h.notifier.count())

	// The next completed run retries the notification.
	h.notifier.setFail(false)
	runID, err = h.engine.Trigger(ctx, testIntegration, testTenant)
	jtest.RequireNil(t, err)
	syncrun.AwaitRunState(t, h.store.Runs(), runID, syncrun.RunStateProcessed)

	integration, err = h.store.Integrations().Lookup(ctx, testIntegration)
	jtest.RequireNil(t, err)
	require.True(t, integration.Notified)
	require.Equal(t, 2, h.notifier.count())
}
