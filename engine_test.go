package syncrun_test

import (
	"context"
	"testing"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/luno/syncrun"
	"github.com/luno/syncrun/adapters/memqueue"
	"github.com/luno/syncrun/adapters/memstore"
)

func TestRegistryResolve(t *testing.T) {
	adapter := &testAdapter{}
	registry := syncrun.NewRegistry(adapter)

	resolved, err := registry.Resolve(testPlatform)
	jtest.RequireNil(t, err)
	require.Equal(t, testPlatform, resolved.Platform())

	_, err = registry.Resolve("bitbucket")
	jtest.Require(t, syncrun.ErrAdapterNotFound, err)
}

func TestEngineLifecycle(t *testing.T) {
	store := memstore.New()
	engine := syncrun.New(
		store.Runs(),
		store.Streams(),
		store.Integrations(),
		syncrun.NewRegistry(&testAdapter{}),
		memqueue.New(),
		&recordSink{},
		syncrun.WithWorkerCount(3),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.Run(ctx)
	// Run is idempotent.
	engine.Run(ctx)

	states := engine.States()
	require.Len(t, states, 5)
	require.Contains(t, states, "worker-1-of-3")
	require.Contains(t, states, "worker-2-of-3")
	require.Contains(t, states, "worker-3-of-3")
	require.Contains(t, states, "delayed-reaper")
	require.Contains(t, states, "stuck-reaper")

	engine.Stop()

	for name, state := range engine.States() {
		require.Equal(t, syncrun.StateShutdown, state, name)
	}
}
