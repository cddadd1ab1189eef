package adaptertest

import (
	"context"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/luno/syncrun"
)

func RunQueueTest(t *testing.T, factory func() syncrun.Queue) {
	tests := []func(t *testing.T, queue syncrun.Queue){
		testSendReceive,
		testReceiveCancel,
	}

	for _, test := range tests {
		queue := factory()
		test(t, queue)
		err := queue.Close()
		jtest.RequireNil(t, err)
	}
}

func testSendReceive(t *testing.T, queue syncrun.Queue) {
	t.Run("SendReceive", func(t *testing.T) {
		ctx := context.Background()

		sent := []*syncrun.TriggerMessage{
			{RunID: "run-1"},
			{RunID: "run-2", StreamID: "stream-1"},
		}
		for _, msg := range sent {
			err := queue.Send(ctx, msg)
			jtest.RequireNil(t, err)
		}

		// Delivery preserves send order.
		for _, want := range sent {
			msg, ack, err := queue.Receive(ctx)
			jtest.RequireNil(t, err)
			require.Equal(t, want.RunID, msg.RunID)
			require.Equal(t, want.StreamID, msg.StreamID)
			err = ack()
			jtest.RequireNil(t, err)
		}
	})
}

func testReceiveCancel(t *testing.T, queue syncrun.Queue) {
	t.Run("ReceiveCancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())

		errs := make(chan error, 1)
		go func() {
			_, _, err := queue.Receive(ctx)
			errs <- err
		}()

		cancel()

		var got error
		waitFor(t, time.Second*5, func() bool {
			select {
			case got = <-errs:
				return true
			default:
				return false
			}
		})
		jtest.Require(t, context.Canceled, got)
	})
}
