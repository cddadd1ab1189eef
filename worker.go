package syncrun

import (
	"context"
	"fmt"

	"github.com/luno/syncrun/internal/metrics"
)

// worker consumes trigger messages and processes each run sequentially.
// Concurrency only exists across runs: the de-duplication check in claim is
// what prevents two workers from double-processing the same integration,
// not any in-process locking.
func worker(e *Engine, shard, totalShards int) {
	processName := fmt.Sprintf("worker-%v-of-%v", shard, totalShards)

	e.run(processName, func(ctx context.Context) error {
		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			msg, ack, err := e.queue.Receive(ctx)
			if err != nil {
				return err
			}

			t0 := e.clock.Now()
			err = e.process(ctx, msg)
			metrics.ProcessLatency.WithLabelValues(processName).Observe(e.clock.Since(t0).Seconds())

			if err != nil {
				metrics.RunErrors.WithLabelValues(processName).Inc()

				if kind, _ := classify(err); kind == kindTransient {
					// Infrastructure hiccup. Leave the message unacked so
					// the queue redelivers it; the process loop logs the
					// error and backs off before receiving again.
					return err
				}

				// Structural failures are acked and dropped: the run's
				// persisted state carries the error for an operator to
				// inspect or restart.
				e.logger.Error(ctx, err)
			}

			err = ack()
			if err != nil {
				return err
			}
		}
	})
}
