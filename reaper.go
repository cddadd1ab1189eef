package syncrun

import (
	"context"
	"strconv"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/luno/syncrun/internal/metrics"
)

// delayedReaper periodically finds runs whose delay has lapsed and hands
// them back to the worker pool.
func delayedReaper(e *Engine) {
	e.run("delayed-reaper", func(ctx context.Context) error {
		for {
			err := wait(ctx, e.clock, e.opts.reapInterval)
			if err != nil {
				return err
			}

			err = e.sweepDelayed(ctx)
			if err != nil {
				return err
			}
		}
	})
}

// sweepDelayed re-enqueues at most one page of due runs, oldest wake time
// first so a large backlog drains fairly instead of starving entries. Their
// state only changes once a worker claims them, so sweeping a single page
// per tick is what stops the same still-delayed page from being re-listed
// and re-sent in a tight loop.
func (e *Engine) sweepDelayed(ctx context.Context) error {
	runs, err := e.runs.ListDelayed(ctx, e.clock.Now(), e.opts.reapLimit)
	if err != nil {
		return err
	}

	for _, run := range runs {
		err := e.queue.Send(ctx, &TriggerMessage{RunID: run.ID})
		if err != nil {
			return err
		}

		metrics.RunsReaped.Inc()
		e.logger.Debug(ctx, "re-enqueued delayed run", MKV{"run_id": run.ID})
	}

	return nil
}

// stuckReaper detects runs that claim to be processing but whose heartbeat
// has gone stale, which means the owning worker died mid-run. They are
// errored so an operator can restart them.
func stuckReaper(e *Engine) {
	e.run("stuck-reaper", func(ctx context.Context) error {
		for {
			err := wait(ctx, e.clock, e.opts.reapInterval)
			if err != nil {
				return err
			}

			cutoff := e.clock.Now().Add(-e.opts.stuckAfter)
			runs, err := e.runs.ListStuck(ctx, cutoff, e.opts.reapLimit)
			if err != nil {
				return err
			}

			for _, run := range runs {
				e.logger.Error(ctx, errors.Wrap(ErrInvalidRunState, "run is stuck without a heartbeat", j.MKV{
					"run_id":     run.ID,
					"updated_at": run.UpdatedAt.String(),
				}))

				// Hand back the streams the dead worker held, since
				// processing streams are never claimable and would otherwise
				// block a restarted run from ever finishing.
				reset, err := e.streams.ResetProcessing(ctx, run.ID)
				if err != nil {
					return err
				}
				if reset > 0 {
					e.logger.Debug(ctx, "reset in-flight streams of stuck run", MKV{
						"run_id":  run.ID,
						"streams": strconv.Itoa(reset),
					})
				}

				err = e.runs.MarkError(ctx, run.ID, &ErrorInfo{
					ErrorPoint: "heartbeat",
					Message:    "run exceeded the heartbeat deadline while processing",
				})
				if err != nil {
					return err
				}

				metrics.RunsStuck.Inc()
			}
		}
	})
}

// cleaner deletes processed runs that have aged out of the retention
// window.
func cleaner(e *Engine) {
	e.run("cleaner", func(ctx context.Context) error {
		for {
			err := wait(ctx, e.clock, e.opts.cleanupInterval)
			if err != nil {
				return err
			}

			cutoff := e.clock.Now().Add(-e.opts.retention)
			deleted, err := e.runs.DeleteProcessedBefore(ctx, cutoff)
			if err != nil {
				return err
			}

			if deleted > 0 {
				e.logger.Debug(ctx, "cleaned up old processed runs", MKV{
					"deleted": strconv.Itoa(deleted),
				})
			}
		}
	})
}
