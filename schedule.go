package syncrun

import (
	"context"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/robfig/cron/v3"
)

// Schedule triggers an incremental run for the integration on the given
// cron spec. It is a blocking call and retries indefinitely on error;
// ticks that land while a previous run is still active simply create a run
// that aborts at claim time, which the filter below avoids by checking for
// an active run first.
func (e *Engine) Schedule(integrationID, tenantID, spec string, opts ...TriggerOption) error {
	if !e.calledRun {
		return errors.Wrap(ErrEngineNotRunning, "ensure Run is called before scheduling")
	}

	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return err
	}

	processName := "scheduler-" + integrationID + "-" + spec

	var lastRun time.Time

	e.launching.Add(1)
	e.run(processName, func(ctx context.Context) error {
		if lastRun.IsZero() {
			lastRun = e.clock.Now()
		}

		err := waitUntil(ctx, e, schedule.Next(lastRun))
		if err != nil {
			return err
		}

		lastRun = e.clock.Now()

		// Skip the tick when a run for the integration is still active;
		// triggering would only create a run destined to abort as a
		// duplicate.
		_, err = e.runs.LastActive(ctx, integrationID, "", "")
		if err == nil {
			e.logger.Debug(ctx, "skipping scheduled trigger, run still active", MKV{
				"integration_id": integrationID,
			})
			return nil
		} else if !errors.Is(err, ErrRunNotFound) {
			return err
		}

		_, err = e.Trigger(ctx, integrationID, tenantID, opts...)
		if err != nil {
			return err
		}

		return nil
	})

	return nil
}

func waitUntil(ctx context.Context, e *Engine, until time.Time) error {
	return wait(ctx, e.clock, until.Sub(e.clock.Now()))
}
