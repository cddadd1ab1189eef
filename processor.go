package syncrun

import (
	"context"
	"strconv"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/luno/syncrun/internal/metrics"
)

// process handles one trigger message end to end: claim the run, generate
// or resume its streams, drive each stream through the adapter and
// finalise. Every decision is read from and written to the stores so a
// fresh invocation can always resume where this one stopped.
func (e *Engine) process(ctx context.Context, msg *TriggerMessage) error {
	if msg.RunID == "" {
		e.logger.Debug(ctx, "no run id on trigger message, skipping", MKV{})
		return nil
	}

	run, err := e.runs.Lookup(ctx, msg.RunID)
	if err != nil {
		return err
	}

	integrationID := run.IntegrationID
	if integrationID == "" {
		// Platform wide jobs resolve their integration via the owning
		// microservice.
		integrationID = run.MicroserviceID
	}

	integration, err := e.integrations.Lookup(ctx, integrationID)
	if err != nil {
		return err
	}

	adapter, err := e.registry.Resolve(integration.Platform)
	if err != nil {
		merr := e.runs.MarkError(ctx, run.ID, errInfo("resolve_adapter", err))
		if merr != nil {
			return merr
		}
		return err
	}

	rc := &RunContext{
		RunID:       run.ID,
		TenantID:    run.TenantID,
		Onboarding:  run.Onboarding,
		StartedAt:   e.clock.Now(),
		Integration: integration,
		LimitCount:  integration.LimitCount,
		Logger:      e.logger,
	}

	forced := msg.StreamID != ""
	if !forced {
		claimed, err := e.claim(ctx, run, integration)
		if err != nil || !claimed {
			return err
		}
	}

	// Reset the global limit window if its reset frequency has elapsed, or
	// start it on the integration's first claim.
	if adapter.LimitResetFrequency() > 0 && (integration.LimitLastResetAt.IsZero() ||
		e.clock.Since(integration.LimitLastResetAt) >= adapter.LimitResetFrequency()) {
		integration.LimitCount = 0
		integration.LimitLastResetAt = e.clock.Now()
		rc.LimitCount = 0

		err := e.integrations.Save(ctx, integration)
		if err != nil {
			return err
		}
	}

	err = adapter.Preprocess(ctx, rc)
	if err != nil {
		kind, rl := classify(err)
		if kind == kindRateLimit {
			return e.delayRateLimited(ctx, run, rc, rl, nil)
		}

		e.logger.Error(ctx, errors.Wrap(err, "preprocessing failed", j.KV("run_id", run.ID)))
		return e.runs.MarkError(ctx, run.ID, errInfo("preprocess", err))
	}

	var forcedStream *Stream
	if forced {
		forcedStream, err = e.streams.Lookup(ctx, msg.StreamID)
		if err != nil {
			return err
		}
	} else {
		counts, err := e.streams.CountByState(ctx, run.ID)
		if err != nil {
			return err
		}

		if total(counts) == 0 {
			err = e.generateStreams(ctx, run, rc, adapter)
			if err != nil {
				kind, rl := classify(err)
				if kind == kindRateLimit {
					return e.delayRateLimited(ctx, run, rc, rl, nil)
				}

				e.logger.Error(ctx, errors.Wrap(err, "stream generation failed", j.KV("run_id", run.ID)))
				return e.runs.MarkError(ctx, run.ID, errInfo("get_streams", err))
			}
		} else {
			e.logger.Debug(ctx, "streams already detected, resuming", MKV{"run_id": run.ID})
		}
	}

	delayed, err := e.streamLoop(ctx, run, rc, adapter, forcedStream)
	if err != nil {
		return err
	}
	if delayed {
		// The run was parked; a later invocation picks it back up.
		return nil
	}

	err = adapter.Postprocess(ctx, rc)
	if err != nil {
		// NoReturnErr: postprocess is best effort cleanup and must not undo
		// the progress the run made.
		e.logger.Error(ctx, errors.Wrap(err, "postprocessing failed", j.KV("run_id", run.ID)))
	}

	return e.finalize(ctx, run, rc, forced)
}

// claim transitions the run to processing after the de-duplication check.
// It returns false when processing should stop without an error: the run
// was already processed, or another run owns the integration and this one
// was aborted.
func (e *Engine) claim(ctx context.Context, run *Run, integration *Integration) (bool, error) {
	existing, err := e.runs.LastActive(ctx, run.IntegrationID, run.MicroserviceID, run.ID)
	if err == nil {
		e.logger.Debug(ctx, "integration is already being processed, aborting run", MKV{
			"run_id":          run.ID,
			"existing_run_id": existing.ID,
		})

		info := errInfo("check_existing_run", ErrAlreadyRunning)
		info.Raw = "existing run: " + existing.ID
		return false, e.runs.MarkError(ctx, run.ID, info)
	} else if !errors.Is(err, ErrRunNotFound) {
		return false, err
	}

	switch run.State {
	case RunStateProcessed:
		e.logger.Debug(ctx, "run is already processed, skipping", MKV{"run_id": run.ID})
		return false, nil
	case RunStatePending:
		e.logger.Debug(ctx, "started processing run", MKV{"run_id": run.ID})
	case RunStateDelayed:
		e.logger.Debug(ctx, "continued processing delayed run", MKV{"run_id": run.ID})
	case RunStateError:
		e.logger.Debug(ctx, "restarted processing errored run", MKV{"run_id": run.ID})
	case RunStateProcessing:
		// Two workers on the same run means a scheduling bug, never retry.
		return false, errors.Wrap(ErrInvalidRunState, "run is already processing", j.MKV{
			"run_id": run.ID,
			"state":  run.State.String(),
		})
	default:
		return false, errors.Wrap(ErrInvalidRunState, "", j.MKV{
			"run_id": run.ID,
			"state":  run.State.String(),
		})
	}

	err = e.runs.MarkProcessing(ctx, run.ID)
	if err != nil {
		return false, err
	}

	run.State = RunStateProcessing
	metrics.RunsClaimed.WithLabelValues(integration.Platform).Inc()

	return true, nil
}

// generateStreams persists the adapter's root units of work as pending
// streams. Generating into a run that already has streams is a bug class
// this explicitly guards against.
func (e *Engine) generateStreams(ctx context.Context, run *Run, rc *RunContext, adapter Adapter) error {
	counts, err := e.streams.CountByState(ctx, run.ID)
	if err != nil {
		return err
	}
	if total(counts) > 0 {
		return errors.Wrap(ErrRunHasStreams, "", j.KV("run_id", run.ID))
	}

	descriptors, err := adapter.GetStreams(ctx, rc)
	if err != nil {
		return err
	}

	streams := make([]Stream, 0, len(descriptors))
	for _, d := range descriptors {
		id, err := newID()
		if err != nil {
			return err
		}

		streams = append(streams, Stream{
			ID:             id,
			RunID:          run.ID,
			TenantID:       run.TenantID,
			IntegrationID:  run.IntegrationID,
			MicroserviceID: run.MicroserviceID,
			Name:           d.Name,
			Metadata:       d.Metadata,
			State:          StreamStatePending,
		})
	}

	if len(streams) > 0 {
		err = e.streams.CreateBatch(ctx, streams)
		if err != nil {
			return err
		}
	}

	// The adapter may have resolved settings while enumerating; persist them
	// together with the progress marker so a crash cannot leave updated
	// settings without streams being visible.
	err = e.integrations.Save(ctx, rc.Integration)
	if err != nil {
		return err
	}

	e.logger.Debug(ctx, "generated root streams", MKV{
		"run_id":  run.ID,
		"streams": strconv.Itoa(len(streams)),
	})

	return e.runs.Touch(ctx, run.ID)
}

// streamLoop drives pending streams through the adapter oldest first until
// the run drains, is delayed, or the caller is cancelled. It reports
// whether the run was parked in a delay state, in which case finalisation
// is skipped.
func (e *Engine) streamLoop(ctx context.Context, run *Run, rc *RunContext, adapter Adapter, forcedStream *Stream) (bool, error) {
	var processed int
	for {
		// Cooperative cancellation between streams, never mid adapter call.
		if ctx.Err() != nil {
			return true, e.parkOnShutdown(run)
		}

		stream := forcedStream
		if stream == nil {
			var err error
			stream, err = e.streams.NextPending(ctx, run.ID, e.opts.maxRetries)
			if errors.Is(err, ErrStreamNotFound) {
				return false, nil
			} else if err != nil {
				return false, err
			}
		}

		err := e.streams.MarkProcessing(ctx, stream.ID)
		if err != nil {
			return false, err
		}
		err = e.runs.Touch(ctx, run.ID)
		if err != nil {
			return false, err
		}

		result, perr := adapter.ProcessStream(ctx, stream, rc)
		if perr != nil {
			kind, rl := classify(perr)
			switch kind {
			case kindRateLimit:
				e.logger.Debug(ctx, "rate limit reached while processing stream, delaying run", MKV{
					"run_id":      run.ID,
					"stream_id":   stream.ID,
					"reset_after": rl.ResetAfter.String(),
				})
				return true, e.delayRateLimited(ctx, run, rc, rl, stream)
			case kindFatal:
				// The stream is errored too so a restarted run can reclaim it.
				_, serr := e.streams.MarkError(ctx, stream.ID, errInfo("process_stream", perr))
				if serr != nil {
					return true, serr
				}

				e.logger.Error(ctx, errors.Wrap(perr, "fatal error processing stream", j.MKV{
					"run_id":    run.ID,
					"stream_id": stream.ID,
				}))
				return true, e.runs.MarkError(ctx, run.ID, errInfo("process_stream", perr))
			default:
				retries, err := e.streams.MarkError(ctx, stream.ID, errInfo("process_stream", perr))
				if err != nil {
					return false, err
				}
				err = e.runs.Touch(ctx, run.ID)
				if err != nil {
					return false, err
				}

				metrics.StreamErrors.WithLabelValues(rc.Integration.Platform).Inc()
				e.logger.Error(ctx, errors.Wrap(perr, "error processing stream", j.MKV{
					"run_id":    run.ID,
					"stream_id": stream.ID,
					"retries":   strconv.Itoa(retries),
				}))
			}
		} else {
			delayed, err := e.commitStreamResult(ctx, run, rc, adapter, stream, result)
			if err != nil {
				// One failed commit must not abort the rest of the run.
				_, merr := e.streams.MarkError(ctx, stream.ID, errInfo("process_stream_results", err))
				if merr != nil {
					return false, merr
				}
				terr := e.runs.Touch(ctx, run.ID)
				if terr != nil {
					return false, terr
				}

				e.logger.Error(ctx, errors.Wrap(err, "error committing stream results", j.MKV{
					"run_id":    run.ID,
					"stream_id": stream.ID,
				}))
			} else if delayed {
				return true, nil
			}
		}

		processed++
		if processed%50 == 0 {
			e.logger.Debug(ctx, "stream processing progress", MKV{
				"run_id":    run.ID,
				"processed": strconv.Itoa(processed),
			})
		}

		if forcedStream != nil {
			return false, nil
		}
	}
}

// commitStreamResult persists everything a successful adapter call
// produced: child and next page streams as new pending rows, records to the
// sink, and the processed state of the current stream. It reports whether
// the run was delayed by a sleep hint or the global limit.
func (e *Engine) commitStreamResult(ctx context.Context, run *Run, rc *RunContext, adapter Adapter, stream *Stream, result *StreamResult) (bool, error) {
	if len(result.NewStreams) > 0 {
		children := make([]Stream, 0, len(result.NewStreams))
		for _, d := range result.NewStreams {
			id, err := newID()
			if err != nil {
				return false, err
			}

			children = append(children, Stream{
				ID:             id,
				RunID:          run.ID,
				TenantID:       run.TenantID,
				IntegrationID:  run.IntegrationID,
				MicroserviceID: run.MicroserviceID,
				Name:           d.Name,
				Metadata:       d.Metadata,
				State:          StreamStatePending,
			})
		}

		err := e.streams.CreateBatch(ctx, children)
		if err != nil {
			return false, err
		}
		err = e.runs.Touch(ctx, run.ID)
		if err != nil {
			return false, err
		}

		e.logger.Debug(ctx, "detected new streams", MKV{
			"run_id":  run.ID,
			"streams": strconv.Itoa(len(children)),
		})
	}

	for _, op := range result.Operations {
		if len(op.Records) == 0 {
			continue
		}

		rc.LimitCount += len(op.Records)

		err := e.sink.Write(ctx, op.Type, run.TenantID, op.Records)
		if err != nil {
			return false, err
		}

		metrics.RecordsWritten.WithLabelValues(rc.Integration.Platform, string(op.Type)).Add(float64(len(op.Records)))
	}

	if result.NextPageStream != nil {
		id, err := newID()
		if err != nil {
			return false, err
		}

		err = e.streams.Create(ctx, &Stream{
			ID:             id,
			RunID:          run.ID,
			TenantID:       run.TenantID,
			IntegrationID:  run.IntegrationID,
			MicroserviceID: run.MicroserviceID,
			Name:           result.NextPageStream.Name,
			Metadata:       result.NextPageStream.Metadata,
			State:          StreamStatePending,
		})
		if err != nil {
			return false, err
		}
		err = e.runs.Touch(ctx, run.ID)
		if err != nil {
			return false, err
		}
	}

	err := e.streams.MarkProcessed(ctx, stream.ID)
	if err != nil {
		return false, err
	}
	err = e.runs.Touch(ctx, run.ID)
	if err != nil {
		return false, err
	}

	metrics.StreamsProcessed.WithLabelValues(rc.Integration.Platform).Inc()

	if result.Sleep > 0 {
		e.logger.Debug(ctx, "stream requested a delay, parking run", MKV{
			"run_id": run.ID,
			"sleep":  result.Sleep.String(),
		})

		metrics.RunsDelayed.WithLabelValues(rc.Integration.Platform, "sleep").Inc()
		return true, e.runs.Delay(ctx, run.ID, e.clock.Now().Add(result.Sleep))
	}

	// Backpressure: the total record volume of the window is capped even
	// when no rate limit response was seen.
	if adapter.GlobalLimit() > 0 && rc.LimitCount >= adapter.GlobalLimit() && adapter.LimitResetFrequency() > 0 {
		rc.Integration.LimitCount = rc.LimitCount
		err := e.integrations.Save(ctx, rc.Integration)
		if err != nil {
			return false, err
		}

		// Park until the window resets; if it already has, delay until now so
		// the reaper hands the run straight back and the claim resets the
		// window.
		until := e.clock.Now()
		sinceReset := e.clock.Since(rc.Integration.LimitLastResetAt)
		if sinceReset < adapter.LimitResetFrequency() {
			until = until.Add(adapter.LimitResetFrequency() - sinceReset)
		}

		e.logger.Debug(ctx, "global limit reached, parking run until window resets", MKV{
			"run_id":       run.ID,
			"limit_count":  strconv.Itoa(rc.LimitCount),
			"global_limit": strconv.Itoa(adapter.GlobalLimit()),
		})

		metrics.RunsDelayed.WithLabelValues(rc.Integration.Platform, "backpressure").Inc()
		return true, e.runs.Delay(ctx, run.ID, until)
	}

	return false, nil
}

// delayRateLimited parks the run until the platform's limit resets plus the
// configured safety margin. Adapter side state acquired so far (rotated
// tokens, resolved settings) is persisted first, and the interrupted stream
// is reset so it retries cleanly after the delay.
func (e *Engine) delayRateLimited(ctx context.Context, run *Run, rc *RunContext, rl RateLimitError, stream *Stream) error {
	err := e.integrations.Save(ctx, rc.Integration)
	if err != nil {
		return err
	}

	until := e.clock.Now().Add(rl.ResetAfter + e.opts.rateLimitMargin)
	e.logger.Debug(ctx, "rate limit reached, delaying run", MKV{
		"run_id": run.ID,
		"until":  until.Format("2006-01-02T15:04:05Z07:00"),
	})

	err = e.runs.Delay(ctx, run.ID, until)
	if err != nil {
		return err
	}

	metrics.RunsDelayed.WithLabelValues(rc.Integration.Platform, "rate_limit").Inc()

	if stream != nil {
		return e.streams.Reset(ctx, stream.ID)
	}

	return nil
}

// parkOnShutdown handles cancellation mid-loop. Onboarding runs are parked
// for a short delay so they resume soon after restart; incremental runs are
// left as is since remaining pending streams make the next scheduled
// invocation resume anyway. Writes use a fresh context as the caller's is
// already cancelled.
func (e *Engine) parkOnShutdown(run *Run) error {
	ctx := context.Background()

	if !run.Onboarding {
		e.logger.Debug(ctx, "stopped processing run on shutdown", MKV{"run_id": run.ID})
		return nil
	}

	e.logger.Debug(ctx, "stopped processing onboarding run on shutdown, parking", MKV{"run_id": run.ID})
	return e.runs.Delay(ctx, run.ID, e.clock.Now().Add(e.opts.shutdownPark))
}

// finalize recomputes the run's state from its streams and persists the
// integration snapshot. A drained run whose only remaining work is errored
// streams with retries left is re-delayed rather than declared done, so
// those streams get another pass.
func (e *Engine) finalize(ctx context.Context, run *Run, rc *RunContext, forced bool) error {
	newState, err := e.runs.Sync(ctx, run.ID, e.opts.maxRetries)
	if err != nil {
		return err
	}

	integration := rc.Integration
	integration.LimitCount = rc.LimitCount

	switch newState {
	case RunStateProcessed:
		integration.Status = "done"

		if !integration.Notified && e.opts.notifier != nil {
			err := e.opts.notifier.RunFinished(ctx, integration)
			if err != nil {
				// NoReturnErr: a failed notification must not fail the run;
				// the flag stays unset so the next completion retries it.
				e.logger.Error(ctx, errors.Wrap(err, "run finished notification failed", j.KV("run_id", run.ID)))
			} else {
				integration.Notified = true
			}
		}
	case RunStateError:
		integration.Status = "error"
	}

	err = e.integrations.Save(ctx, integration)
	if err != nil {
		return err
	}

	if newState != RunStateProcessing || forced {
		e.logger.Debug(ctx, "done processing run", MKV{
			"run_id": run.ID,
			"state":  newState.String(),
		})
		return nil
	}

	counts, err := e.streams.CountByState(ctx, run.ID)
	if err != nil {
		return err
	}

	if counts[StreamStateError] > 0 {
		e.logger.Debug(ctx, "run drained but errored streams have retries left, delaying", MKV{
			"run_id": run.ID,
		})

		metrics.RunsDelayed.WithLabelValues(integration.Platform, "errors_pending").Inc()
		return e.runs.Delay(ctx, run.ID, e.clock.Now().Add(e.opts.erroredRunDelay))
	}

	e.logger.Error(ctx, errors.Wrap(ErrInvalidRunState, "run ended but is still processing", j.KV("run_id", run.ID)))
	return nil
}

func total(counts map[StreamState]int) int {
	var n int
	for _, c := range counts {
		n += c
	}
	return n
}
