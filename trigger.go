package syncrun

import (
	"context"

	"github.com/google/uuid"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

type triggerOpts struct {
	onboarding     bool
	microserviceID string
}

type TriggerOption func(o *triggerOpts)

// WithOnboarding marks the run as the integration's first, full-history
// pull.
func WithOnboarding() TriggerOption {
	return func(o *triggerOpts) {
		o.onboarding = true
	}
}

// ForMicroservice scopes the run to a platform wide job owned by a
// microservice instead of a single integration.
func ForMicroservice(microserviceID string) TriggerOption {
	return func(o *triggerOpts) {
		o.microserviceID = microserviceID
	}
}

// Trigger creates a pending run for the integration and enqueues it for
// the worker pool. Duplicate protection happens at claim time: if another
// run for the integration is still active the new run aborts into its
// error state when a worker picks it up.
func (e *Engine) Trigger(ctx context.Context, integrationID, tenantID string, opts ...TriggerOption) (string, error) {
	if !e.calledRun {
		return "", errors.Wrap(ErrEngineNotRunning, "ensure Run is called before triggering")
	}

	var o triggerOpts
	for _, opt := range opts {
		opt(&o)
	}

	id, err := newID()
	if err != nil {
		return "", err
	}

	run := &Run{
		ID:             id,
		IntegrationID:  integrationID,
		MicroserviceID: o.microserviceID,
		TenantID:       tenantID,
		Onboarding:     o.onboarding,
		State:          RunStatePending,
	}

	err = e.runs.Create(ctx, run)
	if err != nil {
		return "", err
	}

	err = e.queue.Send(ctx, &TriggerMessage{RunID: id})
	if err != nil {
		return "", err
	}

	return id, nil
}

// Restart resets an errored or delayed run back to pending and re-enqueues
// it, clearing the error and delay fields. Used by operators after fixing
// whatever made the run abort.
func (e *Engine) Restart(ctx context.Context, runID string) error {
	run, err := e.runs.Lookup(ctx, runID)
	if err != nil {
		return err
	}

	switch run.State {
	case RunStateError, RunStateDelayed:
	default:
		return errors.Wrap(ErrInvalidRunState, "only errored or delayed runs can be restarted", j.MKV{
			"run_id": runID,
			"state":  run.State.String(),
		})
	}

	err = e.runs.Restart(ctx, runID)
	if err != nil {
		return err
	}

	return e.queue.Send(ctx, &TriggerMessage{RunID: runID})
}

// ReplayStream enqueues forced reprocessing of a single stream of the run,
// bypassing the claim checks and the rest of the run's streams.
func (e *Engine) ReplayStream(ctx context.Context, runID, streamID string) error {
	_, err := e.streams.Lookup(ctx, streamID)
	if err != nil {
		return err
	}

	return e.queue.Send(ctx, &TriggerMessage{RunID: runID, StreamID: streamID})
}

func newID() (string, error) {
	uid, err := uuid.NewUUID()
	if err != nil {
		return "", err
	}

	return uid.String(), nil
}
