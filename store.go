package syncrun

import (
	"context"
	"time"
)

// RunStore is the durable record of runs. Implementations should all be
// tested with adaptertest.RunRunStoreTest. Every update targets a single
// row by id and must fail with ErrRunNotFound when no row was affected;
// that row-count check is the engine's cheap optimistic-concurrency guard.
type RunStore interface {
	Create(ctx context.Context, run *Run) error
	Lookup(ctx context.Context, id string) (*Run, error)

	// LastActive returns the most recent run for the integration (or
	// microservice when integrationID is empty) that is still in an active
	// state, excluding ignoreID. ErrRunNotFound is returned when there is
	// none; this is the query behind the at-most-one-active-run guarantee.
	LastActive(ctx context.Context, integrationID, microserviceID, ignoreID string) (*Run, error)

	// MarkProcessing transitions the run to RunStateProcessing and clears
	// any delay. It only applies to runs in a claimable state (pending,
	// delayed or errored) and fails with ErrInvalidRunState otherwise,
	// which is what serialises two workers racing to claim the same run.
	MarkProcessing(ctx context.Context, id string) error

	// Delay parks the run in RunStateDelayed until the given time.
	Delay(ctx context.Context, id string, until time.Time) error

	// MarkError moves the run to its terminal error state with the
	// structured payload surfaced to operators.
	MarkError(ctx context.Context, id string, info *ErrorInfo) error

	// Restart resets an errored or delayed run back to RunStatePending,
	// clearing the error and delay fields.
	Restart(ctx context.Context, id string) error

	// Touch stamps the run's heartbeat without changing state.
	Touch(ctx context.Context, id string) error

	// Sync recomputes the run's state from its streams: once every stream
	// is processed, or errored with retries at or above maxRetries, the run
	// is marked processed. Otherwise the state is left untouched. The
	// resulting state is returned either way.
	Sync(ctx context.Context, id string, maxRetries int) (RunState, error)

	// ListDelayed returns delayed runs whose wake time has passed, ordered
	// by DelayedUntil ascending so a backlog drains oldest first.
	ListDelayed(ctx context.Context, before time.Time, limit int) ([]Run, error)

	// ListStuck returns processing runs whose heartbeat is older than the
	// given time.
	ListStuck(ctx context.Context, updatedBefore time.Time, limit int) ([]Run, error)

	// DeleteProcessedBefore removes processed runs older than the cutoff
	// and returns how many were deleted.
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// StreamStore is the durable record of a run's units of work. It is append
// only with respect to identity: pagination and child discovery create new
// rows. Implementations should all be tested with
// adaptertest.RunStreamStoreTest.
type StreamStore interface {
	Create(ctx context.Context, stream *Stream) error
	CreateBatch(ctx context.Context, streams []Stream) error
	Lookup(ctx context.Context, id string) (*Stream, error)

	// NextPending returns the oldest claimable stream of the run: pending,
	// or errored with retries below maxRetries once its retry backoff has
	// lapsed. ErrStreamNotFound is returned when the run is drained.
	NextPending(ctx context.Context, runID string, maxRetries int) (*Stream, error)

	// CountByState returns per-state stream counts for the run.
	CountByState(ctx context.Context, runID string) (map[StreamState]int, error)

	MarkProcessing(ctx context.Context, id string) error
	MarkProcessed(ctx context.Context, id string) error

	// MarkError moves the stream to StreamStateError, increments its retry
	// count and returns the new count.
	MarkError(ctx context.Context, id string, info *ErrorInfo) (int, error)

	// Reset silently returns the stream to StreamStatePending, clearing
	// error and retry state. Used when a rate limit interrupts the run
	// before the stream's result could be committed.
	Reset(ctx context.Context, id string) error

	// ResetProcessing returns all of the run's processing streams to
	// StreamStatePending, keeping their retry counts, and reports how many
	// were reset. Used when a run loses its worker mid-stream, since
	// processing streams are otherwise never claimable again.
	ResetProcessing(ctx context.Context, runID string) (int, error)
}

// IntegrationStore is the collaborator holding per-integration settings the
// engine snapshots around a run: platform, rate limit accounting, rotated
// tokens and the one-time completion notification flag. The engine never
// interprets Settings.
type IntegrationStore interface {
	Lookup(ctx context.Context, id string) (*Integration, error)
	Save(ctx context.Context, integration *Integration) error
}
