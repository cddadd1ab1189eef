package syncrun

import (
	"context"
	"encoding/json"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// Integration is the engine's view of a connected integration. Settings is
// an opaque blob owned by the adapter; the engine only persists it at the
// points the original settings could have been mutated (rate limit delays
// and finalisation) so a crash never leaves half-updated settings behind.
type Integration struct {
	ID       string
	TenantID string

	// Platform selects the adapter from the registry, e.g. "github".
	Platform string

	Status string

	// LimitCount is the number of records processed in the current global
	// limit window, and LimitLastResetAt when that window last reset.
	LimitCount       int
	LimitLastResetAt time.Time

	Settings     json.RawMessage
	Token        string
	RefreshToken string

	// Notified guards the one-time "integration finished" notification so
	// incremental re-runs do not fire it again.
	Notified bool
}

// RunContext is the per-run scratch state threaded through every adapter
// call. It is constructed once when a worker picks up the run and owned by
// that worker for the duration of the invocation; adapters may mutate
// Integration (settings, tokens) and the engine decides when to persist it.
type RunContext struct {
	RunID      string
	TenantID   string
	Onboarding bool
	StartedAt  time.Time

	Integration *Integration

	// LimitCount tracks records processed during this invocation against
	// the adapter's global limit.
	LimitCount int

	Logger Logger
}

// Adapter is the platform specific collaborator that knows how to enumerate
// and fetch streams for one integration type. All methods may return a
// RateLimitError; the engine reacts by delaying the run. Adapters are
// registered once at worker startup and resolved by platform.
type Adapter interface {
	// Platform returns the platform identifier this adapter serves.
	Platform() string

	// Preprocess runs before stream generation or resumption, letting the
	// adapter refresh tokens or resolve settings it needs for the run.
	Preprocess(ctx context.Context, rc *RunContext) error

	// GetStreams enumerates the root units of work for a fresh run.
	GetStreams(ctx context.Context, rc *RunContext) ([]Descriptor, error)

	// ProcessStream performs the platform fetch for one stream and returns
	// parsed records, newly discovered streams, an optional next page
	// continuation and an optional sleep hint.
	ProcessStream(ctx context.Context, stream *Stream, rc *RunContext) (*StreamResult, error)

	// Postprocess runs after the stream loop drains, before finalisation.
	Postprocess(ctx context.Context, rc *RunContext) error

	// GlobalLimit caps the total records processed per limit window. Zero
	// or negative disables the cap.
	GlobalLimit() int

	// LimitResetFrequency is how often the global limit window resets.
	// Zero disables periodic resets, which also disables the cap.
	LimitResetFrequency() time.Duration
}

// OperationType identifies a bulk write operation, e.g. activity or member
// upserts. Opaque to the engine.
type OperationType string

// BulkOperation is a batch of parsed records destined for the sink.
type BulkOperation struct {
	Type    OperationType
	Records []json.RawMessage
}

// StreamResult is what a successful ProcessStream call yields.
type StreamResult struct {
	Operations []BulkOperation

	// NewStreams are child streams discovered while processing, persisted
	// as new pending rows of the same run.
	NewStreams []Descriptor

	// NextPageStream continues the current stream with advanced pagination
	// metadata, as a new row.
	NextPageStream *Descriptor

	// Sleep asks the engine to park the run for the given duration before
	// processing further streams.
	Sleep time.Duration
}

// Registry resolves adapters by platform. It is populated at startup and
// read only afterwards.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.adapters[a.Platform()] = a
	}
	return r
}

func (r *Registry) Resolve(platform string) (Adapter, error) {
	a, ok := r.adapters[platform]
	if !ok {
		return nil, errors.Wrap(ErrAdapterNotFound, "", j.KV("platform", platform))
	}

	return a, nil
}
