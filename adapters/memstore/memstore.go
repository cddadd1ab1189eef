package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"k8s.io/utils/clock"

	"github.com/luno/syncrun"
)

// New returns an in-memory implementation of the run, stream and
// integration stores sharing one state, exposed through the Runs, Streams
// and Integrations views. Intended for tests and examples; state does not
// survive a restart.
func New(opts ...Option) *Store {
	opt := options{
		clock: clock.RealClock{},
	}
	for _, o := range opts {
		o(&opt)
	}

	return &Store{
		clock:        opt.clock,
		runs:         make(map[string]*syncrun.Run),
		streams:      make(map[string]*syncrun.Stream),
		integrations: make(map[string]*syncrun.Integration),
	}
}

type options struct {
	clock clock.Clock
}

type Option func(o *options)

func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

type Store struct {
	mu    sync.Mutex
	clock clock.Clock

	runs   map[string]*syncrun.Run
	runSeq []string

	streams map[string]*syncrun.Stream
	// streamSeq preserves creation order so pending streams are claimed
	// strictly oldest first even when timestamps collide.
	streamSeq []string

	integrations map[string]*syncrun.Integration
}

func (s *Store) Runs() syncrun.RunStore {
	return &runStore{s}
}

func (s *Store) Streams() syncrun.StreamStore {
	return &streamStore{s}
}

func (s *Store) Integrations() syncrun.IntegrationStore {
	return &integrationStore{s}
}

type runStore struct {
	*Store
}

var _ syncrun.RunStore = (*runStore)(nil)

func (s *runStore) Create(ctx context.Context, run *syncrun.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	run.CreatedAt = now
	run.UpdatedAt = now

	clone := *run
	s.runs[run.ID] = &clone
	s.runSeq = append(s.runSeq, run.ID)

	return nil
}

func (s *runStore) Lookup(ctx context.Context, id string) (*syncrun.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, errors.Wrap(syncrun.ErrRunNotFound, "", j.KV("run_id", id))
	}

	clone := *run
	return &clone, nil
}

func (s *runStore) LastActive(ctx context.Context, integrationID, microserviceID, ignoreID string) (*syncrun.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Scan newest first so the most recent active run wins.
	for i := len(s.runSeq) - 1; i >= 0; i-- {
		run := s.runs[s.runSeq[i]]
		if run.ID == ignoreID || !run.State.Active() {
			continue
		}

		if integrationID != "" {
			if run.IntegrationID != integrationID {
				continue
			}
		} else if run.MicroserviceID != microserviceID {
			continue
		}

		clone := *run
		return &clone, nil
	}

	return nil, errors.Wrap(syncrun.ErrRunNotFound, "no active run",
		j.MKV{"integration_id": integrationID, "microservice_id": microserviceID})
}

func (s *runStore) MarkProcessing(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return errors.Wrap(syncrun.ErrRunNotFound, "", j.KV("run_id", id))
	}

	switch run.State {
	case syncrun.RunStatePending, syncrun.RunStateDelayed, syncrun.RunStateError:
	default:
		return errors.Wrap(syncrun.ErrInvalidRunState, "run is not claimable", j.MKV{
			"run_id": id,
			"state":  run.State.String(),
		})
	}

	run.State = syncrun.RunStateProcessing
	run.DelayedUntil = time.Time{}
	run.UpdatedAt = s.clock.Now()

	return nil
}

func (s *runStore) Delay(ctx context.Context, id string, until time.Time) error {
	return s.updateRun(id, func(run *syncrun.Run) {
		run.State = syncrun.RunStateDelayed
		run.DelayedUntil = until
	})
}

func (s *runStore) MarkError(ctx context.Context, id string, info *syncrun.ErrorInfo) error {
	return s.updateRun(id, func(run *syncrun.Run) {
		run.State = syncrun.RunStateError
		run.Error = info
	})
}

func (s *runStore) Restart(ctx context.Context, id string) error {
	return s.updateRun(id, func(run *syncrun.Run) {
		run.State = syncrun.RunStatePending
		run.DelayedUntil = time.Time{}
		run.ProcessedAt = time.Time{}
		run.Error = nil
	})
}

func (s *runStore) Touch(ctx context.Context, id string) error {
	return s.updateRun(id, func(run *syncrun.Run) {})
}

func (s *runStore) Sync(ctx context.Context, id string, maxRetries int) (syncrun.RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return syncrun.RunStateUnknown, errors.Wrap(syncrun.ErrRunNotFound, "", j.KV("run_id", id))
	}

	var all, processed, errored, retryable int
	for _, sid := range s.streamSeq {
		stream := s.streams[sid]
		if stream.RunID != run.ID {
			continue
		}

		all++
		switch stream.State {
		case syncrun.StreamStateProcessed:
			processed++
		case syncrun.StreamStateError:
			errored++
			if stream.Retries < maxRetries {
				retryable++
			}
		}
	}

	run.UpdatedAt = s.clock.Now()

	// Abandoned streams never block completion; only retryable errors keep
	// the run open.
	if all == processed+errored && retryable == 0 {
		run.State = syncrun.RunStateProcessed
		run.ProcessedAt = s.clock.Now()
		run.DelayedUntil = time.Time{}
	}

	return run.State, nil
}

func (s *runStore) ListDelayed(ctx context.Context, before time.Time, limit int) ([]syncrun.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []syncrun.Run
	for _, id := range s.runSeq {
		run := s.runs[id]
		if run.State != syncrun.RunStateDelayed || !run.DelayedUntil.Before(before) {
			continue
		}

		due = append(due, *run)
	}

	sort.Slice(due, func(i, k int) bool {
		return due[i].DelayedUntil.Before(due[k].DelayedUntil)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func (s *runStore) ListStuck(ctx context.Context, updatedBefore time.Time, limit int) ([]syncrun.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stuck []syncrun.Run
	for _, id := range s.runSeq {
		run := s.runs[id]
		if run.State != syncrun.RunStateProcessing || !run.UpdatedAt.Before(updatedBefore) {
			continue
		}

		stuck = append(stuck, *run)
		if len(stuck) == limit {
			break
		}
	}

	return stuck, nil
}

func (s *runStore) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int
	var keep []string
	for _, id := range s.runSeq {
		run := s.runs[id]
		if run.State == syncrun.RunStateProcessed && run.ProcessedAt.Before(cutoff) {
			delete(s.runs, id)
			deleted++
			continue
		}

		keep = append(keep, id)
	}
	s.runSeq = keep

	return deleted, nil
}

func (s *runStore) updateRun(id string, apply func(run *syncrun.Run)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return errors.Wrap(syncrun.ErrRunNotFound, "", j.KV("run_id", id))
	}

	apply(run)
	run.UpdatedAt = s.clock.Now()

	return nil
}

type integrationStore struct {
	*Store
}

var _ syncrun.IntegrationStore = (*integrationStore)(nil)

func (s *integrationStore) Lookup(ctx context.Context, id string) (*syncrun.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	integration, ok := s.integrations[id]
	if !ok {
		return nil, errors.Wrap(syncrun.ErrIntegrationNotFound, "", j.KV("integration_id", id))
	}

	clone := *integration
	return &clone, nil
}

func (s *integrationStore) Save(ctx context.Context, integration *syncrun.Integration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *integration
	s.integrations[integration.ID] = &clone

	return nil
}
