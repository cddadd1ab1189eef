package memstore

import (
	"context"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/luno/syncrun"
)

type streamStore struct {
	*Store
}

var _ syncrun.StreamStore = (*streamStore)(nil)

func (s *streamStore) Create(ctx context.Context, stream *syncrun.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.insertStream(stream)

	return nil
}

func (s *streamStore) CreateBatch(ctx context.Context, streams []syncrun.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range streams {
		s.insertStream(&streams[i])
	}

	return nil
}

// insertStream stamps timestamps and defaults the state. Callers hold mu.
func (s *Store) insertStream(stream *syncrun.Stream) {
	now := s.clock.Now()
	stream.CreatedAt = now
	stream.UpdatedAt = now
	if stream.State == syncrun.StreamStateUnknown {
		stream.State = syncrun.StreamStatePending
	}

	clone := *stream
	s.streams[stream.ID] = &clone
	s.streamSeq = append(s.streamSeq, stream.ID)
}

func (s *streamStore) Lookup(ctx context.Context, id string) (*syncrun.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[id]
	if !ok {
		return nil, errors.Wrap(syncrun.ErrStreamNotFound, "", j.KV("stream_id", id))
	}

	clone := *stream
	return &clone, nil
}

func (s *streamStore) NextPending(ctx context.Context, runID string, maxRetries int) (*syncrun.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for _, id := range s.streamSeq {
		stream := s.streams[id]
		if stream.RunID != runID {
			continue
		}

		switch stream.State {
		case syncrun.StreamStatePending:
		case syncrun.StreamStateError:
			if stream.Retries >= maxRetries {
				continue
			}
			backoff := syncrun.RetryBackoff * time.Duration(stream.Retries)
			if now.Before(stream.UpdatedAt.Add(backoff)) {
				continue
			}
		default:
			continue
		}

		clone := *stream
		return &clone, nil
	}

	return nil, errors.Wrap(syncrun.ErrStreamNotFound, "no claimable stream", j.KV("run_id", runID))
}

func (s *streamStore) CountByState(ctx context.Context, runID string) (map[syncrun.StreamState]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[syncrun.StreamState]int)
	for _, id := range s.streamSeq {
		stream := s.streams[id]
		if stream.RunID != runID {
			continue
		}

		counts[stream.State]++
	}

	return counts, nil
}

func (s *streamStore) MarkProcessing(ctx context.Context, id string) error {
	return s.updateStream(id, func(stream *syncrun.Stream) {
		stream.State = syncrun.StreamStateProcessing
	})
}

func (s *streamStore) MarkProcessed(ctx context.Context, id string) error {
	return s.updateStream(id, func(stream *syncrun.Stream) {
		stream.State = syncrun.StreamStateProcessed
		stream.ProcessedAt = s.clock.Now()
	})
}

func (s *streamStore) MarkError(ctx context.Context, id string, info *syncrun.ErrorInfo) (int, error) {
	var retries int
	err := s.updateStream(id, func(stream *syncrun.Stream) {
		stream.State = syncrun.StreamStateError
		stream.Retries++
		stream.Error = info
		retries = stream.Retries
	})
	if err != nil {
		return 0, err
	}

	return retries, nil
}

func (s *streamStore) ResetProcessing(ctx context.Context, runID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reset int
	for _, id := range s.streamSeq {
		stream := s.streams[id]
		if stream.RunID != runID || stream.State != syncrun.StreamStateProcessing {
			continue
		}

		stream.State = syncrun.StreamStatePending
		stream.UpdatedAt = s.clock.Now()
		reset++
	}

	return reset, nil
}

func (s *streamStore) Reset(ctx context.Context, id string) error {
	return s.updateStream(id, func(stream *syncrun.Stream) {
		stream.State = syncrun.StreamStatePending
		stream.Retries = 0
		stream.Error = nil
	})
}

func (s *Store) updateStream(id string, apply func(stream *syncrun.Stream)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[id]
	if !ok {
		return errors.Wrap(syncrun.ErrStreamNotFound, "", j.KV("stream_id", id))
	}

	apply(stream)
	stream.UpdatedAt = s.clock.Now()

	return nil
}
