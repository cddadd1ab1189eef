package syncrun

import (
	"context"
	"testing"

	"github.com/luno/jettison/jtest"
)

// stubStreams returns canned counts for paths that only read stream counts.
type stubStreams struct {
	StreamStore
	counts map[StreamState]int
}

func (s stubStreams) CountByState(ctx context.Context, runID string) (map[StreamState]int, error) {
	return s.counts, nil
}

func TestGenerateStreamsGuard(t *testing.T) {
	e := &Engine{
		streams: stubStreams{counts: map[StreamState]int{StreamStatePending: 2}},
		logger:  noopLogger{},
	}

	// Generating into a run that already has streams must refuse before
	// reaching the adapter.
	err := e.generateStreams(context.Background(), &Run{ID: "run-1"}, &RunContext{}, nil)
	jtest.Require(t, ErrRunHasStreams, err)
}
