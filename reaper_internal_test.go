package syncrun

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"
	clock_testing "k8s.io/utils/clock/testing"
)

// backlogRuns simulates a delayed backlog larger than any page: every list
// call returns a full page of still-delayed runs, like a real store does
// until workers claim them.
type backlogRuns struct {
	RunStore
}

func (backlogRuns) ListDelayed(ctx context.Context, before time.Time, limit int) ([]Run, error) {
	runs := make([]Run, limit)
	for i := range runs {
		runs[i] = Run{ID: "run-" + strconv.Itoa(i), State: RunStateDelayed}
	}
	return runs, nil
}

type countQueue struct {
	mu    sync.Mutex
	sends int
}

func (q *countQueue) Send(ctx context.Context, msg *TriggerMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sends++
	return nil
}

func (q *countQueue) Receive(ctx context.Context) (*TriggerMessage, Ack, error) {
	<-ctx.Done()
	return nil, nil, ctx.Err()
}

func (q *countQueue) Close() error { return nil }

func (q *countQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sends
}

func TestSweepDelayedSinglePage(t *testing.T) {
	queue := new(countQueue)
	e := &Engine{
		runs:   backlogRuns{},
		queue:  queue,
		clock:  clock_testing.NewFakeClock(time.Now()),
		logger: noopLogger{},
		opts:   defaultOptions(),
	}

	// One sweep hands back exactly one page even though the backlog never
	// shrinks, since listed runs only leave the delayed state once a worker
	// claims them.
	err := e.sweepDelayed(context.Background())
	jtest.RequireNil(t, err)
	require.Equal(t, e.opts.reapLimit, queue.count())

	err = e.sweepDelayed(context.Background())
	jtest.RequireNil(t, err)
	require.Equal(t, 2*e.opts.reapLimit, queue.count())
}
