// Package memqueue provides an in-memory trigger queue backed by a buffered
// channel. Intended for tests and single-process deployments; messages do
// not survive a restart and delivery is at most once: ack is a noop and a
// received message is never redelivered, acked or not.
package memqueue

import (
	"context"
	"sync"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/luno/syncrun"
)

const defaultBuffer = 1024

func New(opts ...Option) *Queue {
	opt := options{
		buffer: defaultBuffer,
	}
	for _, o := range opts {
		o(&opt)
	}

	return &Queue{
		ch:     make(chan *syncrun.TriggerMessage, opt.buffer),
		closed: make(chan struct{}),
	}
}

type options struct {
	buffer int
}

type Option func(o *options)

// WithBuffer sets the channel capacity. Send fails once the buffer is full.
func WithBuffer(n int) Option {
	return func(o *options) {
		o.buffer = n
	}
}

type Queue struct {
	ch chan *syncrun.TriggerMessage

	mu     sync.Mutex
	closed chan struct{}
}

var _ syncrun.Queue = (*Queue)(nil)

func (q *Queue) Send(ctx context.Context, msg *syncrun.TriggerMessage) error {
	select {
	case <-q.closed:
		return errors.New("queue closed", j.KV("run_id", msg.RunID))
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	clone := *msg
	select {
	case q.ch <- &clone:
		return nil
	default:
		return errors.New("queue full", j.KV("run_id", msg.RunID))
	}
}

func (q *Queue) Receive(ctx context.Context) (*syncrun.TriggerMessage, syncrun.Ack, error) {
	select {
	case <-q.closed:
		return nil, nil, errors.New("queue closed")
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case msg := <-q.ch:
		return msg, func() error { return nil }, nil
	}
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case <-q.closed:
	default:
		close(q.closed)
	}

	return nil
}
