package syncrun

import "context"

// TriggerMessage asks a worker to process a run. StreamID, when set, forces
// reprocessing of that single stream and nothing else; used for manual
// replay of a stream that misbehaved.
type TriggerMessage struct {
	RunID    string `json:"runId"`
	StreamID string `json:"streamId,omitempty"`
}

// Ack marks a received message as handled. Messages that are not acked are
// redelivered, which is safe because processing a run is resumable from
// store state alone.
type Ack func() error

// Queue is the durable trigger queue feeding the worker pool.
// Implementations should all be tested with adaptertest.RunQueueTest.
type Queue interface {
	Send(ctx context.Context, msg *TriggerMessage) error

	// Receive blocks until a message is available or ctx is cancelled.
	Receive(ctx context.Context) (*TriggerMessage, Ack, error)

	Close() error
}
