// Package reflexqueue provides a trigger queue on a reflex events table.
// Triggers become rows in a MySQL events table and workers consume them as
// a reflex stream with a cursor per consumer group, so a restart resumes
// exactly where the previous worker left off.
package reflexqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"

	"github.com/luno/fate"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/reflex"
	"github.com/luno/reflex/rsql"

	"github.com/luno/syncrun"
)

type eventType int

func (t eventType) ReflexType() int {
	return int(t)
}

// eventTypeTrigger is the single event type in the table; the metadata
// payload distinguishes run triggers from stream replays.
const eventTypeTrigger eventType = 1

func New(writer, reader *sql.DB, table *rsql.EventsTable, cursors reflex.CursorStore, consumerName string) *Queue {
	return &Queue{
		writer:  writer,
		reader:  reader,
		events:  table,
		cursors: cursors,
		name:    consumerName,
	}
}

type Queue struct {
	writer  *sql.DB
	reader  *sql.DB
	events  *rsql.EventsTable
	cursors reflex.CursorStore
	name    string

	mu     sync.Mutex
	stream reflex.StreamClient
}

var _ syncrun.Queue = (*Queue)(nil)

func (q *Queue) Send(ctx context.Context, msg *syncrun.TriggerMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal trigger")
	}

	tx, err := q.writer.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin trigger tx")
	}
	defer tx.Rollback()

	notify, err := q.events.InsertWithMetadata(ctx, tx, msg.RunID, eventTypeTrigger, b)
	if err != nil {
		return errors.Wrap(err, "insert trigger", j.KV("run_id", msg.RunID))
	}

	err = tx.Commit()
	if err != nil {
		return errors.Wrap(err, "commit trigger")
	}

	notify()

	return nil
}

func (q *Queue) Receive(ctx context.Context) (*syncrun.TriggerMessage, syncrun.Ack, error) {
	stream, err := q.streamClient(ctx)
	if err != nil {
		return nil, nil, err
	}

	for {
		event, err := stream.Recv()
		if err != nil {
			// The stream is dead; reopen from the cursor on the next call.
			q.mu.Lock()
			q.stream = nil
			q.mu.Unlock()
			return nil, nil, errors.Wrap(err, "recv trigger")
		}

		var msg syncrun.TriggerMessage
		err = json.Unmarshal(event.MetaData, &msg)
		if err != nil {
			// Skip malformed events but advance the cursor past them.
			err = q.cursors.SetCursor(ctx, q.name, event.ID)
			if err != nil {
				return nil, nil, errors.Wrap(err, "cursor past malformed trigger")
			}
			continue
		}

		eventID := event.ID
		ack := func() error {
			return q.cursors.SetCursor(context.Background(), q.name, eventID)
		}

		return &msg, ack, nil
	}
}

func (q *Queue) streamClient(ctx context.Context) (reflex.StreamClient, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stream != nil {
		return q.stream, nil
	}

	cursor, err := q.cursors.GetCursor(ctx, q.name)
	if err != nil {
		return nil, errors.Wrap(err, "get cursor", j.KV("consumer", q.name))
	}

	stream, err := q.events.ToStream(q.reader)(ctx, cursor)
	if err != nil {
		return nil, errors.Wrap(err, "open trigger stream")
	}

	q.stream = stream
	return stream, nil
}

func (q *Queue) Close() error {
	return q.cursors.Flush(context.Background())
}

// Relay consumes the events table and forwards every trigger to dst,
// typically an in-process queue feeding the worker pool. It blocks until
// ctx is cancelled and is safe to run under a process supervisor that
// restarts it on error. Delivery is at least once; the cursor only
// advances once dst accepted the trigger.
func (q *Queue) Relay(ctx context.Context, dst syncrun.Queue) error {
	consumer := reflex.NewConsumer(q.name+"_relay",
		func(ctx context.Context, f fate.Fate, e *reflex.Event) error {
			var msg syncrun.TriggerMessage
			err := json.Unmarshal(e.MetaData, &msg)
			if err != nil {
				// Malformed events are skipped, not retried.
				return nil
			}

			err = dst.Send(ctx, &msg)
			if err != nil {
				return errors.Wrap(err, "relay trigger", j.KV("run_id", msg.RunID))
			}

			return f.Tempt()
		})

	spec := reflex.NewSpec(q.events.ToStream(q.reader), q.cursors, consumer)

	return reflex.Run(ctx, spec)
}
