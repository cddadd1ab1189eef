// Package kafkaqueue provides a trigger queue on a kafka topic. Messages
// are keyed by run id so retriggers of the same run land on the same
// partition and stay ordered.
package kafkaqueue

import (
	"context"
	"encoding/json"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/segmentio/kafka-go"

	"github.com/luno/syncrun"
)

func New(brokers []string, topic, group string) *Queue {
	return &Queue{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokers,
			GroupID: group,
			Topic:   topic,
		}),
	}
}

type Queue struct {
	writer *kafka.Writer
	reader *kafka.Reader
}

var _ syncrun.Queue = (*Queue)(nil)

func (q *Queue) Send(ctx context.Context, msg *syncrun.TriggerMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal trigger")
	}

	err = q.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.RunID),
		Value: b,
	})
	if err != nil {
		return errors.Wrap(err, "write trigger", j.KV("run_id", msg.RunID))
	}

	return nil
}

func (q *Queue) Receive(ctx context.Context) (*syncrun.TriggerMessage, syncrun.Ack, error) {
	for {
		km, err := q.reader.FetchMessage(ctx)
		if err != nil {
			return nil, nil, errors.Wrap(err, "fetch trigger")
		}

		var msg syncrun.TriggerMessage
		err = json.Unmarshal(km.Value, &msg)
		if err != nil {
			// A malformed message would otherwise wedge the partition;
			// commit past it.
			if cerr := q.reader.CommitMessages(ctx, km); cerr != nil {
				return nil, nil, errors.Wrap(cerr, "commit malformed trigger")
			}
			continue
		}

		ack := func() error {
			return q.reader.CommitMessages(context.Background(), km)
		}

		return &msg, ack, nil
	}
}

func (q *Queue) Close() error {
	err := q.writer.Close()
	if rerr := q.reader.Close(); rerr != nil && err == nil {
		err = rerr
	}

	return err
}
