package kafkaqueue_test

import (
	"testing"

	"github.com/google/uuid"

	"github.com/luno/syncrun"
	"github.com/luno/syncrun/adapters/adaptertest"
	"github.com/luno/syncrun/adapters/kafkaqueue"
)

// Requires a local kafka broker on localhost:9092 with topic auto-creation
// enabled.
func TestQueue(t *testing.T) {
	if testing.Short() {
		t.Skip("kafka broker required")
	}

	adaptertest.RunQueueTest(t, func() syncrun.Queue {
		topic := "syncrun_triggers_" + uuid.New().String()
		return kafkaqueue.New([]string{"localhost:9092"}, topic, topic+"_group")
	})
}
