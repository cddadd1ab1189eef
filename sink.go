package syncrun

import (
	"context"
	"encoding/json"
)

// Sink durably upserts parsed records. Delivery is at-least-once: a stream
// retried after a crash may hand the sink records it has already seen, so
// implementations must be idempotent per record.
type Sink interface {
	Write(ctx context.Context, opType OperationType, tenantID string, records []json.RawMessage) error
}

// Notifier is told when an integration's first run completes successfully.
// The engine guards the call with Integration.Notified so it fires at most
// once per integration.
type Notifier interface {
	RunFinished(ctx context.Context, integration *Integration) error
}
