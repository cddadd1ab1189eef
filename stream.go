package syncrun

import (
	"encoding/json"
	"fmt"
	"time"
)

// StreamState is the lifecycle state of a Stream.
type StreamState int

const (
	StreamStateUnknown    StreamState = 0
	StreamStatePending    StreamState = 1
	StreamStateProcessing StreamState = 2
	StreamStateProcessed  StreamState = 3
	StreamStateError      StreamState = 4
	streamStateSentinel   StreamState = 5
)

func (ss StreamState) String() string {
	switch ss {
	case StreamStateUnknown:
		return "Unknown"
	case StreamStatePending:
		return "Pending"
	case StreamStateProcessing:
		return "Processing"
	case StreamStateProcessed:
		return "Processed"
	case StreamStateError:
		return "Error"
	default:
		return fmt.Sprintf("StreamState(%d)", ss)
	}
}

func (ss StreamState) Valid() bool {
	return ss > StreamStateUnknown && ss < streamStateSentinel
}

// Stream is one unit of work within a run, for example "fetch page 3 of
// stargazers for repo X". Streams are append only: a next page or a child
// discovered while processing becomes a new row rather than a mutation of
// the current one, preserving an audit trail of everything fetched.
type Stream struct {
	ID             string
	RunID          string
	TenantID       string
	IntegrationID  string
	MicroserviceID string

	// Name identifies the stream to the adapter, e.g. "stargazers" or
	// "answers_to_question:123". The engine never interprets it.
	Name string

	// Metadata is an opaque payload owned by the adapter: pagination
	// cursors, parent entity ids, repo descriptors. The engine stores and
	// returns it verbatim.
	Metadata json.RawMessage

	State StreamState

	// Retries is incremented each time processing the stream errors. Once
	// it reaches the configured ceiling the stream is abandoned without
	// blocking the rest of the run.
	Retries int

	Error *ErrorInfo

	ProcessedAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Descriptor is what adapters return when enumerating work: the identity
// and opaque metadata of a stream that does not exist yet.
type Descriptor struct {
	Name     string
	Metadata json.RawMessage
}

// RetryBackoff is how long an errored stream stays unclaimable per retry
// already consumed: a stream on its nth retry becomes eligible again only
// once its last update is older than n times this value.
const RetryBackoff = time.Minute * 5

