package syncrun

import (
	"fmt"
	"time"
)

// RunState is the lifecycle state of a Run. State transitions are stored
// synchronously and the store is the single source of truth for what a
// worker should do next; no authoritative progress is kept in memory.
type RunState int

const (
	RunStateUnknown    RunState = 0
	RunStatePending    RunState = 1
	RunStateProcessing RunState = 2
	RunStateDelayed    RunState = 3
	RunStateProcessed  RunState = 4
	RunStateError      RunState = 5
	runStateSentinel   RunState = 6
)

func (rs RunState) String() string {
	switch rs {
	case RunStateUnknown:
		return "Unknown"
	case RunStatePending:
		return "Pending"
	case RunStateProcessing:
		return "Processing"
	case RunStateDelayed:
		return "Delayed"
	case RunStateProcessed:
		return "Processed"
	case RunStateError:
		return "Error"
	default:
		return fmt.Sprintf("RunState(%d)", rs)
	}
}

func (rs RunState) Valid() bool {
	return rs > RunStateUnknown && rs < runStateSentinel
}

// Active reports whether the run still owns its integration. At most one
// active run may exist per integration at any time.
func (rs RunState) Active() bool {
	switch rs {
	case RunStatePending, RunStateProcessing, RunStateDelayed:
		return true
	default:
		return false
	}
}

func (rs RunState) Terminal() bool {
	switch rs {
	case RunStateProcessed, RunStateError:
		return true
	default:
		return false
	}
}

// ErrorInfo is the structured error payload persisted against a Run or a
// Stream for operator inspection. ErrorPoint is a machine readable tag of
// where processing failed, for example "check_existing_run" or
// "process_stream".
type ErrorInfo struct {
	ErrorPoint string `json:"errorPoint"`
	Message    string `json:"message"`
	Raw        string `json:"raw,omitempty"`
}

// Run is one execution attempt of an integration's full data pull. A run
// owns zero or more streams which are the individual retryable units of
// work. Exactly one of IntegrationID or MicroserviceID is set; the latter
// is used for platform wide jobs that are not tied to a single integration.
type Run struct {
	ID             string
	IntegrationID  string
	MicroserviceID string
	TenantID       string

	// Onboarding marks the first, typically full-history, run for a newly
	// connected integration as opposed to incremental re-runs.
	Onboarding bool

	State RunState

	// DelayedUntil is set while State is RunStateDelayed and is the
	// earliest time the reaper may hand the run back to a worker. Zero
	// means not delayed.
	DelayedUntil time.Time

	Error *ErrorInfo

	ProcessedAt time.Time
	CreatedAt   time.Time

	// UpdatedAt doubles as the run's heartbeat. Every state transition and
	// every touch while streams are being processed stamps it so that
	// liveness monitoring can detect stuck runs.
	UpdatedAt time.Time
}
