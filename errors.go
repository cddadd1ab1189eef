package syncrun

import (
	"fmt"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

var (
	ErrRunNotFound         = errors.New("run not found", j.C("ERR_8f2a51c03b6de914"))
	ErrStreamNotFound      = errors.New("stream not found", j.C("ERR_41bd79e2a50cf368"))
	ErrIntegrationNotFound = errors.New("integration not found", j.C("ERR_c7e0d2b95f13a846"))
	ErrAlreadyRunning      = errors.New("integration is already being processed", j.C("ERR_39d5f8016c4ab27e"))
	ErrInvalidRunState     = errors.New("invalid state for run", j.C("ERR_e82b34a9d1c06f75"))
	ErrRunHasStreams       = errors.New("run already has streams", j.C("ERR_57fc1e8a204db693"))
	ErrAdapterNotFound     = errors.New("no adapter registered for platform", j.C("ERR_b3a96d0e875c12f4"))
	ErrEngineNotRunning    = errors.New("engine is not running", j.C("ERR_f60c823d4e9a17b5"))
)

// RateLimitError signals that a platform rate limit was hit and carries the
// remote reset hint. It is expected and always recoverable: the run is
// delayed until the limit resets plus a safety margin and any in-flight
// stream is reset to pending. It is never treated as a failure.
type RateLimitError struct {
	ResetAfter time.Duration
}

func (e RateLimitError) Error() string {
	return "rate limit reached"
}

// RateLimit builds the error adapters return when the platform responds
// with a rate limit, with resetAfter taken from the platform's reset hint.
func RateLimit(resetAfter time.Duration) error {
	return RateLimitError{ResetAfter: resetAfter}
}

// FatalError marks an adapter error as structural: misconfiguration, an
// impossible state, anything that retrying cannot fix. The processor aborts
// the run into RunStateError instead of retrying the stream.
type FatalError struct {
	cause error
}

func (e FatalError) Error() string {
	return e.cause.Error()
}

func (e FatalError) Unwrap() error {
	return e.cause
}

func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return FatalError{cause: err}
}

type errorKind int

const (
	kindTransient errorKind = 0
	kindRateLimit errorKind = 1
	kindFatal     errorKind = 2
)

// classify maps an adapter error onto the engine's taxonomy: rate limits
// delay the run, fatal errors abort it, and everything else is a transient
// stream error that consumes one retry.
func classify(err error) (errorKind, RateLimitError) {
	var rle RateLimitError
	if errors.As(err, &rle) {
		return kindRateLimit, rle
	}

	var fe FatalError
	if errors.As(err, &fe) {
		return kindFatal, RateLimitError{}
	}

	if errors.IsAny(err, ErrRunNotFound, ErrStreamNotFound, ErrIntegrationNotFound, ErrAdapterNotFound, ErrInvalidRunState) {
		return kindFatal, RateLimitError{}
	}

	return kindTransient, RateLimitError{}
}

// errInfo flattens an error into the persisted payload shape shared by runs
// and streams.
func errInfo(point string, err error) *ErrorInfo {
	return &ErrorInfo{
		ErrorPoint: point,
		Message:    err.Error(),
		Raw:        fmt.Sprintf("%+v", err),
	}
}
