package syncrun

import "context"

type Logger interface {
	// Debug will be used by the engine for debug and progress logs.
	Debug(ctx context.Context, msg string, meta MKV)
	// Error is used when writing errors to the logs. Rate limits are never
	// logged through Error as they are expected behaviour.
	Error(ctx context.Context, err error)
}

// MKV is a multiple key value store for the logger to format into its output.
type MKV map[string]string

type noopLogger struct{}

func (noopLogger) Debug(ctx context.Context, msg string, meta MKV) {}

func (noopLogger) Error(ctx context.Context, err error) {}
