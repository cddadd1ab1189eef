package jlog_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/log"
	"github.com/stretchr/testify/require"

	"github.com/luno/syncrun"
	"github.com/luno/syncrun/adapters/jlog"
)

func TestDebug(t *testing.T) {
	buf := bytes.NewBuffer([]byte{})
	jLogger := log.NewCmdLogger(buf, true)
	log.SetLoggerForTesting(t, jLogger)

	logger := jlog.New()
	logger.Debug(context.Background(), "claimed run", syncrun.MKV{"run_id": "run-1"})

	require.Contains(t, buf.String(), "claimed run")
	require.Contains(t, buf.String(), "run-1")
}

func TestError(t *testing.T) {
	buf := bytes.NewBuffer([]byte{})
	jLogger := log.NewCmdLogger(buf, true)
	log.SetLoggerForTesting(t, jLogger)

	logger := jlog.New()
	logger.Error(context.Background(), errors.New("stream failed"))

	require.Contains(t, buf.String(), "stream failed")
}
