package syncrun

import (
	"testing"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected errorKind
	}{
		{
			name:     "rate limit",
			err:      RateLimit(time.Minute),
			expected: kindRateLimit,
		},
		{
			name:     "wrapped rate limit",
			err:      errors.Wrap(RateLimit(time.Minute), "fetching page"),
			expected: kindRateLimit,
		},
		{
			name:     "fatal",
			err:      Fatal(errors.New("bad credentials")),
			expected: kindFatal,
		},
		{
			name:     "sentinel is fatal",
			err:      errors.Wrap(ErrIntegrationNotFound, ""),
			expected: kindFatal,
		},
		{
			name:     "invalid state is fatal",
			err:      errors.Wrap(ErrInvalidRunState, ""),
			expected: kindFatal,
		},
		{
			name:     "anything else is transient",
			err:      errors.New("upstream 500"),
			expected: kindTransient,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			kind, _ := classify(tc.err)
			require.Equal(t, tc.expected, kind)
		})
	}
}

func TestClassifyRateLimitResetAfter(t *testing.T) {
	kind, rl := classify(errors.Wrap(RateLimit(time.Hour), "stargazers"))
	require.Equal(t, kindRateLimit, kind)
	require.Equal(t, time.Hour, rl.ResetAfter)
}

func TestFatalNil(t *testing.T) {
	require.Nil(t, Fatal(nil))
}

func TestErrInfo(t *testing.T) {
	info := errInfo("process_stream", errors.New("boom"))
	require.Equal(t, "process_stream", info.ErrorPoint)
	require.Equal(t, "boom", info.Message)
	require.Contains(t, info.Raw, "boom")
}
