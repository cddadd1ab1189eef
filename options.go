package syncrun

import (
	"time"

	"k8s.io/utils/clock"
)

type options struct {
	clock  clock.Clock
	logger Logger

	workerCount int
	errBackOff  time.Duration

	// maxRetries is the ceiling on per-stream retries before a stream is
	// abandoned.
	maxRetries int

	// rateLimitMargin is added on top of the platform's reset hint when
	// delaying a rate limited run.
	rateLimitMargin time.Duration

	// erroredRunDelay is how long a run is re-delayed when its streams have
	// drained but errored-retryable streams remain.
	erroredRunDelay time.Duration

	// shutdownPark is how long an onboarding run is parked when processing
	// is interrupted by shutdown, so it resumes soon after restart.
	shutdownPark time.Duration

	reapInterval time.Duration
	reapLimit    int

	// stuckAfter is how long a processing run may go without a heartbeat
	// before the reaper marks it errored.
	stuckAfter time.Duration

	// retention controls cleanup of old processed runs. Zero disables the
	// cleaner.
	retention       time.Duration
	cleanupInterval time.Duration

	notifier Notifier
}

func defaultOptions() options {
	return options{
		clock:           clock.RealClock{},
		logger:          noopLogger{},
		workerCount:     1,
		errBackOff:      time.Second * 30,
		maxRetries:      5,
		rateLimitMargin: time.Second * 30,
		erroredRunDelay: time.Second * 60,
		shutdownPark:    time.Minute * 3,
		reapInterval:    time.Minute,
		reapLimit:       100,
		stuckAfter:      time.Hour,
		cleanupInterval: time.Hour * 24,
	}
}

type Option func(o *options)

// WithClock replaces the clock used for all time reads, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

func WithLogger(l Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithWorkerCount defines the number of concurrent workers consuming the
// trigger queue. Streams within one run are always processed sequentially;
// parallelism only exists across runs.
func WithWorkerCount(count int) Option {
	return func(o *options) {
		o.workerCount = count
	}
}

// WithErrBackOff defines how long a background process backs off after an
// unexpected error before retrying.
func WithErrBackOff(d time.Duration) Option {
	return func(o *options) {
		o.errBackOff = d
	}
}

// WithMaxRetries defines how many times a stream may error before it is
// abandoned. Abandoned streams never block run completion.
func WithMaxRetries(max int) Option {
	return func(o *options) {
		o.maxRetries = max
	}
}

// WithRateLimitMargin defines the safety margin added to a platform's rate
// limit reset hint before the run is woken again.
func WithRateLimitMargin(d time.Duration) Option {
	return func(o *options) {
		o.rateLimitMargin = d
	}
}

// WithErroredRunDelay defines the backoff applied to a run whose remaining
// work is errored streams that still have retries left.
func WithErroredRunDelay(d time.Duration) Option {
	return func(o *options) {
		o.erroredRunDelay = d
	}
}

// WithReapInterval defines how often the delayed-run reaper sweeps.
func WithReapInterval(d time.Duration) Option {
	return func(o *options) {
		o.reapInterval = d
	}
}

// WithStuckAfter defines how stale a processing run's heartbeat may be
// before it is treated as stuck and errored.
func WithStuckAfter(d time.Duration) Option {
	return func(o *options) {
		o.stuckAfter = d
	}
}

// WithRetention enables the cleaner that deletes processed runs older than
// the given duration.
func WithRetention(d time.Duration) Option {
	return func(o *options) {
		o.retention = d
	}
}

// WithNotifier sets the collaborator notified the first time an
// integration's run completes.
func WithNotifier(n Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}
