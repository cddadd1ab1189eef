package syncrun

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/luno/syncrun/internal/metrics"
)

// Engine is the integration run scheduler. It claims pending runs off the
// trigger queue, drives their streams through the platform adapters, writes
// results to the sink and keeps the run and stream stores as the single
// source of truth so any invocation can resume from a crash.
type Engine struct {
	runs         RunStore
	streams      StreamStore
	integrations IntegrationStore
	registry     *Registry
	queue        Queue
	sink         Sink

	ctx       context.Context
	cancel    context.CancelFunc
	clock     clock.Clock
	logger    Logger
	calledRun bool
	once      sync.Once

	opts options

	stateMu sync.Mutex
	// state holds the lifecycle of every background process (workers,
	// reaper, schedulers) keyed by process name.
	state map[string]State
	// launching tracks goroutines spawned but not yet recorded in state so
	// Run only returns once every process is accounted for.
	launching sync.WaitGroup
}

func New(
	runs RunStore,
	streams StreamStore,
	integrations IntegrationStore,
	registry *Registry,
	queue Queue,
	sink Sink,
	opts ...Option,
) *Engine {
	opt := defaultOptions()
	for _, o := range opts {
		o(&opt)
	}

	return &Engine{
		runs:         runs,
		streams:      streams,
		integrations: integrations,
		registry:     registry,
		queue:        queue,
		sink:         sink,
		clock:        opt.clock,
		logger:       opt.logger,
		opts:         opt,
		state:        make(map[string]State),
	}
}

// Run starts the background workers and reapers. It only needs to be called
// once; subsequent calls are noops. Run returns once every process has been
// launched.
func (e *Engine) Run(ctx context.Context) {
	e.once.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		e.ctx = ctx
		e.cancel = cancel
		e.calledRun = true

		for i := 1; i <= e.opts.workerCount; i++ {
			i := i
			track(e, func() {
				worker(e, i, e.opts.workerCount)
			})
		}

		track(e, func() {
			delayedReaper(e)
		})

		track(e, func() {
			stuckReaper(e)
		})

		if e.opts.retention > 0 {
			track(e, func() {
				cleaner(e)
			})
		}
	})

	e.launching.Wait()
}

// Stop cancels the context provided to all background processes and waits
// for them to shut down.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}

	e.cancel()

	for {
		var running int
		for _, s := range e.States() {
			switch s {
			case StateUnknown, StateShutdown:
				continue
			default:
				running++
			}
		}

		if running == 0 {
			return
		}

		time.Sleep(time.Millisecond * 10)
	}
}

// track starts a new goroutine for fn and ensures it is accounted for via
// launching.
func track(e *Engine, fn func()) {
	e.launching.Add(1)
	go fn()
}

// run is the standard way of running a blocking background process with a
// built-in error backoff and state tracking.
func (e *Engine) run(processName string, process func(ctx context.Context) error) {
	e.updateState(processName, StateIdle)
	defer e.updateState(processName, StateShutdown)
	e.launching.Done()

	for {
		if e.ctx.Err() != nil {
			return
		}

		e.updateState(processName, StateRunning)

		err := process(e.ctx)
		if err == nil || e.ctx.Err() != nil {
			continue
		}

		e.logger.Error(e.ctx, err)
		metrics.ProcessErrors.WithLabelValues(processName).Inc()

		timer := e.clock.NewTimer(e.opts.errBackOff)
		select {
		case <-e.ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}
	}
}

func (e *Engine) updateState(processName string, s State) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	e.state[processName] = s
	metrics.ProcessStates.WithLabelValues(processName).Set(float64(s))
}

// States returns a copy of the current lifecycle state of every background
// process.
func (e *Engine) States() map[string]State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	states := make(map[string]State, len(e.state))
	for k, v := range e.state {
		states[k] = v
	}

	return states
}

// State is the lifecycle of one background process of the engine.
type State int

const (
	StateUnknown  State = 0
	StateIdle     State = 1
	StateRunning  State = 2
	StateShutdown State = 3
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

func wait(ctx context.Context, c clock.Clock, d time.Duration) error {
	if d == 0 {
		return nil
	}

	t := c.NewTimer(d)
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-t.C():
		return nil
	}
}
