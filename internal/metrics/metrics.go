package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	platform    = "platform"
	operation   = "operation"
	reason      = "reason"
	processName = "process_name"
)

var (
	// RunsClaimed counts runs successfully claimed by a worker.
	RunsClaimed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncrun_runs_claimed_total",
		Help: "Number of runs claimed for processing",
	}, []string{platform})

	// RunsDelayed counts runs parked in a delay state, by cause.
	RunsDelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncrun_runs_delayed_total",
		Help: "Number of runs moved into the delayed state",
	}, []string{platform, reason})

	// RunErrors counts trigger messages that ended in a structural error.
	RunErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncrun_run_error_count",
		Help: "Number of runs that failed with a structural error",
	}, []string{processName})

	// RunsReaped counts delayed runs handed back to the worker pool.
	RunsReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncrun_runs_reaped_total",
		Help: "Number of delayed runs re-enqueued by the reaper",
	})

	// RunsStuck counts processing runs errored for missing their heartbeat.
	RunsStuck = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncrun_runs_stuck_total",
		Help: "Number of runs errored due to a stale heartbeat",
	})

	// StreamsProcessed counts streams that completed successfully.
	StreamsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncrun_streams_processed_total",
		Help: "Number of streams processed successfully",
	}, []string{platform})

	// StreamErrors counts stream processing failures, including retries.
	StreamErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncrun_stream_error_count",
		Help: "Number of stream processing errors",
	}, []string{platform})

	// RecordsWritten counts records forwarded to the bulk write sink.
	RecordsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncrun_records_written_total",
		Help: "Number of records forwarded to the sink",
	}, []string{platform, operation})

	// ProcessStates reflects the lifecycle state of each background process.
	ProcessStates = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "syncrun_process_states",
		Help: "The current states of all the background processes",
	}, []string{processName})

	// ProcessErrors is the number of unexpected errors from background processes.
	ProcessErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncrun_process_error_count",
		Help: "Number of errors from background processes",
	}, []string{processName})

	// ProcessLatency is how long one trigger message takes end to end.
	ProcessLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "syncrun_process_latency_seconds",
		Help:    "Run processing latency in seconds",
		Buckets: []float64{0.01, 0.1, 1, 5, 10, 60, 300},
	}, []string{processName})
)

func init() {
	prometheus.MustRegister(
		RunsClaimed,
		RunsDelayed,
		RunErrors,
		RunsReaped,
		RunsStuck,
		StreamsProcessed,
		StreamErrors,
		RecordsWritten,
		ProcessStates,
		ProcessErrors,
		ProcessLatency,
	)
}

func Reset() {
	RunsClaimed.Reset()
	RunsDelayed.Reset()
	RunErrors.Reset()
	StreamsProcessed.Reset()
	StreamErrors.Reset()
	RecordsWritten.Reset()
	ProcessStates.Reset()
	ProcessErrors.Reset()
	ProcessLatency.Reset()
}
