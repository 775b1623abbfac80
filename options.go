package upgrade

import (
	"runtime"
	"time"

	"go.uber.org/zap"
)

// getOpts - iterate the inbound Options and return a struct.
func getOpts(opt ...Option) options {
	opts := getDefaultOptions()
	for _, o := range opt {
		o(&opts)
	}
	return opts
}

// Option - how Options are passed as arguments.
type Option func(*options)

// options = how options are represented
type options struct {
	withLogger                *zap.Logger
	withOperator              Operator
	withSilent                bool
	withProgress              ProgressSink
	withProgressInterval      time.Duration
	withHooks                 []EngineUpgrade
	withMetrics               *Metrics
	withWorkers               int
	withQueueSize             int
	withLowPriority           bool
	withAdvanceOnRecordErrors bool
	withConnectRetries        uint64
}

func getDefaultOptions() options {
	return options{
		withLogger:           zap.NewNop(),
		withProgressInterval: 500 * time.Millisecond,
		withWorkers:          runtime.NumCPU(),
		withLowPriority:      true,
		withConnectRetries:   5,

		withAdvanceOnRecordErrors: true,
	}
}

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l == nil {
			l = zap.NewNop()
		}
		o.withLogger = l
	}
}

// WithOperator provides who confirms destructive upgrades and receives
// summaries.
func WithOperator(op Operator) Option {
	return func(o *options) {
		o.withOperator = op
	}
}

// WithSilent skips operator confirmation, for unattended runs.
func WithSilent(silent bool) Option {
	return func(o *options) {
		o.withSilent = silent
	}
}

// WithProgress provides an optional sink for human-readable status text.
func WithProgress(sink ProgressSink) Option {
	return func(o *options) {
		o.withProgress = sink
	}
}

// WithProgressInterval bounds how often status text reaches the sink.
func WithProgressInterval(d time.Duration) Option {
	return func(o *options) {
		o.withProgressInterval = d
	}
}

// WithHooks registers engine-level upgrades keyed on design versions.
func WithHooks(hooks ...EngineUpgrade) Option {
	return func(o *options) {
		o.withHooks = append(o.withHooks, hooks...)
	}
}

// WithMetrics records step and record counts.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.withMetrics = m
	}
}

// WithWorkers sets the pipeline worker count. Values below one are ignored.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.withWorkers = n
		}
	}
}

// WithQueueSize sets the pipeline queue capacity. It defaults to the worker
// count.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.withQueueSize = n
		}
	}
}

// WithLowPriority controls whether pipeline workers lower their thread
// priority.
func WithLowPriority(low bool) Option {
	return func(o *options) {
		o.withLowPriority = low
	}
}

// WithAdvanceOnRecordErrors controls whether the data ledger moves past a
// record step in which some records failed. It does by default. With false
// the ledger stays below the step and the next start retries it; the run
// still completes.
func WithAdvanceOnRecordErrors(advance bool) Option {
	return func(o *options) {
		o.withAdvanceOnRecordErrors = advance
	}
}

// WithConnectRetries bounds the reachability retries at startup.
func WithConnectRetries(n uint64) Option {
	return func(o *options) {
		o.withConnectRetries = n
	}
}
