package upgrade

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	labelSuccess = "success"
	labelFailed  = "failed"

	recordModified  = "modified"
	recordUnchanged = "unchanged"
	recordMissing   = "missing"
	recordFailed    = "failed"
)

// Metrics holds counters for upgrade runs. A nil *Metrics records nothing.
type Metrics struct {
	Steps         *prometheus.CounterVec
	StepDuration  *prometheus.HistogramVec
	Records       *prometheus.CounterVec
	LedgerVersion *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	const (
		namespace = "upgrade"
		subsystem = "chain"
	)

	return &Metrics{
		Steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "steps_total",
			Help:      "Count of applied upgrade steps",
		}, []string{"chain", "result"}),

		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "step_duration_seconds",
			Help:      "Histogram of time spent applying a single upgrade step",
			Buckets:   prometheus.ExponentialBuckets(1e-3, 5, 9),
		}, []string{"chain"}),

		Records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "records_total",
			Help:      "Count of records handled by per-record updates",
		}, []string{"result"}),

		LedgerVersion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "version",
			Help:      "Version persisted in the ledger",
		}, []string{"chain"}),
	}
}

func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Steps,
		m.StepDuration,
		m.Records,
		m.LedgerVersion,
	}
}

func (m *Metrics) step(c Counter, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := labelSuccess
	if err != nil {
		result = labelFailed
	}
	m.Steps.WithLabelValues(string(c), result).Inc()
	m.StepDuration.WithLabelValues(string(c)).Observe(d.Seconds())
}

func (m *Metrics) record(result string) {
	if m == nil {
		return
	}
	m.Records.WithLabelValues(result).Inc()
}

func (m *Metrics) version(c Counter, v int) {
	if m == nil {
		return
	}
	m.LedgerVersion.WithLabelValues(string(c)).Set(float64(v))
}
