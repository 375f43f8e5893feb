package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

// Metrics collects per-run source statistics on its own registry
type Metrics struct {
	registry      *prometheus.Registry
	recordsTotal  *prometheus.CounterVec
	outcomesTotal *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	flagsTotal    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		recordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "m365audit",
				Subsystem: "source",
				Name:      "records_total",
				Help:      "Records returned by a source adapter.",
			},
			[]string{"source"},
		),
		outcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "m365audit",
				Subsystem: "source",
				Name:      "outcomes_total",
				Help:      "Source adapter calls partitioned by outcome.",
			},
			[]string{"source", "status"},
		),
		fetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "m365audit",
				Subsystem: "source",
				Name:      "fetch_duration_seconds",
				Help:      "Wall time of a source adapter call.",
				Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
			},
			[]string{"source"},
		),
		flagsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "m365audit",
				Subsystem: "rules",
				Name:      "flags_total",
				Help:      "Risk flags attached to report records.",
			},
			[]string{"flag", "severity"},
		),
	}
	m.registry.MustRegister(m.recordsTotal, m.outcomesTotal, m.fetchDuration, m.flagsTotal)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observeSource(status types.SourceStatus, elapsed time.Duration) {
	if m == nil {
		return
	}
	source := string(status.Source)
	m.recordsTotal.WithLabelValues(source).Add(float64(status.Records))
	m.outcomesTotal.WithLabelValues(source, string(status.Status)).Inc()
	m.fetchDuration.WithLabelValues(source).Observe(elapsed.Seconds())
}

func (m *Metrics) observeFlags(records []types.Record) {
	if m == nil {
		return
	}
	for _, r := range records {
		for _, f := range r.Flags() {
			m.flagsTotal.WithLabelValues(f.Name, f.Severity).Inc()
		}
	}
}

// WriteToTextfile writes the metrics in the node-exporter textfile format
func (m *Metrics) WriteToTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
