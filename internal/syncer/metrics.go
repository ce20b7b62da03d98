package syncer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds per-run counters. Runs are one-shot, so they are exported
// as a node-exporter textfile instead of served.
type Metrics struct {
	registry    *prometheus.Registry
	files       *prometheus.CounterVec
	backfilled  prometheus.Counter
	kbCreated   prometheus.Counter
	duration    prometheus.Gauge
	lastSuccess prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kbsync_files_total",
			Help: "Files processed in the last run, by outcome.",
		}, []string{"outcome"}),
		backfilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kbsync_backfilled_total",
			Help: "State records reconstructed from files already in a knowledge base.",
		}),
		kbCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kbsync_knowledge_bases_created_total",
			Help: "Knowledge bases created in the last run.",
		}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kbsync_run_duration_seconds",
			Help: "Wall time of the last run.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kbsync_last_run_timestamp_seconds",
			Help: "Unix time the last run finished.",
		}),
	}
	m.registry.MustRegister(m.files, m.backfilled, m.kbCreated, m.duration, m.lastSuccess)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observeOutcome(outcome string) {
	if m == nil {
		return
	}
	m.files.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeBackfill(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.backfilled.Add(float64(n))
}

func (m *Metrics) observeCreate() {
	if m == nil {
		return
	}
	m.kbCreated.Inc()
}

func (m *Metrics) observeRun(started, finished time.Time) {
	if m == nil {
		return
	}
	m.duration.Set(finished.Sub(started).Seconds())
	m.lastSuccess.Set(float64(finished.Unix()))
}

// WriteTextfile atomically writes the registry in the text exposition
// format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
