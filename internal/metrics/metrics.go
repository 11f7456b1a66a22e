// Package metrics exposes supervisor counters to prometheus. All methods are
// safe to call on a nil *Metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pipewatch"

type Metrics struct {
	runsStarted  *prometheus.CounterVec
	runsFinished *prometheus.CounterVec
	runsActive   *prometheus.GaugeVec
	runsPaused   *prometheus.GaugeVec
	tailers      prometheus.Gauge
	lines        *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Pipeline runs successfully spawned.",
		}, []string{"pipeline"}),
		runsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Pipeline runs which exited, by outcome.",
		}, []string{"pipeline", "outcome"}),
		runsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Pipeline runs whose driver is still running.",
		}, []string{"pipeline"}),
		runsPaused: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_paused",
			Help:      "Pipeline runs suspended at a checkpoint.",
		}, []string{"pipeline"}),
		tailers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "log_tailers",
			Help:      "Log files currently followed.",
		}),
		lines: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_lines_total",
			Help:      "Log lines published, driver stdout or log files.",
		}, []string{"source"}),
	}
}

func (m *Metrics) RunStarted(pipeline string) {
	if m == nil {
		return
	}
	m.runsStarted.WithLabelValues(pipeline).Inc()
	m.runsActive.WithLabelValues(pipeline).Inc()
}

func (m *Metrics) RunFinished(pipeline, outcome string) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(pipeline, outcome).Inc()
	m.runsActive.WithLabelValues(pipeline).Dec()
}

func (m *Metrics) Paused(pipeline string) {
	if m == nil {
		return
	}
	m.runsPaused.WithLabelValues(pipeline).Inc()
}

func (m *Metrics) Resumed(pipeline string) {
	if m == nil {
		return
	}
	m.runsPaused.WithLabelValues(pipeline).Dec()
}

func (m *Metrics) TailerStarted() {
	if m == nil {
		return
	}
	m.tailers.Inc()
}

func (m *Metrics) TailerStopped() {
	if m == nil {
		return
	}
	m.tailers.Dec()
}

// Line counts one published log line, source is "driver" or "file".
func (m *Metrics) Line(source string) {
	if m == nil {
		return
	}
	m.lines.WithLabelValues(source).Inc()
}
