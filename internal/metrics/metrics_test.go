package metrics_test

import (
	"strings"
	"testing"

	"github.com/CZERTAINLY/pipewatch/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.RunStarted("soma")
	m.RunStarted("soma")
	m.Paused("soma")
	m.Resumed("soma")
	m.RunFinished("soma", "failure")
	m.TailerStarted()
	m.Line("driver")
	m.Line("file")
	m.Line("file")

	expected := `
# HELP pipewatch_runs_active Pipeline runs whose driver is still running.
# TYPE pipewatch_runs_active gauge
pipewatch_runs_active{pipeline="soma"} 1
# HELP pipewatch_runs_finished_total Pipeline runs which exited, by outcome.
# TYPE pipewatch_runs_finished_total counter
pipewatch_runs_finished_total{outcome="failure",pipeline="soma"} 1
# HELP pipewatch_log_lines_total Log lines published, driver stdout or log files.
# TYPE pipewatch_log_lines_total counter
pipewatch_log_lines_total{source="driver"} 1
pipewatch_log_lines_total{source="file"} 2
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"pipewatch_runs_active", "pipewatch_runs_finished_total", "pipewatch_log_lines_total")
	require.NoError(t, err)
	require.Equal(t, 1, testutil.CollectAndCount(reg, "pipewatch_log_tailers"))
}

func TestNilMetrics(t *testing.T) {
	var m *metrics.Metrics
	require.NotPanics(t, func() {
		m.RunStarted("soma")
		m.RunFinished("soma", "success")
		m.Paused("soma")
		m.Resumed("soma")
		m.TailerStarted()
		m.TailerStopped()
		m.Line("driver")
	})
}
