package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Tick(nil)
	m.Tick(errors.New("db down"))
	m.Assignment("marking", "ok")
	m.Assignment("marking", "ok")
	m.SetWaiting("training", 3)
	m.MonitorStarted("marking")
	m.MonitorStarted("marking")
	m.MonitorStopped("marking")
	m.Dial(nil)
	m.SetPooled(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Ticks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TickErrors))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Assignments.WithLabelValues("marking", "ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Waiting.WithLabelValues("training")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveMonitors.WithLabelValues("marking")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dials.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PooledConns))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Tick(nil)
		m.Assignment("training", "error")
		m.Poll("training", "done")
		m.SetPooled(1)
	})
}
