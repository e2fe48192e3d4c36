// Package metrics holds the Prometheus collectors of the pipeline engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lora_pipeline"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Ticks          prometheus.Counter
	TickErrors     prometheus.Counter
	Assignments    *prometheus.CounterVec
	Waiting        *prometheus.GaugeVec
	ActiveMonitors *prometheus.GaugeVec
	PollResults    *prometheus.CounterVec
	PooledConns    prometheus.Gauge
	Dials          *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Scheduler ticks executed.",
		}),
		TickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_errors_total",
			Help:      "Scheduler ticks that failed before processing tasks.",
		}),
		Assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "assignments_total",
			Help:      "Assignment attempts by stage and result.",
		}, []string{"stage", "result"}),
		Waiting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "waiting_tasks",
			Help:      "Tasks left waiting for capacity in the last tick.",
		}, []string{"stage"}),
		ActiveMonitors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "active",
			Help:      "Monitor loops currently registered.",
		}, []string{"stage"}),
		PollResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "polls_total",
			Help:      "Monitor polls by stage and result.",
		}, []string{"stage", "result"}),
		PooledConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sshpool",
			Name:      "connections",
			Help:      "Cached SSH connections.",
		}),
		Dials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sshpool",
			Name:      "dials_total",
			Help:      "SSH dials by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.Ticks, m.TickErrors, m.Assignments, m.Waiting,
			m.ActiveMonitors, m.PollResults, m.PooledConns, m.Dials)
	}
	return m
}

// Tick records one scheduler tick.
func (m *Metrics) Tick(err error) {
	if m == nil {
		return
	}
	m.Ticks.Inc()
	if err != nil {
		m.TickErrors.Inc()
	}
}

// Assignment records an assignment attempt.
func (m *Metrics) Assignment(stage, result string) {
	if m == nil {
		return
	}
	m.Assignments.WithLabelValues(stage, result).Inc()
}

// SetWaiting records the number of tasks waiting for capacity.
func (m *Metrics) SetWaiting(stage string, n int) {
	if m == nil {
		return
	}
	m.Waiting.WithLabelValues(stage).Set(float64(n))
}

// MonitorStarted increments the active monitor gauge.
func (m *Metrics) MonitorStarted(stage string) {
	if m == nil {
		return
	}
	m.ActiveMonitors.WithLabelValues(stage).Inc()
}

// MonitorStopped decrements the active monitor gauge.
func (m *Metrics) MonitorStopped(stage string) {
	if m == nil {
		return
	}
	m.ActiveMonitors.WithLabelValues(stage).Dec()
}

// Poll records a monitor poll result.
func (m *Metrics) Poll(stage, result string) {
	if m == nil {
		return
	}
	m.PollResults.WithLabelValues(stage, result).Inc()
}

// SetPooled records the number of cached connections.
func (m *Metrics) SetPooled(n int) {
	if m == nil {
		return
	}
	m.PooledConns.Set(float64(n))
}

// Dial records an SSH dial result.
func (m *Metrics) Dial(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Dials.WithLabelValues(result).Inc()
}
