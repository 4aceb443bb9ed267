// Package metrics exposes Prometheus collectors for executions, steps,
// approvals, schedules and triggers. A nil *Metrics records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every opflow collector.
type Metrics struct {
	executions         *prometheus.CounterVec
	activeExecutions   prometheus.Gauge
	steps              *prometheus.CounterVec
	stepAttempts       prometheus.Counter
	stepDuration       prometheus.Histogram
	approvals          *prometheus.CounterVec
	scheduleLaunches   prometheus.Counter
	triggerLaunches    prometheus.Counter
	triggerRateLimited prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opflow",
			Name:      "executions_total",
			Help:      "Executions that reached a terminal state, by state.",
		}, []string{"state"}),
		activeExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opflow",
			Name:      "active_executions",
			Help:      "Executions currently running or paused.",
		}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opflow",
			Name:      "steps_total",
			Help:      "Steps that reached a terminal state, by type and state.",
		}, []string{"type", "state"}),
		stepAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opflow",
			Name:      "step_attempts_total",
			Help:      "Individual action attempts, retries included.",
		}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "opflow",
			Name:      "step_duration_seconds",
			Help:      "Wall time of a step from start to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opflow",
			Name:      "approvals_total",
			Help:      "Approval requests by terminal status.",
		}, []string{"status"}),
		scheduleLaunches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opflow",
			Name:      "schedule_launches_total",
			Help:      "Executions started by schedules.",
		}),
		triggerLaunches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opflow",
			Name:      "trigger_launches_total",
			Help:      "Executions started by event triggers.",
		}),
		triggerRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opflow",
			Name:      "trigger_rate_limited_total",
			Help:      "Trigger matches dropped by a rate limit.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.executions, m.activeExecutions, m.steps, m.stepAttempts, m.stepDuration,
		m.approvals, m.scheduleLaunches, m.triggerLaunches, m.triggerRateLimited,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ExecutionStarted increments the active gauge.
func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.activeExecutions.Inc()
}

// ExecutionFinished counts a terminal execution and decrements the active gauge.
func (m *Metrics) ExecutionFinished(state string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(state).Inc()
	m.activeExecutions.Dec()
}

// StepFinished counts a terminal step and observes its duration when known.
func (m *Metrics) StepFinished(stepType, state string, d time.Duration) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(stepType, state).Inc()
	if d > 0 {
		m.stepDuration.Observe(d.Seconds())
	}
}

// StepAttempt counts one action attempt.
func (m *Metrics) StepAttempt() {
	if m == nil {
		return
	}
	m.stepAttempts.Inc()
}

// ApprovalResolved counts an approval reaching status.
func (m *Metrics) ApprovalResolved(status string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(status).Inc()
}

// ScheduleLaunched counts a schedule-driven launch.
func (m *Metrics) ScheduleLaunched() {
	if m == nil {
		return
	}
	m.scheduleLaunches.Inc()
}

// TriggerLaunched counts a trigger-driven launch.
func (m *Metrics) TriggerLaunched() {
	if m == nil {
		return
	}
	m.triggerLaunches.Inc()
}

// TriggerRateLimited counts a match dropped by a rate limit.
func (m *Metrics) TriggerRateLimited() {
	if m == nil {
		return
	}
	m.triggerRateLimited.Inc()
}
