package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WorkflowMetrics holds the collectors updated by the payment confirmation workflow.
type WorkflowMetrics struct {
	// Outcomes counts finished runs by flow, method and outcome kind.
	Outcomes *prometheus.CounterVec
	// Transitions counts session state transitions.
	Transitions *prometheus.CounterVec
	// StatusChecks counts backend status probes by normalised result.
	StatusChecks *prometheus.CounterVec
	// Superseded counts sessions cancelled by a newer run for the same subject.
	Superseded prometheus.Counter
	// RunDuration records wall time of a run in seconds.
	RunDuration *prometheus.HistogramVec
}

// NewWorkflowMetrics initialises and registers workflow collectors on reg.
func NewWorkflowMetrics(namespace string, reg prometheus.Registerer) *WorkflowMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &WorkflowMetrics{
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_outcomes_total",
			Help:      "Count of payment confirmation runs by outcome.",
		}, []string{"flow", "method", "outcome"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_transitions_total",
			Help:      "Count of checkout session state transitions.",
		}, []string{"from", "to"}),
		StatusChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_status_checks_total",
			Help:      "Count of payment status probes by result.",
		}, []string{"result"}),
		Superseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_superseded_total",
			Help:      "Number of sessions superseded by a newer run.",
		}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkout_run_duration_seconds",
			Help:      "Duration of payment confirmation runs in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"flow", "outcome"}),
	}

	mustRegisterCollector(reg, m.Outcomes, func(existing prometheus.Collector) {
		if v, ok := existing.(*prometheus.CounterVec); ok {
			m.Outcomes = v
		}
	})
	mustRegisterCollector(reg, m.Transitions, func(existing prometheus.Collector) {
		if v, ok := existing.(*prometheus.CounterVec); ok {
			m.Transitions = v
		}
	})
	mustRegisterCollector(reg, m.StatusChecks, func(existing prometheus.Collector) {
		if v, ok := existing.(*prometheus.CounterVec); ok {
			m.StatusChecks = v
		}
	})
	mustRegisterCollector(reg, m.Superseded, func(existing prometheus.Collector) {
		if v, ok := existing.(prometheus.Counter); ok {
			m.Superseded = v
		}
	})
	mustRegisterCollector(reg, m.RunDuration, func(existing prometheus.Collector) {
		if v, ok := existing.(*prometheus.HistogramVec); ok {
			m.RunDuration = v
		}
	})
	return m
}

// ObserveRun records the outcome and duration of a finished run. Safe on a nil receiver.
func (m *WorkflowMetrics) ObserveRun(flow, method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(flow, method, outcome).Inc()
	m.RunDuration.WithLabelValues(flow, outcome).Observe(elapsed.Seconds())
}

// ObserveTransition counts a state change. Safe on a nil receiver.
func (m *WorkflowMetrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

// ObserveStatusCheck counts a status probe result. Safe on a nil receiver.
func (m *WorkflowMetrics) ObserveStatusCheck(result string) {
	if m == nil {
		return
	}
	m.StatusChecks.WithLabelValues(result).Inc()
}

// ObserveSuperseded counts a superseded session. Safe on a nil receiver.
func (m *WorkflowMetrics) ObserveSuperseded() {
	if m == nil {
		return
	}
	m.Superseded.Inc()
}
