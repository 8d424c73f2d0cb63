// Package observability holds the Prometheus collectors and OpenTelemetry
// tracer shared by the intake, the workers and the scheduler.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hookgate"

// Metrics holds metric instruments. A nil *Metrics records nothing.
type Metrics struct {
	IntakeTotal        *prometheus.CounterVec
	TransitionsTotal   *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	LedgerEvents       *prometheus.GaugeVec
	QueueDepth         *prometheus.GaugeVec
	JobsTotal          *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IntakeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intake_requests_total",
			Help:      "Webhook deliveries by provider and outcome.",
		}, []string{"provider", "outcome"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_transitions_total",
			Help:      "Ledger status transitions by target status.",
		}, []string{"status"}),
		ProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_duration_seconds",
			Help:      "Time spent applying an event's side effects.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type", "result"}),
		LedgerEvents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_events",
			Help:      "Ledger rows by status.",
		}, []string{"status"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs",
			Help:      "Async jobs by status.",
		}, []string{"status"}),
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Finished async job attempts by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.IntakeTotal, m.TransitionsTotal, m.ProcessingDuration, m.LedgerEvents, m.QueueDepth, m.JobsTotal)
	return m
}

// RecordIntake counts one intake response.
func (m *Metrics) RecordIntake(provider, outcome string) {
	if m == nil {
		return
	}
	m.IntakeTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordTransition counts a ledger move into status.
func (m *Metrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(status).Inc()
}

// ObserveProcessing records how long the processor took.
func (m *Metrics) ObserveProcessing(eventType string, ok bool, seconds float64) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "error"
	}
	m.ProcessingDuration.WithLabelValues(eventType, result).Observe(seconds)
}

// RecordJob counts a finished job attempt.
func (m *Metrics) RecordJob(result string) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(result).Inc()
}

// SetLedgerCounts replaces the per-status ledger gauges.
func (m *Metrics) SetLedgerCounts(counts map[string]int) {
	if m == nil {
		return
	}
	for status, n := range counts {
		m.LedgerEvents.WithLabelValues(status).Set(float64(n))
	}
}

// SetQueueCounts replaces the per-status queue gauges.
func (m *Metrics) SetQueueCounts(counts map[string]int) {
	if m == nil {
		return
	}
	for status, n := range counts {
		m.QueueDepth.WithLabelValues(status).Set(float64(n))
	}
}
