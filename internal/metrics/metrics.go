// Package metrics exposes Prometheus collectors for the refill engine and
// the order workflow. A nil *Metrics is valid and records nothing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	WorkflowOutcomes *prometheus.CounterVec
	LedgerResults    *prometheus.CounterVec
	LedgerRetries    prometheus.Counter
	Predictions      *prometheus.GaugeVec
}

// New registers all collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WorkflowOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "refill",
			Name:      "workflow_outcomes_total",
			Help:      "Order workflows by the status they returned to the caller.",
		}, []string{"status"}),
		LedgerResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "refill",
			Name:      "ledger_decrements_total",
			Help:      "Conditional stock decrements by result.",
		}, []string{"result"}),
		LedgerRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "refill",
			Name:      "ledger_cas_retries_total",
			Help:      "Compare-and-swap conflicts that triggered a retry.",
		}),
		Predictions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "refill",
			Name:      "predictions",
			Help:      "Predictions in the last batch run by urgency.",
		}, []string{"urgency"}),
	}
	reg.MustRegister(m.WorkflowOutcomes, m.LedgerResults, m.LedgerRetries, m.Predictions)
	return m
}

func (m *Metrics) ObserveWorkflow(status string) {
	if m == nil {
		return
	}
	m.WorkflowOutcomes.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveDecrement(result string) {
	if m == nil {
		return
	}
	m.LedgerResults.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.LedgerRetries.Inc()
}

// SetPredictionCounts replaces the urgency gauge with counts from one batch.
func (m *Metrics) SetPredictionCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.Predictions.Reset()
	for urgency, n := range counts {
		m.Predictions.WithLabelValues(urgency).Set(float64(n))
	}
}
