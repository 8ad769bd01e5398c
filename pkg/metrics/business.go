package metrics

import "github.com/prometheus/client_golang/prometheus"

// Business metrics for the payment core. Registered alongside the HTTP
// metrics by the server module; label cardinality is bounded by the
// provider and outcome enums.

var MetricsPaymentCreate = &Metric{
	ID:          "paymentCreate",
	Name:        "payment_create_total",
	Description: "Payment creation attempts, partitioned by provider and outcome.",
	Type:        "counter_vec",
	Args:        []string{"provider", "outcome"},
}

var MetricsWebhookEvents = &Metric{
	ID:          "webhookEvents",
	Name:        "webhook_events_total",
	Description: "Provider webhook deliveries, partitioned by provider and outcome.",
	Type:        "counter_vec",
	Args:        []string{"provider", "outcome"},
}

var MetricsReconcileOutcome = &Metric{
	ID:          "reconcileOutcome",
	Name:        "reconcile_outcome_total",
	Description: "Reconciliation classifications, partitioned by provider and outcome.",
	Type:        "counter_vec",
	Args:        []string{"provider", "outcome"},
}

var MetricsBusinessProcess = &Metric{
	ID:          "bpDur",
	Name:        "bp_dur",
	Description: "process latency in milliseconds",
	Type:        "histogram_vec",
	Args:        []string{"type", "subtype"},
}

var BusinessMetrics = []*Metric{
	MetricsPaymentCreate,
	MetricsWebhookEvents,
	MetricsReconcileOutcome,
	MetricsBusinessProcess,
}

// CounterVec returns the collector as a CounterVec; nil until registered.
func (m *Metric) CounterVec() *prometheus.CounterVec {
	if cv, ok := m.MetricCollector.(*prometheus.CounterVec); ok {
		return cv
	}
	return nil
}

// HistogramVec returns the collector as a HistogramVec; nil until registered.
func (m *Metric) HistogramVec() *prometheus.HistogramVec {
	if hv, ok := m.MetricCollector.(*prometheus.HistogramVec); ok {
		return hv
	}
	return nil
}
