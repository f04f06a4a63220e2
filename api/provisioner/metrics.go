package provisioner

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "identity_provisioner"

// Metrics are the counters kept by the handler.
type Metrics struct {
	events           *prometheus.CounterVec
	discarded        *prometheus.CounterVec
	conflicts        prometheus.Counter
	providerFailures prometheus.Counter
}

// NewMetrics creates the handler counters and registers them with reg, if
// one is given.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Handled events by outcome.",
		}, []string{"outcome"}),
		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "discarded_events_total",
			Help:      "Events that did not carry a valid identity operation, by reason.",
		}, []string{"reason"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "twin_write_conflicts_total",
			Help:      "Document writes rejected because of a stale ETag.",
		}),
		providerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "identity_provider_failures_total",
			Help:      "Failed identity provider calls.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.discarded, m.conflicts, m.providerFailures)
	}
	return m
}
