package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RoutingMetrics holds metrics for operation routing and retries.
type RoutingMetrics struct {
	// OperationsTotal tracks routed operations.
	// Labels: target (node name, or "unresolved" when the operation
	// failed before a node was picked), mode (read, strong-read, write),
	// status (ok, error)
	OperationsTotal *prometheus.CounterVec

	// RetriesTotal tracks retry attempts beyond the first.
	// Labels: reason (exhausted, unreachable, retired, io)
	RetriesTotal *prometheus.CounterVec

	// ReplicaFallbacksTotal counts reads that fell back to the primary
	// because no healthy replica was available.
	ReplicaFallbacksTotal prometheus.Counter
}

// NewRoutingMetrics creates and registers routing metrics with the default registry.
func NewRoutingMetrics() *RoutingMetrics {
	return &RoutingMetrics{
		OperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pgfleet",
				Subsystem: "routing",
				Name:      "operations_total",
				Help:      "Routed operations, broken down by target, mode, and status.",
			},
			[]string{"target", "mode", "status"},
		),
		RetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pgfleet",
				Subsystem: "routing",
				Name:      "retries_total",
				Help:      "Retry attempts beyond the first, broken down by reason.",
			},
			[]string{"reason"},
		),
		ReplicaFallbacksTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pgfleet",
				Subsystem: "routing",
				Name:      "replica_fallbacks_total",
				Help:      "Reads routed to the primary because no healthy replica was available.",
			},
		),
	}
}

// NewRoutingMetricsWithRegistry creates routing metrics registered with a
// custom registry.
func NewRoutingMetricsWithRegistry(reg prometheus.Registerer) *RoutingMetrics {
	m := &RoutingMetrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pgfleet",
				Subsystem: "routing",
				Name:      "operations_total",
				Help:      "Routed operations, broken down by target, mode, and status.",
			},
			[]string{"target", "mode", "status"},
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pgfleet",
				Subsystem: "routing",
				Name:      "retries_total",
				Help:      "Retry attempts beyond the first, broken down by reason.",
			},
			[]string{"reason"},
		),
		ReplicaFallbacksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pgfleet",
				Subsystem: "routing",
				Name:      "replica_fallbacks_total",
				Help:      "Reads routed to the primary because no healthy replica was available.",
			},
		),
	}

	reg.MustRegister(m.OperationsTotal)
	reg.MustRegister(m.RetriesTotal)
	reg.MustRegister(m.ReplicaFallbacksTotal)

	return m
}
