package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PoolMetrics holds metrics for the per-node connection pools.
type PoolMetrics struct {
	// ConnsTotal tracks open connections per node.
	// Labels: node, role (coordinator, worker, replica), state (in_use, idle)
	ConnsTotal *prometheus.GaugeVec

	// Waiters tracks callers currently blocked in Acquire per node.
	Waiters *prometheus.GaugeVec

	// AcquiresTotal tracks acquire outcomes.
	// Labels: node, outcome (ok, exhausted, unavailable, cancelled)
	AcquiresTotal *prometheus.CounterVec

	// ValidationsTotal tracks idle-connection validations.
	// Labels: node, outcome (ok, failed)
	ValidationsTotal *prometheus.CounterVec

	// DegradedPools tracks pools currently in the degraded state.
	DegradedPools prometheus.Gauge
}

// NewPoolMetrics creates and registers pool metrics with the default registry.
func NewPoolMetrics() *PoolMetrics {
	return &PoolMetrics{
		ConnsTotal: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "pgfleet",
				Subsystem: "pool",
				Name:      "connections",
				Help:      "Open connections per node, broken down by state.",
			},
			[]string{"node", "role", "state"},
		),
		Waiters: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "pgfleet",
				Subsystem: "pool",
				Name:      "waiters",
				Help:      "Callers currently waiting for a free connection slot.",
			},
			[]string{"node", "role"},
		),
		AcquiresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pgfleet",
				Subsystem: "pool",
				Name:      "acquires_total",
				Help:      "Total acquire attempts, broken down by outcome.",
			},
			[]string{"node", "outcome"},
		),
		ValidationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pgfleet",
				Subsystem: "pool",
				Name:      "validations_total",
				Help:      "Idle connection validations, broken down by outcome.",
			},
			[]string{"node", "outcome"},
		),
		DegradedPools: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pgfleet",
				Subsystem: "pool",
				Name:      "degraded",
				Help:      "Number of pools currently degraded.",
			},
		),
	}
}

// NewPoolMetricsWithRegistry creates pool metrics registered with a custom
// registry. Useful for testing to avoid conflicts with the default registry.
func NewPoolMetricsWithRegistry(reg prometheus.Registerer) *PoolMetrics {
	m := &PoolMetrics{
		ConnsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "pgfleet",
				Subsystem: "pool",
				Name:      "connections",
				Help:      "Open connections per node, broken down by state.",
			},
			[]string{"node", "role", "state"},
		),
		Waiters: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "pgfleet",
				Subsystem: "pool",
				Name:      "waiters",
				Help:      "Callers currently waiting for a free connection slot.",
			},
			[]string{"node", "role"},
		),
		AcquiresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pgfleet",
				Subsystem: "pool",
				Name:      "acquires_total",
				Help:      "Total acquire attempts, broken down by outcome.",
			},
			[]string{"node", "outcome"},
		),
		ValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pgfleet",
				Subsystem: "pool",
				Name:      "validations_total",
				Help:      "Idle connection validations, broken down by outcome.",
			},
			[]string{"node", "outcome"},
		),
		DegradedPools: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pgfleet",
				Subsystem: "pool",
				Name:      "degraded",
				Help:      "Number of pools currently degraded.",
			},
		),
	}

	reg.MustRegister(m.ConnsTotal)
	reg.MustRegister(m.Waiters)
	reg.MustRegister(m.AcquiresTotal)
	reg.MustRegister(m.ValidationsTotal)
	reg.MustRegister(m.DegradedPools)

	return m
}
