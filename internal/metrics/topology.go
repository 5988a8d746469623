package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TopologyMetrics holds metrics for topology refreshes and node health.
type TopologyMetrics struct {
	// RefreshesTotal tracks topology refreshes.
	// Labels: outcome (success, failure)
	RefreshesTotal *prometheus.CounterVec

	// State reports the resolver state as a gauge
	// (0 initializing, 1 ready, 2 refreshing, 3 degraded).
	State prometheus.Gauge

	// NodesTracked reports nodes in the current table, by role.
	NodesTracked *prometheus.GaugeVec
}

// NewTopologyMetrics creates and registers topology metrics with the default registry.
func NewTopologyMetrics() *TopologyMetrics {
	return &TopologyMetrics{
		RefreshesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pgfleet",
				Subsystem: "topology",
				Name:      "refreshes_total",
				Help:      "Topology refreshes, broken down by outcome.",
			},
			[]string{"outcome"},
		),
		State: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pgfleet",
				Subsystem: "topology",
				Name:      "state",
				Help:      "Resolver state (0 initializing, 1 ready, 2 refreshing, 3 degraded).",
			},
		),
		NodesTracked: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "pgfleet",
				Subsystem: "topology",
				Name:      "nodes",
				Help:      "Nodes in the current topology table, by role.",
			},
			[]string{"role"},
		),
	}
}

// NewTopologyMetricsWithRegistry creates topology metrics registered with a
// custom registry.
func NewTopologyMetricsWithRegistry(reg prometheus.Registerer) *TopologyMetrics {
	m := &TopologyMetrics{
		RefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pgfleet",
				Subsystem: "topology",
				Name:      "refreshes_total",
				Help:      "Topology refreshes, broken down by outcome.",
			},
			[]string{"outcome"},
		),
		State: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pgfleet",
				Subsystem: "topology",
				Name:      "state",
				Help:      "Resolver state (0 initializing, 1 ready, 2 refreshing, 3 degraded).",
			},
		),
		NodesTracked: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "pgfleet",
				Subsystem: "topology",
				Name:      "nodes",
				Help:      "Nodes in the current topology table, by role.",
			},
			[]string{"role"},
		),
	}

	reg.MustRegister(m.RefreshesTotal)
	reg.MustRegister(m.State)
	reg.MustRegister(m.NodesTracked)

	return m
}
