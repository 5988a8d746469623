// Package replica decides which physical node serves a read. Writes and
// strongly-consistent reads always go to the primary; plain reads may be
// offloaded to a streaming replica when HA routing is enabled and a
// healthy replica exists, with silent fallback to the primary otherwise.
package replica

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/pgfleet/pgfleet/internal/config"
	"github.com/pgfleet/pgfleet/internal/logging"
	"github.com/pgfleet/pgfleet/internal/metrics"
	"github.com/pgfleet/pgfleet/internal/topology"
)

// ErrReadOnlyRoute is returned when a write is about to execute on a
// read-only replica. This is a routing bug, never retried.
var ErrReadOnlyRoute = errors.New("replica: write routed to read-only node")

// Strategy names how a replica is picked among healthy candidates.
type Strategy string

const (
	// StrategyRoundRobin rotates through candidates in order.
	StrategyRoundRobin Strategy = "round-robin"
	// StrategyLeastInUse picks the candidate with the fewest
	// checked-out connections.
	StrategyLeastInUse Strategy = "least-in-use"
)

// ParseStrategy validates a strategy name from configuration.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyRoundRobin, StrategyLeastInUse:
		return Strategy(s), nil
	case "":
		return StrategyRoundRobin, nil
	default:
		return "", fmt.Errorf("replica: unknown strategy %q", s)
	}
}

// Intent classifies an operation for routing purposes.
type Intent int

const (
	// IntentWrite mutates data; primary only.
	IntentWrite Intent = iota
	// IntentRead tolerates replication lag; replica-eligible.
	IntentRead
	// IntentStrongRead needs read-your-writes; primary only.
	IntentStrongRead
)

// Selector picks the entry that serves one operation.
type Selector struct {
	enabled  bool
	strategy Strategy
	logger   *logging.Logger
	metrics  *metrics.RoutingMetrics

	rr atomic.Uint64
}

// New builds a selector from the HA configuration.
func New(cfg config.HAConfig, m *metrics.RoutingMetrics, logger *logging.Logger) (*Selector, error) {
	strategy, err := ParseStrategy(cfg.ReplicaStrategy)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Global()
	}
	return &Selector{
		enabled:  cfg.Enabled,
		strategy: strategy,
		logger:   logger,
		metrics:  m,
	}, nil
}

// Select returns the entry that should serve the operation: the primary
// for writes and strong reads, otherwise a healthy replica standing by
// the primary when one exists. Falling back to the primary is silent
// except for a counter.
func (s *Selector) Select(table *topology.Table, primary *topology.Entry, intent Intent) *topology.Entry {
	if intent != IntentRead || !s.enabled {
		return primary
	}

	candidates := healthy(table.Replicas(primary.Node.ShardID))
	if len(candidates) == 0 {
		if s.metrics != nil && len(table.Replicas(primary.Node.ShardID)) > 0 {
			s.metrics.ReplicaFallbacksTotal.Inc()
		}
		return primary
	}

	switch s.strategy {
	case StrategyLeastInUse:
		return leastInUse(candidates)
	default:
		n := s.rr.Add(1)
		return candidates[(n-1)%uint64(len(candidates))]
	}
}

// Guard rejects execution of a write on a read-only node. The selector
// never routes a write to a replica; this catches callers that bypass it.
func Guard(role topology.Role, intent Intent) error {
	if role == topology.RoleReplica && intent != IntentRead {
		return ErrReadOnlyRoute
	}
	return nil
}

// healthy drops candidates whose pool is degraded. Entries whose pool
// has not been built yet are kept; degradation is only knowable after
// first use.
func healthy(entries []*topology.Entry) []*topology.Entry {
	out := make([]*topology.Entry, 0, len(entries))
	for _, e := range entries {
		if p := e.PoolIfBuilt(); p != nil && p.Degraded() {
			continue
		}
		out = append(out, e)
	}
	return out
}

// leastInUse picks the candidate with the fewest checked-out conns; an
// unbuilt pool counts as zero. Ties go to the earliest candidate.
func leastInUse(entries []*topology.Entry) *topology.Entry {
	best := entries[0]
	bestInUse := inUse(best)
	for _, e := range entries[1:] {
		if n := inUse(e); n < bestInUse {
			best, bestInUse = e, n
		}
	}
	return best
}

func inUse(e *topology.Entry) int {
	p := e.PoolIfBuilt()
	if p == nil {
		return 0
	}
	return p.Stats().InUse
}
