package cluster

import (
	"context"
	"fmt"

	"github.com/pgfleet/pgfleet/internal/pool"
)

// NodeHealth is one node's entry in a health report.
type NodeHealth struct {
	Node      string      `json:"node"`
	Role      string      `json:"role"`
	ShardID   int         `json:"shardId"`
	Address   string      `json:"address"`
	Reachable bool        `json:"reachable"`
	State     string      `json:"state"`
	Stats     *pool.Stats `json:"stats,omitempty"`
}

// Report aggregates cluster health for the HTTP surface and external
// monitors.
type Report struct {
	State                string       `json:"state"`
	CoordinatorReachable bool         `json:"coordinatorReachable"`
	TotalConns           int          `json:"totalConns"`
	InUse                int          `json:"inUse"`
	Idle                 int          `json:"idle"`
	Waiters              int          `json:"waiters"`
	Nodes                []NodeHealth `json:"nodes"`
}

// HealthCheck probes every node in the current topology. Pools are
// built on demand, so a first health check warms the cluster; probes
// share the operation pools, they never open a side channel.
func (m *Manager) HealthCheck(ctx context.Context) Report {
	rep := Report{State: m.State().String()}
	if m.closed.Load() {
		rep.State = "closed"
		return rep
	}

	table := m.resolver.Current()
	for _, e := range table.Entries() {
		nh := NodeHealth{
			Node:    e.Node.Name(),
			Role:    string(e.Node.Role),
			ShardID: e.Node.ShardID,
			Address: fmt.Sprintf("%s:%d", e.Node.Host, e.Node.Port),
		}

		p, err := e.Pool(ctx)
		if err != nil {
			nh.State = "unreachable"
		} else {
			// Probe before the snapshot: a successful ping clears a
			// degraded flag and the stats should reflect that.
			nh.Reachable = p.Ping(ctx) == nil
			st := p.Stats()
			nh.Stats = &st
			switch {
			case !nh.Reachable:
				nh.State = "unreachable"
			case p.Degraded():
				nh.State = "degraded"
			default:
				nh.State = "ready"
			}
			rep.TotalConns += st.Total
			rep.InUse += st.InUse
			rep.Idle += st.Idle
			rep.Waiters += st.Waiters
		}

		if e == table.Coordinator() {
			rep.CoordinatorReachable = nh.Reachable
		}
		rep.Nodes = append(rep.Nodes, nh)
	}
	return rep
}
