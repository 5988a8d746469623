// Package topology tracks the authoritative node set of the cluster and
// the connection pools built from it. Refreshes build the complete
// replacement pool table before exposing any of it, then swap a single
// pointer, so concurrent acquires never observe a mix of old and new
// pools. Retired pools are drained in the background and closed.
package topology

import (
	"context"
	"fmt"

	"github.com/pgfleet/pgfleet/internal/config"
)

// Role identifies what a node does in the cluster.
type Role string

const (
	// RoleCoordinator owns non-sharded, global data.
	RoleCoordinator Role = "coordinator"
	// RoleWorker owns exactly one shard.
	RoleWorker Role = "worker"
	// RoleReplica is a read-only standby streaming from a primary.
	RoleReplica Role = "replica"
)

// Node describes one physical PostgreSQL node. It is an immutable value;
// host/port changes arrive only through a full Refresh with a new set.
type Node struct {
	Role     Role
	ShardID  int // shard owned by a worker; config.CoordinatorShardID otherwise
	StandsBy int // for replicas: shard ID of the node they replicate
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
}

// Name returns a stable human-readable label for the node, used in logs,
// metrics, and health output.
func (n Node) Name() string {
	switch n.Role {
	case RoleCoordinator:
		return "coordinator"
	case RoleWorker:
		return fmt.Sprintf("worker-%d", n.ShardID)
	default:
		if n.StandsBy == config.CoordinatorShardID {
			return fmt.Sprintf("replica-coordinator@%s:%d", n.Host, n.Port)
		}
		return fmt.Sprintf("replica-worker-%d@%s:%d", n.StandsBy, n.Host, n.Port)
	}
}

// NodeConfig converts the descriptor back to its connection settings.
func (n Node) NodeConfig() config.NodeConfig {
	return config.NodeConfig{
		Host:     n.Host,
		Port:     n.Port,
		Database: n.Database,
		User:     n.User,
		Password: n.Password,
		SSLMode:  n.SSLMode,
	}
}

// NodesFromConfig builds the node set from validated configuration.
func NodesFromConfig(cfg *config.Config) []Node {
	nodes := make([]Node, 0, 1+len(cfg.Workers)+len(cfg.Replicas))
	nodes = append(nodes, Node{
		Role:     RoleCoordinator,
		ShardID:  config.CoordinatorShardID,
		StandsBy: config.CoordinatorShardID,
		Host:     cfg.Coordinator.Host,
		Port:     cfg.Coordinator.Port,
		Database: cfg.Coordinator.Database,
		User:     cfg.Coordinator.User,
		Password: cfg.Coordinator.Password,
		SSLMode:  cfg.Coordinator.SSLMode,
	})
	for _, w := range cfg.Workers {
		nodes = append(nodes, Node{
			Role:     RoleWorker,
			ShardID:  w.ShardID,
			StandsBy: config.CoordinatorShardID,
			Host:     w.Host,
			Port:     w.Port,
			Database: w.Database,
			User:     w.User,
			Password: w.Password,
			SSLMode:  w.SSLMode,
		})
	}
	for _, r := range cfg.Replicas {
		nodes = append(nodes, Node{
			Role:     RoleReplica,
			ShardID:  config.CoordinatorShardID,
			StandsBy: r.ReplicaOf,
			Host:     r.Host,
			Port:     r.Port,
			Database: r.Database,
			User:     r.User,
			Password: r.Password,
			SSLMode:  r.SSLMode,
		})
	}
	return nodes
}

// RoleWatcher reports the current cluster layout. It is typically backed
// by an external HA controller that knows who is primary and which
// replicas are streaming; pgfleet trusts it and never runs elections
// itself.
type RoleWatcher interface {
	Nodes(ctx context.Context) ([]Node, error)
}

// StaticWatcher is a RoleWatcher that always reports the node set loaded
// from configuration. Deployments without an HA controller use it.
type StaticWatcher struct {
	nodes []Node
}

// NewStaticWatcher returns a watcher pinned to the given nodes.
func NewStaticWatcher(nodes []Node) *StaticWatcher {
	return &StaticWatcher{nodes: nodes}
}

// Nodes implements RoleWatcher.
func (w *StaticWatcher) Nodes(ctx context.Context) ([]Node, error) {
	out := make([]Node, len(w.nodes))
	copy(out, w.nodes)
	return out, nil
}
