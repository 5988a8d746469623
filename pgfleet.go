// Package pgfleet is a connection-routing client for a horizontally
// sharded PostgreSQL cluster: one coordinator owning global data, N
// workers each owning one shard, and optional streaming replicas. It
// keeps a bounded connection pool per node, routes each operation to
// the node owning its shard key, optionally offloads reads to replicas,
// and follows failovers announced by an external HA controller.
//
// Build one Manager at process start and pass it to every caller:
//
//	cfg, err := pgfleet.LoadConfig()
//	if err != nil { ... }
//	mgr, err := pgfleet.New(cfg)
//	if err != nil { ... }
//	defer mgr.Close(ctx)
//
//	err = mgr.WithConnection(ctx, []byte("user:42"), false,
//		func(ctx context.Context, c *pgfleet.Conn) error {
//			_, err := c.PgConn().Exec(ctx, "...").ReadAll()
//			return err
//		})
package pgfleet

import (
	"github.com/pgfleet/pgfleet/internal/cluster"
	"github.com/pgfleet/pgfleet/internal/config"
	"github.com/pgfleet/pgfleet/internal/pool"
	"github.com/pgfleet/pgfleet/internal/replica"
	"github.com/pgfleet/pgfleet/internal/shard"
)

// Manager routes operations across the cluster. See the methods on
// cluster.Manager: WithConnection, WithIdempotentConnection,
// WithStrongReadConnection, HealthCheck, Refresh, Close.
type Manager = cluster.Manager

// Conn is one pooled connection, scoped to a WithConnection call.
type Conn = pool.Conn

// Config is the full configuration tree.
type Config = config.Config

// Report is the cluster health report returned by HealthCheck.
type Report = cluster.Report

// NodeHealth is one node's entry in a Report.
type NodeHealth = cluster.NodeHealth

// Sentinel errors, re-exported for errors.Is checks at call sites.
var (
	ErrPoolExhausted   = pool.ErrExhausted
	ErrPoolUnavailable = pool.ErrUnavailable
	ErrPoolClosed      = pool.ErrClosed
	ErrReadOnlyRoute   = replica.ErrReadOnlyRoute
	ErrInvalidShardKey = shard.ErrInvalidKey
)

// LoadConfig reads configuration from the default file locations and
// the environment, validates it, and returns it.
func LoadConfig() (*Config, error) {
	return config.Load()
}

// LoadConfigFromPath is LoadConfig with an explicit file path.
func LoadConfigFromPath(path string) (*Config, error) {
	return config.LoadFromPath(path)
}

// New builds a Manager from validated configuration. Pools are created
// lazily, so New does not dial anything; run HealthCheck to warm and
// verify the cluster.
func New(cfg *Config) (*Manager, error) {
	return cluster.New(cfg, cluster.Options{})
}

// ShardIndex exposes the key-to-shard mapping for callers that need to
// know placement without running an operation.
func ShardIndex(key []byte, shardCount int) (int, error) {
	return shard.Index(key, shardCount)
}

// IsTransient reports whether an operation error is worth retrying from
// the caller's side.
func IsTransient(err error) bool {
	return cluster.IsTransient(err)
}
