// Package cluster is the façade over the sharded cluster: it routes an
// operation to the coordinator or to the worker owning the shard key,
// optionally offloads reads to replicas, scopes a pooled connection to
// the operation, and retries transient failures under the configured
// policy. One Manager is built at process start and passed explicitly;
// there is no ambient global instance.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pgfleet/pgfleet/internal/config"
	"github.com/pgfleet/pgfleet/internal/logging"
	"github.com/pgfleet/pgfleet/internal/metrics"
	"github.com/pgfleet/pgfleet/internal/pool"
	"github.com/pgfleet/pgfleet/internal/replica"
	"github.com/pgfleet/pgfleet/internal/retry"
	"github.com/pgfleet/pgfleet/internal/shard"
	"github.com/pgfleet/pgfleet/internal/topology"
)

// Options carries the manager's collaborators. Zero values get sensible
// defaults; tests inject fakes through DialerFor and Watcher.
type Options struct {
	// Watcher reports the authoritative cluster layout. Defaults to a
	// static watcher pinned to the configured nodes.
	Watcher topology.RoleWatcher

	// DialerFor builds the connection dialer for a node. Defaults to
	// the PostgreSQL dialer.
	DialerFor func(config.NodeConfig) pool.Dialer

	PoolMetrics     *metrics.PoolMetrics
	RoutingMetrics  *metrics.RoutingMetrics
	TopologyMetrics *metrics.TopologyMetrics
	Logger          *logging.Logger
}

// Manager routes operations across the cluster.
type Manager struct {
	cfg      *config.Config
	watcher  topology.RoleWatcher
	resolver *topology.Resolver
	selector *replica.Selector
	policy   retry.Policy
	metrics  *metrics.RoutingMetrics
	logger   *logging.Logger
	closed   atomic.Bool
}

// New builds a manager from validated configuration.
func New(cfg *config.Config, opts Options) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("cluster: nil config")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Global()
	}

	selector, err := replica.New(cfg.HA, opts.RoutingMetrics, logger)
	if err != nil {
		return nil, err
	}

	nodes := topology.NodesFromConfig(cfg)
	resolver, err := topology.NewResolver(nodes, topology.Options{
		Pool:            cfg.Pool,
		DialerFor:       opts.DialerFor,
		PoolMetrics:     opts.PoolMetrics,
		TopologyMetrics: opts.TopologyMetrics,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	watcher := opts.Watcher
	if watcher == nil {
		watcher = topology.NewStaticWatcher(nodes)
	}

	return &Manager{
		cfg:      cfg,
		watcher:  watcher,
		resolver: resolver,
		selector: selector,
		policy:   retry.FromConfig(cfg.Retry),
		metrics:  opts.RoutingMetrics,
		logger:   logger,
	}, nil
}

// WithConnection runs fn with a connection scoped to the operation. An
// empty shard key targets the coordinator; otherwise the worker owning
// the key's shard. Read-only operations may be served by a replica when
// HA routing is enabled. The connection is released exactly once on
// every exit path, including a panic in fn.
//
// Transient pre-execution failures (exhausted or unreachable pools) are
// retried under the configured policy. Mid-operation I/O failures are
// retried with a fresh connection only for read-only operations; use
// WithIdempotentConnection for writes that are safe to repeat.
func (m *Manager) WithConnection(ctx context.Context, shardKey []byte, readOnly bool, fn func(context.Context, *pool.Conn) error) error {
	intent := replica.IntentWrite
	if readOnly {
		intent = replica.IntentRead
	}
	return m.with(ctx, shardKey, intent, readOnly, fn)
}

// WithIdempotentConnection is WithConnection for writes the caller
// vouches are safe to repeat: mid-operation I/O failures are retried on
// a fresh connection.
func (m *Manager) WithIdempotentConnection(ctx context.Context, shardKey []byte, fn func(context.Context, *pool.Conn) error) error {
	return m.with(ctx, shardKey, replica.IntentWrite, true, fn)
}

// WithStrongReadConnection is WithConnection for reads that need
// read-your-writes consistency: the operation always runs on the
// primary, never a replica. Being read-only, mid-operation I/O failures
// are retried on a fresh connection.
func (m *Manager) WithStrongReadConnection(ctx context.Context, shardKey []byte, fn func(context.Context, *pool.Conn) error) error {
	return m.with(ctx, shardKey, replica.IntentStrongRead, true, fn)
}

func (m *Manager) with(ctx context.Context, shardKey []byte, intent replica.Intent, allowIORetry bool, fn func(context.Context, *pool.Conn) error) error {
	if m.closed.Load() {
		return ErrClosed
	}

	// Attempts that fail before a node is picked keep the sentinel label.
	target := "unresolved"
	policy := m.policy
	policy.Classify = func(err error) bool { return retryable(err, allowIORetry) }
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		if m.metrics != nil {
			m.metrics.RetriesTotal.WithLabelValues(reasonFor(err)).Inc()
		}
		m.logger.Debugf("retrying operation", map[string]any{
			"attempt": attempt,
			"delay":   delay.String(),
			"target":  target,
			"error":   err.Error(),
		})
	}

	err := policy.Do(ctx, func(ctx context.Context) error {
		return m.attempt(ctx, shardKey, intent, &target, fn)
	})

	if m.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		m.metrics.OperationsTotal.WithLabelValues(target, modeLabel(intent), status).Inc()
	}
	return err
}

// attempt resolves the target against the table current right now, so a
// retry after a topology swap lands on the new layout.
func (m *Manager) attempt(ctx context.Context, shardKey []byte, intent replica.Intent, target *string, fn func(context.Context, *pool.Conn) error) error {
	// Close may begin mid-retry; fail terminally instead of burning the
	// remaining attempts against draining pools.
	if m.closed.Load() {
		return ErrClosed
	}

	table := m.resolver.Current()

	var primary *topology.Entry
	if len(shardKey) == 0 {
		primary = table.Coordinator()
	} else {
		idx, err := shard.Index(shardKey, table.ShardCount())
		if err != nil {
			return err
		}
		w, err := table.Worker(idx)
		if err != nil {
			return err
		}
		primary = w
	}

	entry := m.selector.Select(table, primary, intent)
	*target = entry.Node.Name()
	if err := replica.Guard(entry.Node.Role, intent); err != nil {
		return err
	}

	p, err := entry.Pool(ctx)
	if err != nil {
		return fmt.Errorf("cluster: pool for %s: %w", entry.Node.Name(), err)
	}
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	return runScoped(ctx, p, c, fn)
}

// runScoped executes fn and releases the connection exactly once. A
// panic in fn releases the connection as unhealthy and re-panics; an
// I/O failure destroys the connection so a retry dials fresh.
func runScoped(ctx context.Context, p *pool.Pool, c *pool.Conn, fn func(context.Context, *pool.Conn) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.Release(c, false)
			panic(r)
		}
		p.Release(c, err == nil || !IsTransientIO(err))
	}()
	return fn(ctx, c)
}

// Refresh polls the role watcher and swaps in the layout it reports.
func (m *Manager) Refresh(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	nodes, err := m.watcher.Nodes(ctx)
	if err != nil {
		return fmt.Errorf("cluster: watch nodes: %w", err)
	}
	return m.resolver.Refresh(ctx, nodes)
}

// RefreshRequests signals when a pool crosses its failure threshold; the
// daemon responds by calling Refresh early.
func (m *Manager) RefreshRequests() <-chan struct{} {
	return m.resolver.RefreshRequests()
}

// State reports the topology lifecycle state.
func (m *Manager) State() topology.State {
	return m.resolver.State()
}

// Close rejects new operations, then drains and closes every pool.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	return m.resolver.Close(ctx)
}

func modeLabel(intent replica.Intent) string {
	switch intent {
	case replica.IntentRead:
		return "read"
	case replica.IntentStrongRead:
		return "strong-read"
	default:
		return "write"
	}
}
