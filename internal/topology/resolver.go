package topology

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pgfleet/pgfleet/internal/config"
	"github.com/pgfleet/pgfleet/internal/logging"
	"github.com/pgfleet/pgfleet/internal/metrics"
	"github.com/pgfleet/pgfleet/internal/pool"
)

// State is the resolver lifecycle state.
type State int32

const (
	// StateInitializing means the first table has not been built yet.
	StateInitializing State = iota
	// StateReady means the current table is healthy.
	StateReady
	// StateRefreshing means a replacement table is being built.
	StateRefreshing
	// StateDegraded means at least one pool in the current table is
	// degraded; the resolver keeps serving from it.
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateRefreshing:
		return "refreshing"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Options configures a Resolver.
type Options struct {
	Pool config.PoolConfig

	// DialerFor builds the connection dialer for a node. Defaults to the
	// PostgreSQL dialer; tests substitute fakes.
	DialerFor func(config.NodeConfig) pool.Dialer

	PoolMetrics     *metrics.PoolMetrics
	TopologyMetrics *metrics.TopologyMetrics
	Logger          *logging.Logger
}

// Resolver owns the current pool table and swaps it atomically on
// refresh. Reads (Current) are lock-free; mutation happens only inside
// Refresh, which is serialized.
type Resolver struct {
	opts   Options
	logger *logging.Logger

	current    atomic.Pointer[Table]
	refreshing atomic.Bool
	degraded   atomic.Int64 // pools currently degraded

	// refreshReq receives a signal when a pool crosses its failure
	// threshold, so the owner can poll the HA controller early.
	refreshReq chan struct{}

	mu      sync.Mutex // serializes Refresh and Close
	closed  bool
	drainWG sync.WaitGroup
}

// NewResolver builds the initial table from the given node set. Pools
// are created lazily on first use of each node.
func NewResolver(nodes []Node, opts Options) (*Resolver, error) {
	if opts.DialerFor == nil {
		opts.DialerFor = pool.PostgresDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Global()
	}

	r := &Resolver{
		opts:       opts,
		logger:     logger,
		refreshReq: make(chan struct{}, 1),
	}

	table, err := newTable(nodes, r.buildPool, nil)
	if err != nil {
		return nil, err
	}
	r.current.Store(table)
	r.publishNodeGauges(nodes)
	r.publishState()

	return r, nil
}

// Current returns the table in effect right now. Callers use the
// returned table for the whole of one operation; a concurrent refresh
// affects only operations started after the swap.
func (r *Resolver) Current() *Table {
	return r.current.Load()
}

// State reports the resolver lifecycle state.
func (r *Resolver) State() State {
	if r.current.Load() == nil {
		return StateInitializing
	}
	if r.refreshing.Load() {
		return StateRefreshing
	}
	if r.degraded.Load() > 0 {
		return StateDegraded
	}
	return StateReady
}

// RefreshRequests signals when a pool crosses its failure threshold.
// The owner should respond by consulting the HA controller and calling
// Refresh with the layout it reports.
func (r *Resolver) RefreshRequests() <-chan struct{} {
	return r.refreshReq
}

// Refresh replaces the node table. The complete replacement set of
// pools is built before anything is exposed; the swap itself is a single
// atomic store. Pools for unchanged descriptors are carried over; pools
// removed by the refresh are drained in the background and closed.
func (r *Resolver) Refresh(ctx context.Context, nodes []Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("topology: resolver closed")
	}

	r.refreshing.Store(true)
	r.publishState()
	defer func() {
		r.refreshing.Store(false)
		r.publishState()
	}()

	prev := r.current.Load()
	next, err := newTable(nodes, r.buildPool, prev)
	if err != nil {
		r.recordRefresh("failure")
		return fmt.Errorf("topology: refresh: %w", err)
	}

	// Build every new pool before the swap so no caller ever sees a
	// half-updated set.
	for _, e := range next.Entries() {
		if e.PoolIfBuilt() != nil {
			continue // carried over
		}
		if _, err := e.Pool(ctx); err != nil {
			r.recordRefresh("failure")
			return fmt.Errorf("topology: refresh %s: %w", e.Node.Name(), err)
		}
	}

	r.current.Store(next)
	r.recordRefresh("success")
	r.publishNodeGauges(nodes)
	r.logger.Infof("topology refreshed", map[string]any{
		"nodes":  len(nodes),
		"shards": next.ShardCount(),
	})

	// Drain pools that did not survive the refresh.
	if prev != nil {
		for _, e := range prev.Entries() {
			if next.contains(e) {
				continue
			}
			if p := e.PoolIfBuilt(); p != nil {
				r.drainWG.Add(1)
				go r.drain(p)
			}
		}
	}

	return nil
}

// Close drains and closes every pool in the current table and waits for
// background drains started by earlier refreshes.
func (r *Resolver) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	table := r.current.Load()
	if table != nil {
		var wg sync.WaitGroup
		for _, e := range table.Entries() {
			p := e.PoolIfBuilt()
			if p == nil {
				continue
			}
			wg.Add(1)
			go func(p *pool.Pool) {
				defer wg.Done()
				if err := p.Close(ctx); err != nil {
					r.logger.Warnf("pool close", map[string]any{
						"node":  p.Node(),
						"error": err.Error(),
					})
				}
			}(p)
		}
		wg.Wait()
	}

	r.drainWG.Wait()
	return ctx.Err()
}

func (r *Resolver) buildPool(ctx context.Context, n Node) (*pool.Pool, error) {
	cfg := pool.Config{
		Node:             n.Name(),
		Role:             string(n.Role),
		MinConns:         r.opts.Pool.MinConns,
		MaxConns:         r.opts.Pool.MaxConns,
		AcquireTimeout:   r.opts.Pool.AcquireTimeout,
		ValidateAfter:    r.opts.Pool.ValidateAfter,
		FailureThreshold: r.opts.Pool.FailureThreshold,
		Dialer:           r.opts.DialerFor(n.NodeConfig()),
		Metrics:          r.opts.PoolMetrics,
		Logger:           r.logger,
		OnStateChange:    r.onPoolStateChange,
	}
	return pool.New(ctx, cfg)
}

// onPoolStateChange tracks how many pools are degraded and nudges the
// owner to re-check the topology when one goes down.
func (r *Resolver) onPoolStateChange(degraded bool) {
	if degraded {
		r.degraded.Add(1)
		select {
		case r.refreshReq <- struct{}{}:
		default:
		}
	} else {
		r.degraded.Add(-1)
	}
	r.publishState()
}

// drain lets a retired pool finish in-flight work up to the configured
// drain timeout, then closes it.
func (r *Resolver) drain(p *pool.Pool) {
	defer r.drainWG.Done()

	timeout := r.opts.Pool.DrainTimeout
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := p.Close(ctx); err != nil {
		r.logger.Warnf("retired pool drain", map[string]any{
			"node":  p.Node(),
			"error": err.Error(),
		})
		return
	}
	r.logger.Debugf("retired pool drained", map[string]any{"node": p.Node()})
}

func (r *Resolver) recordRefresh(outcome string) {
	if m := r.opts.TopologyMetrics; m != nil {
		m.RefreshesTotal.WithLabelValues(outcome).Inc()
	}
}

func (r *Resolver) publishState() {
	if m := r.opts.TopologyMetrics; m != nil {
		m.State.Set(float64(r.State()))
	}
}

func (r *Resolver) publishNodeGauges(nodes []Node) {
	m := r.opts.TopologyMetrics
	if m == nil {
		return
	}
	counts := map[Role]int{}
	for _, n := range nodes {
		counts[n.Role]++
	}
	for _, role := range []Role{RoleCoordinator, RoleWorker, RoleReplica} {
		m.NodesTracked.WithLabelValues(string(role)).Set(float64(counts[role]))
	}
}
