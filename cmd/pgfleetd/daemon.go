package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pgfleet/pgfleet/internal/cluster"
	"github.com/pgfleet/pgfleet/internal/config"
	"github.com/pgfleet/pgfleet/internal/logging"
	"github.com/pgfleet/pgfleet/internal/metrics"
	"github.com/pgfleet/pgfleet/internal/pool"
	"github.com/pgfleet/pgfleet/internal/server"
	"github.com/pgfleet/pgfleet/internal/topology"
)

// DaemonOptions configures the daemon. The metric bundles and the
// dialer default to production instances; tests inject isolated ones.
type DaemonOptions struct {
	Config *config.Config
	Logger *logging.Logger

	Version   string
	GitCommit string
	BuildTime string

	Watcher   topology.RoleWatcher
	DialerFor func(config.NodeConfig) pool.Dialer

	PoolMetrics     *metrics.PoolMetrics
	RoutingMetrics  *metrics.RoutingMetrics
	TopologyMetrics *metrics.TopologyMetrics
}

// Daemon runs the pool manager as a long-lived process: it owns the
// cluster manager, serves the health endpoints, and keeps the topology
// current by polling the role watcher.
type Daemon struct {
	opts   DaemonOptions
	logger *logging.Logger

	manager      *cluster.Manager
	healthServer *server.HealthServer

	mu      sync.Mutex
	started bool
}

// NewDaemon wires the manager from validated configuration.
func NewDaemon(opts DaemonOptions) (*Daemon, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("daemon: nil config")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Global()
	}
	if opts.PoolMetrics == nil {
		opts.PoolMetrics = metrics.NewPoolMetrics()
	}
	if opts.RoutingMetrics == nil {
		opts.RoutingMetrics = metrics.NewRoutingMetrics()
	}
	if opts.TopologyMetrics == nil {
		opts.TopologyMetrics = metrics.NewTopologyMetrics()
	}

	manager, err := cluster.New(opts.Config, cluster.Options{
		Watcher:         opts.Watcher,
		DialerFor:       opts.DialerFor,
		PoolMetrics:     opts.PoolMetrics,
		RoutingMetrics:  opts.RoutingMetrics,
		TopologyMetrics: opts.TopologyMetrics,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: build manager: %w", err)
	}

	return &Daemon{opts: opts, logger: logger, manager: manager}, nil
}

// Manager exposes the cluster manager, for embedding the daemon.
func (d *Daemon) Manager() *cluster.Manager { return d.manager }

// HealthAddr returns the bound health listener address, or "" before
// Start.
func (d *Daemon) HealthAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.healthServer == nil {
		return ""
	}
	return d.healthServer.Addr()
}

// Start serves the health endpoints and blocks in the topology watch
// loop until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon: already started")
	}
	d.started = true
	d.mu.Unlock()

	cfg := d.opts.Config

	hs := server.NewHealthServer(cfg.Observability.MetricsAddr, d.manager, d.logger)
	hs.RegisterHandler("/metrics", promhttp.Handler())
	if err := hs.Start(); err != nil {
		return fmt.Errorf("daemon: start health server: %w", err)
	}
	d.mu.Lock()
	d.healthServer = hs
	d.mu.Unlock()

	d.logger.Infof("pgfleetd started", map[string]any{
		"version":  d.opts.Version,
		"health":   hs.Addr(),
		"workers":  len(cfg.Workers),
		"replicas": len(cfg.Replicas),
		"ha":       cfg.HA.Enabled,
	})

	return d.watchTopology(ctx)
}

// watchTopology re-validates the cluster layout on a timer and whenever
// a pool crosses its failure threshold.
func (d *Daemon) watchTopology(ctx context.Context) error {
	interval := d.opts.Config.Topology.RefreshInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.refresh(ctx, "interval")
		case <-d.manager.RefreshRequests():
			d.refresh(ctx, "pool-degraded")
		}
	}
}

func (d *Daemon) refresh(ctx context.Context, trigger string) {
	refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := d.manager.Refresh(refreshCtx); err != nil {
		if ctx.Err() != nil {
			return
		}
		d.logger.Warnf("topology refresh failed", map[string]any{
			"trigger": trigger,
			"error":   err.Error(),
		})
		return
	}
	d.logger.Debugf("topology refresh", map[string]any{
		"trigger": trigger,
		"state":   d.manager.State().String(),
	})
}

// Shutdown flips the health endpoints to 503, stops the HTTP surface,
// and drains every pool.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	hs := d.healthServer
	d.mu.Unlock()

	if hs != nil {
		hs.SetShuttingDown()
	}

	err := d.manager.Close(ctx)

	if hs != nil {
		if cerr := hs.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
