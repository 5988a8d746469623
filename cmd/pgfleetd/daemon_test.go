package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pgfleet/pgfleet/internal/config"
	"github.com/pgfleet/pgfleet/internal/metrics"
	"github.com/pgfleet/pgfleet/internal/pool"
	"github.com/pgfleet/pgfleet/internal/topology"
)

type fakeConn struct{}

func (fakeConn) Ping(ctx context.Context) error  { return nil }
func (fakeConn) Close(ctx context.Context) error { return nil }

type fakeDialers struct {
	mu      sync.Mutex
	failing map[string]error
}

func newFakeDialers() *fakeDialers {
	return &fakeDialers{failing: make(map[string]error)}
}

func (f *fakeDialers) dialerFor(n config.NodeConfig) pool.Dialer {
	return func(ctx context.Context) (pool.NetConn, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if err := f.failing[n.Host]; err != nil {
			return nil, err
		}
		return fakeConn{}, nil
	}
}

// countingWatcher reports a static layout and counts polls.
type countingWatcher struct {
	nodes []topology.Node
	polls atomic.Int64
}

func (w *countingWatcher) Nodes(ctx context.Context) ([]topology.Node, error) {
	w.polls.Add(1)
	out := make([]topology.Node, len(w.nodes))
	copy(out, w.nodes)
	return out, nil
}

func testDaemonConfig(workers int) *config.Config {
	cfg := config.Default()
	cfg.Coordinator = config.NodeConfig{Host: "coord", Port: 5432, Database: "d", User: "u", Password: "p"}
	for i := 0; i < workers; i++ {
		cfg.Workers = append(cfg.Workers, config.WorkerConfig{
			NodeConfig: config.NodeConfig{Host: fmt.Sprintf("w%d", i), Port: 5432, Database: "d", User: "u", Password: "p"},
			ShardID:    i,
		})
	}
	cfg.Pool = config.PoolConfig{
		MaxConns:         4,
		AcquireTimeout:   200 * time.Millisecond,
		FailureThreshold: 3,
		DrainTimeout:     time.Second,
	}
	cfg.Topology.RefreshInterval = 20 * time.Millisecond
	cfg.Observability.MetricsAddr = "127.0.0.1:0"
	return cfg
}

func newTestDaemon(t *testing.T, cfg *config.Config, d *fakeDialers, w topology.RoleWatcher) *Daemon {
	t.Helper()
	reg := prometheus.NewRegistry()
	daemon, err := NewDaemon(DaemonOptions{
		Config:          cfg,
		Watcher:         w,
		DialerFor:       d.dialerFor,
		PoolMetrics:     metrics.NewPoolMetricsWithRegistry(reg),
		RoutingMetrics:  metrics.NewRoutingMetricsWithRegistry(reg),
		TopologyMetrics: metrics.NewTopologyMetricsWithRegistry(reg),
	})
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}
	return daemon
}

func TestDaemonServesHealthAndPollsTopology(t *testing.T) {
	cfg := testDaemonConfig(2)
	d := newFakeDialers()
	watcher := &countingWatcher{nodes: topology.NodesFromConfig(cfg)}
	daemon := newTestDaemon(t, cfg, d, watcher)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- daemon.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		daemon.Shutdown(shutdownCtx)
	})

	// Wait for the health server to come up.
	var addr string
	for i := 0; i < 100; i++ {
		if a := daemon.HealthAddr(); a != "" {
			addr = a
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("health server never bound")
	}

	resp, err := http.Get("http://" + addr + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected ready, got %d", resp.StatusCode)
	}

	resp, err = http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected metrics endpoint, got %d", resp.StatusCode)
	}

	// The watch loop polls the role watcher on its interval.
	deadline := time.Now().Add(2 * time.Second)
	for watcher.polls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected repeated topology polls, got %d", watcher.polls.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestDaemonShutdownFlipsHealth(t *testing.T) {
	cfg := testDaemonConfig(1)
	d := newFakeDialers()
	daemon := newTestDaemon(t, cfg, d, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- daemon.Start(ctx) }()

	var addr string
	for i := 0; i < 100; i++ {
		if a := daemon.HealthAddr(); a != "" {
			addr = a
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("health server never bound")
	}

	cancel()
	<-done

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := daemon.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !daemon.healthServer.IsShuttingDown() {
		t.Error("expected the health server marked shutting down")
	}
}

func TestNewDaemonRejectsNilConfig(t *testing.T) {
	if _, err := NewDaemon(DaemonOptions{}); err == nil {
		t.Fatal("expected an error for nil config")
	}
}
