package replica

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pgfleet/pgfleet/internal/config"
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

func (f *fakeDialers) setFailing(host string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[host] = err
}

// clusterOf builds a resolver with one coordinator, one worker owning
// shard 0, and the given number of replicas standing by that worker.
func clusterOf(t *testing.T, replicas int, d *fakeDialers) *topology.Resolver {
	t.Helper()
	nodes := []topology.Node{
		{Role: topology.RoleCoordinator, ShardID: config.CoordinatorShardID, StandsBy: config.CoordinatorShardID,
			Host: "coord", Port: 5432, Database: "d", User: "u", Password: "p"},
		{Role: topology.RoleWorker, ShardID: 0, StandsBy: config.CoordinatorShardID,
			Host: "w0", Port: 5432, Database: "d", User: "u", Password: "p"},
	}
	for i := 0; i < replicas; i++ {
		nodes = append(nodes, topology.Node{
			Role: topology.RoleReplica, ShardID: config.CoordinatorShardID, StandsBy: 0,
			Host: "r" + string(rune('0'+i)), Port: 5432, Database: "d", User: "u", Password: "p",
		})
	}
	r, err := topology.NewResolver(nodes, topology.Options{
		Pool: config.PoolConfig{
			MaxConns:         4,
			AcquireTimeout:   time.Second,
			FailureThreshold: 2,
			DrainTimeout:     time.Second,
		},
		DialerFor: d.dialerFor,
	})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Close(ctx)
	})
	return r
}

func newSelector(t *testing.T, enabled bool, strategy string) *Selector {
	t.Helper()
	s, err := New(config.HAConfig{Enabled: enabled, ReplicaStrategy: strategy}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestParseStrategy(t *testing.T) {
	if s, err := ParseStrategy(""); err != nil || s != StrategyRoundRobin {
		t.Errorf("empty strategy: got %v, %v", s, err)
	}
	if s, err := ParseStrategy("least-in-use"); err != nil || s != StrategyLeastInUse {
		t.Errorf("least-in-use: got %v, %v", s, err)
	}
	if _, err := ParseStrategy("random"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestWritesAndStrongReadsStayOnPrimary(t *testing.T) {
	d := newFakeDialers()
	r := clusterOf(t, 2, d)
	s := newSelector(t, true, "")

	table := r.Current()
	primary, _ := table.Worker(0)
	for _, intent := range []Intent{IntentWrite, IntentStrongRead} {
		if got := s.Select(table, primary, intent); got != primary {
			t.Errorf("intent %v: expected primary, got %s", intent, got.Node.Name())
		}
	}
}

func TestReadsStayOnPrimaryWhenHADisabled(t *testing.T) {
	d := newFakeDialers()
	r := clusterOf(t, 2, d)
	s := newSelector(t, false, "")

	table := r.Current()
	primary, _ := table.Worker(0)
	if got := s.Select(table, primary, IntentRead); got != primary {
		t.Errorf("expected primary with HA disabled, got %s", got.Node.Name())
	}
}

func TestRoundRobinRotates(t *testing.T) {
	d := newFakeDialers()
	r := clusterOf(t, 2, d)
	s := newSelector(t, true, "round-robin")

	table := r.Current()
	primary, _ := table.Worker(0)

	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		e := s.Select(table, primary, IntentRead)
		if e == primary {
			t.Fatal("read landed on primary with healthy replicas available")
		}
		seen[e.Node.Host]++
	}
	if seen["r0"] != 3 || seen["r1"] != 3 {
		t.Errorf("expected even rotation, got %v", seen)
	}
}

func TestFallbackWithoutReplicas(t *testing.T) {
	d := newFakeDialers()
	r := clusterOf(t, 0, d)
	s := newSelector(t, true, "")

	table := r.Current()
	primary, _ := table.Worker(0)
	if got := s.Select(table, primary, IntentRead); got != primary {
		t.Errorf("expected primary fallback, got %s", got.Node.Name())
	}
}

func TestDegradedReplicaSkipped(t *testing.T) {
	d := newFakeDialers()
	r := clusterOf(t, 2, d)
	s := newSelector(t, true, "round-robin")

	table := r.Current()
	primary, _ := table.Worker(0)

	// Drive r0 degraded: build its pool, then fail its dials past the
	// threshold.
	var r0 *topology.Entry
	for _, e := range table.Replicas(0) {
		if e.Node.Host == "r0" {
			r0 = e
		}
	}
	p, err := r0.Pool(context.Background())
	if err != nil {
		t.Fatalf("Pool: %v", err)
	}
	d.setFailing("r0", errors.New("connection refused"))
	for i := 0; i < 2; i++ {
		p.Acquire(context.Background())
	}
	if !p.Degraded() {
		t.Fatal("expected r0 degraded")
	}

	for i := 0; i < 4; i++ {
		if e := s.Select(table, primary, IntentRead); e.Node.Host != "r1" {
			t.Fatalf("expected r1 while r0 is degraded, got %s", e.Node.Host)
		}
	}

	// All replicas degraded: reads fall back to the primary.
	r1 := table.Replicas(0)[1]
	if r1 == r0 {
		r1 = table.Replicas(0)[0]
	}
	p1, _ := r1.Pool(context.Background())
	d.setFailing("r1", errors.New("connection refused"))
	for i := 0; i < 2; i++ {
		p1.Acquire(context.Background())
	}
	if got := s.Select(table, primary, IntentRead); got != primary {
		t.Errorf("expected primary with every replica degraded, got %s", got.Node.Name())
	}
}

func TestLeastInUsePrefersQuietReplica(t *testing.T) {
	d := newFakeDialers()
	r := clusterOf(t, 2, d)
	s := newSelector(t, true, "least-in-use")

	table := r.Current()
	primary, _ := table.Worker(0)

	busy := s.Select(table, primary, IntentRead)
	p, err := busy.Pool(context.Background())
	if err != nil {
		t.Fatalf("Pool: %v", err)
	}
	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(c, true)

	for i := 0; i < 4; i++ {
		if got := s.Select(table, primary, IntentRead); got == busy {
			t.Fatal("expected the idle replica while the other holds a conn")
		}
	}
}

func TestGuard(t *testing.T) {
	if err := Guard(topology.RoleReplica, IntentWrite); !errors.Is(err, ErrReadOnlyRoute) {
		t.Errorf("write on replica: got %v", err)
	}
	if err := Guard(topology.RoleReplica, IntentStrongRead); !errors.Is(err, ErrReadOnlyRoute) {
		t.Errorf("strong read on replica: got %v", err)
	}
	if err := Guard(topology.RoleReplica, IntentRead); err != nil {
		t.Errorf("read on replica: got %v", err)
	}
	if err := Guard(topology.RoleWorker, IntentWrite); err != nil {
		t.Errorf("write on worker: got %v", err)
	}
}
