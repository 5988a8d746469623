package topology

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pgfleet/pgfleet/internal/pool"
)

var (
	// ErrNoCoordinator is returned when the node set has no coordinator.
	ErrNoCoordinator = errors.New("topology: node set has no coordinator")

	// ErrBadShardLayout is returned when worker shard IDs do not cover
	// 0..N-1 exactly. Configuration error, never retried.
	ErrBadShardLayout = errors.New("topology: worker shards must cover 0..N-1 exactly")

	// ErrUnknownShard is returned when an operation targets a shard the
	// current topology does not own.
	ErrUnknownShard = errors.New("topology: no worker owns this shard")
)

// buildPool creates a connection pool for a node.
type buildPool func(ctx context.Context, n Node) (*pool.Pool, error)

// Entry pairs a node descriptor with its pool. The pool is created
// lazily the first time the entry is used; at any instant there is
// exactly one current pool per descriptor.
type Entry struct {
	Node Node

	mu    sync.Mutex
	pool  *pool.Pool
	build buildPool
}

// Pool returns the entry's pool, creating it on first use.
func (e *Entry) Pool(ctx context.Context) (*pool.Pool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pool == nil {
		p, err := e.build(ctx, e.Node)
		if err != nil {
			return nil, err
		}
		e.pool = p
	}
	return e.pool, nil
}

// PoolIfBuilt returns the pool without creating one, or nil.
func (e *Entry) PoolIfBuilt() *pool.Pool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool
}

// Table is one immutable snapshot of the cluster: the coordinator, the
// workers indexed by shard, and the replicas grouped by the node they
// stand by. Callers acquire from whichever table was current when their
// operation started; a refresh never mutates an existing table.
type Table struct {
	coordinator *Entry
	workers     []*Entry          // index == shard ID
	replicas    map[int][]*Entry  // key: shard ID or config.CoordinatorShardID
}

// newTable builds a table from a node set, carrying over pools from prev
// for descriptors that did not change.
func newTable(nodes []Node, build buildPool, prev *Table) (*Table, error) {
	t := &Table{replicas: make(map[int][]*Entry)}

	carried := make(map[Node]*Entry)
	if prev != nil {
		for _, e := range prev.Entries() {
			carried[e.Node] = e
		}
	}

	entry := func(n Node) *Entry {
		if e, ok := carried[n]; ok {
			return e
		}
		return &Entry{Node: n, build: build}
	}

	workersByShard := make(map[int]*Entry)
	for _, n := range nodes {
		switch n.Role {
		case RoleCoordinator:
			if t.coordinator != nil {
				return nil, fmt.Errorf("topology: duplicate coordinator %s:%d", n.Host, n.Port)
			}
			t.coordinator = entry(n)
		case RoleWorker:
			if _, dup := workersByShard[n.ShardID]; dup {
				return nil, fmt.Errorf("%w: shard %d assigned twice", ErrBadShardLayout, n.ShardID)
			}
			workersByShard[n.ShardID] = entry(n)
		case RoleReplica:
			t.replicas[n.StandsBy] = append(t.replicas[n.StandsBy], entry(n))
		default:
			return nil, fmt.Errorf("topology: unknown role %q", n.Role)
		}
	}

	if t.coordinator == nil {
		return nil, ErrNoCoordinator
	}

	t.workers = make([]*Entry, len(workersByShard))
	for shardID, e := range workersByShard {
		if shardID < 0 || shardID >= len(t.workers) {
			return nil, fmt.Errorf("%w: shard %d with %d workers", ErrBadShardLayout, shardID, len(t.workers))
		}
		t.workers[shardID] = e
	}

	return t, nil
}

// Coordinator returns the coordinator entry.
func (t *Table) Coordinator() *Entry { return t.coordinator }

// ShardCount returns the number of worker shards.
func (t *Table) ShardCount() int { return len(t.workers) }

// Worker returns the entry owning the given shard.
func (t *Table) Worker(shardID int) (*Entry, error) {
	if shardID < 0 || shardID >= len(t.workers) {
		return nil, fmt.Errorf("%w: shard %d", ErrUnknownShard, shardID)
	}
	return t.workers[shardID], nil
}

// Replicas returns the replica entries standing by the given shard, or
// by the coordinator for config.CoordinatorShardID. The returned slice
// must not be mutated.
func (t *Table) Replicas(standsBy int) []*Entry {
	return t.replicas[standsBy]
}

// Entries returns every entry in the table.
func (t *Table) Entries() []*Entry {
	out := make([]*Entry, 0, 1+len(t.workers)+len(t.replicas))
	out = append(out, t.coordinator)
	out = append(out, t.workers...)
	for _, group := range t.replicas {
		out = append(out, group...)
	}
	return out
}

// contains reports whether the table holds this exact entry.
func (t *Table) contains(target *Entry) bool {
	for _, e := range t.Entries() {
		if e == target {
			return true
		}
	}
	return false
}
