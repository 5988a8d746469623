// Package pool implements a bounded, concurrency-safe pool of live
// connections to one physical PostgreSQL node.
//
// The pool owns connection lifetime: MinConns are dialed eagerly at
// construction, MaxConns is a hard ceiling, idle connections past the
// validation threshold are pinged before checkout, and a run of
// consecutive connect failures flips the pool into a degraded state
// visible through Stats. The pool never loop-retries on its own; that
// belongs to the retry policy wrapping it.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pgfleet/pgfleet/internal/logging"
	"github.com/pgfleet/pgfleet/internal/metrics"
)

// Config parameterizes one pool.
type Config struct {
	// Node is the label for this pool, e.g. "coordinator" or "worker-2".
	Node string
	// Role is coordinator, worker, or replica.
	Role string

	MinConns         int
	MaxConns         int
	AcquireTimeout   time.Duration
	ValidateAfter    time.Duration
	FailureThreshold int

	Dialer Dialer

	// Metrics is optional; nil disables instrumentation (tests).
	Metrics *metrics.PoolMetrics
	// Logger is optional; nil falls back to the global logger.
	Logger *logging.Logger
	// OnStateChange is invoked when the pool enters or leaves the
	// degraded state. Optional. Called without internal locks held.
	OnStateChange func(degraded bool)
}

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Node     string `json:"node"`
	Role     string `json:"role"`
	Total    int    `json:"total"`
	InUse    int    `json:"inUse"`
	Idle     int    `json:"idle"`
	Waiters  int    `json:"waiters"`
	Degraded bool   `json:"degraded"`
}

// Pool is a bounded pool of live connections to one node.
type Pool struct {
	cfg    Config
	logger *logging.Logger

	// sem holds one token per live connection (idle or in use) and per
	// dial in progress. Its capacity is the MaxConns ceiling.
	sem chan struct{}
	// idle holds connections ready for checkout.
	idle chan *Conn

	mu       sync.Mutex
	conns    map[uuid.UUID]*Conn // every live conn, for forced shutdown
	closed   bool
	failures int // consecutive connect/validate failures
	degraded bool

	inUse   int64 // guarded by mu
	waiters int64 // guarded by mu
}

// New creates a pool and dials MinConns eagerly (warm start). Warm-start
// dial failures are logged and counted but do not fail construction; the
// node may simply not be up yet.
func New(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("pool: dialer is required")
	}
	if cfg.MaxConns < 1 {
		return nil, errors.New("pool: MaxConns must be >= 1")
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Global()
	}

	p := &Pool{
		cfg:    cfg,
		logger: logger.With(map[string]any{"node": cfg.Node, "role": cfg.Role}),
		sem:    make(chan struct{}, cfg.MaxConns),
		idle:   make(chan *Conn, cfg.MaxConns),
		conns:  make(map[uuid.UUID]*Conn),
	}

	for i := 0; i < cfg.MinConns && i < cfg.MaxConns; i++ {
		p.sem <- struct{}{}
		c, err := p.dial(ctx)
		if err != nil {
			<-p.sem
			p.noteFailure()
			p.logger.Warnf("warm start dial failed", map[string]any{"error": err.Error()})
			break
		}
		p.idle <- c
	}
	p.updateGauges()

	return p, nil
}

// Node returns the pool's node label.
func (p *Pool) Node() string { return p.cfg.Node }

// Role returns the pool's node role.
func (p *Pool) Role() string { return p.cfg.Role }

// Acquire returns an exclusively-owned connection, waiting for a free
// slot up to the acquire timeout (or the caller's earlier deadline).
// It fails with ErrExhausted when every slot stays in use for the whole
// timeout, with ErrUnavailable when the node cannot be dialed, and with
// the context error when the caller cancels. A cancelled acquire never
// leaks a slot.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	p.addWaiter(1)
	defer p.addWaiter(-1)

	for {
		if p.isClosed() {
			return nil, &Error{Node: p.cfg.Node, Kind: ErrClosed}
		}

		// Prefer a pooled connection over dialing a new one.
		select {
		case c := <-p.idle:
			if out, ok := p.checkout(ctx, c); ok {
				return out, nil
			}
			continue
		default:
		}

		select {
		case c := <-p.idle:
			if out, ok := p.checkout(ctx, c); ok {
				return out, nil
			}

		case p.sem <- struct{}{}:
			// Close may have begun while we were parked on the slot;
			// never dial on a closing pool.
			if p.isClosed() {
				<-p.sem
				return nil, &Error{Node: p.cfg.Node, Kind: ErrClosed}
			}
			c, err := p.dial(ctx)
			if err != nil {
				<-p.sem
				p.noteFailure()
				p.recordAcquire("unavailable")
				return nil, &Error{Node: p.cfg.Node, Kind: ErrUnavailable, Cause: err}
			}
			p.noteSuccess()
			return p.markInUse(c), nil

		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				p.recordAcquire("exhausted")
				return nil, &Error{Node: p.cfg.Node, Kind: ErrExhausted, Cause: ctx.Err()}
			}
			p.recordAcquire("cancelled")
			return nil, ctx.Err()
		}
	}
}

// Release returns a connection to the pool. healthy=false destroys the
// underlying connection instead of returning it to the idle set. A second
// release of the same connection fails with ErrConnReleased.
func (p *Pool) Release(c *Conn, healthy bool) error {
	if c == nil || c.pool != p {
		return ErrWrongPool
	}
	if !c.state.CompareAndSwap(connInUse, connIdle) {
		return ErrConnReleased
	}
	c.lastUsed = time.Now()

	p.mu.Lock()
	p.inUse--
	closed := p.closed
	p.mu.Unlock()

	if !healthy || closed {
		p.destroy(c)
		p.updateGauges()
		return nil
	}

	// Capacity equals MaxConns, so there is always room.
	select {
	case p.idle <- c:
	default:
		p.destroy(c)
	}
	p.updateGauges()
	return nil
}

// Ping probes node reachability. It reuses an idle connection when one is
// available, dials a fresh one when a slot is free, and reports success
// without probing when the pool is fully busy serving traffic. A
// successful probe clears the degraded state.
func (p *Pool) Ping(ctx context.Context) error {
	if p.isClosed() {
		return &Error{Node: p.cfg.Node, Kind: ErrClosed}
	}

	select {
	case c := <-p.idle:
		if err := c.net.Ping(ctx); err != nil {
			p.recordValidation("failed")
			p.noteFailure()
			p.destroy(c)
			p.updateGauges()
			return &Error{Node: p.cfg.Node, Kind: ErrUnavailable, Cause: err}
		}
		p.recordValidation("ok")
		p.noteSuccess()
		c.lastUsed = time.Now()
		p.idle <- c
		return nil
	default:
	}

	select {
	case p.sem <- struct{}{}:
		c, err := p.dial(ctx)
		if err != nil {
			<-p.sem
			p.noteFailure()
			return &Error{Node: p.cfg.Node, Kind: ErrUnavailable, Cause: err}
		}
		p.noteSuccess()
		p.idle <- c
		p.updateGauges()
		return nil
	default:
		// Every slot is in use; the node is demonstrably serving.
		return nil
	}
}

// Stats returns a point-in-time view of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Node:     p.cfg.Node,
		Role:     p.cfg.Role,
		Total:    len(p.conns),
		InUse:    int(p.inUse),
		Idle:     len(p.idle),
		Waiters:  int(p.waiters),
		Degraded: p.degraded,
	}
}

// Degraded reports whether the pool is currently degraded.
func (p *Pool) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

// Close drains the pool: idle connections are closed immediately, in-use
// connections are allowed to finish until ctx expires, then force-closed.
// Acquire fails with ErrClosed as soon as Close begins.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return &Error{Node: p.cfg.Node, Kind: ErrClosed}
	}
	p.closed = true
	wasDegraded := p.degraded
	p.degraded = false
	p.mu.Unlock()

	// A closed pool is no longer degraded; let watchers settle.
	if wasDegraded {
		if m := p.cfg.Metrics; m != nil {
			m.DegradedPools.Dec()
		}
		if p.cfg.OnStateChange != nil {
			p.cfg.OnStateChange(false)
		}
	}

	p.drainIdle()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.drainIdle()
		p.mu.Lock()
		remaining := p.inUse
		p.mu.Unlock()
		if remaining == 0 {
			p.updateGauges()
			return nil
		}

		select {
		case <-ctx.Done():
			// Hard shutdown deadline passed; tear down whatever is left.
			p.mu.Lock()
			leftover := make([]*Conn, 0, len(p.conns))
			for _, c := range p.conns {
				leftover = append(leftover, c)
			}
			p.mu.Unlock()
			for _, c := range leftover {
				c.state.Store(connClosed)
				p.destroy(c)
			}
			p.updateGauges()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pool) drainIdle() {
	for {
		select {
		case c := <-p.idle:
			p.destroy(c)
		default:
			return
		}
	}
}

// checkout validates a pooled connection that has been idle past the
// threshold, destroying it on a failed probe. ok=false means the caller
// should keep looking.
func (p *Pool) checkout(ctx context.Context, c *Conn) (*Conn, bool) {
	if p.cfg.ValidateAfter > 0 && c.idleFor(time.Now()) > p.cfg.ValidateAfter {
		if err := c.net.Ping(ctx); err != nil {
			p.recordValidation("failed")
			p.noteFailure()
			p.destroy(c)
			p.updateGauges()
			return nil, false
		}
		p.recordValidation("ok")
		p.noteSuccess()
	}
	return p.markInUse(c), true
}

func (p *Pool) markInUse(c *Conn) *Conn {
	c.state.Store(connInUse)
	p.mu.Lock()
	p.inUse++
	p.mu.Unlock()
	p.recordAcquire("ok")
	p.updateGauges()
	return c
}

func (p *Pool) dial(ctx context.Context) (*Conn, error) {
	net, err := p.cfg.Dialer(ctx)
	if err != nil {
		return nil, err
	}
	c := &Conn{
		id:       uuid.New(),
		net:      net,
		pool:     p,
		lastUsed: time.Now(),
	}
	p.mu.Lock()
	p.conns[c.id] = c
	p.mu.Unlock()
	return c, nil
}

// destroy closes the underlying connection and returns its slot token.
func (p *Pool) destroy(c *Conn) {
	c.state.Store(connClosed)

	p.mu.Lock()
	_, tracked := p.conns[c.id]
	delete(p.conns, c.id)
	p.mu.Unlock()
	if !tracked {
		return // already destroyed (forced shutdown race)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = c.net.Close(closeCtx)
	<-p.sem
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) addWaiter(delta int64) {
	p.mu.Lock()
	p.waiters += delta
	waiters := p.waiters
	p.mu.Unlock()
	if m := p.cfg.Metrics; m != nil {
		m.Waiters.WithLabelValues(p.cfg.Node, p.cfg.Role).Set(float64(waiters))
	}
}

// noteFailure counts one connect/validate failure; crossing the threshold
// flips the pool to degraded.
func (p *Pool) noteFailure() {
	p.mu.Lock()
	p.failures++
	flipped := !p.degraded && p.failures >= p.cfg.FailureThreshold
	if flipped {
		p.degraded = true
	}
	p.mu.Unlock()

	if flipped {
		p.logger.Warnf("pool degraded", map[string]any{"failures": p.cfg.FailureThreshold})
		if m := p.cfg.Metrics; m != nil {
			m.DegradedPools.Inc()
		}
		if p.cfg.OnStateChange != nil {
			p.cfg.OnStateChange(true)
		}
	}
}

// noteSuccess clears the failure count; a degraded pool returns to ready.
func (p *Pool) noteSuccess() {
	p.mu.Lock()
	p.failures = 0
	recovered := p.degraded
	if recovered {
		p.degraded = false
	}
	p.mu.Unlock()

	if recovered {
		p.logger.Info("pool recovered")
		if m := p.cfg.Metrics; m != nil {
			m.DegradedPools.Dec()
		}
		if p.cfg.OnStateChange != nil {
			p.cfg.OnStateChange(false)
		}
	}
}

func (p *Pool) recordAcquire(outcome string) {
	if m := p.cfg.Metrics; m != nil {
		m.AcquiresTotal.WithLabelValues(p.cfg.Node, outcome).Inc()
	}
}

func (p *Pool) recordValidation(outcome string) {
	if m := p.cfg.Metrics; m != nil {
		m.ValidationsTotal.WithLabelValues(p.cfg.Node, outcome).Inc()
	}
}

func (p *Pool) updateGauges() {
	m := p.cfg.Metrics
	if m == nil {
		return
	}
	s := p.Stats()
	m.ConnsTotal.WithLabelValues(s.Node, s.Role, "in_use").Set(float64(s.InUse))
	m.ConnsTotal.WithLabelValues(s.Node, s.Role, "idle").Set(float64(s.Idle))
}
