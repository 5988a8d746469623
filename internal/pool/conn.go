package pool

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// NetConn is the minimal surface the pool needs from a live connection.
// *pgconn.PgConn satisfies it; tests substitute fakes.
type NetConn interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Dialer establishes one connection to the pool's node.
type Dialer func(ctx context.Context) (NetConn, error)

// Connection states.
const (
	connIdle int32 = iota
	connInUse
	connClosed
)

// Conn wraps one live connection. Between Acquire and Release it is
// exclusively owned by the acquiring caller; the pool never hands the
// same Conn to two callers.
type Conn struct {
	id       uuid.UUID
	net      NetConn
	pool     *Pool
	state    atomic.Int32
	lastUsed time.Time
}

// ID returns the pool-assigned connection identity.
func (c *Conn) ID() uuid.UUID { return c.id }

// Conn returns the underlying connection for running operations.
func (c *Conn) Conn() NetConn { return c.net }

// PgConn returns the underlying *pgconn.PgConn when the pool was built
// with the PostgreSQL dialer, or nil otherwise (tests with fakes).
func (c *Conn) PgConn() *pgconn.PgConn {
	pc, _ := c.net.(*pgconn.PgConn)
	return pc
}

// idleFor reports how long the connection has been sitting idle.
// Only meaningful while the connection is in the idle set.
func (c *Conn) idleFor(now time.Time) time.Duration {
	return now.Sub(c.lastUsed)
}
