package cluster

import (
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pgfleet/pgfleet/internal/pool"
)

// ErrClosed is returned by operations on a closed manager.
var ErrClosed = errors.New("cluster: manager closed")

// IsTransientIO reports whether err is a network-level failure that a
// fresh connection has a chance of outrunning. Classification is
// structural: error types and sentinels only, never message text.
func IsTransientIO(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return pgconn.SafeToRetry(err)
}

// IsTransient reports whether err is worth retrying at all: pool
// exhaustion, unreachable nodes, and pools retired by a topology swap
// (all of which precede execution) plus transient I/O. Routing and
// configuration errors are permanent.
func IsTransient(err error) bool {
	if errors.Is(err, pool.ErrExhausted) || errors.Is(err, pool.ErrUnavailable) || errors.Is(err, pool.ErrClosed) {
		return true
	}
	return IsTransientIO(err)
}

// retryable decides per-operation retryability. Pool-level failures
// happen before the statement runs, so they are always safe to retry;
// that includes a pool drained by a concurrent topology swap, since the
// next attempt resolves the replacement table. Mid-operation I/O
// failures may have half-applied a write; those retry only when the
// caller vouched for idempotency (allowIO).
func retryable(err error, allowIO bool) bool {
	if errors.Is(err, pool.ErrExhausted) || errors.Is(err, pool.ErrUnavailable) || errors.Is(err, pool.ErrClosed) {
		return true
	}
	if !allowIO {
		return false
	}
	return IsTransientIO(err)
}

// reasonFor labels a retry for the metrics counter.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, pool.ErrExhausted):
		return "exhausted"
	case errors.Is(err, pool.ErrUnavailable):
		return "unreachable"
	case errors.Is(err, pool.ErrClosed):
		return "retired"
	default:
		return "io"
	}
}
