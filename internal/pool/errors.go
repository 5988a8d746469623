package pool

import "errors"

// Pool errors. Callers classify these with errors.Is; retryability is
// decided structurally from the sentinel, never from message text.
var (
	// ErrExhausted is returned when every slot up to MaxConns is in use
	// for the whole acquire timeout. Transient: retried by the caller's
	// retry policy.
	ErrExhausted = errors.New("pool: exhausted")

	// ErrUnavailable is returned when the node cannot be dialed at all.
	// Transient: the node may come back or be replaced by a refresh.
	ErrUnavailable = errors.New("pool: node unavailable")

	// ErrClosed is returned for operations on a closed pool.
	ErrClosed = errors.New("pool: closed")

	// ErrConnReleased is returned when a connection is released twice or
	// used after release. Programming error, never retried.
	ErrConnReleased = errors.New("pool: connection already released")

	// ErrWrongPool is returned when a connection is released to a pool it
	// does not belong to. Programming error, never retried.
	ErrWrongPool = errors.New("pool: connection does not belong to this pool")
)

// Error carries the node the failure happened on, the sentinel kind, and
// the underlying cause. errors.Is matches the kind, errors.Unwrap walks
// to the cause.
type Error struct {
	Node  string
	Kind  error
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.Error() + " (node " + e.Node + ")"
	}
	return e.Kind.Error() + " (node " + e.Node + "): " + e.Cause.Error()
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Cause }
