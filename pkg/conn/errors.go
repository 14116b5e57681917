package conn

import (
	"errors"
	"fmt"
)

// Sentinel errors for common connection error conditions.
var (
	// ErrNotOpen is returned when a write is attempted while the
	// connection is not OPEN. Per the protocol contract this is a
	// no-op for the channel, not a fault.
	ErrNotOpen = errors.New("conn: connection not open")

	// ErrManagerClosed is returned after Close has shut the loop down.
	ErrManagerClosed = errors.New("conn: manager closed")

	// ErrStaleConnection marks a half-open connection detected by a
	// missed heartbeat pong. Treated identically to an abnormal close.
	ErrStaleConnection = errors.New("conn: stale connection, heartbeat pong missed")
)

// TransportError wraps a socket-level error. It is non-fatal: the
// reconnection path recovers from it.
type TransportError struct {
	Op  string // operation that failed: "dial", "read", "write"
	Err error
}

// Error returns the error message.
func (e *TransportError) Error() string {
	return fmt.Sprintf("conn: transport %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *TransportError) Unwrap() error { return e.Err }
