// Package transport owns the session socket: dialing, keepalive, failure
// detection and bounded reconnection.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrAuthRejected marks a dial or close that rejected the bearer token.
	// It is terminal: the manager does not reconnect after it.
	ErrAuthRejected = errors.New("authentication rejected")
	ErrClosed       = errors.New("connection closed")
)

// Conn is one established transport connection carrying text frames.
// WriteFrame and Ping may be called concurrently with ReadFrame but not
// with each other.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Ping() error
	Close() error
}

// Dialer opens connections authenticated with a bearer token.
type Dialer interface {
	Dial(ctx context.Context, endpoint, token string) (Conn, error)
}

// ErrorEvent is the bus payload for connection.error.
type ErrorEvent struct {
	Err     error
	Attempt int
}

// ClosedEvent is the bus payload for connection.closed.
type ClosedEvent struct {
	Requested bool
	Err       error
}
