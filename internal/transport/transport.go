// Package transport defines the per-connection contract rooms and client
// sessions are written against, plus two implementations: an in-memory pipe
// pair for tests and a WebSocket adapter for real deployments. Rooms never
// see TLS, HTTP upgrades, or listen sockets.
package transport

import "errors"

// ErrConnectionClosed is returned by Send after the connection is gone.
var ErrConnectionClosed = errors.New("transport: connection closed")

// Connection is a single bidirectional frame stream.
type Connection interface {
	// Send writes one outbound frame.
	Send(data []byte) error
	// Close terminates the connection with a close code and reason.
	// Idempotent; only the first call's code is observed.
	Close(code int, reason string) error
	// Receive delivers inbound frames in arrival order. The channel is
	// closed once the connection terminates.
	Receive() <-chan []byte
	// Done is closed when the connection has fully terminated.
	Done() <-chan struct{}
	// CloseCode returns the close code observed at termination. Only
	// meaningful after Done is closed.
	CloseCode() int
}
