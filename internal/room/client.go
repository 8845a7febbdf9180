package room

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cory-johannsen/arena/internal/protocol"
	"github.com/cory-johannsen/arena/internal/transport"
)

// ClientState tracks a session's position in the join lifecycle.
type ClientState int

const (
	// ClientJoining means the handshake was sent but the join ack has not
	// arrived. Outbound frames are buffered.
	ClientJoining ClientState = iota
	// ClientJoined means the session is fully established.
	ClientJoined
	// ClientLeaving means the session is tearing down.
	ClientLeaving
)

// joiningBufferLimit caps the number of frames buffered for a client that has
// not yet acknowledged its join. The oldest frame is dropped on overflow.
const joiningBufferLimit = 10

// Client is one session inside a room. All lifecycle mutations happen on the
// owning room's event loop; Send, SendBytes and Error are safe from any
// goroutine.
type Client struct {
	// SessionID uniquely identifies the session across the cluster.
	SessionID string
	// Auth holds the value returned by the handler's OnAuth, if any.
	Auth any
	// UserData is free space for the application handler.
	UserData any

	mu       sync.Mutex
	conn     transport.Connection
	state    ClientState
	joined   bool
	buffered [][]byte
	dropped  int

	reconnectionToken string
}

func newClient(sessionID string, conn transport.Connection) *Client {
	return &Client{SessionID: sessionID, conn: conn, state: ClientJoining}
}

// State returns the client's lifecycle state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectionToken returns the token issued by AllowReconnection, or the
// empty string when no reconnection window is open for this client.
func (c *Client) ReconnectionToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectionToken
}

func (c *Client) setReconnectionToken(token string) {
	c.mu.Lock()
	c.reconnectionToken = token
	c.mu.Unlock()
}

func (c *Client) connection() transport.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// attach swaps in a fresh connection and resets the client to JOINING for a
// new handshake round. Used for reconnection and duplicate-socket replacement.
func (c *Client) attach(conn transport.Connection) {
	c.mu.Lock()
	c.conn = conn
	c.state = ClientJoining
	c.buffered = nil
	c.dropped = 0
	c.mu.Unlock()
}

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// deliver sends frame now, or buffers it while the client is still JOINING.
// Returns the number of frames dropped to make room, if any.
func (c *Client) deliver(frame []byte) error {
	c.mu.Lock()
	if c.state == ClientJoining {
		if len(c.buffered) >= joiningBufferLimit {
			c.buffered = c.buffered[1:]
			c.dropped++
		}
		c.buffered = append(c.buffered, frame)
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()
	return conn.Send(frame)
}

// markJoined grants joined standing without an ack, for sessions carried
// over from a previous process life.
func (c *Client) markJoined() {
	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()
}

// hasJoined reports whether the client ever completed a join ack. Unlike the
// lifecycle state it survives the JOINING reset of a reconnection handshake.
func (c *Client) hasJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// confirm transitions the client to JOINED and flushes every buffered frame
// in arrival order. Returns the count of frames dropped while joining.
func (c *Client) confirm() (dropped int, err error) {
	c.mu.Lock()
	c.state = ClientJoined
	c.joined = true
	pending := c.buffered
	c.buffered = nil
	dropped = c.dropped
	c.dropped = 0
	conn := c.conn
	c.mu.Unlock()

	for _, frame := range pending {
		if sendErr := conn.Send(frame); sendErr != nil {
			return dropped, fmt.Errorf("flushing join buffer: %w", sendErr)
		}
	}
	return dropped, nil
}

// Send delivers a typed message with a JSON payload.
func (c *Client) Send(msgType string, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encoding message %q: %w", msgType, err)
	}
	return c.deliver(protocol.EncodeRoomData(messageType(msgType), payload))
}

// SendBytes delivers a typed message with a raw payload.
func (c *Client) SendBytes(msgType string, payload []byte) error {
	return c.deliver(protocol.EncodeRoomDataBytes(messageType(msgType), payload))
}

// Error delivers an ERROR frame without closing the connection.
func (c *Client) Error(code uint32, message string) error {
	return c.deliver(protocol.EncodeError(code, message))
}

// Leave closes the client's connection with the given close code. The room
// observes the close and runs its leave sequence; a CloseConsented code marks
// the leave as consented.
func (c *Client) Leave(code int, reason string) error {
	c.mu.Lock()
	c.state = ClientLeaving
	conn := c.conn
	c.mu.Unlock()
	return conn.Close(code, reason)
}
