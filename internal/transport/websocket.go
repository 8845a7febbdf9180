package transport

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cory-johannsen/arena/internal/protocol"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
)

// WebSocketConn adapts a gorilla/websocket connection to the Connection
// contract. A background read pump feeds inbound binary frames to Receive
// and records the close code at termination.
type WebSocketConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	closed    bool
	closeCode int

	inbound chan []byte
	done    chan struct{}
}

// NewWebSocketConn wraps ws and starts its read pump.
//
// Precondition: ws must be a freshly upgraded or dialed connection; the
// caller must not read from it afterwards.
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	c := &WebSocketConn{
		ws:      ws,
		inbound: make(chan []byte, 256),
		done:    make(chan struct{}),
	}
	go c.readPump()
	return c
}

func (c *WebSocketConn) readPump() {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	code := protocol.CloseAbnormal
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				code = closeErr.Code
			}
			break
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		select {
		case c.inbound <- data:
		case <-c.done:
			return
		}
	}
	c.terminate(code)
}

func (c *WebSocketConn) terminate(code int) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeCode = code
	c.mu.Unlock()
	close(c.inbound)
	close(c.done)
	_ = c.ws.Close()
}

// Send writes one binary frame.
func (c *WebSocketConn) Send(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Close sends a close frame with the given code and terminates the
// connection. Idempotent.
func (c *WebSocketConn) Close(code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.writeMu.Unlock()

	c.terminate(code)
	return nil
}

// Receive delivers inbound frames.
func (c *WebSocketConn) Receive() <-chan []byte { return c.inbound }

// Done is closed on termination.
func (c *WebSocketConn) Done() <-chan struct{} { return c.done }

// CloseCode returns the observed close code.
func (c *WebSocketConn) CloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

var _ Connection = (*WebSocketConn)(nil)

// Upgrader upgrades inbound HTTP requests to WebSocket connections.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Matchmaking auth happens after the upgrade; origin policy is the
	// embedding application's concern.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Upgrade converts an HTTP request into a Connection.
func Upgrade(w http.ResponseWriter, r *http.Request) (*WebSocketConn, error) {
	ws, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrading connection: %w", err)
	}
	return NewWebSocketConn(ws), nil
}

// Dial opens a client Connection to the given WebSocket URL.
func Dial(url string) (*WebSocketConn, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return NewWebSocketConn(ws), nil
}
