// Package client implements the connecting side of the room protocol: an
// HTTP matchmaking client and a Session mirroring the server room's state
// machine. A Session consumes a seat reservation over a transport
// connection, completes the join handshake, dispatches typed messages and
// state updates, and resumes itself with its reconnection token after an
// abnormal close.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/protocol"
	"github.com/cory-johannsen/arena/internal/transport"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultRejoinBackoff    = 500 * time.Millisecond
)

// ServerError is a failure the server reported with a wire error code.
type ServerError struct {
	Code    uint32 `json:"code"`
	Message string `json:"message"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// MessageHandler receives one inbound room message. msgType is the string
// form of the type tag; numeric tags arrive as "#<n>".
type MessageHandler func(msgType string, payload []byte)

// Connector opens a fresh connection for the session. It is called once on
// Connect and again on every rejoin attempt, with the session's current
// reconnection token.
type Connector func(ctx context.Context, sessionID, reconnectionToken string) (transport.Connection, error)

// SessionConfig carries the reservation identity and tuning for a Session.
type SessionConfig struct {
	RoomID    string
	SessionID string
	// ReconnectionToken resumes a prior session when set. Sessions joining
	// fresh receive their token in the join handshake.
	ReconnectionToken string
	Connector         Connector
	Logger            *zap.Logger

	// HandshakeTimeout bounds the wait for the server's join handshake.
	HandshakeTimeout time.Duration
	// RejoinAttempts is how many times an abnormally closed session retries
	// resuming with its reconnection token. Zero disables auto-rejoin.
	RejoinAttempts int
	RejoinBackoff  time.Duration
}

// Session is a client-side room session. Register handlers, then call
// Connect; the session keeps itself alive across reconnectable closes until
// it leaves or the server finalizes it.
type Session struct {
	cfg    SessionConfig
	logger *zap.Logger

	mu           sync.Mutex
	conn         transport.Connection
	joined       bool
	leaving      bool
	pending      [][]byte
	serializerID string
	handshake    []byte
	token        string
	state        []byte
	closeCode    int
	finalErr     error

	handlers      map[string]MessageHandler
	onStateChange func(state []byte)
	onStatePatch  func(patch []byte)
	onError       func(code uint32, message string)
	onLeave       func(code int)

	done     chan struct{}
	doneOnce sync.Once
}

// NewSession builds an unconnected session.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.RejoinBackoff <= 0 {
		cfg.RejoinBackoff = defaultRejoinBackoff
	}
	return &Session{
		cfg:      cfg,
		logger:   cfg.Logger.With(zap.String("roomId", cfg.RoomID), zap.String("sessionId", cfg.SessionID)),
		token:    cfg.ReconnectionToken,
		handlers: make(map[string]MessageHandler),
		done:     make(chan struct{}),
	}
}

// OnMessage registers a handler for a message type. "*" matches any type
// without a dedicated handler. Register before Connect.
func (s *Session) OnMessage(msgType string, handler MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[msgType] = handler
}

// OnStateChange registers a callback for full state snapshots.
func (s *Session) OnStateChange(fn func(state []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStateChange = fn
}

// OnStatePatch registers a callback for incremental state updates.
func (s *Session) OnStatePatch(fn func(patch []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStatePatch = fn
}

// OnError registers a callback for server error frames.
func (s *Session) OnError(fn func(code uint32, message string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

// OnLeave registers a callback fired once, with the final close code, when
// the session ends for good.
func (s *Session) OnLeave(fn func(code int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLeave = fn
}

// Connect opens the connection, completes the join handshake, flushes any
// sends queued beforehand, and starts the read loop.
func (s *Session) Connect(ctx context.Context) error {
	conn, err := s.cfg.Connector(ctx, s.cfg.SessionID, s.ReconnectionToken())
	if err != nil {
		return fmt.Errorf("connecting session: %w", err)
	}
	if err := s.completeJoin(ctx, conn); err != nil {
		_ = conn.Close(protocol.CloseNormal, "join failed")
		return err
	}
	go s.readLoop(conn)
	return nil
}

// completeJoin waits for the server handshake on conn, acknowledges it, and
// flushes the pending send queue.
func (s *Session) completeJoin(ctx context.Context, conn transport.Connection) error {
	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()

	for {
		select {
		case frame, ok := <-conn.Receive():
			if !ok {
				return fmt.Errorf("connection closed during handshake (code %d)", conn.CloseCode())
			}
			op, body, err := protocol.Split(frame)
			if err != nil {
				return fmt.Errorf("reading handshake: %w", err)
			}
			switch op {
			case protocol.OpJoinRoom:
				return s.acceptHandshake(conn, body)
			case protocol.OpError:
				code, msg, decErr := protocol.DecodeError(body)
				if decErr != nil {
					return fmt.Errorf("decoding rejection: %w", decErr)
				}
				return &ServerError{Code: code, Message: msg}
			default:
				// Frames other than the handshake are not expected yet.
				continue
			}
		case <-timer.C:
			return fmt.Errorf("join handshake timed out after %s", s.cfg.HandshakeTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) acceptHandshake(conn transport.Connection, body []byte) error {
	serializerID, token, handshake, err := protocol.DecodeJoinRoom(body)
	if err != nil {
		return fmt.Errorf("decoding handshake: %w", err)
	}
	if err := conn.Send(protocol.JoinAck()); err != nil {
		return fmt.Errorf("acknowledging join: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.joined = true
	s.serializerID = serializerID
	s.handshake = handshake
	if token != "" {
		s.token = token
	}
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, frame := range queued {
		if err := conn.Send(frame); err != nil {
			s.logger.Debug("flushing queued send", zap.Error(err))
			break
		}
	}
	return nil
}

// readLoop consumes inbound frames until the connection closes, then either
// rejoins with the reconnection token or finalizes the session.
func (s *Session) readLoop(conn transport.Connection) {
	for {
		for frame := range conn.Receive() {
			s.handleFrame(frame)
		}
		code := conn.CloseCode()

		s.mu.Lock()
		s.conn = nil
		s.joined = false
		leaving := s.leaving
		token := s.token
		s.mu.Unlock()

		if leaving || code == protocol.CloseConsented || code == protocol.CloseNormal {
			s.finish(code, nil)
			return
		}
		if code == protocol.CloseWithError || code == protocol.CloseFailedReconnect {
			s.finish(code, fmt.Errorf("session closed by server (code %d)", code))
			return
		}
		if token == "" || s.cfg.RejoinAttempts <= 0 {
			s.finish(code, nil)
			return
		}

		next, err := s.rejoin(token)
		if err != nil {
			s.finish(code, err)
			return
		}
		conn = next
	}
}

// rejoin retries the connector with the reconnection token. A refused
// attempt retries too: the server may still be processing the drop that
// opened the reconnection window.
func (s *Session) rejoin(token string) (transport.Connection, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.RejoinAttempts; attempt++ {
		time.Sleep(s.cfg.RejoinBackoff)
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
		conn, err := s.cfg.Connector(ctx, s.cfg.SessionID, token)
		if err == nil {
			err = s.completeJoin(ctx, conn)
			if err == nil {
				cancel()
				s.logger.Info("session resumed", zap.Int("attempt", attempt))
				return conn, nil
			}
			_ = conn.Close(protocol.CloseNormal, "rejoin failed")
		}
		cancel()
		lastErr = err
		s.logger.Debug("rejoin attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	return nil, fmt.Errorf("rejoining after %d attempts: %w", s.cfg.RejoinAttempts, lastErr)
}

func (s *Session) handleFrame(frame []byte) {
	op, body, err := protocol.Split(frame)
	if err != nil {
		return
	}
	switch op {
	case protocol.OpRoomData:
		if msgType, payload, decErr := protocol.DecodeRoomData(body); decErr == nil {
			s.dispatch(msgType.String(), payload)
		}
	case protocol.OpRoomDataBytes:
		if msgType, payload, decErr := protocol.DecodeRoomDataBytes(body); decErr == nil {
			s.dispatch(msgType.String(), payload)
		}
	case protocol.OpRoomState:
		s.mu.Lock()
		s.state = body
		fn := s.onStateChange
		s.mu.Unlock()
		if fn != nil {
			fn(body)
		}
	case protocol.OpRoomStatePatch:
		s.mu.Lock()
		// The json serializer's patches are full snapshots.
		if s.serializerID == "json" {
			s.state = body
		}
		fn := s.onStatePatch
		s.mu.Unlock()
		if fn != nil {
			fn(body)
		}
	case protocol.OpError:
		code, msg, decErr := protocol.DecodeError(body)
		if decErr != nil {
			return
		}
		s.mu.Lock()
		fn := s.onError
		s.mu.Unlock()
		if fn != nil {
			fn(code, msg)
		} else {
			s.logger.Warn("server error", zap.Uint32("code", code), zap.String("message", msg))
		}
	case protocol.OpPong:
	}
}

func (s *Session) dispatch(msgType string, payload []byte) {
	s.mu.Lock()
	handler, ok := s.handlers[msgType]
	if !ok {
		handler, ok = s.handlers["*"]
	}
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("message without handler", zap.String("type", msgType))
		return
	}
	handler(msgType, payload)
}

// finish finalizes the session exactly once.
func (s *Session) finish(code int, err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.closeCode = code
		s.finalErr = err
		fn := s.onLeave
		s.mu.Unlock()
		if fn != nil {
			fn(code)
		}
		close(s.done)
	})
}

// Send delivers a JSON message to the room. Sends issued before the join
// completes are queued and flushed in order afterwards.
func (s *Session) Send(msgType string, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	return s.sendFrame(protocol.EncodeRoomData(parseMessageType(msgType), payload))
}

// SendBytes delivers a raw payload to the room.
func (s *Session) SendBytes(msgType string, payload []byte) error {
	return s.sendFrame(protocol.EncodeRoomDataBytes(parseMessageType(msgType), payload))
}

// Ping sends a liveness probe; the room answers with a pong frame.
func (s *Session) Ping() error {
	return s.sendFrame([]byte{protocol.OpPing})
}

func (s *Session) sendFrame(frame []byte) error {
	s.mu.Lock()
	if !s.joined || s.conn == nil {
		select {
		case <-s.done:
			s.mu.Unlock()
			return transport.ErrConnectionClosed
		default:
		}
		s.pending = append(s.pending, frame)
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	s.mu.Unlock()
	return conn.Send(frame)
}

// Leave requests a consented leave and waits for the server to close the
// session.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	s.leaving = true
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.finish(protocol.CloseNormal, nil)
		return nil
	}
	if err := conn.Send(protocol.EncodeLeaveRoom()); err != nil {
		_ = conn.Close(protocol.CloseNormal, "leave")
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		_ = conn.Close(protocol.CloseNormal, "leave")
		return ctx.Err()
	}
}

// Done is closed when the session has ended for good.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the terminal error, if any. Meaningful after Done.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalErr
}

// CloseCode returns the final close code. Meaningful after Done.
func (s *Session) CloseCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode
}

// RoomID returns the joined room's id.
func (s *Session) RoomID() string { return s.cfg.RoomID }

// SessionID returns this session's id within the room.
func (s *Session) SessionID() string { return s.cfg.SessionID }

// SerializerID reports the state serializer negotiated in the handshake.
func (s *Session) SerializerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serializerID
}

// Handshake returns the serializer handshake payload.
func (s *Session) Handshake() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshake
}

// ReconnectionToken returns the token that resumes this session.
func (s *Session) ReconnectionToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// State returns the latest full state snapshot, nil before the first one.
func (s *Session) State() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// parseMessageType mirrors the room-side registration forms: "#<n>" is a
// numeric tag, anything else a string tag.
func parseMessageType(msgType string) protocol.MessageType {
	if strings.HasPrefix(msgType, "#") {
		if n, err := strconv.ParseUint(msgType[1:], 10, 32); err == nil {
			return protocol.MessageType{Num: uint32(n), IsNum: true}
		}
	}
	return protocol.MessageType{Str: msgType}
}
