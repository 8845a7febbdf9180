package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/arena/internal/driver"
	"github.com/cory-johannsen/arena/internal/matchmaker"
	"github.com/cory-johannsen/arena/internal/presence"
	"github.com/cory-johannsen/arena/internal/protocol"
	"github.com/cory-johannsen/arena/internal/room"
	"github.com/cory-johannsen/arena/internal/transport"
)

// echoHandler bounces every "echo" message back to its sender.
type echoHandler struct{}

func (echoHandler) OnCreate(r *room.Room, _ map[string]any) error {
	r.OnMessage("echo", func(c *room.Client, _ string, payload []byte) {
		_ = c.SendBytes("echo", payload)
	})
	r.OnMessage("#7", func(c *room.Client, _ string, payload []byte) {
		_ = c.SendBytes("#7", payload)
	})
	return nil
}

// countedHandler serves a state snapshot that counts joins.
type countedHandler struct {
	mu    sync.Mutex
	joins int
}

func (h *countedHandler) OnCreate(*room.Room, map[string]any) error { return nil }

func (h *countedHandler) OnJoin(*room.Client, map[string]any, any) error {
	h.mu.Lock()
	h.joins++
	h.mu.Unlock()
	return nil
}

func (h *countedHandler) State() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return map[string]any{"joins": h.joins}
}

// resumableHandler opens a reconnection window for abnormal closes.
type resumableHandler struct {
	echoHandler
	room *room.Room
}

func (h *resumableHandler) OnCreate(r *room.Room, options map[string]any) error {
	h.room = r
	return h.echoHandler.OnCreate(r, options)
}

func (h *resumableHandler) OnLeave(c *room.Client, consented bool) error {
	if !consented {
		h.room.AllowReconnection(c, 5*time.Second)
	}
	return nil
}

func newMatchMaker(t *testing.T) *matchmaker.MatchMaker {
	t.Helper()
	m := matchmaker.New(matchmaker.Config{
		ProcessID:          "proc-client-test",
		Presence:           presence.NewLocalPresence(),
		Driver:             driver.NewMemoryDriver(),
		Logger:             zaptest.NewLogger(t),
		SeatReservationTTL: time.Minute,
		IPCTimeout:         200 * time.Millisecond,
	})
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.GracefulShutdown(ctx)
	})
	return m
}

// pipeConnector joins the matchmaker directly over in-memory pipes. The
// server ends of the pipes handed out so far are recorded for tests that
// sever connections.
type pipeConnector struct {
	m      *matchmaker.MatchMaker
	roomID string

	mu    sync.Mutex
	dials int
	last  *transport.Pipe
}

func (pc *pipeConnector) connect(_ context.Context, sessionID, reconnectionToken string) (transport.Connection, error) {
	server, cl := transport.NewPipe()
	if err := pc.m.Connect(server, pc.roomID, sessionID, reconnectionToken); err != nil {
		return nil, err
	}
	pc.mu.Lock()
	pc.dials++
	pc.last = cl
	pc.mu.Unlock()
	return cl, nil
}

func (pc *pipeConnector) dialCount() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.dials
}

func (pc *pipeConnector) lastConn() *transport.Pipe {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.last
}

func newPipeSession(t *testing.T, m *matchmaker.MatchMaker, res *matchmaker.SeatReservation, rejoinAttempts int) (*Session, *pipeConnector) {
	t.Helper()
	pc := &pipeConnector{m: m, roomID: res.Room.RoomID}
	s := NewSession(SessionConfig{
		RoomID:            res.Room.RoomID,
		SessionID:         res.SessionID,
		ReconnectionToken: res.ReconnectionToken,
		Connector:         pc.connect,
		Logger:            zaptest.NewLogger(t),
		HandshakeTimeout:  2 * time.Second,
		RejoinAttempts:    rejoinAttempts,
		RejoinBackoff:     20 * time.Millisecond,
	})
	return s, pc
}

func TestSession_SendsQueuedBeforeConnectArrive(t *testing.T) {
	m := newMatchMaker(t)
	m.Define("echo", func() any { return echoHandler{} })

	res, err := m.JoinOrCreate(context.Background(), "echo", nil)
	require.NoError(t, err)

	s, _ := newPipeSession(t, m, res, 0)
	echoes := make(chan []byte, 4)
	s.OnMessage("echo", func(_ string, payload []byte) { echoes <- payload })

	// Queued while unconnected, flushed right after the handshake.
	require.NoError(t, s.Send("echo", "hello"))
	require.NoError(t, s.Connect(context.Background()))

	select {
	case payload := <-echoes:
		assert.JSONEq(t, `"hello"`, string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("queued message was not echoed")
	}

	assert.Equal(t, "none", s.SerializerID())
	assert.NotEmpty(t, s.ReconnectionToken())
}

func TestSession_NumericMessageTypes(t *testing.T) {
	m := newMatchMaker(t)
	m.Define("echo", func() any { return echoHandler{} })

	res, err := m.JoinOrCreate(context.Background(), "echo", nil)
	require.NoError(t, err)

	s, _ := newPipeSession(t, m, res, 0)
	echoes := make(chan []byte, 1)
	s.OnMessage("#7", func(_ string, payload []byte) { echoes <- payload })
	require.NoError(t, s.Connect(context.Background()))

	require.NoError(t, s.SendBytes("#7", []byte{0xDE, 0xAD}))
	select {
	case payload := <-echoes:
		assert.Equal(t, []byte{0xDE, 0xAD}, payload)
	case <-time.After(2 * time.Second):
		t.Fatal("numeric-typed message was not echoed")
	}
}

func TestSession_StateSnapshot(t *testing.T) {
	m := newMatchMaker(t)
	m.Define("counted", func() any { return &countedHandler{} })

	res, err := m.JoinOrCreate(context.Background(), "counted", nil)
	require.NoError(t, err)

	s, _ := newPipeSession(t, m, res, 0)
	states := make(chan []byte, 1)
	s.OnStateChange(func(state []byte) { states <- state })
	require.NoError(t, s.Connect(context.Background()))

	select {
	case state := <-states:
		assert.JSONEq(t, `{"joins":1}`, string(state))
	case <-time.After(2 * time.Second):
		t.Fatal("no state snapshot arrived")
	}
	assert.Equal(t, "json", s.SerializerID())
	assert.JSONEq(t, `{"joins":1}`, string(s.State()))
}

func TestSession_LeaveIsConsented(t *testing.T) {
	m := newMatchMaker(t)
	m.Define("echo", func() any { return echoHandler{} })

	res, err := m.JoinOrCreate(context.Background(), "echo", nil)
	require.NoError(t, err)

	s, _ := newPipeSession(t, m, res, 3)
	left := make(chan int, 1)
	s.OnLeave(func(code int) { left <- code })
	require.NoError(t, s.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Leave(ctx))

	select {
	case code := <-left:
		assert.Equal(t, protocol.CloseConsented, code)
	case <-time.After(2 * time.Second):
		t.Fatal("leave callback never fired")
	}
	assert.Equal(t, protocol.CloseConsented, s.CloseCode())
	assert.NoError(t, s.Err())
}

func TestSession_RejoinsAfterAbnormalClose(t *testing.T) {
	m := newMatchMaker(t)
	m.Define("resumable", func() any { return &resumableHandler{} })

	res, err := m.JoinOrCreate(context.Background(), "resumable", nil)
	require.NoError(t, err)

	s, pc := newPipeSession(t, m, res, 5)
	echoes := make(chan []byte, 4)
	s.OnMessage("echo", func(_ string, payload []byte) { echoes <- payload })
	require.NoError(t, s.Connect(context.Background()))
	require.Equal(t, 1, pc.dialCount())

	// Sever the connection out from under the session.
	require.NoError(t, pc.lastConn().Close(protocol.CloseAbnormal, "network blip"))

	require.Eventually(t, func() bool {
		if pc.dialCount() < 2 {
			return false
		}
		return s.Send("echo", "back again") == nil
	}, 5*time.Second, 20*time.Millisecond, "session never resumed")

	select {
	case payload := <-echoes:
		assert.JSONEq(t, `"back again"`, string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("no echo after resume")
	}

	select {
	case <-s.Done():
		t.Fatal("session finalized despite successful rejoin")
	default:
	}
}

func TestSession_ConnectWithoutReservationFails(t *testing.T) {
	m := newMatchMaker(t)
	m.Define("echo", func() any { return echoHandler{} })

	res, err := m.JoinOrCreate(context.Background(), "echo", nil)
	require.NoError(t, err)

	forged := &matchmaker.SeatReservation{Room: res.Room, SessionID: "not-reserved"}
	s, _ := newPipeSession(t, m, forged, 0)

	err = s.Connect(context.Background())
	require.Error(t, err)
	var srvErr *ServerError
	require.ErrorAs(t, err, &srvErr)
	assert.Equal(t, uint32(protocol.ErrCodeExpired), srvErr.Code)
}
