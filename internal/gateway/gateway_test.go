package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/arena/internal/client"
	"github.com/cory-johannsen/arena/internal/driver"
	"github.com/cory-johannsen/arena/internal/matchmaker"
	"github.com/cory-johannsen/arena/internal/presence"
	"github.com/cory-johannsen/arena/internal/protocol"
	"github.com/cory-johannsen/arena/internal/room"
	"github.com/cory-johannsen/arena/internal/transport"
)

// lobbyHandler echoes chat messages and caps the room from its creation
// options.
type lobbyHandler struct{}

func (lobbyHandler) OnCreate(r *room.Room, options map[string]any) error {
	if n, ok := options["maxClients"].(float64); ok {
		r.SetMaxClients(int(n))
	}
	r.OnMessage("chat", func(c *room.Client, _ string, payload []byte) {
		_ = c.SendBytes("chat", payload)
	})
	return nil
}

func newGatewayEnv(t *testing.T) (*matchmaker.MatchMaker, *httptest.Server) {
	t.Helper()
	m := matchmaker.New(matchmaker.Config{
		ProcessID:          "proc-gateway-test",
		Presence:           presence.NewLocalPresence(),
		Driver:             driver.NewMemoryDriver(),
		Logger:             zaptest.NewLogger(t),
		SeatReservationTTL: time.Minute,
		IPCTimeout:         200 * time.Millisecond,
	})
	require.NoError(t, m.Start(context.Background()))

	srv := httptest.NewServer(New(Config{
		MatchMaker: m,
		Logger:     zaptest.NewLogger(t),
	}).Handler())

	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.GracefulShutdown(ctx)
	})
	return m, srv
}

func TestGateway_JoinOrCreateEndToEnd(t *testing.T) {
	m, srv := newGatewayEnv(t)
	m.Define("lobby", func() any { return lobbyHandler{} })

	c := client.New(srv.URL, client.WithLogger(zaptest.NewLogger(t)))
	sess, err := c.JoinOrCreate(context.Background(), "lobby", nil)
	require.NoError(t, err)

	echoes := make(chan []byte, 1)
	sess.OnMessage("chat", func(_ string, payload []byte) { echoes <- payload })
	require.NoError(t, sess.Connect(context.Background()))

	require.NoError(t, sess.Send("chat", "over websocket"))
	select {
	case payload := <-echoes:
		assert.JSONEq(t, `"over websocket"`, string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("chat message was not echoed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sess.Leave(ctx))
	assert.Equal(t, protocol.CloseConsented, sess.CloseCode())
}

func TestGateway_RoomsListingAndJoinByID(t *testing.T) {
	m, srv := newGatewayEnv(t)
	m.Define("lobby", func() any { return lobbyHandler{} })

	c := client.New(srv.URL)
	first, err := c.Create(context.Background(), "lobby", nil)
	require.NoError(t, err)
	require.NoError(t, first.Connect(context.Background()))

	rooms, err := c.Rooms(context.Background(), "lobby")
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, first.RoomID(), rooms[0].RoomID)

	second, err := c.JoinByID(context.Background(), rooms[0].RoomID, nil)
	require.NoError(t, err)
	require.NoError(t, second.Connect(context.Background()))
	assert.Equal(t, first.RoomID(), second.RoomID())
	assert.NotEqual(t, first.SessionID(), second.SessionID())
}

func TestGateway_JoinUnknownTypeIsCodedError(t *testing.T) {
	_, srv := newGatewayEnv(t)

	c := client.New(srv.URL)
	_, err := c.Join(context.Background(), "no-such-type", nil)
	require.Error(t, err)
	var srvErr *client.ServerError
	require.ErrorAs(t, err, &srvErr)
	assert.Equal(t, uint32(protocol.ErrCodeNoHandler), srvErr.Code)
}

func TestGateway_WebSocketRejectsUnknownRoom(t *testing.T) {
	_, srv := newGatewayEnv(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/no-such-room?sessionId=sess-1"
	conn, err := transport.Dial(wsURL)
	require.NoError(t, err)

	select {
	case frame, ok := <-conn.Receive():
		require.True(t, ok, "connection closed before the error frame")
		op, body, splitErr := protocol.Split(frame)
		require.NoError(t, splitErr)
		require.Equal(t, protocol.OpError, op)
		code, _, decErr := protocol.DecodeError(body)
		require.NoError(t, decErr)
		assert.Equal(t, uint32(protocol.ErrCodeInvalidRoomID), code)
	case <-time.After(2 * time.Second):
		t.Fatal("no rejection frame arrived")
	}

	select {
	case <-conn.Done():
		assert.Equal(t, protocol.CloseWithError, conn.CloseCode())
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed")
	}
}

func TestGateway_HealthAndStats(t *testing.T) {
	m, srv := newGatewayEnv(t)
	m.Define("lobby", func() any { return lobbyHandler{} })

	resp, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "up", health["status"])
	assert.Equal(t, "proc-gateway-test", health["processId"])

	_, err = m.CreateRoom(context.Background(), "lobby", nil)
	require.NoError(t, err)

	statsResp, err := srv.Client().Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer statsResp.Body.Close()
	require.Equal(t, http.StatusOK, statsResp.StatusCode)
	var stats matchmaker.Stats
	require.NoError(t, json.NewDecoder(statsResp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.LocalRooms)
	assert.Equal(t, 1, stats.RoomsByProcess["proc-gateway-test"])
}

func TestGateway_ReconnectEndpoint(t *testing.T) {
	m, srv := newGatewayEnv(t)
	m.Define("sticky", func() any { return &stickyHandler{} })

	c := client.New(srv.URL, client.WithRejoin(0, 0))
	sess, err := c.JoinOrCreate(context.Background(), "sticky", nil)
	require.NoError(t, err)
	require.NoError(t, sess.Connect(context.Background()))
	token := sess.ReconnectionToken()
	require.NotEmpty(t, token)

	// Kill the socket without a consented leave; auto-rejoin is off, so the
	// session finalizes while the room keeps the seat open.
	srv.CloseClientConnections()
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not observe the dropped connection")
	}

	var resumed *client.Session
	require.Eventually(t, func() bool {
		resumed, err = c.Reconnect(context.Background(), sess.RoomID(), token)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond, "reconnect never succeeded")

	assert.Equal(t, sess.SessionID(), resumed.SessionID())
	require.NoError(t, resumed.Connect(context.Background()))
}

// stickyHandler holds dropped sessions open for reconnection.
type stickyHandler struct {
	lobbyHandler
	room *room.Room
}

func (h *stickyHandler) OnCreate(r *room.Room, options map[string]any) error {
	h.room = r
	return h.lobbyHandler.OnCreate(r, options)
}

func (h *stickyHandler) OnLeave(c *room.Client, consented bool) error {
	if !consented {
		h.room.AllowReconnection(c, 5*time.Second)
	}
	return nil
}
