package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/driver"
	"github.com/cory-johannsen/arena/internal/matchmaker"
	"github.com/cory-johannsen/arena/internal/transport"
)

// Client matchmakes against a gateway over HTTP and turns the resulting seat
// reservations into WebSocket-backed sessions.
type Client struct {
	endpoint string
	httpc    *http.Client
	logger   *zap.Logger

	handshakeTimeout time.Duration
	rejoinAttempts   int
	rejoinBackoff    time.Duration
}

// Option adjusts a Client.
type Option func(*Client)

// WithHTTPClient substitutes the HTTP client used for matchmaking calls.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) { c.httpc = httpc }
}

// WithLogger attaches a logger to the client and its sessions.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithRejoin configures automatic session resumption after abnormal closes.
func WithRejoin(attempts int, backoff time.Duration) Option {
	return func(c *Client) {
		c.rejoinAttempts = attempts
		c.rejoinBackoff = backoff
	}
}

// WithHandshakeTimeout bounds the wait for join handshakes.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) { c.handshakeTimeout = d }
}

// New builds a client for a gateway endpoint such as
// "http://localhost:2567".
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:       strings.TrimRight(endpoint, "/"),
		httpc:          &http.Client{Timeout: 10 * time.Second},
		logger:         zap.NewNop(),
		rejoinAttempts: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// JoinOrCreate reserves a seat in an eligible room of the given type,
// creating one when none accepts. The returned session is not yet
// connected; register handlers and call Connect.
func (c *Client) JoinOrCreate(ctx context.Context, roomName string, options map[string]any) (*Session, error) {
	res, err := c.matchmake(ctx, "joinOrCreate", roomName, options)
	if err != nil {
		return nil, err
	}
	return c.session(res), nil
}

// Join reserves a seat in an existing room of the given type.
func (c *Client) Join(ctx context.Context, roomName string, options map[string]any) (*Session, error) {
	res, err := c.matchmake(ctx, "join", roomName, options)
	if err != nil {
		return nil, err
	}
	return c.session(res), nil
}

// Create makes a fresh room and reserves its first seat.
func (c *Client) Create(ctx context.Context, roomName string, options map[string]any) (*Session, error) {
	res, err := c.matchmake(ctx, "create", roomName, options)
	if err != nil {
		return nil, err
	}
	return c.session(res), nil
}

// JoinByID reserves a seat in a specific room.
func (c *Client) JoinByID(ctx context.Context, roomID string, options map[string]any) (*Session, error) {
	res, err := c.matchmake(ctx, "joinById", roomID, options)
	if err != nil {
		return nil, err
	}
	return c.session(res), nil
}

// Reconnect resumes a previously dropped session from its reconnection
// token.
func (c *Client) Reconnect(ctx context.Context, roomID, reconnectionToken string) (*Session, error) {
	res, err := c.matchmake(ctx, "reconnect", roomID, map[string]any{
		"reconnectionToken": reconnectionToken,
	})
	if err != nil {
		return nil, err
	}
	return c.session(res), nil
}

// Rooms lists the public, unlocked rooms, optionally restricted to one type.
func (c *Client) Rooms(ctx context.Context, roomName string) ([]*driver.RoomCache, error) {
	endpoint := c.endpoint + "/matchmake/rooms"
	if roomName != "" {
		endpoint += "?name=" + url.QueryEscape(roomName)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building rooms request: %w", err)
	}
	var rooms []*driver.RoomCache
	if err := c.do(req, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (c *Client) matchmake(ctx context.Context, method, id string, options map[string]any) (*matchmaker.SeatReservation, error) {
	if options == nil {
		options = map[string]any{}
	}
	body, err := json.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("encoding matchmake options: %w", err)
	}
	endpoint := fmt.Sprintf("%s/matchmake/%s/%s", c.endpoint, method, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building matchmake request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var res matchmaker.SeatReservation
	if err := c.do(req, &res); err != nil {
		return nil, err
	}
	if res.Room == nil {
		return nil, fmt.Errorf("matchmake %s: reservation without room", method)
	}
	return &res, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("calling gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var srvErr ServerError
		if decErr := json.NewDecoder(resp.Body).Decode(&srvErr); decErr == nil && srvErr.Message != "" {
			return &srvErr
		}
		return fmt.Errorf("gateway responded %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding gateway response: %w", err)
	}
	return nil
}

// session wires a reservation to a WebSocket connector against the hosting
// gateway.
func (c *Client) session(res *matchmaker.SeatReservation) *Session {
	roomID := res.Room.RoomID
	connector := func(_ context.Context, sessionID, reconnectionToken string) (transport.Connection, error) {
		q := url.Values{"sessionId": {sessionID}}
		if reconnectionToken != "" {
			q.Set("reconnectionToken", reconnectionToken)
		}
		wsURL := fmt.Sprintf("%s/ws/%s?%s", httpToWS(c.endpoint), url.PathEscape(roomID), q.Encode())
		return transport.Dial(wsURL)
	}
	return NewSession(SessionConfig{
		RoomID:            roomID,
		SessionID:         res.SessionID,
		ReconnectionToken: res.ReconnectionToken,
		Connector:         connector,
		Logger:            c.logger,
		HandshakeTimeout:  c.handshakeTimeout,
		RejoinAttempts:    c.rejoinAttempts,
		RejoinBackoff:     c.rejoinBackoff,
	})
}

func httpToWS(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://")
	default:
		return endpoint
	}
}
