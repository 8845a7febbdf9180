package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/driver"
	"github.com/cory-johannsen/arena/internal/ipc"
	"github.com/cory-johannsen/arena/internal/presence"
	"github.com/cory-johannsen/arena/internal/protocol"
	"github.com/cory-johannsen/arena/internal/transport"
)

var (
	// ErrRoomDisposed is returned for operations against a disposed room.
	ErrRoomDisposed = errors.New("room has been disposed")
	// ErrRoomFull is returned when a seat reservation would exceed capacity.
	ErrRoomFull = errors.New("room is full")
	// ErrRoomLocked is returned when the room refuses new reservations.
	ErrRoomLocked = errors.New("room is locked")
	// ErrNoReservation is returned when a join arrives without a live seat
	// reservation for the session.
	ErrNoReservation = errors.New("seat reservation expired or missing")
)

// persistTimeout bounds each room-cache write issued from the event loop.
const persistTimeout = 3 * time.Second

// MessageHandler consumes one inbound client message. msgType is the
// registered key the message matched ("chat", "#7", or "*" for the fallback
// handler, which receives the original type).
type MessageHandler func(client *Client, msgType string, payload []byte)

// messageType parses a registration key into its wire form. Keys of the form
// "#<n>" address numeric message types.
func messageType(s string) protocol.MessageType {
	if strings.HasPrefix(s, "#") {
		if n, err := strconv.ParseUint(s[1:], 10, 32); err == nil {
			return protocol.MessageType{Num: uint32(n), IsNum: true}
		}
	}
	return protocol.MessageType{Str: s}
}

// Params carries the dependencies a room needs. Matchmaker fills these when
// instantiating a registered room type.
type Params struct {
	RoomID    string
	Name      string
	ProcessID string
	Handler   any
	Presence  presence.Presence
	Driver    driver.Driver
	Logger    *zap.Logger

	// SeatReservationTTL bounds how long an unconsumed reservation holds a
	// seat.
	SeatReservationTTL time.Duration
	// PatchInterval is the state patch broadcast period. Zero disables
	// periodic patching.
	PatchInterval time.Duration
	// InitialMetadata seeds the cache entry's matchmaking metadata before
	// OnCreate runs. Matchmaker fills it with filterBy'd creation options so
	// fresh rooms are discoverable by the criteria that created them.
	InitialMetadata map[string]any
}

type seatReservation struct {
	sessionID string
	options   map[string]any
	timer     *time.Timer
}

type reconnectionEntry struct {
	client   *Client
	deferred *Deferred
	token    string
}

type queuedBroadcast struct {
	frame  []byte
	except map[*Client]struct{}
}

// Room owns one live session. A single event loop goroutine serializes every
// mutation: hooks, message handlers and clock callbacks always run on the
// loop, so the methods they call are plain field access. External callers
// reach the loop through Dispatch, Do, ReserveSeat, Join, CallMethod and
// Disconnect.
type Room struct {
	params  Params
	handler any
	logger  *zap.Logger

	cache      *driver.RoomCache
	serializer Serializer
	options    map[string]any

	events chan func()
	closed chan struct{}

	// Loop-owned state below. Touch only from the event loop.
	roster        map[string]*Client
	order         []string
	reservations  map[string]*seatReservation
	reconnections map[string]*reconnectionEntry
	handlers      map[string]MessageHandler
	afterPatch    []queuedBroadcast
	explicitLock  bool
	autoDispose   bool
	started       bool
	disposed      bool
	patchTicker   *time.Ticker
	stopSim       func()

	ipcSub presence.Subscription
}

// New constructs an unstarted room. Start must run before any client
// operation.
func New(params Params) *Room {
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Room{
		params:  params,
		handler: params.Handler,
		logger: logger.With(
			zap.String("roomId", params.RoomID),
			zap.String("roomName", params.Name),
		),
		cache: &driver.RoomCache{
			RoomID:    params.RoomID,
			ProcessID: params.ProcessID,
			Name:      params.Name,
			Metadata:  params.InitialMetadata,
			CreatedAt: time.Now().UTC(),
		},
		serializer:    serializerFor(params.Handler),
		events:        make(chan func(), 64),
		closed:        make(chan struct{}),
		roster:        make(map[string]*Client),
		reservations:  make(map[string]*seatReservation),
		reconnections: make(map[string]*reconnectionEntry),
		handlers:      make(map[string]MessageHandler),
		autoDispose:   true,
	}
}

// RoomID returns the room's cluster-wide identifier.
func (r *Room) RoomID() string { return r.params.RoomID }

// Name returns the registered room-type name.
func (r *Room) Name() string { return r.params.Name }

// Done is closed once the room has fully disposed.
func (r *Room) Done() <-chan struct{} { return r.closed }

// Start runs the handler's OnCreate, persists the initial cache entry, wires
// the room's IPC topic and launches the event loop.
//
// Postcondition: On error the room is disposed and must be discarded.
func (r *Room) Start(ctx context.Context, options map[string]any) error {
	r.options = options

	if h, ok := r.handler.(OnCreate); ok {
		if err := captureErr(func() error { return h.OnCreate(r, options) }); err != nil {
			close(r.closed)
			return fmt.Errorf("creating room %q: %w", r.params.Name, err)
		}
	}

	if err := r.params.Driver.Persist(ctx, r.cache, true); err != nil {
		close(r.closed)
		return fmt.Errorf("persisting room cache: %w", err)
	}
	r.started = true

	sub, err := ipc.Serve(ctx, r.params.Presence, "room:"+r.params.RoomID, func(method string, args []any) (any, error) {
		return r.CallMethod(method, args)
	})
	if err != nil {
		_ = r.params.Driver.Remove(ctx, r.params.RoomID)
		close(r.closed)
		return fmt.Errorf("serving room ipc topic: %w", err)
	}
	r.ipcSub = sub

	if r.params.PatchInterval > 0 {
		r.patchTicker = time.NewTicker(r.params.PatchInterval)
	}
	go r.loop()

	r.logger.Info("room created")
	return nil
}

func (r *Room) loop() {
	for {
		var patchC <-chan time.Time
		if r.patchTicker != nil {
			patchC = r.patchTicker.C
		}
		select {
		case fn := <-r.events:
			fn()
		case <-patchC:
			r.flushPatch()
		case <-r.closed:
			return
		}
	}
}

// Dispatch schedules fn on the event loop. Returns ErrRoomDisposed when the
// room has already shut down. Must not be called from the loop itself.
func (r *Room) Dispatch(fn func()) error {
	select {
	case r.events <- fn:
		return nil
	case <-r.closed:
		return ErrRoomDisposed
	}
}

// Do runs fn on the event loop and waits for it to finish. Must not be
// called from the loop itself.
func (r *Room) Do(fn func()) error {
	started := make(chan struct{})
	done := make(chan struct{})
	if err := r.Dispatch(func() {
		close(started)
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-r.closed:
		// fn itself may have disposed the room; once dequeued it always
		// runs to completion.
		select {
		case <-started:
			<-done
			return nil
		default:
			return ErrRoomDisposed
		}
	}
}

// captureErr runs fn, converting a panic into an error.
func captureErr(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%v", rec)
		}
	}()
	return fn()
}

// invokeHook runs a hook whose error has nowhere else to go: it is routed to
// the handler's OnUncaughtException, or logged when the handler has none.
func (r *Room) invokeHook(hook string, fn func() error, args ...any) {
	err := captureErr(fn)
	if err == nil {
		return
	}
	if h, ok := r.handler.(OnUncaughtException); ok {
		if hookErr := captureErr(func() error {
			h.OnUncaughtException(err, hook, args...)
			return nil
		}); hookErr == nil {
			return
		}
	}
	r.logger.Error("uncaught room exception",
		zap.String("hook", hook),
		zap.Error(err))
}

// ---------------------------------------------------------------------------
// Loop-affine surface. The methods below must run on the event loop: inside
// hooks, message handlers, clock callbacks, or Dispatch/Do closures.
// ---------------------------------------------------------------------------

// OnMessage registers a handler for a message type. Use "#<n>" keys for
// numeric types and "*" for a fallback that receives everything unmatched.
func (r *Room) OnMessage(msgType string, h MessageHandler) {
	r.handlers[msgType] = h
}

// SetMaxClients sets the room capacity. 0 means unbounded.
func (r *Room) SetMaxClients(n int) {
	r.cache.MaxClients = n
	r.syncLock()
	r.persistCache()
}

// SetMetadata replaces the matchmaking metadata and persists the cache entry.
func (r *Room) SetMetadata(metadata map[string]any) {
	r.cache.Metadata = metadata
	r.persistCache()
}

// SetPrivate toggles visibility to filter-based matchmaking.
func (r *Room) SetPrivate(private bool) {
	r.cache.Private = private
	r.persistCache()
}

// MatchmakingUpdate carries the listing fields SetMatchmaking can change.
// Nil pointers leave the current value untouched.
type MatchmakingUpdate struct {
	Metadata map[string]any
	Private  *bool
	Locked   *bool
}

// SetMatchmaking applies several listing changes in a single cache persist,
// so concurrent queries never observe a half-applied update.
func (r *Room) SetMatchmaking(update MatchmakingUpdate) {
	if update.Metadata != nil {
		r.cache.Metadata = update.Metadata
	}
	if update.Private != nil {
		r.cache.Private = *update.Private
	}
	if update.Locked != nil {
		r.explicitLock = *update.Locked
		if *update.Locked {
			r.cache.Locked = true
		} else {
			r.syncLock()
		}
	}
	r.persistCache()
}

// SetUnlisted hides the room from lobby listings without locking it.
func (r *Room) SetUnlisted(unlisted bool) {
	r.cache.Unlisted = unlisted
	r.persistCache()
}

// AutoDispose controls whether the room disposes itself once the last seat
// (client, reservation, or open reconnection) is released. Defaults to true.
func (r *Room) AutoDispose(auto bool) {
	r.autoDispose = auto
}

// Lock explicitly locks the room. An explicit lock is sticky: it survives
// clients leaving and is only released by Unlock.
func (r *Room) Lock() {
	r.explicitLock = true
	r.cache.Locked = true
	r.persistCache()
}

// Unlock releases an explicit lock. The room stays locked while at capacity.
func (r *Room) Unlock() {
	r.explicitLock = false
	r.syncLock()
	r.persistCache()
}

// Locked reports the current lock state.
func (r *Room) Locked() bool { return r.cache.Locked }

// Clients returns the connected roster in join order.
func (r *Room) Clients() []*Client {
	out := make([]*Client, 0, len(r.order))
	for _, sid := range r.order {
		if c, ok := r.roster[sid]; ok {
			out = append(out, c)
		}
	}
	return out
}

// ClientBySessionID returns the connected client for sessionID, or nil.
func (r *Room) ClientBySessionID(sessionID string) *Client {
	return r.roster[sessionID]
}

// ClientCount returns the connected roster size. Unlike the loop-affine
// accessors it is safe from any goroutine; a disposed room reports zero.
func (r *Room) ClientCount() int {
	var n int
	if err := r.Do(func() { n = len(r.roster) }); err != nil {
		return 0
	}
	return n
}

// CacheSnapshot returns a copy of the room's cache entry. Safe from any
// goroutine; a disposed room returns nil.
func (r *Room) CacheSnapshot() *driver.RoomCache {
	var snapshot *driver.RoomCache
	if err := r.Do(func() { snapshot = r.cache.Clone() }); err != nil {
		return nil
	}
	return snapshot
}

// BroadcastOption adjusts broadcast delivery.
type BroadcastOption func(*broadcastOptions)

type broadcastOptions struct {
	except         map[*Client]struct{}
	afterNextPatch bool
}

// Except excludes clients from a broadcast.
func Except(clients ...*Client) BroadcastOption {
	return func(o *broadcastOptions) {
		if o.except == nil {
			o.except = make(map[*Client]struct{}, len(clients))
		}
		for _, c := range clients {
			o.except[c] = struct{}{}
		}
	}
}

// AfterNextPatch defers delivery until immediately after the next state
// patch broadcast, so recipients see the state change first.
func AfterNextPatch() BroadcastOption {
	return func(o *broadcastOptions) { o.afterNextPatch = true }
}

// Broadcast sends a typed JSON message to every connected client.
func (r *Room) Broadcast(msgType string, message any, opts ...BroadcastOption) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encoding broadcast %q: %w", msgType, err)
	}
	r.broadcastFrame(protocol.EncodeRoomData(messageType(msgType), payload), opts)
	return nil
}

// BroadcastBytes sends a typed raw-payload message to every connected client.
func (r *Room) BroadcastBytes(msgType string, payload []byte, opts ...BroadcastOption) {
	r.broadcastFrame(protocol.EncodeRoomDataBytes(messageType(msgType), payload), opts)
}

func (r *Room) broadcastFrame(frame []byte, opts []BroadcastOption) {
	var o broadcastOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.afterNextPatch {
		r.afterPatch = append(r.afterPatch, queuedBroadcast{frame: frame, except: o.except})
		return
	}
	r.sendToAll(frame, o.except, false)
}

// sendToAll delivers frame to the roster. joinedOnly restricts delivery to
// fully joined clients; otherwise JOINING clients buffer the frame.
func (r *Room) sendToAll(frame []byte, except map[*Client]struct{}, joinedOnly bool) {
	for _, sid := range r.order {
		c, ok := r.roster[sid]
		if !ok {
			continue
		}
		if _, skip := except[c]; skip {
			continue
		}
		if state := c.State(); state == ClientLeaving || (joinedOnly && state != ClientJoined) {
			continue
		}
		if err := c.deliver(frame); err != nil {
			r.logger.Debug("dropping frame for unreachable client",
				zap.String("sessionId", c.SessionID),
				zap.Error(err))
		}
	}
}

// AllowReconnection holds the leaving client's seat open and returns a
// Deferred that settles when the client reconnects, the window expires, or
// the handler rejects it. Call it inside OnLeave or OnDrop; await the
// Deferred from a separate goroutine, never on the loop.
//
// Precondition: timeout > 0 arms automatic expiry; timeout <= 0 leaves the
// window open until the Deferred is settled explicitly.
func (r *Room) AllowReconnection(client *Client, timeout time.Duration) *Deferred {
	// The token was issued in the join handshake; the window accepts it.
	token := client.ReconnectionToken()
	if token == "" {
		token = uuid.NewString()
		client.setReconnectionToken(token)
	}
	d := NewDeferred()
	r.reconnections[client.SessionID] = &reconnectionEntry{client: client, deferred: d, token: token}
	if timeout > 0 {
		sid := client.SessionID
		d.SetTimeout(timeout, func() {
			_ = r.Dispatch(func() { r.expireReconnection(sid, token) })
		})
	}
	return d
}

func (r *Room) expireReconnection(sessionID, token string) {
	rec, ok := r.reconnections[sessionID]
	if !ok || rec.token != token {
		return
	}
	delete(r.reconnections, sessionID)
	rec.client.setReconnectionToken("")
	rec.deferred.Reject(ErrReconnectionExpired)
	r.logger.Debug("reconnection window expired", zap.String("sessionId", sessionID))
	r.releaseSeat()
}

// ---------------------------------------------------------------------------
// External surface. Safe from any goroutine except the event loop.
// ---------------------------------------------------------------------------

// ReserveSeat holds a seat for sessionID. The reservation counts against
// capacity immediately and is released if not consumed within the configured
// TTL.
//
// Postcondition: On success the cached client count includes the reservation
// and the room auto-locks if that filled it.
func (r *Room) ReserveSeat(sessionID string, options map[string]any) error {
	var err error
	doErr := r.Do(func() { err = r.reserveSeatLocked(sessionID, options) })
	if doErr != nil {
		return doErr
	}
	return err
}

func (r *Room) reserveSeatLocked(sessionID string, options map[string]any) error {
	if r.disposed {
		return ErrRoomDisposed
	}
	if r.cache.Locked {
		return ErrRoomLocked
	}
	if r.cache.HasReachedMaxClients() {
		return ErrRoomFull
	}
	if _, dup := r.reservations[sessionID]; dup {
		return fmt.Errorf("seat already reserved for session %q", sessionID)
	}

	res := &seatReservation{sessionID: sessionID, options: options}
	ttl := r.params.SeatReservationTTL
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	res.timer = time.AfterFunc(ttl, func() {
		_ = r.Dispatch(func() { r.expireReservation(sessionID) })
	})
	r.reservations[sessionID] = res

	r.cache.Clients++
	r.syncLock()
	r.persistCache()
	return nil
}

func (r *Room) expireReservation(sessionID string) {
	res, ok := r.reservations[sessionID]
	if !ok {
		return
	}
	delete(r.reservations, sessionID)
	res.timer.Stop()
	r.logger.Debug("seat reservation expired", zap.String("sessionId", sessionID))
	r.releaseSeat()
}

// Join consumes a seat reservation (or an open reconnection window when
// reconnectionToken is set) and runs the join lifecycle for conn. Failures
// are reported to the client on the connection itself: an ERROR frame
// followed by a coded close.
func (r *Room) Join(conn transport.Connection, sessionID, reconnectionToken string) {
	if err := r.Dispatch(func() { r.joinLocked(conn, sessionID, reconnectionToken) }); err != nil {
		rejectConnection(conn, protocol.ErrCodeExpired, ErrRoomDisposed.Error(), protocol.CloseWithError)
	}
}

func rejectConnection(conn transport.Connection, code uint32, message string, closeCode int) {
	_ = conn.Send(protocol.EncodeError(code, message))
	_ = conn.Close(closeCode, message)
}

func (r *Room) joinLocked(conn transport.Connection, sessionID, reconnectionToken string) {
	if r.disposed {
		rejectConnection(conn, protocol.ErrCodeExpired, ErrRoomDisposed.Error(), protocol.CloseWithError)
		return
	}

	if reconnectionToken != "" {
		r.resumeLocked(conn, sessionID, reconnectionToken)
		return
	}

	// A second socket for a live session first finishes the old socket's
	// drop handshake; the handover only happens through the reconnection
	// window that handshake opens.
	if existing, ok := r.roster[sessionID]; ok {
		r.dropStaleConnection(existing)
		if r.consumeReconnection(conn, sessionID) {
			return
		}
		rejectConnection(conn, protocol.ErrCodeExpired, ErrNoReservation.Error(), protocol.CloseWithError)
		return
	}

	res, ok := r.reservations[sessionID]
	if !ok {
		rejectConnection(conn, protocol.ErrCodeExpired, ErrNoReservation.Error(), protocol.CloseWithError)
		return
	}
	res.timer.Stop()
	delete(r.reservations, sessionID)

	client := newClient(sessionID, conn)
	client.setReconnectionToken(uuid.NewString())

	if h, ok := r.handler.(OnAuth); ok {
		auth, err := func() (auth any, err error) {
			err = captureErr(func() error {
				auth, err = h.OnAuth(client, res.options)
				return err
			})
			return auth, err
		}()
		if err != nil {
			rejectConnection(conn, protocol.ErrCodeAuthFailed, err.Error(), protocol.CloseWithError)
			r.releaseSeat()
			return
		}
		client.Auth = auth
	}

	if h, ok := r.handler.(OnJoin); ok {
		if err := captureErr(func() error { return h.OnJoin(client, res.options, client.Auth) }); err != nil {
			rejectConnection(conn, protocol.ErrCodeApplicationError, err.Error(), protocol.CloseWithError)
			r.releaseSeat()
			return
		}
	}

	r.roster[sessionID] = client
	r.order = append(r.order, sessionID)
	r.sendHandshake(client)
	go r.readPump(client, conn)
	r.logger.Debug("client joining", zap.String("sessionId", sessionID))
}

func (r *Room) resumeLocked(conn transport.Connection, sessionID, token string) {
	// A still-connected session must finish its drop handshake before the
	// new socket takes over; a forged token must not touch the live socket.
	if existing, ok := r.roster[sessionID]; ok {
		if existing.ReconnectionToken() != token {
			rejectConnection(conn, protocol.ErrCodeExpired, "reconnection has expired", protocol.CloseFailedReconnect)
			return
		}
		r.dropStaleConnection(existing)
	}
	rec, ok := r.reconnections[sessionID]
	if !ok || rec.token != token {
		rejectConnection(conn, protocol.ErrCodeExpired, "reconnection has expired", protocol.CloseFailedReconnect)
		return
	}
	r.consumeReconnection(conn, sessionID)
}

// dropStaleConnection forces the drop handshake for a client whose socket is
// being replaced: close the old connection and run the leave sequence inline,
// so any reconnection window it opens exists before the replacement proceeds.
func (r *Room) dropStaleConnection(existing *Client) {
	old := existing.connection()
	_ = old.Close(protocol.CloseNormal, "session superseded")
	r.handleDrop(existing, old)
}

// consumeReconnection resumes sessionID's open reconnection window onto conn.
// Reports whether a window existed.
func (r *Room) consumeReconnection(conn transport.Connection, sessionID string) bool {
	rec, ok := r.reconnections[sessionID]
	if !ok {
		return false
	}
	delete(r.reconnections, sessionID)
	rec.deferred.Resolve()

	client := rec.client
	client.attach(conn)
	r.roster[sessionID] = client
	if !containsString(r.order, sessionID) {
		r.order = append(r.order, sessionID)
	}
	r.sendHandshake(client)
	go r.readPump(client, conn)
	r.logger.Debug("client reconnected", zap.String("sessionId", sessionID))
	return true
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

func (r *Room) sendHandshake(client *Client) {
	frame := protocol.EncodeJoinRoom(r.serializer.ID(), client.ReconnectionToken(), r.serializer.Handshake())
	if err := client.connection().Send(frame); err != nil {
		r.logger.Debug("handshake send failed",
			zap.String("sessionId", client.SessionID),
			zap.Error(err))
	}
}

// readPump forwards frames and the eventual close from conn into the loop.
// A pump whose connection was superseded falls out without side effects.
func (r *Room) readPump(client *Client, conn transport.Connection) {
	for data := range conn.Receive() {
		frame := data
		if err := r.Dispatch(func() { r.handleFrame(client, conn, frame) }); err != nil {
			return
		}
	}
	_ = r.Dispatch(func() { r.handleDrop(client, conn) })
}

func (r *Room) handleFrame(client *Client, conn transport.Connection, frame []byte) {
	if client.connection() != conn {
		return
	}
	op, body, err := protocol.Split(frame)
	if err != nil {
		return
	}
	switch op {
	case protocol.OpJoinRoom:
		r.confirmJoin(client)
	case protocol.OpLeaveRoom:
		_ = conn.Close(protocol.CloseConsented, "")
	case protocol.OpRoomData:
		if mt, payload, err := protocol.DecodeRoomData(body); err == nil {
			r.dispatchMessage(client, mt, payload)
		}
	case protocol.OpRoomDataBytes:
		if mt, payload, err := protocol.DecodeRoomDataBytes(body); err == nil {
			r.dispatchMessage(client, mt, payload)
		}
	case protocol.OpPing:
		_ = conn.Send([]byte{protocol.OpPong})
	}
}

// confirmJoin completes the join handshake: full state first, then the
// buffered frames accumulated while the client was JOINING.
func (r *Room) confirmJoin(client *Client) {
	if client.State() != ClientJoining {
		return
	}
	if _, none := r.serializer.(noneSerializer); !none {
		state, err := r.serializer.FullState()
		if err != nil {
			r.invokeHook("fullState", func() error { return err })
		} else {
			_ = client.connection().Send(protocol.EncodeRoomState(state))
		}
	}
	dropped, err := client.confirm()
	if dropped > 0 {
		r.logger.Warn("join buffer overflow dropped frames",
			zap.String("sessionId", client.SessionID),
			zap.Int("dropped", dropped))
	}
	if err != nil {
		r.logger.Debug("join buffer flush failed",
			zap.String("sessionId", client.SessionID),
			zap.Error(err))
		return
	}
	r.logger.Debug("client joined", zap.String("sessionId", client.SessionID))
}

func (r *Room) dispatchMessage(client *Client, mt protocol.MessageType, payload []byte) {
	key := mt.String()
	h, ok := r.handlers[key]
	if !ok {
		h, ok = r.handlers["*"]
	}
	if !ok {
		r.logger.Warn("no handler registered for message type",
			zap.String("messageType", key),
			zap.String("sessionId", client.SessionID))
		return
	}
	r.invokeHook("onMessage", func() error {
		h(client, key, payload)
		return nil
	}, client, key)
}

// handleDrop runs the leave sequence once the client's connection ends. A
// reconnection window opened during the leave hook keeps the seat counted.
func (r *Room) handleDrop(client *Client, conn transport.Connection) {
	if client.connection() != conn {
		return
	}
	if _, ok := r.roster[client.SessionID]; !ok {
		return
	}
	delete(r.roster, client.SessionID)

	code := conn.CloseCode()

	// A socket lost before its join ack never joined: the seat is released
	// but no leave hook fires. Resumed sessions keep their joined standing
	// across the reconnection handshake.
	if !client.hasJoined() {
		r.removeFromOrder(client.SessionID)
		r.logger.Debug("client discarded before completing join",
			zap.String("sessionId", client.SessionID),
			zap.Int("code", code))
		r.releaseSeat()
		return
	}
	client.setState(ClientLeaving)

	consented := code == protocol.CloseConsented

	if !consented {
		if h, ok := r.handler.(OnDrop); ok {
			r.invokeHook("onDrop", func() error { return h.OnDrop(client, code) }, client, code)
		} else if h, ok := r.handler.(OnLeave); ok {
			r.invokeHook("onLeave", func() error { return h.OnLeave(client, false) }, client, false)
		}
	} else if h, ok := r.handler.(OnLeave); ok {
		r.invokeHook("onLeave", func() error { return h.OnLeave(client, true) }, client, true)
	}

	if _, held := r.reconnections[client.SessionID]; held {
		r.logger.Debug("client awaiting reconnection",
			zap.String("sessionId", client.SessionID),
			zap.Int("code", code))
		return
	}
	r.removeFromOrder(client.SessionID)
	r.logger.Debug("client left",
		zap.String("sessionId", client.SessionID),
		zap.Int("code", code),
		zap.Bool("consented", consented))
	r.releaseSeat()
}

func (r *Room) removeFromOrder(sessionID string) {
	for i, sid := range r.order {
		if sid == sessionID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// releaseSeat returns one counted seat, re-evaluates the auto-lock, and
// disposes the room when it drained.
func (r *Room) releaseSeat() {
	if r.cache.Clients > 0 {
		r.cache.Clients--
	}
	r.syncLock()
	r.persistCache()
	r.maybeDispose()
}

// syncLock reconciles the lock flag with capacity, preserving explicit locks.
func (r *Room) syncLock() {
	r.cache.Locked = r.explicitLock || r.cache.HasReachedMaxClients()
}

func (r *Room) persistCache() {
	if !r.started || r.disposed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.params.Driver.Persist(ctx, r.cache, false); err != nil {
		r.logger.Error("persisting room cache", zap.Error(err))
	}
}

func (r *Room) maybeDispose() {
	if !r.autoDispose || r.disposed {
		return
	}
	if len(r.roster) == 0 && len(r.reservations) == 0 && len(r.reconnections) == 0 {
		r.disposeLocked(protocol.CloseNormal)
	}
}

// Disconnect closes every client with the given close code and disposes the
// room. Idempotent.
func (r *Room) Disconnect(code int) error {
	err := r.Do(func() { r.disposeLocked(code) })
	if errors.Is(err, ErrRoomDisposed) {
		return nil
	}
	return err
}

func (r *Room) disposeLocked(code int) {
	if r.disposed {
		return
	}
	r.disposed = true

	if r.patchTicker != nil {
		r.patchTicker.Stop()
		r.patchTicker = nil
	}
	if r.stopSim != nil {
		r.stopSim()
		r.stopSim = nil
	}
	for _, res := range r.reservations {
		res.timer.Stop()
	}
	r.reservations = map[string]*seatReservation{}
	for sid, rec := range r.reconnections {
		rec.deferred.Reject(ErrRoomDisposed)
		delete(r.reconnections, sid)
	}
	for _, sid := range r.order {
		if c, ok := r.roster[sid]; ok {
			_ = c.connection().Close(code, "")
		}
	}
	r.roster = map[string]*Client{}
	r.order = nil

	if r.ipcSub != nil {
		r.ipcSub.Unsubscribe()
	}

	if h, ok := r.handler.(OnDispose); ok {
		r.invokeHook("onDispose", func() error { return h.OnDispose() })
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.params.Driver.Remove(ctx, r.params.RoomID); err != nil {
		r.logger.Error("removing room cache entry", zap.Error(err))
	}

	r.logger.Info("room disposed", zap.Int("code", code))
	close(r.closed)
}

// CallMethod serves the remote room-call surface: built-in control methods
// first, then the handler's OnRoomCall for application-defined ones. It is
// the target of the room's IPC topic.
func (r *Room) CallMethod(method string, args []any) (any, error) {
	var result any
	var err error
	doErr := r.Do(func() { result, err = r.callLocked(method, args) })
	if doErr != nil {
		return nil, doErr
	}
	return result, err
}

func (r *Room) callLocked(method string, args []any) (any, error) {
	switch method {
	case "lock":
		r.Lock()
		return nil, nil
	case "unlock":
		r.Unlock()
		return nil, nil
	case "setMetadata":
		md, err := argAs[map[string]any](args, 0)
		if err != nil {
			return nil, err
		}
		r.SetMetadata(md)
		return nil, nil
	case "setPrivate":
		private, err := argAs[bool](args, 0)
		if err != nil {
			return nil, err
		}
		r.SetPrivate(private)
		return nil, nil
	case "reserveSeat":
		sessionID, err := argAs[string](args, 0)
		if err != nil {
			return nil, err
		}
		var options map[string]any
		if len(args) > 1 {
			options, _ = args[1].(map[string]any)
		}
		return nil, r.reserveSeatLocked(sessionID, options)
	case "checkReconnection":
		token, err := argAs[string](args, 0)
		if err != nil {
			return nil, err
		}
		for sid, rec := range r.reconnections {
			if rec.token == token {
				return sid, nil
			}
		}
		return nil, errors.New("reconnection has expired")
	case "disconnect":
		code := protocol.CloseConsented
		if len(args) > 0 {
			if f, ok := args[0].(float64); ok {
				code = int(f)
			}
		}
		r.disposeLocked(code)
		return nil, nil
	}

	if h, ok := r.handler.(OnRoomCall); ok {
		var result any
		err := captureErr(func() (hookErr error) {
			result, hookErr = h.OnRoomCall(method, args)
			return hookErr
		})
		return result, err
	}
	return nil, fmt.Errorf("unknown room method %q", method)
}

func argAs[T any](args []any, i int) (T, error) {
	var zero T
	if i >= len(args) {
		return zero, fmt.Errorf("missing argument %d", i)
	}
	v, ok := args[i].(T)
	if !ok {
		return zero, fmt.Errorf("argument %d: unexpected type %T", i, args[i])
	}
	return v, nil
}

// flushPatch broadcasts the serializer's pending patch to joined clients,
// then releases broadcasts deferred with AfterNextPatch.
func (r *Room) flushPatch() {
	patch, err := r.serializer.Patch()
	if err != nil {
		r.invokeHook("patch", func() error { return err })
	} else if patch != nil {
		r.sendToAll(protocol.EncodeRoomStatePatch(patch), nil, true)
	}
	if len(r.afterPatch) > 0 {
		queued := r.afterPatch
		r.afterPatch = nil
		for _, b := range queued {
			r.sendToAll(b.frame, b.except, false)
		}
	}
}
