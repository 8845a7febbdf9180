// Package matchmaker coordinates room discovery and placement: clients ask
// for a room by type name or id, the matchmaker finds or creates a matching
// room (on any process in the cluster) and answers with a seat reservation
// the client consumes over its transport connection.
package matchmaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/cory-johannsen/arena/internal/driver"
	"github.com/cory-johannsen/arena/internal/ipc"
	"github.com/cory-johannsen/arena/internal/presence"
	"github.com/cory-johannsen/arena/internal/protocol"
	"github.com/cory-johannsen/arena/internal/room"
	"github.com/cory-johannsen/arena/internal/transport"
)

const (
	roomCountHashKey = "roomcount"
	devModeHashKey   = "devmode:cachedrooms"
	processTopic     = "process:"
	roomTopic        = "room:"

	// LobbyTopic carries add/remove listing events for room types that
	// enabled realtime listing.
	LobbyTopic = "lobby"
)

// LobbyEvent is one realtime listing update published on LobbyTopic.
type LobbyEvent struct {
	Operation string            `json:"operation"`
	RoomID    string            `json:"roomId"`
	Room      *driver.RoomCache `json:"room,omitempty"`
}

// devModeGrace is the reconnection window handed to sessions surviving a
// dev-mode restart.
const devModeGrace = 60 * time.Second

// SeatReservation is the matchmaking result a client consumes to enter a
// room: connect to the hosting process, present the session id, complete the
// join handshake.
type SeatReservation struct {
	Room              *driver.RoomCache `json:"room"`
	SessionID         string            `json:"sessionId"`
	ReconnectionToken string            `json:"reconnectionToken,omitempty"`
}

// Config carries the matchmaker's dependencies and tuning.
type Config struct {
	ProcessID string
	DevMode   bool
	Presence  presence.Presence
	Driver    driver.Driver
	Logger    *zap.Logger

	SeatReservationTTL  time.Duration
	IPCTimeout          time.Duration
	HealthCheckInterval time.Duration
	PatchInterval       time.Duration
}

// MatchMaker owns the local rooms of one process and the cluster-wide
// matchmaking operations over the shared driver and presence.
type MatchMaker struct {
	cfg      Config
	registry *Registry
	logger   *zap.Logger

	mu        sync.RWMutex
	rooms     map[string]*room.Room
	accepting bool

	// nameLocks serializes join-or-create per room type so concurrent
	// requests fill existing rooms before spawning new ones.
	nameMu    sync.Mutex
	nameLocks map[string]*sync.Mutex

	// health coalesces overlapping health sweeps: a tick arriving while a
	// sweep is still probing joins it instead of starting another.
	health singleflight.Group

	processSub   presence.Subscription
	stopHealth   context.CancelFunc
	shutdownOnce sync.Once
}

// New constructs a stopped matchmaker. Start must run before matchmaking.
func New(cfg Config) *MatchMaker {
	if cfg.ProcessID == "" {
		cfg.ProcessID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.IPCTimeout <= 0 {
		cfg.IPCTimeout = 4 * time.Second
	}
	return &MatchMaker{
		cfg:       cfg,
		registry:  NewRegistry(),
		logger:    cfg.Logger.With(zap.String("processId", cfg.ProcessID)),
		rooms:     make(map[string]*room.Room),
		nameLocks: make(map[string]*sync.Mutex),
	}
}

// ProcessID returns this process's cluster identifier.
func (m *MatchMaker) ProcessID() string { return m.cfg.ProcessID }

// Define registers a room type. See Registry.Define.
func (m *MatchMaker) Define(name string, factory HandlerFactory) *RegisteredHandler {
	return m.registry.Define(name, factory)
}

// RemoveRoomType deregisters a room type; running rooms are unaffected.
func (m *MatchMaker) RemoveRoomType(name string) {
	m.registry.Remove(name)
}

// Start opens the matchmaker: it serves the process IPC topic, begins health
// checking, publishes the initial room count, and (in dev mode) restores
// rooms cached by the previous run.
func (m *MatchMaker) Start(ctx context.Context) error {
	m.mu.Lock()
	m.accepting = true
	m.mu.Unlock()

	sub, err := ipc.Serve(ctx, m.cfg.Presence, processTopic+m.cfg.ProcessID, m.handleProcessCall)
	if err != nil {
		return fmt.Errorf("serving process ipc topic: %w", err)
	}
	m.processSub = sub

	if err := m.cfg.Presence.HSet(ctx, roomCountHashKey, m.cfg.ProcessID, "0"); err != nil {
		return fmt.Errorf("publishing initial room count: %w", err)
	}

	if m.cfg.HealthCheckInterval > 0 {
		healthCtx, cancel := context.WithCancel(context.Background())
		m.stopHealth = cancel
		go m.runHealthChecks(healthCtx)
	}

	if m.cfg.DevMode {
		if err := m.restoreDevModeRooms(ctx); err != nil {
			m.logger.Warn("restoring dev-mode rooms", zap.Error(err))
		}
	}

	m.logger.Info("matchmaker started", zap.Bool("devMode", m.cfg.DevMode))
	return nil
}

func (m *MatchMaker) handleProcessCall(method string, _ []any) (any, error) {
	switch method {
	case "ping":
		return "pong", nil
	default:
		return nil, fmt.Errorf("unknown process method %q", method)
	}
}

func (m *MatchMaker) isAccepting() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accepting
}

func (m *MatchMaker) localRoom(roomID string) *room.Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[roomID]
}

func (m *MatchMaker) localRooms() []*room.Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rooms := make([]*room.Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

func (m *MatchMaker) nameLock(roomName string) *sync.Mutex {
	m.nameMu.Lock()
	defer m.nameMu.Unlock()
	l, ok := m.nameLocks[roomName]
	if !ok {
		l = &sync.Mutex{}
		m.nameLocks[roomName] = l
	}
	return l
}

// CreateRoom instantiates a room of the given type on this process and
// returns its listing. Server-side API; clients go through Create.
func (m *MatchMaker) CreateRoom(ctx context.Context, roomName string, options map[string]any) (*driver.RoomCache, error) {
	handler, ok := m.registry.Get(roomName)
	if !ok {
		return nil, errNoHandler(roomName)
	}
	if !m.isAccepting() {
		return nil, errShuttingDown()
	}
	r, err := m.createRoomInstance(ctx, handler, roomName, uuid.NewString(), options)
	if err != nil {
		return nil, err
	}
	return r.CacheSnapshot(), nil
}

func (m *MatchMaker) createRoomInstance(ctx context.Context, handler *RegisteredHandler, roomName, roomID string, options map[string]any) (*room.Room, error) {
	filterBy, _ := handler.criteria()
	var metadata map[string]any
	for _, field := range filterBy {
		if v, ok := options[field]; ok {
			if metadata == nil {
				metadata = make(map[string]any)
			}
			metadata[field] = v
		}
	}

	r := room.New(room.Params{
		RoomID:             roomID,
		Name:               roomName,
		ProcessID:          m.cfg.ProcessID,
		Handler:            handler.factory(),
		Presence:           m.cfg.Presence,
		Driver:             m.cfg.Driver,
		Logger:             m.cfg.Logger,
		SeatReservationTTL: m.cfg.SeatReservationTTL,
		PatchInterval:      m.cfg.PatchInterval,
		InitialMetadata:    metadata,
	})
	if err := r.Start(ctx, options); err != nil {
		return nil, errUnhandled(err)
	}

	m.mu.Lock()
	m.rooms[roomID] = r
	m.mu.Unlock()
	realtime := handler.realtimeListing()
	if realtime {
		m.publishLobbyEvent(ctx, LobbyEvent{Operation: "add", RoomID: roomID, Room: r.CacheSnapshot()})
	}
	go m.watchRoom(r, realtime)
	m.publishRoomCount()

	return r, nil
}

// watchRoom drops a disposed room from the local index.
func (m *MatchMaker) watchRoom(r *room.Room, realtime bool) {
	<-r.Done()
	m.mu.Lock()
	delete(m.rooms, r.RoomID())
	m.mu.Unlock()
	if realtime {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		m.publishLobbyEvent(ctx, LobbyEvent{Operation: "remove", RoomID: r.RoomID()})
		cancel()
	}
	m.publishRoomCount()
}

func (m *MatchMaker) publishLobbyEvent(ctx context.Context, ev LobbyEvent) {
	if err := m.cfg.Presence.Publish(ctx, LobbyTopic, ev); err != nil {
		m.logger.Warn("publishing lobby event",
			zap.String("operation", ev.Operation),
			zap.String("roomId", ev.RoomID),
			zap.Error(err))
	}
}

func (m *MatchMaker) publishRoomCount() {
	m.mu.RLock()
	count := len(m.rooms)
	accepting := m.accepting
	m.mu.RUnlock()
	// A shutdown matchmaker has already deleted its hash field; do not
	// resurrect it from a late room-disposal watcher.
	if !accepting {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.cfg.Presence.HSet(ctx, roomCountHashKey, m.cfg.ProcessID, strconv.Itoa(count)); err != nil {
		m.logger.Warn("publishing room count", zap.Error(err))
	}
}

// Create makes a fresh room and reserves the first seat in it.
func (m *MatchMaker) Create(ctx context.Context, roomName string, options map[string]any) (*SeatReservation, error) {
	handler, ok := m.registry.Get(roomName)
	if !ok {
		return nil, errNoHandler(roomName)
	}
	if !m.isAccepting() {
		return nil, errShuttingDown()
	}
	lock := m.nameLock(roomName)
	lock.Lock()
	defer lock.Unlock()
	return m.createLocked(ctx, handler, roomName, options)
}

func (m *MatchMaker) createLocked(ctx context.Context, handler *RegisteredHandler, roomName string, options map[string]any) (*SeatReservation, error) {
	r, err := m.createRoomInstance(ctx, handler, roomName, uuid.NewString(), options)
	if err != nil {
		return nil, err
	}
	sessionID := uuid.NewString()
	if err := r.ReserveSeat(sessionID, options); err != nil {
		return nil, errUnhandled(err)
	}
	return &SeatReservation{Room: r.CacheSnapshot(), SessionID: sessionID}, nil
}

// Join reserves a seat in an existing eligible room of the given type.
//
// Postcondition: Either a reservation in an unlocked, public, non-full room
// or an Error with code 4211 when no candidate accepted the seat.
func (m *MatchMaker) Join(ctx context.Context, roomName string, options map[string]any) (*SeatReservation, error) {
	handler, ok := m.registry.Get(roomName)
	if !ok {
		return nil, errNoHandler(roomName)
	}
	if !m.isAccepting() {
		return nil, errShuttingDown()
	}
	lock := m.nameLock(roomName)
	lock.Lock()
	defer lock.Unlock()
	return m.joinLocked(ctx, handler, roomName, options)
}

func (m *MatchMaker) joinLocked(ctx context.Context, handler *RegisteredHandler, roomName string, options map[string]any) (*SeatReservation, error) {
	candidates, err := m.eligibleRooms(ctx, handler, roomName, options)
	if err != nil {
		return nil, errUnhandled(err)
	}
	for _, entry := range candidates {
		res, reserveErr := m.tryReserve(ctx, entry, options)
		if reserveErr == nil {
			return res, nil
		}
		if errors.Is(reserveErr, ipc.ErrTimeout) {
			m.removeStaleRoom(ctx, entry)
			continue
		}
		m.logger.Debug("seat reservation refused",
			zap.String("roomId", entry.RoomID),
			zap.Error(reserveErr))
	}
	return nil, errNoRoomsAvailable()
}

// JoinOrCreate joins an eligible room, creating one when none accepts.
func (m *MatchMaker) JoinOrCreate(ctx context.Context, roomName string, options map[string]any) (*SeatReservation, error) {
	handler, ok := m.registry.Get(roomName)
	if !ok {
		return nil, errNoHandler(roomName)
	}
	if !m.isAccepting() {
		return nil, errShuttingDown()
	}
	lock := m.nameLock(roomName)
	lock.Lock()
	defer lock.Unlock()

	res, err := m.joinLocked(ctx, handler, roomName, options)
	var mmErr *Error
	if errors.As(err, &mmErr) && mmErr.Code == protocol.ErrCodeInvalidCriteria {
		return m.createLocked(ctx, handler, roomName, options)
	}
	return res, err
}

// JoinByID reserves a seat in a specific room regardless of visibility.
// Locked rooms refuse the join.
func (m *MatchMaker) JoinByID(ctx context.Context, roomID string, options map[string]any) (*SeatReservation, error) {
	if !m.isAccepting() {
		return nil, errShuttingDown()
	}
	entry, err := m.cfg.Driver.FindOne(ctx, driver.Filter{"roomId": roomID}, nil)
	if err != nil {
		return nil, errUnhandled(err)
	}
	if entry == nil {
		return nil, errInvalidRoomID(roomID)
	}
	if entry.Locked {
		return nil, errRoomLocked(roomID)
	}
	res, err := m.tryReserve(ctx, entry, options)
	if err != nil {
		return nil, errUnhandled(err)
	}
	return res, nil
}

// Reconnect validates a reconnection token against the room that issued it
// and returns a reservation resuming the original session.
func (m *MatchMaker) Reconnect(ctx context.Context, roomID, reconnectionToken string) (*SeatReservation, error) {
	entry, err := m.cfg.Driver.FindOne(ctx, driver.Filter{"roomId": roomID}, nil)
	if err != nil {
		return nil, errUnhandled(err)
	}
	if entry == nil {
		return nil, errExpired()
	}
	result, err := m.RemoteRoomCall(ctx, roomID, "checkReconnection", []any{reconnectionToken})
	if err != nil {
		return nil, errExpired()
	}
	sessionID, _ := result.(string)
	if sessionID == "" {
		return nil, errExpired()
	}
	return &SeatReservation{Room: entry, SessionID: sessionID, ReconnectionToken: reconnectionToken}, nil
}

// Connect hands an accepted transport connection to the local room holding
// its seat reservation. The room completes (or rejects) the join on the
// connection itself.
func (m *MatchMaker) Connect(conn transport.Connection, roomID, sessionID, reconnectionToken string) error {
	r := m.localRoom(roomID)
	if r == nil {
		return errInvalidRoomID(roomID)
	}
	r.Join(conn, sessionID, reconnectionToken)
	return nil
}

// RemoteRoomCall invokes a room method wherever the room lives: directly for
// local rooms, over IPC for rooms on other processes.
func (m *MatchMaker) RemoteRoomCall(ctx context.Context, roomID, method string, args []any) (any, error) {
	if local := m.localRoom(roomID); local != nil {
		return local.CallMethod(method, args)
	}
	return ipc.Request(ctx, m.cfg.Presence, roomTopic+roomID, method, args, m.cfg.IPCTimeout)
}

// Query lists room cache entries matching the filter, wherever they are
// hosted.
func (m *MatchMaker) Query(ctx context.Context, filter driver.Filter, sortBy []driver.SortField) ([]*driver.RoomCache, error) {
	entries, err := m.cfg.Driver.Query(ctx, filter, sortBy)
	if err != nil {
		return nil, errUnhandled(err)
	}
	return entries, nil
}

// GetAvailableRooms lists the public, unlocked rooms of the given type.
func (m *MatchMaker) GetAvailableRooms(ctx context.Context, roomName string) ([]*driver.RoomCache, error) {
	filter := driver.Filter{"locked": false, "private": false}
	if roomName != "" {
		filter["name"] = roomName
	}
	return m.Query(ctx, filter, nil)
}

func (m *MatchMaker) eligibleRooms(ctx context.Context, handler *RegisteredHandler, roomName string, options map[string]any) ([]*driver.RoomCache, error) {
	filterBy, sortBy := handler.criteria()
	filter := driver.Filter{
		"name":    roomName,
		"locked":  false,
		"private": false,
	}
	for _, field := range filterBy {
		if v, ok := options[field]; ok {
			filter[field] = v
		}
	}
	return m.cfg.Driver.Query(ctx, filter, sortBy)
}

func (m *MatchMaker) tryReserve(ctx context.Context, entry *driver.RoomCache, options map[string]any) (*SeatReservation, error) {
	sessionID := uuid.NewString()
	if local := m.localRoom(entry.RoomID); local != nil {
		if err := local.ReserveSeat(sessionID, options); err != nil {
			return nil, err
		}
	} else if _, err := ipc.Request(ctx, m.cfg.Presence, roomTopic+entry.RoomID, "reserveSeat", []any{sessionID, options}, m.cfg.IPCTimeout); err != nil {
		return nil, err
	}
	return &SeatReservation{Room: entry, SessionID: sessionID}, nil
}

// removeStaleRoom drops a cache entry whose owning process stopped answering.
func (m *MatchMaker) removeStaleRoom(ctx context.Context, entry *driver.RoomCache) {
	m.logger.Warn("removing unreachable room from cache",
		zap.String("roomId", entry.RoomID),
		zap.String("ownerProcessId", entry.ProcessID))
	if err := m.cfg.Driver.Remove(ctx, entry.RoomID); err != nil {
		m.logger.Error("removing stale room", zap.Error(err))
	}
}

// Stats summarizes matchmaking load.
type Stats struct {
	// LocalRooms is the number of rooms hosted by this process.
	LocalRooms int `json:"localRooms"`
	// LocalCCU is the number of clients connected to local rooms.
	LocalCCU int `json:"localCcu"`
	// RoomsByProcess maps process id to its published room count.
	RoomsByProcess map[string]int `json:"roomsByProcess"`
}

// Stats reports local room and client counts plus the published per-process
// room counts.
func (m *MatchMaker) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{RoomsByProcess: make(map[string]int)}
	for _, r := range m.localRooms() {
		stats.LocalRooms++
		stats.LocalCCU += r.ClientCount()
	}
	counts, err := m.cfg.Presence.HGetAll(ctx, roomCountHashKey)
	if err != nil {
		return nil, fmt.Errorf("reading room counts: %w", err)
	}
	for pid, raw := range counts {
		if n, convErr := strconv.Atoi(raw); convErr == nil {
			stats.RoomsByProcess[pid] = n
		}
	}
	return stats, nil
}

// GracefulShutdown stops accepting matchmaking, tears down (or, in dev mode,
// caches) every local room, and removes this process's footprint from the
// driver and presence. Idempotent.
func (m *MatchMaker) GracefulShutdown(ctx context.Context) error {
	var shutdownErr error
	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		m.accepting = false
		m.mu.Unlock()

		if m.stopHealth != nil {
			m.stopHealth()
		}

		rooms := m.localRooms()
		for _, r := range rooms {
			if m.cfg.DevMode {
				if err := m.cacheDevModeRoom(ctx, r); err != nil {
					m.logger.Warn("caching dev-mode room",
						zap.String("roomId", r.RoomID()),
						zap.Error(err))
				}
				_ = r.Disconnect(protocol.CloseDevModeRestart)
			} else {
				_ = r.Disconnect(protocol.CloseGoingAway)
			}
		}
		for _, r := range rooms {
			select {
			case <-r.Done():
			case <-ctx.Done():
				shutdownErr = ctx.Err()
				return
			}
		}

		if err := m.cfg.Driver.Cleanup(ctx, m.cfg.ProcessID); err != nil {
			m.logger.Error("cleaning up room cache", zap.Error(err))
		}
		if err := m.cfg.Presence.HDel(ctx, roomCountHashKey, m.cfg.ProcessID); err != nil {
			m.logger.Warn("removing room count", zap.Error(err))
		}
		if m.processSub != nil {
			m.processSub.Unsubscribe()
		}
		m.logger.Info("matchmaker stopped", zap.Int("roomsClosed", len(rooms)))
	})
	return shutdownErr
}

func (m *MatchMaker) cacheDevModeRoom(ctx context.Context, r *room.Room) error {
	cache, err := r.BuildDevModeCache()
	if err != nil {
		return err
	}
	data, err := json.Marshal(cache)
	if err != nil {
		return fmt.Errorf("encoding dev-mode cache: %w", err)
	}
	return m.cfg.Presence.HSet(ctx, devModeHashKey, r.RoomID(), string(data))
}

// restoreDevModeRooms replays the rooms cached by the previous dev-mode run:
// same room id, same creation options, reconnection windows for every cached
// session.
func (m *MatchMaker) restoreDevModeRooms(ctx context.Context) error {
	cached, err := m.cfg.Presence.HGetAll(ctx, devModeHashKey)
	if err != nil {
		return fmt.Errorf("reading dev-mode cache: %w", err)
	}
	for roomID, raw := range cached {
		var cache room.DevModeCache
		if err := json.Unmarshal([]byte(raw), &cache); err != nil {
			m.logger.Warn("discarding undecodable dev-mode cache entry",
				zap.String("roomId", roomID), zap.Error(err))
			_ = m.cfg.Presence.HDel(ctx, devModeHashKey, roomID)
			continue
		}
		handler, ok := m.registry.Get(cache.Name)
		if !ok {
			m.logger.Warn("dev-mode room type no longer registered",
				zap.String("roomName", cache.Name))
			_ = m.cfg.Presence.HDel(ctx, devModeHashKey, roomID)
			continue
		}
		r, err := m.createRoomInstance(ctx, handler, cache.Name, roomID, cache.Options)
		if err != nil {
			m.logger.Error("recreating dev-mode room",
				zap.String("roomId", roomID), zap.Error(err))
			continue
		}
		if err := r.RestoreDevModeCache(&cache, devModeGrace); err != nil {
			m.logger.Error("restoring dev-mode room state",
				zap.String("roomId", roomID), zap.Error(err))
		}
		_ = m.cfg.Presence.HDel(ctx, devModeHashKey, roomID)
		m.logger.Info("restored dev-mode room",
			zap.String("roomId", roomID),
			zap.String("roomName", cache.Name),
			zap.Int("sessions", len(cache.Clients)))
	}
	return nil
}
