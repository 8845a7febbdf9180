// Package gateway exposes the matchmaker over HTTP and hands upgraded
// WebSocket connections to the rooms holding their seat reservations.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/matchmaker"
	"github.com/cory-johannsen/arena/internal/protocol"
	"github.com/cory-johannsen/arena/internal/transport"
)

const shutdownTimeout = 5 * time.Second

// Config carries the gateway's dependencies.
type Config struct {
	// Addr is the listen address, e.g. ":2567".
	Addr       string
	MatchMaker *matchmaker.MatchMaker
	Logger     *zap.Logger
}

// Server terminates HTTP matchmaking calls and WebSocket room connections
// for one process. It satisfies the lifecycle Service contract: Start blocks
// until Stop shuts the listener down.
type Server struct {
	cfg    Config
	logger *zap.Logger
	httpd  *http.Server

	mu sync.Mutex
	ln net.Listener
}

// New builds a stopped gateway server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Server{cfg: cfg, logger: cfg.Logger}
	s.httpd = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the gateway's routing table. Exposed so tests can mount it
// on an in-process listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return s.recoverer(s.logRequest(h))
	}

	mux.HandleFunc("POST /matchmake/joinOrCreate/{name}", wrap(s.joinOrCreate))
	mux.HandleFunc("POST /matchmake/join/{name}", wrap(s.join))
	mux.HandleFunc("POST /matchmake/create/{name}", wrap(s.create))
	mux.HandleFunc("POST /matchmake/joinById/{roomId}", wrap(s.joinByID))
	mux.HandleFunc("POST /matchmake/reconnect/{roomId}", wrap(s.reconnect))
	mux.HandleFunc("GET /matchmake/rooms", wrap(s.listRooms))

	mux.HandleFunc("GET /stats", wrap(s.stats))
	mux.HandleFunc("GET /health", wrap(s.health))

	// The upgrade handshake owns the response writer; no wrapping.
	mux.HandleFunc("GET /ws/{roomId}", s.serveWS)

	return mux
}

// Start listens and serves until Stop. Blocks, per the Service contract.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("gateway listening", zap.String("addr", ln.Addr().String()))
	if err := s.httpd.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpd.Shutdown(ctx); err != nil {
		s.logger.Warn("gateway shutdown", zap.Error(err))
	}
}

// Addr reports the bound listen address, useful with ":0".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

func (s *Server) joinOrCreate(w http.ResponseWriter, r *http.Request) {
	options, err := decodeOptions(r)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	res, err := s.cfg.MatchMaker.JoinOrCreate(r.Context(), r.PathValue("name"), options)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, res, http.StatusOK)
}

func (s *Server) join(w http.ResponseWriter, r *http.Request) {
	options, err := decodeOptions(r)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	res, err := s.cfg.MatchMaker.Join(r.Context(), r.PathValue("name"), options)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, res, http.StatusOK)
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	options, err := decodeOptions(r)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	res, err := s.cfg.MatchMaker.Create(r.Context(), r.PathValue("name"), options)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, res, http.StatusOK)
}

func (s *Server) joinByID(w http.ResponseWriter, r *http.Request) {
	options, err := decodeOptions(r)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	res, err := s.cfg.MatchMaker.JoinByID(r.Context(), r.PathValue("roomId"), options)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, res, http.StatusOK)
}

func (s *Server) reconnect(w http.ResponseWriter, r *http.Request) {
	options, err := decodeOptions(r)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	token, _ := options["reconnectionToken"].(string)
	res, err := s.cfg.MatchMaker.Reconnect(r.Context(), r.PathValue("roomId"), token)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, res, http.StatusOK)
}

func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.cfg.MatchMaker.GetAvailableRooms(r.Context(), r.URL.Query().Get("name"))
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, rooms, http.StatusOK)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.MatchMaker.Stats(r.Context())
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, stats, http.StatusOK)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, map[string]any{
		"status":    "up",
		"processId": s.cfg.MatchMaker.ProcessID(),
	}, http.StatusOK)
}

// serveWS upgrades the request and hands the connection to the local room
// that reserved the seat. Rejections travel as protocol error frames, not
// HTTP statuses, since the socket is already established.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")
	sessionID := r.URL.Query().Get("sessionId")
	reconnectionToken := r.URL.Query().Get("reconnectionToken")

	conn, err := transport.Upgrade(w, r)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	if err := s.cfg.MatchMaker.Connect(conn, roomID, sessionID, reconnectionToken); err != nil {
		code := uint32(protocol.ErrCodeUnhandled)
		var mmErr *matchmaker.Error
		if errors.As(err, &mmErr) {
			code = mmErr.Code
		}
		_ = conn.Send(protocol.EncodeError(code, err.Error()))
		_ = conn.Close(protocol.CloseWithError, err.Error())
	}
}

// decodeOptions reads the request body as a JSON object; an empty body is an
// empty option set.
func decodeOptions(r *http.Request) (map[string]any, error) {
	options := map[string]any{}
	if err := json.NewDecoder(r.Body).Decode(&options); err != nil && !errors.Is(err, io.EOF) {
		return nil, &matchmaker.Error{
			Code:    protocol.ErrCodeUnhandled,
			Message: "request body is not a JSON object",
		}
	}
	return options, nil
}

func (s *Server) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("encoding response", zap.Error(err))
	}
}

// errorResponse maps matchmaking errors onto HTTP statuses while carrying
// the wire error code in the body for clients to branch on.
func (s *Server) errorResponse(w http.ResponseWriter, err error) {
	var mmErr *matchmaker.Error
	if !errors.As(err, &mmErr) {
		s.jsonResponse(w, &matchmaker.Error{
			Code:    protocol.ErrCodeUnhandled,
			Message: err.Error(),
		}, http.StatusInternalServerError)
		return
	}
	status := http.StatusBadRequest
	switch mmErr.Code {
	case protocol.ErrCodeNoHandler, protocol.ErrCodeInvalidRoomID:
		status = http.StatusNotFound
	case protocol.ErrCodeExpired:
		status = http.StatusGone
	}
	s.jsonResponse(w, mmErr, status)
}

func (s *Server) logRequest(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("elapsed", time.Since(start)))
	}
}

func (s *Server) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic handling request",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path))
				s.jsonResponse(w, &matchmaker.Error{
					Code:    protocol.ErrCodeUnhandled,
					Message: "internal server error",
				}, http.StatusInternalServerError)
			}
		}()
		next(w, r)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
