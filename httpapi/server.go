// Package httpapi serves the room websocket endpoint, the presence read
// endpoint and operational routes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/roomsync/internal/gateway"
	"pkt.systems/roomsync/internal/logx"
	"pkt.systems/roomsync/internal/metrics"
	"pkt.systems/roomsync/internal/room"
	"pkt.systems/roomsync/schema"
)

// Pinger is implemented by registries with an external backing.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves the HTTP API.
type Server struct {
	cfg      Config
	registry room.Registry
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
	basePath string
}

// NewServer constructs an HTTP server over registry. gatherer backs
// /metrics when metrics are enabled.
func NewServer(cfg Config, registry room.Registry, m *metrics.Metrics, gatherer prometheus.Gatherer) *Server {
	rooms, err := schema.NormalizeRoomsConfig(cfg.Rooms)
	if err == nil {
		cfg.Rooms = rooms
	} else if cfg.Rooms.DefaultType == "" {
		cfg.Rooms.DefaultType = schema.DefaultRoomType
	}
	s := &Server{
		cfg:      cfg,
		registry: registry,
		metrics:  m,
		gatherer: gatherer,
		basePath: normalizeBasePath(cfg.BasePath),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/rooms/{roomId}", s.handleRoom).Methods(http.MethodGet)
	router.HandleFunc("/rooms/{roomId}/presence", s.handlePresence).Methods(http.MethodGet)
	router.HandleFunc("/api/rooms", s.handleRooms).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.cfg.EnableMetrics && s.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("not found"))
	})
	return mountAt(s.basePath, withRequestLogging(router))
}

func (s *Server) roomKey(r *http.Request) (schema.RoomKey, error) {
	key, err := schema.NewRoomKey(r.URL.Query().Get("type"), mux.Vars(r)["roomId"], s.cfg.Rooms.DefaultType)
	if err != nil {
		return schema.RoomKey{}, err
	}
	if !s.cfg.Rooms.AllowsType(key.Type) {
		return schema.RoomKey{}, schema.ErrInvalidRoomType
	}
	return key, nil
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	key, err := s.roomKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	log := logx.WithRoom(r.Context(), key).With("remote", clientIP(r))
	if !websocket.IsWebSocketUpgrade(r) {
		writeError(w, http.StatusUpgradeRequired, errors.New("websocket upgrade required"))
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the error response.
		log.Warn("http websocket upgrade failed", "err", err)
		return
	}
	ctx := logx.ContextWithRoomPeerLogger(r.Context(), log, key, "")
	if err := gateway.Serve(ctx, ws, s.registry, key, s.cfg.Gateway, s.metrics); err != nil {
		log.Warn("http websocket session ended", "err", err)
	}
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	key, err := s.roomKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.registry.Presence(r.Context(), key)
	if err != nil {
		logx.WithRoom(r.Context(), key).Warn("http presence failed", "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRooms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rooms": s.registry.Rooms()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.registry.(Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, parsed.Host) {
			return true
		}
	}
	return false
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, schema.ErrInvalidRoomType), errors.Is(err, schema.ErrInvalidRoomID):
		return http.StatusBadRequest
	case errors.Is(err, schema.ErrBackingUnavailable), errors.Is(err, schema.ErrRoomClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
