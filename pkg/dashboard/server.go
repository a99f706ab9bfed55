package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/fluxline/fluxline/pkg/logger"
)

const defaultStreamInterval = 5 * time.Second

// Server exposes the snapshot document over REST and a websocket stream.
type Server struct {
	sources  *Sources
	db       DBHealth
	log      zerolog.Logger
	interval time.Duration

	upgrader websocket.Upgrader
	mu       sync.Mutex
	clients  map[*websocket.Conn]struct{}
}

// NewServer builds the dashboard surface. db may be nil; interval <= 0
// falls back to the five second default.
func NewServer(sources *Sources, db DBHealth, interval time.Duration) *Server {
	if interval <= 0 {
		interval = defaultStreamInterval
	}
	return &Server{
		sources:  sources,
		db:       db,
		log:      logger.New("dashboard"),
		interval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Router assembles the HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/api/dashboard", s.handleDashboard)
	r.Get("/api/metrics", s.handleMetrics)
	r.Get("/api/health", s.handleHealth)
	r.Get("/ws", s.handleWS)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sources.Build(r.Context()))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.sources.Build(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]any{
		"system_metrics": snap.SystemMetrics,
		"timestamp":      snap.Timestamp,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.buildHealth(r.Context())
	status := http.StatusOK
	if report.Status != StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}

// handleWS upgrades the connection and registers the client for pushes.
// Client messages are read and discarded.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	count := len(s.clients)
	s.mu.Unlock()
	s.log.Info().Int("clients", count).Msg("dashboard client connected")

	go func() {
		defer s.dropClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// RunStream pushes the snapshot to every connected client on the configured
// interval until the context is cancelled. A failing client is dropped
// without disturbing the others.
func (s *Server) RunStream(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return
		case <-ticker.C:
			s.broadcast(ctx)
		}
	}
}

func (s *Server) broadcast(ctx context.Context) {
	s.mu.Lock()
	if len(s.clients) == 0 {
		s.mu.Unlock()
		return
	}
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	payload, err := json.Marshal(map[string]any{
		"type": "dashboard_update",
		"data": s.sources.Build(ctx),
	})
	if err != nil {
		s.log.Error().Err(err).Msg("snapshot encode failed")
		return
	}

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			s.log.Warn().Err(err).Msg("dashboard client dropped")
			s.dropClient(conn)
		}
	}
}

func (s *Server) dropClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	for conn := range s.clients {
		conn.Close()
	}
	s.clients = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()
}

// ClientCount returns the number of connected stream clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warn().Err(err).Msg("response encode failed")
	}
}
