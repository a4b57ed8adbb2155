package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mngfx/market-feed/cmd/gateway/internal/repository"
	"github.com/mngfx/market-feed/cmd/gateway/internal/session"
	"github.com/mngfx/market-feed/pkg/channels"
	"github.com/mngfx/market-feed/pkg/config"
)

type Options struct {
	Session        session.Options
	MaxMessageSize int64
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
}

func DefaultOptions() Options {
	return Options{
		Session:        session.DefaultOptions(),
		MaxMessageSize: 512 * 1024,
		WriteWait:      5 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     50 * time.Second,
	}
}

func OptionsFromConfig(cfg config.GatewayConfig) Options {
	return Options{
		Session:        session.OptionsFromConfig(cfg),
		MaxMessageSize: cfg.MaxMessageSize,
		WriteWait:      cfg.WriteWait,
		PongWait:       cfg.PongWait,
		PingPeriod:     cfg.PingPeriod,
	}
}

// Server accepts market websocket connections and serves the small HTTP
// surface next to them. store may be nil when no snapshot backend exists.
type Server struct {
	layer  channels.Layer
	store  repository.SnapshotStore
	logger *zap.Logger
	opts   Options

	mu      sync.Mutex
	clients map[string]*ClientAdapter
}

func NewServer(layer channels.Layer, store repository.SnapshotStore, logger *zap.Logger, opts Options) *Server {
	return &Server{
		layer:   layer,
		store:   store,
		logger:  logger,
		opts:    opts,
		clients: make(map[string]*ClientAdapter),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/market/", s.serveWS)
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("GET /api/ticks/{symbol}", s.latestTick)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": s.SessionCount()})
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("Upgrade failed", zap.Error(err))
		return
	}

	sess := session.New(s.layer, s.logger, s.opts.Session)
	client := NewClient(conn, sess, s.logger, s.opts)
	if err := client.Start(r.Context()); err != nil {
		s.logger.Error("Session start failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.clients[client.ID()] = client
	s.mu.Unlock()

	go func() {
		<-sess.Done()
		s.mu.Lock()
		delete(s.clients, client.ID())
		s.mu.Unlock()
	}()
}

func (s *Server) latestTick(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "snapshots unavailable"})
		return
	}

	tick, err := s.store.Latest(r.Context(), r.PathValue("symbol"))
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case err != nil:
		s.logger.Error("Snapshot lookup failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "snapshot lookup failed"})
	default:
		writeJSON(w, http.StatusOK, tick)
	}
}

func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Shutdown closes every live session.
func (s *Server) Shutdown() {
	s.mu.Lock()
	clients := make([]*ClientAdapter, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	s.logger.Info("Closed sessions", zap.Int("count", len(clients)))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
