// Package server exposes the operational HTTP endpoints: liveness and a
// status snapshot of the poll loop.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"nws-notifier/poll"
)

// StatsSource provides the latest poll-cycle snapshot.
type StatsSource interface {
	Snapshot() poll.Stats
}

// Store exposes the seen-store size for the status page.
type Store interface {
	Count(ctx context.Context) (int64, error)
}

// Server handles HTTP requests.
type Server struct {
	stats   StatsSource
	store   Store
	logger  *slog.Logger
	started time.Time
}

// Config holds server configuration.
type Config struct {
	Stats  StatsSource
	Store  Store
	Logger *slog.Logger
}

// New creates the status server.
func New(cfg *Config) *Server {
	return &Server{
		stats:   cfg.Stats,
		store:   cfg.Store,
		logger:  cfg.Logger,
		started: time.Now(),
	}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/statusz", s.handleStatus)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting status server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`{"status":"healthy"}`)); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

type statusResponse struct {
	Uptime    string     `json:"uptime"`
	SeenCount int64      `json:"seen_count"`
	Poll      poll.Stats `json:"poll"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Uptime: time.Since(s.started).Round(time.Second).String(),
		Poll:   s.stats.Snapshot(),
	}

	count, err := s.store.Count(r.Context())
	if err != nil {
		s.logger.Warn("Seen-store count failed", "error", err)
		count = -1
	}
	resp.SeenCount = count

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to write status response", "error", err)
	}
}
