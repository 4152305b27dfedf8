// Package server exposes the bookpub HTTP API: build triggers, status
// queries, health and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"git.home.luguber.info/inful/bookpub/internal/config"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the HTTP front end.
type Server struct {
	srv *http.Server
}

// New builds the server and its routes. registry may be nil to omit the
// metrics endpoint.
func New(cfg *config.Config, handlers *Handlers, registry *prom.Registry) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /update/{service}/{owner}/{book}", handlers.HandleTrigger)
	mux.HandleFunc("GET /update/{service}/{owner}/{book}/status", handlers.HandleStatus)
	mux.HandleFunc("GET /healthz", handlers.HandleHealthz)
	if registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	return &Server{
		srv: &http.Server{
			Addr:              cfg.Server.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start runs the listener until Shutdown.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", slog.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }
