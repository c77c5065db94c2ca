// Package metrics implements the Prometheus scrape endpoint and the
// pipeline readiness probe served alongside it.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadyCheck reports whether the pipeline is currently in a state that
// should receive traffic. It backs the server's health endpoint; a nil
// check means the endpoint always reports ready.
type ReadyCheck func() bool

// Server hosts the Prometheus scrape endpoint and a liveness/readiness
// endpoint for mcdpid's own control loop, not a generic app server.
type Server struct {
	addr   string
	path   string
	ready  ReadyCheck
	server *http.Server
}

// NewServer creates a metrics server that will scrape Prometheus series
// at path on addr once Start is called.
func NewServer(addr, path string) *Server {
	if path == "" {
		path = "/metrics"
	}
	return &Server{
		addr: addr,
		path: path,
	}
}

// SetReadyCheck installs the readiness probe backing GET /healthz. Call
// before Start; changing it after the server is listening races the
// handler closure.
func (s *Server) SetReadyCheck(check ReadyCheck) {
	s.ready = check
}

// Start starts the metrics and health HTTP server.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting metrics server", "addr", s.addr, "path", s.path)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil && !s.ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "not ready")
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// Stop gracefully stops the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	slog.Info("stopping metrics server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}

	slog.Info("metrics server stopped")
	return nil
}
