// Package server exposes pipeline health over HTTP: a liveness endpoint for
// container orchestration probes and a JSON status snapshot for humans.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"sl2influxdb/internal/logging"
	"sl2influxdb/internal/orchestrator"
)

// Server serves GET /healthz and GET /status.
type Server struct {
	orch   *orchestrator.Orchestrator
	srv    *http.Server
	logger *slog.Logger
}

// New creates a health server for the given orchestrator.
func New(orch *orchestrator.Orchestrator, addr string, logger *slog.Logger) *Server {
	s := &Server{
		orch:   orch,
		logger: logging.Default(logger).With("component", "server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", methodGET(s.handleHealthz))
	mux.HandleFunc("/status", methodGET(s.handleStatus))

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Serve blocks until Stop is called or the listener fails.
func (s *Server) Serve() error {
	s.logger.Info("health server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// methodGET replicates the go1.22 ServeMux "GET /path" pattern on older
// toolchains: GET and HEAD are routed, anything else gets 405 with Allow.
func methodGET(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if !s.orch.Running() {
		http.Error(w, "not running", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.orch.Health()); err != nil {
		s.logger.Warn("status encode failed", "error", err)
	}
}
