// Package server exposes the job engine over HTTP and WebSocket.
//
// Routes:
//
//	POST /api/jobs                submit a job
//	GET  /api/jobs                list the caller's jobs
//	GET  /api/jobs/{id}           get one job
//	POST /api/jobs/{id}/cancel    request cancellation
//	POST /api/jobs/{id}/retry     manual retry of a failed job
//	GET  /api/jobs/{id}/events    WebSocket stream of state transitions
//	GET  /api/status              engine and host health
//
// Callers identify themselves with the X-Chime-Owner header; every job
// operation is scoped to that owner.
package server

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/chimeworks/chime/engine"
	"github.com/chimeworks/chime/errors"
)

// ownerHeader carries the caller identity on every request.
const ownerHeader = "X-Chime-Owner"

// Server serves the job API over one engine.
type Server struct {
	engine     *engine.Engine
	httpServer *http.Server
	logger     *zap.SugaredLogger
}

// New creates a server listening on addr.
func New(addr string, eng *engine.Engine, logger *zap.SugaredLogger) *Server {
	s := &Server{
		engine: eng,
		logger: logger.Named("server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/jobs", s.HandleJobs)
	mux.HandleFunc("/api/jobs/", s.HandleJob)
	mux.HandleFunc("/api/status", s.HandleStatus)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks serving requests until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.logger.Infow("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Infow("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// owner extracts the caller identity, writing a 401 when absent.
func (s *Server) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := r.Header.Get(ownerHeader)
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "Missing "+ownerHeader+" header")
		return "", false
	}
	return owner, true
}
