package api

import (
	"context"
	"net/http"
	"time"

	"github.com/mailgenius/dispatch/internal/config"
)

// Server is the HTTP control surface.
type Server struct {
	handler http.Handler
	server  *http.Server
}

// NewServer builds the server around its route handlers.
func NewServer(cfg config.APIConfig, h *Handlers) *Server {
	return &Server{handler: SetupRoutes(h, cfg)}
}

// ListenAndServe blocks serving HTTP until Shutdown or a listener error.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.handler,
		// Control-surface requests are small JSON; cleanup is the slowest
		// call and still finishes well inside the write timeout.
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the routed mux for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}
