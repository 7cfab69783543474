// Package status exposes the small per-component health endpoint.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/certhub/threatpipe/pkg/logger"
)

// Check reports one dependency's health.
type Check func(ctx context.Context) error

// Server serves /healthz (process liveness) and /readyz (dependency
// readiness) for a pipeline component.
type Server struct {
	component string
	log       *logger.Logger
	srv       *http.Server

	mu     sync.RWMutex
	checks map[string]Check
	start  time.Time
}

// New builds a status server for the given component.
func New(component, addr string, log *logger.Logger) *Server {
	s := &Server{
		component: component,
		log:       log,
		checks:    make(map[string]Check),
		start:     time.Now(),
	}
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Register adds a named readiness check.
func (s *Server) Register(name string, check Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// Start serves in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("Status endpoint listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("Status endpoint failed")
		}
	}()
}

// Shutdown stops the status server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"component": s.component,
		"status":    "ok",
		"uptime":    time.Since(s.start).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	s.mu.RLock()
	checks := make(map[string]Check, len(s.checks))
	for name, check := range s.checks {
		checks[name] = check
	}
	s.mu.RUnlock()

	results := make(map[string]string, len(checks))
	status := http.StatusOK
	for name, check := range checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			results[name] = "ok"
		}
	}
	writeJSON(w, status, map[string]interface{}{
		"component": s.component,
		"checks":    results,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
