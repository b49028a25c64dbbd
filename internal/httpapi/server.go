// Package httpapi exposes the local debug surface: health probes, metrics
// and the conversation memory stats.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/aria/internal/config"
	"github.com/ent0n29/aria/internal/memory"
	"github.com/ent0n29/aria/internal/observability"
)

type Server struct {
	cfg   config.Config
	store memory.Store
}

func New(cfg config.Config, store memory.Store) *Server {
	return &Server{cfg: cfg, store: store}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/memory/stats", s.handleMemoryStats)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"memory_enabled": s.cfg.MemoryEnabled,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"memory_enabled": s.cfg.MemoryEnabled,
	})
}

func (s *Server) handleMemoryStats(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.MemoryEnabled || s.store == nil {
		respondError(w, http.StatusNotImplemented, "memory_disabled", "conversation memory is disabled")
		return
	}
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "memory_stats_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
