// Package api exposes the orchestrator over HTTP: trigger ingestion, run
// status, approval decisions, health, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/pipeliner/internal/core/domain"
	"github.com/vietddude/pipeliner/internal/engine"
	"github.com/vietddude/pipeliner/internal/infra/storage"
	"github.com/vietddude/pipeliner/internal/trigger"
)

// Server provides the HTTP control surface.
type Server struct {
	engine   *engine.Engine
	triggers *trigger.Service
	server   *http.Server
	log      *slog.Logger
}

// NewServer creates the API server and registers its routes.
func NewServer(eng *engine.Engine, triggers *trigger.Service, port int, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	s := &Server{
		engine:   eng,
		triggers: triggers,
		log:      log,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /triggers", s.handleTrigger)
	mux.HandleFunc("GET /runs/{id}", s.handleStatus)
	mux.HandleFunc("POST /runs/{id}/approve", s.handleDecision(true))
	mux.HandleFunc("POST /runs/{id}/reject", s.handleDecision(false))
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancel)

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_runs": s.engine.ActiveRuns(),
	})
}

type triggerRequest struct {
	FilePath    string `json:"file_path"`
	TriggerType string `json:"trigger_type,omitempty"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FilePath == "" {
		writeError(w, http.StatusBadRequest, "file_path is required")
		return
	}

	run, created, err := s.triggers.Ingest(r.Context(), domain.TriggerEvent{
		FilePath:    req.FilePath,
		TriggerType: req.TriggerType,
	})
	if err != nil {
		s.log.Error("Failed to start run", "file", req.FilePath, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"run_id":  run.RunID,
		"state":   run.State,
		"created": created,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.log.Error("Failed to load run", "run_id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type decisionRequest struct {
	DecidedBy string `json:"decided_by,omitempty"`
}

func (s *Server) handleDecision(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req decisionRequest
		// Body is optional for decisions.
		_ = json.NewDecoder(r.Body).Decode(&req)

		runID := r.PathValue("id")
		if err := s.engine.Decide(r.Context(), runID, approve, req.DecidedBy); err != nil {
			if errors.Is(err, storage.ErrRunNotFound) {
				writeError(w, http.StatusNotFound, "run not found")
				return
			}
			s.log.Error("Failed to deliver decision", "run_id", runID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to deliver decision")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := s.engine.Cancel(r.Context(), runID); err != nil {
		if errors.Is(err, storage.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.log.Error("Failed to deliver cancellation", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to deliver cancellation")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
