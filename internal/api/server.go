// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package api is the operator-facing HTTP surface: health probes, ticket
// intake, run inspection and dispatch control.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ManuGH/factoryd/internal/artifacts"
	"github.com/ManuGH/factoryd/internal/backlog"
	"github.com/ManuGH/factoryd/internal/core/model"
	"github.com/ManuGH/factoryd/internal/log"
	"github.com/ManuGH/factoryd/internal/queue"
	"github.com/ManuGH/factoryd/internal/supervisor"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// DispatchControl is the pause surface the API steers.
type DispatchControl interface {
	Pause()
	Resume()
	Paused() bool
}

// Server bundles the HTTP dependencies.
type Server struct {
	DB         *sql.DB
	Backlog    *backlog.SQLBacklog
	Supervisor *supervisor.Supervisor
	Artifacts  *artifacts.Store
	Queue      *queue.RedisQueue // optional
	Control    DispatchControl

	logger zerolog.Logger
}

// NewServer wires the HTTP surface. Queue may be nil.
func NewServer(db *sql.DB, bl *backlog.SQLBacklog, sup *supervisor.Supervisor, art *artifacts.Store, q *queue.RedisQueue, ctrl DispatchControl) *Server {
	return &Server{
		DB:         db,
		Backlog:    bl,
		Supervisor: sup,
		Artifacts:  art,
		Queue:      q,
		Control:    ctrl,
		logger:     log.WithComponent("api"),
	}
}

// Router builds the chi routing tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/tickets", s.handleCreateTicket)
		r.Get("/tickets/{ticketID}", s.handleGetTicket)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Get("/runs/{runID}/events", s.handleRunEvents)
		r.Get("/runs/{runID}/artifacts", s.handleRunArtifacts)
	})

	r.Route("/control", func(r chi.Router) {
		r.Get("/status", s.handleControlStatus)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady answers 200 only when the store (and queue, when wired)
// respond.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.DB.PingContext(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded", "store": err.Error(),
		})
		return
	}
	if s.Queue != nil {
		if err := s.Queue.HealthCheck(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded", "queue": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var ticket model.Ticket
	if err := json.NewDecoder(r.Body).Decode(&ticket); err != nil {
		writeError(w, http.StatusBadRequest, "malformed ticket body")
		return
	}

	stored, err := s.Backlog.Create(r.Context(), &ticket)
	if err != nil {
		if errors.Is(err, backlog.ErrValidation) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("ticket create failed")
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}

	// Hint the dispatcher; the backlog scan covers a lost hint.
	if s.Queue != nil && stored.Status == model.TicketReady {
		if err := s.Queue.Enqueue(r.Context(), stored.ID); err != nil {
			s.logger.Warn().Err(err).Str(log.FieldTicketID, stored.ID).Msg("ready hint enqueue failed")
		}
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.Backlog.Get(r.Context(), chi.URLParam(r, "ticketID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if ticket == nil {
		writeError(w, http.StatusNotFound, "ticket not found")
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.Supervisor.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.Supervisor.Events(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleRunArtifacts(w http.ResponseWriter, r *http.Request) {
	list, err := s.Artifacts.ListByRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": list})
}

func (s *Server) handleControlStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"paused": s.Control.Paused()}
	if s.Queue != nil {
		if depth, err := s.Queue.PendingCount(r.Context()); err == nil {
			status["queue_pending"] = depth
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.Control.Pause()
	writeJSON(w, http.StatusOK, map[string]any{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.Control.Resume()
	writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
