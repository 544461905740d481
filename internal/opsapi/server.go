// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package opsapi serves the JSON operations endpoints: health, metrics,
// the quarantine event log, and release.
package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bcem/quarantine/internal/logging"
	"github.com/bcem/quarantine/internal/models"
	"github.com/bcem/quarantine/internal/release"
	"github.com/bcem/quarantine/internal/store"
)

// MaxListLimit caps ?limit on the event listing.
const MaxListLimit = 500

// Releaser runs the release workflow.
type Releaser interface {
	Release(ctx context.Context, id int64) (*models.Event, error)
}

// HealthCheck is a named dependency probe.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server holds the handlers' dependencies.
type Server struct {
	events   store.EventLog
	releaser Releaser
	checks   []HealthCheck
	logger   *slog.Logger
}

// NewServer creates the ops API.
func NewServer(events store.EventLog, releaser Releaser, checks []HealthCheck, logger *slog.Logger) *Server {
	return &Server{
		events:   events,
		releaser: releaser,
		checks:   checks,
		logger:   logging.OrDiscard(logger),
	}
}

// Routes returns the router.
func (s *Server) Routes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/quarantine", s.handleList).Methods("GET")
	api.HandleFunc("/quarantine/{id:[0-9]+}", s.handleGet).Methods("GET")
	api.HandleFunc("/quarantine/{id:[0-9]+}/release", s.handleRelease).Methods("POST")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")

	return router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			s.logger.Warn("health check failed", "check", c.Name, "error", err)
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": c.Name + " unhealthy",
			})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := store.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, MaxListLimit)
	}

	events, err := s.events.ListRecent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.eventID(w, r)
	if !ok {
		return
	}

	ev, err := s.events.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get event", "event_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get event")
		return
	}
	if ev == nil {
		s.writeError(w, http.StatusNotFound, "event not found")
		return
	}
	s.writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := s.eventID(w, r)
	if !ok {
		return
	}

	ev, err := s.releaser.Release(r.Context(), id)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, ev)
	case errors.Is(err, release.ErrEventNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, release.ErrNotQuarantined), errors.Is(err, release.ErrAlreadyReleased):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeError(w, http.StatusBadGateway, fmt.Sprintf("release failed: %v", err))
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.events.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to compute stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) eventID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid event id")
		return 0, false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// Serve starts the ops HTTP server on port. It binds the port immediately,
// signals readiness on the returned channel, and shuts down when ctx ends.
func Serve(ctx context.Context, port int, srv *Server) (<-chan struct{}, error) {
	server := &http.Server{
		Handler:      srv.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind ops port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		srv.logger.Info("ops server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			srv.logger.Error("ops server shutdown error", "error", err)
		}
	}()

	go func() {
		srv.logger.Info("ops server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			srv.logger.Error("ops server error", "error", err)
		}
	}()

	return ready, nil
}
