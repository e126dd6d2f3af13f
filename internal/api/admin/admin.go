// Package admin exposes the read-only and minimal-mutating HTTP surface
// an operator uses to observe and control the projection registry
// (spec.md §6, SPEC_FULL.md §4.10). It sits outside the engine proper:
// nothing under internal/eventstore or internal/query/projection
// imports it.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/zitadel/logging"

	"github.com/zitadel/projection-engine/internal/query/projection"
	"github.com/zitadel/projection-engine/internal/zerrors"
)

// Server wires the registry into a gorilla/mux router.
type Server struct {
	registry *projection.Registry
	router   *mux.Router
}

func NewServer(registry *projection.Registry) *Server {
	s := &Server{registry: registry, router: mux.NewRouter()}
	s.routes()
	return s
}

func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) routes() {
	api := s.router.PathPrefix("/api/v1/admin/projections").Subrouter()
	api.HandleFunc("/list", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealthAll).Methods(http.MethodGet)
	api.HandleFunc("/health/{name}", s.handleHealthOne).Methods(http.MethodGet)
	api.HandleFunc("/{name}/reset", s.handleReset).Methods(http.MethodPost)
	api.HandleFunc("/{name}/restart", s.handleRestart).Methods(http.MethodPost)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	entries := s.registry.List()
	writeJSON(w, http.StatusOK, struct {
		Total       int                    `json:"total"`
		Projections []projection.ListEntry `json:"projections"`
	}{Total: len(entries), Projections: entries})
}

func (s *Server) handleHealthAll(w http.ResponseWriter, r *http.Request) {
	health, err := s.registry.Health(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleHealthOne(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	health, err := s.registry.HealthOne(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.registry.Reset(ctx, name); err != nil {
		writeError(w, err)
		return
	}
	logging.WithFields("projection", name).Info("reset requested via admin api")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.registry.Stop(name); err != nil {
		writeError(w, err)
		return
	}
	if err := s.registry.Start(ctx, name); err != nil {
		writeError(w, err)
		return
	}
	logging.WithFields("projection", name).Info("restart requested via admin api")
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.WithError(err).Error("unable to encode admin response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := zerrors.HTTPStatus(err)
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: err.Error()})
}
