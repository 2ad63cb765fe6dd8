package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/carpool/internal/coordinator"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/reconcile"
	"github.com/example/carpool/internal/session"
	"github.com/example/carpool/internal/storage"
)

// ReadyCheck reports whether one backing dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

type Deps struct {
	Trips      *coordinator.Service
	Notes      *dispatch.Notifier
	Reconciler *reconcile.Reconciler
	Archive    storage.EventArchive
	Verifier   *session.Verifier
	Ready      map[string]ReadyCheck
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{deps: deps, logger: logger, mux: mux.NewRouter()}
	s.mux.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	// a method mismatch inside a subrouter is a 404 unless the subrouter
	// has its own handler
	api.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	api.HandleFunc("/trips", s.handleCreateTrip).Methods("POST")
	api.HandleFunc("/trips/open", s.handleOpenTrips).Methods("GET")
	api.HandleFunc("/trips/{id}", s.handleGetTrip).Methods("GET")
	api.HandleFunc("/trips/{id}/events", s.handleTripEvents).Methods("GET")
	api.HandleFunc("/trips/{id}/join", s.handleJoinTrip).Methods("POST")
	api.HandleFunc("/trips/{id}/cancel", s.handleCancelTrip).Methods("POST")
	api.HandleFunc("/trips/{id}/start", s.handleStartTrip).Methods("POST")

	api.HandleFunc("/me/active-trip", s.handleActiveTrip).Methods("GET")
	api.HandleFunc("/me/active-trip", s.handleLeaveTrip).Methods("DELETE")
	api.HandleFunc("/me/notifications", s.handleNotifications).Methods("GET")
	api.HandleFunc("/me/profile", s.handleProfile).Methods("GET")
	api.HandleFunc("/me/history", s.handleHistory).Methods("GET")
	api.HandleFunc("/me/history/{id}", s.handleDeleteHistory).Methods("DELETE")
	api.HandleFunc("/me/draft", s.handleLoadDraft).Methods("GET")
	api.HandleFunc("/me/draft", s.handleSaveDraft).Methods("PUT")
	api.HandleFunc("/me/sync", s.handleSync).Methods("POST")
	api.HandleFunc("/geocode", s.handleGeocode).Methods("GET")

	ws := s.mux.PathPrefix("/ws").Subrouter()
	ws.Use(s.authMiddleware)
	ws.HandleFunc("/trips/open", s.handleWSOpenTrips)
	ws.HandleFunc("/me", s.handleWSMe)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	failed := map[string]string{}
	for name, check := range s.deps.Ready {
		if err := check(r.Context()); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.logger.Warn("readiness check failed", "failed", failed)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
