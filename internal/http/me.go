package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/example/carpool/internal/coordinator"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/session"
)

func (s *Server) handleActiveTrip(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())
	active, err := s.deps.Trips.ActiveTrip(r.Context(), sess)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active})
}

func (s *Server) handleLeaveTrip(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())
	res, err := s.deps.Trips.CancelByPassenger(r.Context(), sess)
	var step *coordinator.StepError
	if err != nil && !errors.As(err, &step) {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{Trip: res.Trip.Public(), Warnings: warningStrings(res.Warnings)})
}

// handleNotifications accepts ?types=accepted,cancelled_by_passenger.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())
	var types []models.NotificationType
	for _, t := range strings.Split(r.URL.Query().Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, models.NotificationType(t))
		}
	}
	list, err := s.deps.Notes.List(r.Context(), sess.UserID, types...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": list})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())
	p, err := s.deps.Trips.Profile(r.Context(), sess)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())
	entries, fromCache, err := s.deps.Trips.History(r.Context(), sess)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "from_cache": fromCache})
}

func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())
	if err := s.deps.Trips.DeleteHistory(r.Context(), sess, mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLoadDraft(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())
	d, err := s.deps.Trips.LoadDraft(r.Context(), sess)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleSaveDraft(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())
	var d models.TripDraft
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, errBadBody.Error(), 400)
		return
	}
	if err := s.deps.Trips.SaveDraft(r.Context(), sess, d); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())
	res, err := s.deps.Trips.SyncPending(r.Context(), sess)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"synced":   res.Synced,
		"dropped":  res.Dropped,
		"warnings": warningStrings(res.Warnings),
	})
}
