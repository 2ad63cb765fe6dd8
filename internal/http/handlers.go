package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/example/carpool/internal/coordinator"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/session"
	"github.com/example/carpool/internal/storage"
)

var errBadBody = errors.New("malformed request body")

type createResponse struct {
	Trip     models.Trip               `json:"trip"`
	Outcome  coordinator.CreateOutcome `json:"outcome"`
	Profile  *models.Profile           `json:"profile,omitempty"`
	Warnings []string                  `json:"warnings,omitempty"`
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())
	var d models.TripDraft
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	res, err := s.deps.Trips.CreateTrip(r.Context(), sess, d)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Outcome == coordinator.OutcomePendingSync {
		status = http.StatusAccepted
	}
	writeJSON(w, status, createResponse{Trip: res.Trip, Outcome: res.Outcome, Profile: res.Profile, Warnings: warningStrings(res.Warnings)})
}

func (s *Server) handleOpenTrips(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("lat") == "" && q.Get("lon") == "" {
		trips, err := s.deps.Trips.OpenTrips(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"trips": trips})
		return
	}
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err := errors.Join(err1, err2); err != nil {
		http.Error(w, fmt.Sprintf("invalid lat/lon: %v", err), 400)
		return
	}
	limit := 10
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", 400)
			return
		}
		limit = n
	}
	nearby, err := s.deps.Trips.NearbyOpenTrips(r.Context(), lat, lon, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trips": nearby})
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())
	t, err := s.deps.Trips.Trip(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// only the driver sees who joined
	if t.DriverID != sess.UserID {
		t.Passengers = nil
		t.PassengerIndex = nil
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTripEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archive == nil {
		s.writeError(w, r, storage.ErrNoArchive)
		return
	}
	events, err := s.deps.Archive.ListByTrip(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type joinRequest struct {
	Location models.Coord `json:"location"`
}

type joinResponse struct {
	Trip     models.Trip              `json:"trip"`
	JoinID   string                   `json:"join_id"`
	Pointer  models.ActiveTripPointer `json:"pointer"`
	Warnings []string                 `json:"warnings,omitempty"`
}

func (s *Server) handleJoinTrip(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())
	var req joinRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, errBadBody.Error(), 400)
			return
		}
	}
	res, err := s.deps.Trips.JoinTrip(r.Context(), sess, mux.Vars(r)["id"], req.Location)
	var step *coordinator.StepError
	if err != nil && !errors.As(err, &step) {
		s.writeError(w, r, err)
		return
	}
	// a failed follow-up step still means the seat is held
	writeJSON(w, http.StatusOK, joinResponse{Trip: res.Trip.Public(), JoinID: res.JoinID, Pointer: res.Pointer, Warnings: warningStrings(res.Warnings)})
}

type cancelResponse struct {
	Trip              models.Trip `json:"trip"`
	ClearedPassengers []string    `json:"cleared_passengers,omitempty"`
	Warnings          []string    `json:"warnings,omitempty"`
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())
	res, err := s.deps.Trips.CancelByDriver(r.Context(), sess, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{Trip: res.Trip, ClearedPassengers: res.ClearedPassengers, Warnings: warningStrings(res.Warnings)})
}

func (s *Server) handleStartTrip(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())
	res, err := s.deps.Trips.MarkInProgress(r.Context(), sess, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{Trip: res.Trip, Warnings: warningStrings(res.Warnings)})
}

func (s *Server) handleGeocode(w http.ResponseWriter, r *http.Request) {
	places, err := s.deps.Trips.Geocode(r.Context(), strings.TrimSpace(r.URL.Query().Get("q")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"places": places})
}
