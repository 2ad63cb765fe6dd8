package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/example/carpool/internal/cache"
	"github.com/example/carpool/internal/keytree"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/session"
)

type CreateOutcome string

const (
	OutcomeCreated CreateOutcome = "created"
	// OutcomePendingSync means the store was unreachable; the trip is kept
	// locally and will be published by SyncPending.
	OutcomePendingSync CreateOutcome = "pending_sync"
)

type CreateResult struct {
	Trip     models.Trip
	Outcome  CreateOutcome
	Profile  *models.Profile
	Warnings []error
}

// CreateTrip validates the draft, checks that the driver has no other
// active trip and publishes a new one with every seat available.
func (s *Service) CreateTrip(ctx context.Context, sess session.Session, draft models.TripDraft) (CreateResult, error) {
	if err := checkSession(sess); err != nil {
		return CreateResult{}, err
	}
	if err := Validate(draft); err != nil {
		return CreateResult{}, err
	}

	existing, err := s.activeTripOf(ctx, sess.UserID, "")
	switch {
	case unavailable(err):
		// checked again when the pending trip is synced
	case err != nil:
		return CreateResult{}, err
	case existing != nil:
		return CreateResult{}, fmt.Errorf("%w: %s", ErrDriverHasActiveTrip, existing.ID)
	}

	now := s.now()
	t := models.Trip{
		ID:              keytree.NewPushKey(),
		DriverID:        sess.UserID,
		DriverEmail:     sess.Email,
		Origin:          draft.Origin,
		Destination:     *draft.Destination,
		DestinationName: strings.TrimSpace(draft.DestinationName),
		Seats:           *draft.Seats,
		AvailableSeats:  *draft.Seats,
		Status:          models.StatusActive,
		DepartureTime:   strings.TrimSpace(draft.DepartureTime),
		Fare:            *draft.Fare,
		Plate:           draft.Plate,
		Description:     strings.TrimSpace(draft.Description),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	t.Route = s.resolveRoute(ctx, t.Origin, t.Destination)

	local := cache.ForUser(s.Cache, sess.UserID)
	res := CreateResult{Trip: t, Outcome: OutcomeCreated}

	if err == nil {
		err = s.Tree.Set(ctx, tripPath(t.ID), t)
	}
	if unavailable(err) {
		if perr := s.savePending(ctx, local, t); perr != nil {
			return CreateResult{}, fmt.Errorf("store unavailable and local save failed: %w", errors.Join(err, perr))
		}
		observability.TripsCreated.WithLabelValues(string(OutcomePendingSync)).Inc()
		s.log().Warn("trip saved locally pending sync", "trip_id", t.ID, "user_id", sess.UserID, "error", err)
		res.Outcome = OutcomePendingSync
		return res, nil
	}
	if err != nil {
		return CreateResult{}, err
	}
	observability.TripsCreated.WithLabelValues(string(OutcomeCreated)).Inc()
	s.afterPublish(ctx, local, &t, &res)
	return res, nil
}

// afterPublish runs the best-effort steps that follow a trip write.
func (s *Service) afterPublish(ctx context.Context, local cache.Cache, t *models.Trip, res *CreateResult) {
	const op = "create_trip"
	s.sideEffect(&res.Warnings, op, "mirror_local", t.ID, appendLocalTrip(ctx, local, *t))
	s.sideEffect(&res.Warnings, op, "history", t.ID, s.recordHistory(ctx, t.DriverID, models.RoleDriver, t))
	p, err := s.awardExperience(ctx, t.DriverID, TripExperience)
	s.sideEffect(&res.Warnings, op, "award_experience", t.ID, err)
	if err == nil {
		res.Profile = &p
	}
	s.publish(ctx, &res.Warnings, op, models.EventTripCreated, t, "")
}

// activeTripOf scans the trip collection for an active trip of driverID,
// ignoring the trip with id except.
func (s *Service) activeTripOf(ctx context.Context, driverID, except string) (*models.Trip, error) {
	trips, err := s.allTrips(ctx)
	if err != nil {
		return nil, err
	}
	for i := range trips {
		t := &trips[i]
		if t.DriverID == driverID && t.Status == models.StatusActive && t.ID != except {
			return t, nil
		}
	}
	return nil, nil
}

func (s *Service) allTrips(ctx context.Context) ([]models.Trip, error) {
	snap, err := s.Tree.Get(ctx, tripsPath())
	if err != nil {
		return nil, err
	}
	return decodeTrips(snap), nil
}

func decodeTrips(snap keytree.Snapshot) []models.Trip {
	children, _ := snap.Children()
	out := make([]models.Trip, 0, len(children))
	for _, c := range children {
		t, err := decodeTrip(c)
		if err != nil {
			continue
		}
		out = append(out, *t)
	}
	return out
}

func appendLocalTrip(ctx context.Context, local cache.Cache, t models.Trip) error {
	var trips []models.Trip
	if err := cache.GetJSON(ctx, local, cache.KeyTrips, &trips); err != nil && !errors.Is(err, cache.ErrMiss) {
		return err
	}
	replaced := false
	for i := range trips {
		if trips[i].ID == t.ID {
			trips[i] = t
			replaced = true
		}
	}
	if !replaced {
		trips = append(trips, t)
	}
	return cache.SetJSON(ctx, local, cache.KeyTrips, trips)
}

func (s *Service) savePending(ctx context.Context, local cache.Cache, t models.Trip) error {
	var pending []models.Trip
	if err := cache.GetJSON(ctx, local, cache.KeyPendingTrips, &pending); err != nil && !errors.Is(err, cache.ErrMiss) {
		return err
	}
	pending = append(pending, t)
	if err := cache.SetJSON(ctx, local, cache.KeyPendingTrips, pending); err != nil {
		return err
	}
	return appendLocalTrip(ctx, local, t)
}

type SyncResult struct {
	Synced   []models.Trip
	Dropped  map[string]string
	Warnings []error
}

// SyncPending publishes trips that were saved locally while the store was
// unreachable. Trips that can no longer be published (the driver has since
// activated another trip) are dropped with a reason.
func (s *Service) SyncPending(ctx context.Context, sess session.Session) (SyncResult, error) {
	if err := checkSession(sess); err != nil {
		return SyncResult{}, err
	}
	local := cache.ForUser(s.Cache, sess.UserID)
	var pending []models.Trip
	if err := cache.GetJSON(ctx, local, cache.KeyPendingTrips, &pending); err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return SyncResult{}, nil
		}
		return SyncResult{}, err
	}

	res := SyncResult{Dropped: make(map[string]string)}
	var remaining []models.Trip
	var syncErr error
	for i, t := range pending {
		if syncErr != nil {
			remaining = append(remaining, pending[i:]...)
			break
		}
		other, err := s.activeTripOf(ctx, sess.UserID, t.ID)
		if err == nil && other != nil {
			res.Dropped[t.ID] = ErrDriverHasActiveTrip.Error()
			continue
		}
		if err == nil {
			err = s.Tree.Set(ctx, tripPath(t.ID), t)
		}
		if err != nil {
			syncErr = err
			remaining = append(remaining, t)
			continue
		}
		cr := CreateResult{Trip: t, Outcome: OutcomeCreated}
		s.afterPublish(ctx, local, &t, &cr)
		res.Warnings = append(res.Warnings, cr.Warnings...)
		res.Synced = append(res.Synced, t)
		observability.TripsCreated.WithLabelValues(string(OutcomeCreated)).Inc()
	}

	var werr error
	if len(remaining) == 0 {
		werr = local.Remove(ctx, cache.KeyPendingTrips)
	} else {
		werr = cache.SetJSON(ctx, local, cache.KeyPendingTrips, remaining)
	}
	if werr != nil {
		s.log().Error("pending trip list not updated", "user_id", sess.UserID, "error", werr)
	}
	if syncErr != nil {
		return res, fmt.Errorf("sync pending trips: %w", syncErr)
	}
	return res, nil
}
