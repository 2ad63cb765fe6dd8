package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/carpool/internal/cache"
	"github.com/example/carpool/internal/keytree"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/session"
)

type AcceptanceResult struct {
	Trip     models.Trip
	JoinID   string
	Pointer  models.ActiveTripPointer
	Warnings []error
}

// JoinTrip claims one seat on tripID for the session user. The seat claim
// and the join record commit together in one guarded update; the pointer,
// cache mirror, notification and history steps follow and are reported
// individually when they fail.
func (s *Service) JoinTrip(ctx context.Context, sess session.Session, tripID string, at models.Coord) (AcceptanceResult, error) {
	const op = "join_trip"
	if err := checkSession(sess); err != nil {
		return AcceptanceResult{}, err
	}
	if err := s.ensureNoActiveJoin(ctx, sess.UserID); err != nil {
		observability.JoinsTotal.WithLabelValues(joinResult(err)).Inc()
		return AcceptanceResult{}, err
	}

	now := s.now()
	joinID := keytree.NewPushKey()
	rec := models.JoinRecord{PassengerID: sess.UserID, Email: sess.Email, Location: at, JoinedAt: now}
	t, err := s.transactTrip(ctx, tripID, func(t *models.Trip) error {
		if t.DriverID == sess.UserID {
			return ErrOwnTrip
		}
		if t.Status != models.StatusActive {
			return ErrTripNotOpen
		}
		if _, ok := t.PassengerIndex[sess.UserID]; ok {
			return ErrAlreadyJoined
		}
		t.RecountSeats()
		if t.AvailableSeats <= 0 {
			return ErrTripFull
		}
		if t.Passengers == nil {
			t.Passengers = make(map[string]models.JoinRecord)
		}
		if t.PassengerIndex == nil {
			t.PassengerIndex = make(map[string]string)
		}
		t.Passengers[joinID] = rec
		t.PassengerIndex[sess.UserID] = joinID
		t.RecountSeats()
		return nil
	})
	observability.JoinsTotal.WithLabelValues(joinResult(err)).Inc()
	if err != nil {
		return AcceptanceResult{}, err
	}

	ptr := models.ActiveTripPointer{TripID: t.ID, JoinID: joinID, DriverID: t.DriverID, Location: at, JoinedAt: now}
	res := AcceptanceResult{Trip: *t, JoinID: joinID, Pointer: ptr}
	if err := s.Tree.Set(ctx, pointerPath(sess.UserID), ptr); err != nil {
		// The seat stays claimed; the caller learns the pointer is missing.
		s.sideEffect(&res.Warnings, op, "set_pointer", t.ID, err)
		return res, &StepError{Op: op, Step: "set_pointer", Err: err}
	}

	local := cache.ForUser(s.Cache, sess.UserID)
	pub := t.Public()
	s.sideEffect(&res.Warnings, op, "mirror_pointer", t.ID, cache.SetJSON(ctx, local, cache.KeyActiveTrip, models.ActiveTrip{Pointer: ptr, Trip: &pub}))
	if s.Notifier != nil {
		_, err := s.Notifier.Notify(ctx, t.DriverID, models.NotifyAccepted, t.ID, sess.UserID)
		s.sideEffect(&res.Warnings, op, "notify_driver", t.ID, err)
	}
	s.sideEffect(&res.Warnings, op, "history", t.ID, s.recordHistory(ctx, sess.UserID, models.RolePassenger, t))
	s.publish(ctx, &res.Warnings, op, models.EventTripJoined, t, sess.UserID)
	s.log().Info("passenger joined trip", "trip_id", t.ID, "user_id", sess.UserID, "available_seats", t.AvailableSeats)
	return res, nil
}

// ensureNoActiveJoin rejects a join while the user's pointer still refers to
// a live trip. A pointer left behind by a missing or cancelled trip does not
// count and is overwritten by the join.
func (s *Service) ensureNoActiveJoin(ctx context.Context, userID string) error {
	ptr, err := s.readPointer(ctx, userID)
	if err != nil || ptr == nil {
		return err
	}
	t, err := s.readTrip(ctx, ptr.TripID)
	switch {
	case errors.Is(err, ErrTripNotFound):
		return nil
	case err != nil:
		return err
	case t.Status == models.StatusCancelled:
		return nil
	}
	return fmt.Errorf("%w: %s", ErrPassengerHasActiveTrip, ptr.TripID)
}

func (s *Service) readPointer(ctx context.Context, userID string) (*models.ActiveTripPointer, error) {
	snap, err := s.Tree.Get(ctx, pointerPath(userID))
	if err != nil {
		return nil, err
	}
	if !snap.Exists() {
		return nil, nil
	}
	var p models.ActiveTripPointer
	if err := snap.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode pointer of %s: %w", userID, err)
	}
	return &p, nil
}

// clearPointer removes userID's pointer only while it still references
// tripID, so a newer join is never undone.
func (s *Service) clearPointer(ctx context.Context, userID, tripID string) error {
	_, err := s.Tree.Transact(ctx, pointerPath(userID), func(cur keytree.Snapshot) (any, error) {
		if !cur.Exists() {
			return nil, nil
		}
		var p models.ActiveTripPointer
		if err := cur.Decode(&p); err != nil || p.TripID != tripID {
			return cur.Raw, nil
		}
		return nil, nil
	})
	return err
}

func joinResult(err error) string {
	switch {
	case err == nil:
		return "joined"
	case errors.Is(err, ErrTripFull):
		return "full"
	case errors.Is(err, ErrTripNotOpen), errors.Is(err, ErrTripNotFound):
		return "not_open"
	case errors.Is(err, ErrAlreadyJoined), errors.Is(err, ErrPassengerHasActiveTrip), errors.Is(err, ErrOwnTrip):
		return "rejected"
	case errors.Is(err, keytree.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}
