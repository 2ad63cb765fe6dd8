package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/carpool/internal/cache"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/session"
)

type CancelResult struct {
	Trip              models.Trip
	ClearedPassengers []string
	Warnings          []error
}

// CancelByDriver cancels an active trip. Every joined passenger gets their
// pointer cleared and a cancelled_by_driver notification before the join
// records are removed.
func (s *Service) CancelByDriver(ctx context.Context, sess session.Session, tripID string) (CancelResult, error) {
	const op = "cancel_by_driver"
	if err := checkSession(sess); err != nil {
		return CancelResult{}, err
	}
	var joined map[string]models.JoinRecord
	t, err := s.transactTrip(ctx, tripID, func(t *models.Trip) error {
		if t.DriverID != sess.UserID {
			return ErrNotTripOwner
		}
		if t.Status != models.StatusActive {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, models.StatusCancelled)
		}
		t.Status = models.StatusCancelled
		joined = t.Passengers
		return nil
	})
	if err != nil {
		return CancelResult{}, err
	}
	observability.CancellationsTotal.WithLabelValues("driver").Inc()

	res := CancelResult{Trip: *t}
	for _, rec := range joined {
		if err := s.clearPointer(ctx, rec.PassengerID, t.ID); err != nil {
			s.sideEffect(&res.Warnings, op, "clear_pointer", t.ID, fmt.Errorf("passenger %s: %w", rec.PassengerID, err))
		} else {
			res.ClearedPassengers = append(res.ClearedPassengers, rec.PassengerID)
		}
		if s.Notifier != nil {
			_, err := s.Notifier.Notify(ctx, rec.PassengerID, models.NotifyCancelledByDriver, t.ID, t.DriverID)
			s.sideEffect(&res.Warnings, op, "notify_passenger", t.ID, err)
		}
		s.sideEffect(&res.Warnings, op, "history", t.ID, s.setHistoryStatus(ctx, rec.PassengerID, t.ID, models.StatusCancelled))
	}

	emptied, err := s.transactTrip(ctx, t.ID, func(t *models.Trip) error {
		t.Passengers = nil
		t.PassengerIndex = nil
		t.RecountSeats()
		return nil
	})
	if err != nil {
		s.sideEffect(&res.Warnings, op, "remove_joins", t.ID, err)
	} else {
		res.Trip = *emptied
	}
	s.sideEffect(&res.Warnings, op, "history", t.ID, s.setHistoryStatus(ctx, sess.UserID, t.ID, models.StatusCancelled))
	s.publish(ctx, &res.Warnings, op, models.EventTripCancelled, &res.Trip, "")
	s.log().Info("trip cancelled by driver", "trip_id", t.ID, "user_id", sess.UserID, "passengers", len(joined))
	return res, nil
}

// CancelByPassenger withdraws the session user from the trip their pointer
// references and recounts the trip's seats from the remaining join records.
func (s *Service) CancelByPassenger(ctx context.Context, sess session.Session) (CancelResult, error) {
	const op = "cancel_by_passenger"
	if err := checkSession(sess); err != nil {
		return CancelResult{}, err
	}
	local := cache.ForUser(s.Cache, sess.UserID)
	ptr, err := s.readPointer(ctx, sess.UserID)
	if err != nil {
		return CancelResult{}, err
	}
	if ptr == nil {
		_ = local.Remove(ctx, cache.KeyActiveTrip)
		return CancelResult{}, ErrNoActiveTrip
	}

	res := CancelResult{}
	removed := false
	t, err := s.transactTrip(ctx, ptr.TripID, func(t *models.Trip) error {
		removed = false
		joinID, ok := t.PassengerIndex[sess.UserID]
		if !ok {
			joinID = ptr.JoinID
		}
		if _, exists := t.Passengers[joinID]; !exists {
			// index missing or stale; fall back to matching the record
			joinID = ""
			for id, rec := range t.Passengers {
				if rec.PassengerID == sess.UserID {
					joinID = id
					break
				}
			}
		}
		if joinID != "" {
			delete(t.Passengers, joinID)
			removed = true
		}
		delete(t.PassengerIndex, sess.UserID)
		t.RecountSeats()
		return nil
	})
	switch {
	case errors.Is(err, ErrTripNotFound):
		// the trip is gone; only the pointer is left to clear
	case err != nil:
		return CancelResult{}, err
	default:
		res.Trip = *t
	}

	if removed {
		observability.CancellationsTotal.WithLabelValues("passenger").Inc()
		if s.Notifier != nil {
			_, nerr := s.Notifier.Notify(ctx, t.DriverID, models.NotifyCancelledByPassenger, t.ID, sess.UserID)
			s.sideEffect(&res.Warnings, op, "notify_driver", t.ID, nerr)
		}
	}
	if err := s.clearPointer(ctx, sess.UserID, ptr.TripID); err != nil {
		s.sideEffect(&res.Warnings, op, "clear_pointer", ptr.TripID, err)
		return res, &StepError{Op: op, Step: "clear_pointer", Err: err}
	}
	s.sideEffect(&res.Warnings, op, "clear_local", ptr.TripID, local.Remove(ctx, cache.KeyActiveTrip))
	s.sideEffect(&res.Warnings, op, "history", ptr.TripID, s.setHistoryStatus(ctx, sess.UserID, ptr.TripID, models.StatusCancelled))
	if removed {
		s.publish(ctx, &res.Warnings, op, models.EventTripLeft, t, sess.UserID)
	}
	s.log().Info("passenger left trip", "trip_id", ptr.TripID, "user_id", sess.UserID, "removed", removed)
	return res, nil
}

// MarkInProgress moves an active trip to in_progress, which closes it to new
// joins, and tells every joined passenger.
func (s *Service) MarkInProgress(ctx context.Context, sess session.Session, tripID string) (CancelResult, error) {
	const op = "mark_in_progress"
	if err := checkSession(sess); err != nil {
		return CancelResult{}, err
	}
	t, err := s.transactTrip(ctx, tripID, func(t *models.Trip) error {
		if t.DriverID != sess.UserID {
			return ErrNotTripOwner
		}
		if t.Status != models.StatusActive {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, models.StatusInProgress)
		}
		t.Status = models.StatusInProgress
		return nil
	})
	if err != nil {
		return CancelResult{}, err
	}
	res := CancelResult{Trip: *t}
	for _, rec := range t.Passengers {
		if s.Notifier != nil {
			_, err := s.Notifier.Notify(ctx, rec.PassengerID, models.NotifyTripStarted, t.ID, t.DriverID)
			s.sideEffect(&res.Warnings, op, "notify_passenger", t.ID, err)
		}
		s.sideEffect(&res.Warnings, op, "history", t.ID, s.setHistoryStatus(ctx, rec.PassengerID, t.ID, models.StatusInProgress))
	}
	s.sideEffect(&res.Warnings, op, "history", t.ID, s.setHistoryStatus(ctx, sess.UserID, t.ID, models.StatusInProgress))
	s.publish(ctx, &res.Warnings, op, models.EventTripStarted, t, "")
	return res, nil
}
