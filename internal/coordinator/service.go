// Package coordinator owns the trip lifecycle: creation, seat accounting,
// joins, cancellations and the passenger's active-trip pointer.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/carpool/internal/cache"
	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/keytree"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/route"
	"github.com/example/carpool/internal/session"
)

type Notifier interface {
	Notify(ctx context.Context, userID string, typ models.NotificationType, tripID, counterpart string) (string, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

type Service struct {
	Tree     keytree.Tree
	Cache    cache.Cache
	Notifier Notifier
	Routes   route.Resolver // optional; straight line when nil or failing
	Geo      geo.Geo        // optional nearby index
	Events   EventPublisher // optional
	Logger   *slog.Logger
	Now      func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func tripsPath() string { return "trips" }
func tripPath(id string) string { return keytree.Join("trips", id) }
func pointerPath(userID string) string { return keytree.Join("users", userID, "activeTrip") }
func profilePath(userID string) string { return keytree.Join("users", userID, "profile") }
func historyRoot(userID string) string { return keytree.Join("users", userID, "trips") }
func historyPath(userID, tripID string) string { return keytree.Join("users", userID, "trips", tripID) }

func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/.#$[]")
}

func checkSession(sess session.Session) error {
	if !sess.Valid() || !validID(sess.UserID) {
		return session.ErrNoSession
	}
	return nil
}

// sideEffect records and logs a best-effort step failure.
func (s *Service) sideEffect(warnings *[]error, op, step, tripID string, err error) {
	if err == nil {
		return
	}
	observability.SideEffectFailures.WithLabelValues(op, step).Inc()
	s.log().Warn("side effect failed", "op", op, "step", step, "trip_id", tripID, "error", err)
	*warnings = append(*warnings, &StepError{Op: op, Step: step, Err: err})
}

func (s *Service) publish(ctx context.Context, warnings *[]error, op string, typ models.EventType, t *models.Trip, passengerID string) {
	if s.Events == nil {
		return
	}
	ev := models.Event{
		Type:           typ,
		TripID:         t.ID,
		DriverID:       t.DriverID,
		PassengerID:    passengerID,
		Origin:         t.Origin,
		AvailableSeats: t.AvailableSeats,
		Status:         t.Status,
		At:             s.now(),
	}
	s.sideEffect(warnings, op, "publish_event", t.ID, s.Events.Publish(ctx, ev))
}

func (s *Service) readTrip(ctx context.Context, id string) (*models.Trip, error) {
	if !validID(id) {
		return nil, ErrTripNotFound
	}
	snap, err := s.Tree.Get(ctx, tripPath(id))
	if err != nil {
		return nil, err
	}
	return decodeTrip(snap)
}

func decodeTrip(snap keytree.Snapshot) (*models.Trip, error) {
	if !snap.Exists() {
		return nil, ErrTripNotFound
	}
	var t models.Trip
	if err := snap.Decode(&t); err != nil {
		return nil, fmt.Errorf("decode trip %s: %w", snap.Key, err)
	}
	if t.ID == "" {
		t.ID = snap.Key
	}
	return &t, nil
}

// transactTrip runs a guarded update on one trip. fn mutates the decoded
// trip in place; returning an error aborts the write.
func (s *Service) transactTrip(ctx context.Context, id string, fn func(t *models.Trip) error) (*models.Trip, error) {
	if !validID(id) {
		return nil, ErrTripNotFound
	}
	var out *models.Trip
	_, err := s.Tree.Transact(ctx, tripPath(id), func(cur keytree.Snapshot) (any, error) {
		t, err := decodeTrip(cur)
		if err != nil {
			return nil, err
		}
		t.ID = id
		if err := fn(t); err != nil {
			return nil, err
		}
		t.UpdatedAt = s.now()
		out = t
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Trip returns the current trip record.
func (s *Service) Trip(ctx context.Context, id string) (*models.Trip, error) {
	return s.readTrip(ctx, id)
}

func unavailable(err error) bool {
	return errors.Is(err, keytree.ErrUnavailable)
}

func (s *Service) resolveRoute(ctx context.Context, from, to models.Coord) []models.Coord {
	if s.Routes == nil {
		return route.Straight(from, to)
	}
	start := time.Now()
	line, err := s.Routes.Directions(ctx, from, to)
	observability.RouteLatency.Observe(time.Since(start).Seconds())
	if err != nil || len(line) == 0 {
		s.log().Warn("route resolution failed; using straight line", "error", err)
		return route.Straight(from, to)
	}
	return line
}

// Geocode proxies place suggestions from the routing provider.
func (s *Service) Geocode(ctx context.Context, query string) ([]route.Place, error) {
	if s.Routes == nil {
		return nil, route.ErrUnsupported
	}
	return s.Routes.Geocode(ctx, query)
}
