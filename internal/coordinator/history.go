package coordinator

import (
	"context"
	"errors"
	"sort"

	"github.com/example/carpool/internal/cache"
	"github.com/example/carpool/internal/keytree"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/session"
)

func (s *Service) recordHistory(ctx context.Context, userID string, role models.HistoryRole, t *models.Trip) error {
	entry := models.HistoryEntry{
		TripID:          t.ID,
		Role:            role,
		DestinationName: t.DestinationName,
		DepartureTime:   t.DepartureTime,
		Fare:            t.Fare,
		Status:          t.Status,
		RecordedAt:      s.now(),
	}
	return s.Tree.Set(ctx, historyPath(userID, t.ID), entry)
}

// setHistoryStatus updates an existing history entry; absent entries stay
// absent.
func (s *Service) setHistoryStatus(ctx context.Context, userID, tripID string, status models.TripStatus) error {
	_, err := s.Tree.Transact(ctx, historyPath(userID, tripID), func(cur keytree.Snapshot) (any, error) {
		if !cur.Exists() {
			return nil, nil
		}
		var e models.HistoryEntry
		if err := cur.Decode(&e); err != nil {
			return cur.Raw, nil
		}
		e.Status = status
		return e, nil
	})
	return err
}

// ActiveTrip resolves the session user's pointer against the current trip
// record. A nil result means no active trip.
func (s *Service) ActiveTrip(ctx context.Context, sess session.Session) (*models.ActiveTrip, error) {
	if err := checkSession(sess); err != nil {
		return nil, err
	}
	ptr, err := s.readPointer(ctx, sess.UserID)
	if err != nil || ptr == nil {
		return nil, err
	}
	t, err := s.readTrip(ctx, ptr.TripID)
	if errors.Is(err, ErrTripNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if t.Status == models.StatusCancelled {
		return nil, nil
	}
	pub := t.Public()
	return &models.ActiveTrip{Pointer: *ptr, Trip: &pub}, nil
}

// History lists the user's trips newest first. When the store is
// unreachable the locally mirrored trips are returned instead, with
// fromCache set.
func (s *Service) History(ctx context.Context, sess session.Session) (entries []models.HistoryEntry, fromCache bool, err error) {
	if err := checkSession(sess); err != nil {
		return nil, false, err
	}
	snap, err := s.Tree.Get(ctx, historyRoot(sess.UserID))
	if unavailable(err) {
		var trips []models.Trip
		if cerr := cache.GetJSON(ctx, cache.ForUser(s.Cache, sess.UserID), cache.KeyTrips, &trips); cerr != nil {
			return nil, false, err
		}
		for _, t := range trips {
			entries = append(entries, models.HistoryEntry{
				TripID:          t.ID,
				Role:            models.RoleDriver,
				DestinationName: t.DestinationName,
				DepartureTime:   t.DepartureTime,
				Fare:            t.Fare,
				Status:          t.Status,
				RecordedAt:      t.CreatedAt,
			})
		}
		sortHistory(entries)
		return entries, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	children, _ := snap.Children()
	for _, c := range children {
		var e models.HistoryEntry
		if err := c.Decode(&e); err != nil {
			continue
		}
		if e.TripID == "" {
			e.TripID = c.Key
		}
		entries = append(entries, e)
	}
	sortHistory(entries)
	return entries, false, nil
}

func sortHistory(entries []models.HistoryEntry) {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].RecordedAt.After(entries[j].RecordedAt) })
}

// DeleteHistory removes one entry from the user's history mirror. The trip
// itself is untouched.
func (s *Service) DeleteHistory(ctx context.Context, sess session.Session, tripID string) error {
	if err := checkSession(sess); err != nil {
		return err
	}
	if !validID(tripID) {
		return ErrTripNotFound
	}
	return s.Tree.Remove(ctx, historyPath(sess.UserID, tripID))
}

func (s *Service) SaveDraft(ctx context.Context, sess session.Session, d models.TripDraft) error {
	if err := checkSession(sess); err != nil {
		return err
	}
	return cache.SetJSON(ctx, cache.ForUser(s.Cache, sess.UserID), cache.KeyDraft, d)
}

// LoadDraft returns the saved form draft, or an empty draft when none was
// saved.
func (s *Service) LoadDraft(ctx context.Context, sess session.Session) (models.TripDraft, error) {
	if err := checkSession(sess); err != nil {
		return models.TripDraft{}, err
	}
	var d models.TripDraft
	err := cache.GetJSON(ctx, cache.ForUser(s.Cache, sess.UserID), cache.KeyDraft, &d)
	if errors.Is(err, cache.ErrMiss) {
		return models.TripDraft{}, nil
	}
	return d, err
}
