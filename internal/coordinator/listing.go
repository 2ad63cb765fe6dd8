package coordinator

import (
	"context"
	"sort"

	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
)

// listed strips passenger data before a trip is shown to other users.
func listed(t models.Trip) models.Trip { return t.Public() }

func filterOpen(trips []models.Trip) []models.Trip {
	out := make([]models.Trip, 0, len(trips))
	for i := range trips {
		if trips[i].Open() {
			out = append(out, listed(trips[i]))
		}
	}
	return out
}

// OpenTrips returns every trip that still takes passengers.
func (s *Service) OpenTrips(ctx context.Context) ([]models.Trip, error) {
	trips, err := s.allTrips(ctx)
	if err != nil {
		return nil, err
	}
	return filterOpen(trips), nil
}

// WatchOpenTrips re-delivers the full open set after every change to the
// trip collection. The channel closes when ctx ends.
func (s *Service) WatchOpenTrips(ctx context.Context) (<-chan []models.Trip, error) {
	snaps, err := s.Tree.Subscribe(ctx, tripsPath())
	if err != nil {
		return nil, err
	}
	out := make(chan []models.Trip, 1)
	go func() {
		defer close(out)
		for snap := range snaps {
			open := filterOpen(decodeTrips(snap))
			observability.OpenTrips.Set(float64(len(open)))
			select {
			case out <- open:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// NearbyOpen is an open trip with its origin distance in meters.
type NearbyOpen struct {
	Trip     models.Trip `json:"trip"`
	Distance float64     `json:"distance_m"`
}

// NearbyOpenTrips ranks open trips by origin distance from (lat, lon). The
// geo index only proposes candidates; openness is re-checked against the
// store. Without an index the full collection is scanned.
func (s *Service) NearbyOpenTrips(ctx context.Context, lat, lon float64, limit int) ([]NearbyOpen, error) {
	if limit <= 0 {
		limit = 10
	}
	if s.Geo != nil {
		pts, err := s.Geo.Nearby(ctx, lat, lon, limit*2)
		if err == nil {
			out := make([]NearbyOpen, 0, len(pts))
			for _, p := range pts {
				t, err := s.readTrip(ctx, p.ID)
				if err != nil || !t.Open() {
					continue
				}
				out = append(out, NearbyOpen{Trip: listed(*t), Distance: p.Dist})
				if len(out) == limit {
					break
				}
			}
			return out, nil
		}
		s.log().Warn("geo index lookup failed; scanning trips", "error", err)
	}

	open, err := s.OpenTrips(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]NearbyOpen, 0, len(open))
	for _, t := range open {
		out = append(out, NearbyOpen{Trip: t, Distance: geo.Haversine(lat, lon, t.Origin.Lat, t.Origin.Lon)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
