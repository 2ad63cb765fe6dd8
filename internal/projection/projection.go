// Package projection folds trip lifecycle events into read-side indexes:
// the open-trip geo index and the event archive.
package projection

import (
	"context"
	"fmt"

	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

type Projector struct {
	Geo     geo.Geo
	Archive storage.EventArchive
}

// Apply is idempotent: replaying an event leaves the same state.
func (p *Projector) Apply(ctx context.Context, ev models.Event) error {
	if p.Archive != nil {
		if err := p.Archive.Append(ctx, ev); err != nil {
			return fmt.Errorf("archive %s %s: %w", ev.Type, ev.TripID, err)
		}
	}
	if p.Geo == nil {
		return nil
	}
	var err error
	if listed(ev) {
		err = p.Geo.Upsert(ctx, geo.Point{ID: ev.TripID, Loc: ev.Origin})
	} else {
		err = p.Geo.Remove(ctx, ev.TripID)
	}
	if err != nil {
		return fmt.Errorf("geo %s %s: %w", ev.Type, ev.TripID, err)
	}
	return nil
}

// Publish lets the projector stand in for the event stream when no broker is
// configured.
func (p *Projector) Publish(ctx context.Context, ev models.Event) error {
	return p.Apply(ctx, ev)
}

func listed(ev models.Event) bool {
	return ev.Status == models.StatusActive && ev.AvailableSeats > 0
}
