package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/example/carpool/internal/models"
)

// ErrNoArchive means no archive is fed in this deployment.
var ErrNoArchive = errors.New("storage: no event archive configured")

// EventArchive keeps the lifecycle timeline of every trip. Appends are
// idempotent so redelivered events are harmless.
type EventArchive interface {
	Append(ctx context.Context, ev models.Event) error
	ListByTrip(ctx context.Context, tripID string) ([]models.Event, error)
}

type MemoryArchive struct {
	mu     sync.RWMutex
	events map[string][]models.Event
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{events: make(map[string][]models.Event)}
}

func (m *MemoryArchive) Append(_ context.Context, ev models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events[ev.TripID] {
		if sameEvent(e, ev) {
			return nil
		}
	}
	m.events[ev.TripID] = append(m.events[ev.TripID], ev)
	return nil
}

func (m *MemoryArchive) ListByTrip(_ context.Context, tripID string) ([]models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]models.Event(nil), m.events[tripID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func sameEvent(a, b models.Event) bool {
	return a.Type == b.Type && a.PassengerID == b.PassengerID && a.At.Equal(b.At)
}
