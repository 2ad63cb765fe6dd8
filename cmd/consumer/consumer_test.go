package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/projection"
	"github.com/example/carpool/internal/storage"
)

// fakeApplier fails the first failN calls.
type fakeApplier struct {
	failN int
	calls int
}

func (f *fakeApplier) Apply(ctx context.Context, ev models.Event) error {
	f.calls++
	if f.calls <= f.failN {
		return errors.New("redis down")
	}
	return nil
}

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeApplier{failN: 2}
	start := time.Now()
	if err := applyWithRetry(context.Background(), f, models.Event{TripID: "t1"}, 3, 5*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatalf("expected doubling backoff between attempts")
	}
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeApplier{failN: 5}
	if err := applyWithRetry(context.Background(), f, models.Event{TripID: "t1"}, 3, time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", f.calls)
	}
}

// scriptedReader replays messages then reports io.EOF until ctx ends.
type scriptedReader struct {
	msgs   []kafka.Message
	cancel context.CancelFunc
}

func (s *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(s.msgs) == 0 {
		s.cancel()
		return kafka.Message{}, io.EOF
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func TestConsumeProjectsEvents(t *testing.T) {
	idx := geo.NewIndex()
	archive := storage.NewMemoryArchive()
	proj := &projection.Projector{Geo: idx, Archive: archive}

	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	created, _ := json.Marshal(models.Event{Type: models.EventTripCreated, TripID: "t1", Origin: models.Coord{Lat: -33.45, Lon: -70.66}, AvailableSeats: 2, Status: models.StatusActive, At: at})
	full, _ := json.Marshal(models.Event{Type: models.EventTripJoined, TripID: "t1", PassengerID: "p1", AvailableSeats: 0, Status: models.StatusActive, At: at.Add(time.Minute)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &scriptedReader{cancel: cancel, msgs: []kafka.Message{
		{Value: created},
		{Value: []byte("not json")},
		{Value: full},
	}}
	consume(ctx, logging.Discard(), r, proj, 2, time.Millisecond)

	events, _ := archive.ListByTrip(context.Background(), "t1")
	if len(events) != 2 {
		t.Fatalf("expected 2 archived events, got %d", len(events))
	}
	near, _ := idx.Nearby(context.Background(), -33.45, -70.66, 5)
	if len(near) != 0 {
		t.Fatalf("full trip must leave the geo index, got %+v", near)
	}
}
