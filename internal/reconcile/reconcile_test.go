package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/carpool/internal/cache"
	"github.com/example/carpool/internal/keytree"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/session"
)

func next(t *testing.T, ch <-chan ActiveTripView) ActiveTripView {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("view stream closed")
		}
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for view")
	}
	return ActiveTripView{}
}

func TestRemoteNullClearsFreshMirror(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tree := keytree.NewMemoryTree()
	c := cache.NewMemory()
	local := cache.ForUser(c, "p1")
	// the mirror was written last, yet the remote pointer is absent
	_ = cache.SetJSON(ctx, local, cache.KeyActiveTrip, models.ActiveTrip{Pointer: models.ActiveTripPointer{TripID: "t1"}})

	views, err := New(tree, c, nil).Run(ctx, session.Session{UserID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	first := next(t, views)
	if first.Source != SourceCache || first.Active == nil || first.Active.Pointer.TripID != "t1" {
		t.Fatalf("expected cached view first, got %+v", first)
	}
	second := next(t, views)
	if second.Source != SourceRemote || second.Active != nil {
		t.Fatalf("expected empty remote view, got %+v", second)
	}
	if _, err := local.Get(ctx, cache.KeyActiveTrip); !errors.Is(err, cache.ErrMiss) {
		t.Fatalf("expected mirror cleared, got %v", err)
	}
}

func TestFollowsReferencedTripUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tree := keytree.NewMemoryTree()
	c := cache.NewMemory()
	trip := models.Trip{ID: "t1", DriverID: "d1", Seats: 2, AvailableSeats: 1, Status: models.StatusActive}
	_ = tree.Set(ctx, "trips/t1", trip)
	_ = tree.Set(ctx, "users/p1/activeTrip", models.ActiveTripPointer{TripID: "t1", DriverID: "d1"})

	views, err := New(tree, c, nil).Run(ctx, session.Session{UserID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if v := next(t, views); v.Source != SourceCache || v.Active != nil {
		t.Fatalf("expected empty cached view, got %+v", v)
	}
	v := next(t, views)
	if v.Active == nil || v.Active.Trip == nil || v.Active.Trip.AvailableSeats != 1 {
		t.Fatalf("expected resolved trip, got %+v", v)
	}
	var mirrored models.ActiveTrip
	if err := cache.GetJSON(ctx, cache.ForUser(c, "p1"), cache.KeyActiveTrip, &mirrored); err != nil || mirrored.Pointer.TripID != "t1" {
		t.Fatalf("expected mirror updated, got %+v err=%v", mirrored, err)
	}

	_ = tree.Update(ctx, "trips/t1", map[string]any{"status": models.StatusCancelled})
	if v := next(t, views); v.Source != SourceRemote || v.Active != nil {
		t.Fatalf("cancelled trip must read as no active trip, got %+v", v)
	}
}

func TestRunRequiresSession(t *testing.T) {
	r := New(keytree.NewMemoryTree(), cache.NewMemory(), nil)
	if _, err := r.Run(context.Background(), session.Session{}); !errors.Is(err, session.ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

// refusingTree fails the first n trip subscriptions.
type refusingTree struct {
	keytree.Tree
	refuse atomic.Int32
	calls  atomic.Int32
}

func (r *refusingTree) Subscribe(ctx context.Context, path string) (<-chan keytree.Snapshot, error) {
	if strings.HasPrefix(path, "trips/") {
		r.calls.Add(1)
		if r.refuse.Add(-1) >= 0 {
			return nil, keytree.ErrUnavailable
		}
	}
	return r.Tree.Subscribe(ctx, path)
}

func TestRetriesFailedTripSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tree := &refusingTree{Tree: keytree.NewMemoryTree()}
	tree.refuse.Store(2)
	c := cache.NewMemory()
	local := cache.ForUser(c, "p1")
	stale := models.Trip{ID: "t1", DriverID: "d1", Seats: 2, AvailableSeats: 2, Status: models.StatusActive}
	_ = cache.SetJSON(ctx, local, cache.KeyActiveTrip, models.ActiveTrip{Pointer: models.ActiveTripPointer{TripID: "t1"}, Trip: &stale})

	trip := models.Trip{
		ID: "t1", DriverID: "d1", Seats: 2, AvailableSeats: 0, Status: models.StatusActive,
		Passengers:     map[string]models.JoinRecord{"j1": {PassengerID: "p1"}, "j2": {PassengerID: "p2", Email: "p2@uc.cl"}},
		PassengerIndex: map[string]string{"p1": "j1", "p2": "j2"},
	}
	_ = tree.Set(ctx, "trips/t1", trip)
	_ = tree.Set(ctx, "users/p1/activeTrip", models.ActiveTripPointer{TripID: "t1", JoinID: "j1", DriverID: "d1"})

	r := New(tree, c, nil)
	r.RetryDelay = 5 * time.Millisecond
	views, err := r.Run(ctx, session.Session{UserID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if v := next(t, views); v.Source != SourceCache || v.Active.Trip.AvailableSeats != 2 {
		t.Fatalf("expected stale cached view, got %+v", v)
	}
	v := next(t, views)
	if v.Source != SourceRemote || v.Active == nil || v.Active.Trip != nil || v.Active.Pointer.JoinID != "j1" {
		t.Fatalf("expected pointer-only remote view while the trip is unreachable, got %+v", v)
	}
	v = next(t, views)
	if v.Active == nil || v.Active.Trip == nil || v.Active.Trip.AvailableSeats != 0 {
		t.Fatalf("expected trip resolved after retries, got %+v", v)
	}
	if v.Active.Trip.Passengers != nil || v.Active.Trip.PassengerIndex != nil {
		t.Fatalf("other passengers leaked into the view: %+v", v.Active.Trip)
	}
	if n := tree.calls.Load(); n != 3 {
		t.Fatalf("expected 3 subscription attempts, got %d", n)
	}
}
