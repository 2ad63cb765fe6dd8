package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/carpool/internal/cache"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/keytree"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/session"
)

// flakyTree fails every call with ErrUnavailable while down is set.
type flakyTree struct {
	keytree.Tree
	mu   sync.Mutex
	down bool
}

func (f *flakyTree) setDown(v bool) {
	f.mu.Lock()
	f.down = v
	f.mu.Unlock()
}

func (f *flakyTree) err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return keytree.ErrUnavailable
	}
	return nil
}

func (f *flakyTree) Get(ctx context.Context, p string) (keytree.Snapshot, error) {
	if err := f.err(); err != nil {
		return keytree.Snapshot{}, err
	}
	return f.Tree.Get(ctx, p)
}

func (f *flakyTree) Set(ctx context.Context, p string, v any) error {
	if err := f.err(); err != nil {
		return err
	}
	return f.Tree.Set(ctx, p, v)
}

func (f *flakyTree) Transact(ctx context.Context, p string, fn func(keytree.Snapshot) (any, error)) (keytree.Snapshot, error) {
	if err := f.err(); err != nil {
		return keytree.Snapshot{}, err
	}
	return f.Tree.Transact(ctx, p, fn)
}

type recordingEvents struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recordingEvents) Publish(_ context.Context, ev models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEvents) types() []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type fixture struct {
	svc    *Service
	tree   *flakyTree
	cache  *cache.Memory
	notes  *dispatch.Notifier
	events *recordingEvents
}

func newFixture() *fixture {
	tree := &flakyTree{Tree: keytree.NewMemoryTree()}
	c := cache.NewMemory()
	n := dispatch.NewNotifier(tree)
	ev := &recordingEvents{}
	return &fixture{
		svc:    &Service{Tree: tree, Cache: c, Notifier: n, Events: ev},
		tree:   tree,
		cache:  c,
		notes:  n,
		events: ev,
	}
}

func user(id string) session.Session { return session.Session{UserID: id, Email: id + "@uc.cl"} }

func (f *fixture) createTrip(t *testing.T, driver string, seats int) models.Trip {
	t.Helper()
	d := validDraft()
	d.Seats = intp(seats)
	res, err := f.svc.CreateTrip(context.Background(), user(driver), d)
	if err != nil {
		t.Fatalf("create trip: %v", err)
	}
	if res.Outcome != OutcomeCreated {
		t.Fatalf("expected created outcome, got %s", res.Outcome)
	}
	return res.Trip
}

func checkSeatInvariant(t *testing.T, tr *models.Trip) {
	t.Helper()
	if tr.AvailableSeats < 0 || tr.AvailableSeats > tr.Seats {
		t.Fatalf("available %d outside [0,%d]", tr.AvailableSeats, tr.Seats)
	}
	if tr.AvailableSeats != tr.Seats-len(tr.Passengers) {
		t.Fatalf("available %d != seats %d - passengers %d", tr.AvailableSeats, tr.Seats, len(tr.Passengers))
	}
}

func TestCreateTripPublishesAndAwardsExperience(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	res, err := f.svc.CreateTrip(ctx, user("d1"), validDraft())
	if err != nil {
		t.Fatal(err)
	}
	stored, err := f.svc.Trip(ctx, res.Trip.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.StatusActive || stored.AvailableSeats != 3 || len(stored.Route) < 2 {
		t.Fatalf("unexpected stored trip %+v", stored)
	}
	if res.Profile == nil || res.Profile.Experience != TripExperience || res.Profile.Level != 1 {
		t.Fatalf("expected +%d xp, got %+v", TripExperience, res.Profile)
	}
	hist, fromCache, err := f.svc.History(ctx, user("d1"))
	if err != nil || fromCache || len(hist) != 1 || hist[0].Role != models.RoleDriver {
		t.Fatalf("expected one driver history entry, got %+v cache=%v err=%v", hist, fromCache, err)
	}
	if got := f.events.types(); len(got) != 1 || got[0] != models.EventTripCreated {
		t.Fatalf("expected trip.created event, got %v", got)
	}
}

func TestCreateTripRejectsSecondActiveTrip(t *testing.T) {
	f := newFixture()
	f.createTrip(t, "d1", 2)
	_, err := f.svc.CreateTrip(context.Background(), user("d1"), validDraft())
	if !errors.Is(err, ErrDriverHasActiveTrip) {
		t.Fatalf("expected ErrDriverHasActiveTrip, got %v", err)
	}
}

func TestCreateTripValidationDoesNotWrite(t *testing.T) {
	f := newFixture()
	d := validDraft()
	d.Seats = intp(7)
	if _, err := f.svc.CreateTrip(context.Background(), user("d1"), d); !errors.Is(err, ErrSeatLimit) {
		t.Fatalf("expected ErrSeatLimit, got %v", err)
	}
	open, _ := f.svc.OpenTrips(context.Background())
	if len(open) != 0 {
		t.Fatalf("rejected draft must not create a trip, got %d", len(open))
	}
}

func TestCreateTripOfflineThenSync(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.tree.setDown(true)
	res, err := f.svc.CreateTrip(ctx, user("d1"), validDraft())
	if err != nil {
		t.Fatalf("offline create should degrade, got %v", err)
	}
	if res.Outcome != OutcomePendingSync {
		t.Fatalf("expected pending sync, got %s", res.Outcome)
	}
	hist, fromCache, err := f.svc.History(ctx, user("d1"))
	if err != nil || !fromCache || len(hist) != 1 {
		t.Fatalf("expected cached history while offline, got %+v cache=%v err=%v", hist, fromCache, err)
	}

	f.tree.setDown(false)
	synced, err := f.svc.SyncPending(ctx, user("d1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(synced.Synced) != 1 || synced.Synced[0].ID != res.Trip.ID {
		t.Fatalf("expected pending trip synced, got %+v", synced)
	}
	if _, err := f.svc.Trip(ctx, res.Trip.ID); err != nil {
		t.Fatalf("synced trip not stored: %v", err)
	}
	again, _ := f.svc.SyncPending(ctx, user("d1"))
	if len(again.Synced) != 0 {
		t.Fatalf("pending list should be empty after sync, got %+v", again)
	}
}

func TestSyncPendingDropsWhenDriverAlreadyActive(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.tree.setDown(true)
	pending, _ := f.svc.CreateTrip(ctx, user("d1"), validDraft())
	f.tree.setDown(false)
	f.createTrip(t, "d1", 2)

	res, err := f.svc.SyncPending(ctx, user("d1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := res.Dropped[pending.Trip.ID]; !ok || len(res.Synced) != 0 {
		t.Fatalf("expected pending trip dropped, got %+v", res)
	}
}

func TestJoinTripClaimsSeatAndNotifiesDriver(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	trip := f.createTrip(t, "d1", 2)

	res, err := f.svc.JoinTrip(ctx, user("p1"), trip.ID, models.Coord{Lat: -33.44, Lon: -70.65})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("unexpected warnings %v", res.Warnings)
	}
	checkSeatInvariant(t, &res.Trip)
	if res.Trip.AvailableSeats != 1 || res.Trip.PassengerIndex["p1"] != res.JoinID {
		t.Fatalf("unexpected trip after join %+v", res.Trip)
	}
	active, err := f.svc.ActiveTrip(ctx, user("p1"))
	if err != nil || active == nil || active.Trip.ID != trip.ID {
		t.Fatalf("expected active trip %s, got %+v err=%v", trip.ID, active, err)
	}
	var mirrored models.ActiveTrip
	if err := cache.GetJSON(ctx, cache.ForUser(f.cache, "p1"), cache.KeyActiveTrip, &mirrored); err != nil || mirrored.Pointer.TripID != trip.ID {
		t.Fatalf("expected mirrored pointer, got %+v err=%v", mirrored, err)
	}
	notes, _ := f.notes.List(ctx, "d1")
	if len(notes) != 1 || notes[0].Type != models.NotifyAccepted || notes[0].Counterpart != "p1" {
		t.Fatalf("expected accepted notification, got %+v", notes)
	}
}

func TestJoinTripRejections(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	trip := f.createTrip(t, "d1", 1)
	other := f.createTrip(t, "d2", 3)

	if _, err := f.svc.JoinTrip(ctx, user("d1"), trip.ID, models.Coord{}); !errors.Is(err, ErrOwnTrip) {
		t.Fatalf("expected ErrOwnTrip, got %v", err)
	}
	if _, err := f.svc.JoinTrip(ctx, user("p1"), "missing", models.Coord{}); !errors.Is(err, ErrTripNotFound) {
		t.Fatalf("expected ErrTripNotFound, got %v", err)
	}
	if _, err := f.svc.JoinTrip(ctx, user("p1"), trip.ID, models.Coord{}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.JoinTrip(ctx, user("p2"), trip.ID, models.Coord{}); !errors.Is(err, ErrTripFull) {
		t.Fatalf("expected ErrTripFull, got %v", err)
	}
	if _, err := f.svc.JoinTrip(ctx, user("p1"), other.ID, models.Coord{}); !errors.Is(err, ErrPassengerHasActiveTrip) {
		t.Fatalf("expected ErrPassengerHasActiveTrip, got %v", err)
	}
}

func TestConcurrentJoinsOnLastSeat(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	trip := f.createTrip(t, "d1", 1)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, full int
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.JoinTrip(ctx, user(fmt.Sprintf("p%d", i)), trip.ID, models.Coord{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrTripFull):
				full++
			}
		}(i)
	}
	wg.Wait()
	if ok != 1 || full != 7 {
		t.Fatalf("expected exactly one join and seven full, got ok=%d full=%d", ok, full)
	}
	stored, _ := f.svc.Trip(ctx, trip.ID)
	checkSeatInvariant(t, stored)
	if stored.AvailableSeats != 0 {
		t.Fatalf("expected no seats left, got %d", stored.AvailableSeats)
	}
}

func TestCancelByDriverClearsPassengers(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	trip := f.createTrip(t, "d1", 3)
	for _, p := range []string{"p1", "p2"} {
		if _, err := f.svc.JoinTrip(ctx, user(p), trip.ID, models.Coord{}); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := f.svc.CancelByDriver(ctx, user("p1"), trip.ID); !errors.Is(err, ErrNotTripOwner) {
		t.Fatalf("expected ErrNotTripOwner, got %v", err)
	}
	res, err := f.svc.CancelByDriver(ctx, user("d1"), trip.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Warnings) != 0 || len(res.ClearedPassengers) != 2 {
		t.Fatalf("expected clean fan-out to 2 passengers, got %+v", res)
	}
	stored, _ := f.svc.Trip(ctx, trip.ID)
	if stored.Status != models.StatusCancelled || len(stored.Passengers) != 0 || len(stored.PassengerIndex) != 0 {
		t.Fatalf("expected cancelled trip without joins, got %+v", stored)
	}
	checkSeatInvariant(t, stored)
	open, _ := f.svc.OpenTrips(ctx)
	for _, o := range open {
		if o.ID == trip.ID {
			t.Fatal("cancelled trip still listed as open")
		}
	}
	for _, p := range []string{"p1", "p2"} {
		if a, _ := f.svc.ActiveTrip(ctx, user(p)); a != nil {
			t.Fatalf("%s still has an active trip", p)
		}
		notes, _ := f.notes.List(ctx, p, models.NotifyCancelledByDriver)
		if len(notes) != 1 {
			t.Fatalf("%s expected cancelled_by_driver, got %+v", p, notes)
		}
	}
	if _, err := f.svc.CancelByDriver(ctx, user("d1"), trip.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on second cancel, got %v", err)
	}
}

func TestCancelByPassengerRecountsSeats(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	trip := f.createTrip(t, "d1", 4)
	for _, p := range []string{"p1", "p2", "p3"} {
		if _, err := f.svc.JoinTrip(ctx, user(p), trip.ID, models.Coord{}); err != nil {
			t.Fatal(err)
		}
	}

	res, err := f.svc.CancelByPassenger(ctx, user("p2"))
	if err != nil {
		t.Fatal(err)
	}
	checkSeatInvariant(t, &res.Trip)
	if res.Trip.AvailableSeats != 2 || len(res.Trip.Passengers) != 2 {
		t.Fatalf("expected 2 seats and 2 passengers, got %+v", res.Trip)
	}
	if _, still := res.Trip.PassengerIndex["p2"]; still {
		t.Fatal("p2 still indexed")
	}
	if _, err := cache.ForUser(f.cache, "p2").Get(ctx, cache.KeyActiveTrip); !errors.Is(err, cache.ErrMiss) {
		t.Fatalf("expected local mirror cleared, got %v", err)
	}
	notes, _ := f.notes.List(ctx, "d1", models.NotifyCancelledByPassenger)
	if len(notes) != 1 || notes[0].Counterpart != "p2" {
		t.Fatalf("expected one cancelled_by_passenger, got %+v", notes)
	}
	if _, err := f.svc.CancelByPassenger(ctx, user("p2")); !errors.Is(err, ErrNoActiveTrip) {
		t.Fatalf("expected ErrNoActiveTrip, got %v", err)
	}
	if a, _ := f.svc.ActiveTrip(ctx, user("p1")); a == nil {
		t.Fatal("p1 should still be joined")
	}
}

func TestMarkInProgressClosesTrip(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	trip := f.createTrip(t, "d1", 2)
	if _, err := f.svc.JoinTrip(ctx, user("p1"), trip.ID, models.Coord{}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.MarkInProgress(ctx, user("d1"), trip.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.JoinTrip(ctx, user("p2"), trip.ID, models.Coord{}); !errors.Is(err, ErrTripNotOpen) {
		t.Fatalf("expected ErrTripNotOpen, got %v", err)
	}
	if _, err := f.svc.CancelByDriver(ctx, user("d1"), trip.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("in_progress must not be cancellable, got %v", err)
	}
	notes, _ := f.notes.List(ctx, "p1", models.NotifyTripStarted)
	if len(notes) != 1 {
		t.Fatalf("expected trip_started notification, got %+v", notes)
	}
	open, _ := f.svc.OpenTrips(ctx)
	if len(open) != 0 {
		t.Fatalf("in-progress trip listed as open: %+v", open)
	}
}

func TestWatchOpenTripsRedeliversFullSet(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := f.svc.WatchOpenTrips(ctx)
	if err != nil {
		t.Fatal(err)
	}
	waitFor := func(n int) {
		t.Helper()
		deadline := time.After(time.Second)
		for {
			select {
			case v := <-ch:
				if len(v) == n {
					return
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %d open trips", n)
			}
		}
	}
	waitFor(0)
	a := f.createTrip(t, "d1", 1)
	waitFor(1)
	if _, err := f.svc.JoinTrip(ctx, user("p1"), a.ID, models.Coord{}); err != nil {
		t.Fatal(err)
	}
	waitFor(0)
}

func TestNearbyOpenTripsScansWithoutIndex(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	far := validDraft()
	far.Origin = models.Coord{Lat: -33.0, Lon: -71.6}
	if _, err := f.svc.CreateTrip(ctx, user("d1"), far); err != nil {
		t.Fatal(err)
	}
	near := f.createTrip(t, "d2", 2)

	got, err := f.svc.NearbyOpenTrips(ctx, near.Origin.Lat, near.Origin.Lon, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Trip.ID != near.ID || got[0].Distance > got[1].Distance {
		t.Fatalf("expected nearest first, got %+v", got)
	}
	if got[0].Trip.Passengers != nil {
		t.Fatal("listing must not expose passengers")
	}
}

func TestDraftRoundTripAndRequiresSession(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if _, err := f.svc.LoadDraft(ctx, session.Session{}); !errors.Is(err, session.ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	d, err := f.svc.LoadDraft(ctx, user("d1"))
	if err != nil || d.Seats != nil {
		t.Fatalf("expected empty draft, got %+v err=%v", d, err)
	}
	if err := f.svc.SaveDraft(ctx, user("d1"), validDraft()); err != nil {
		t.Fatal(err)
	}
	d, _ = f.svc.LoadDraft(ctx, user("d1"))
	if d.Plate != "AB-12-CD" || d.Seats == nil || *d.Seats != 3 {
		t.Fatalf("unexpected draft %+v", d)
	}
}

// pointerFailTree fails writes to any users/*/activeTrip node while failing
// is set.
type pointerFailTree struct {
	keytree.Tree
	failing bool
}

var errPointerWrite = errors.New("pointer write refused")

func (p *pointerFailTree) pointerWrite(path string) bool {
	return p.failing && strings.HasPrefix(path, "users/") && strings.HasSuffix(path, "/activeTrip")
}

func (p *pointerFailTree) Set(ctx context.Context, path string, v any) error {
	if p.pointerWrite(path) {
		return errPointerWrite
	}
	return p.Tree.Set(ctx, path, v)
}

func (p *pointerFailTree) Transact(ctx context.Context, path string, fn func(keytree.Snapshot) (any, error)) (keytree.Snapshot, error) {
	if p.pointerWrite(path) {
		return keytree.Snapshot{}, errPointerWrite
	}
	return p.Tree.Transact(ctx, path, fn)
}

type failNotifier struct{}

func (failNotifier) Notify(context.Context, string, models.NotificationType, string, string) (string, error) {
	return "", errors.New("inbox down")
}

func stepOf(t *testing.T, errs []error, step string) *StepError {
	t.Helper()
	for _, err := range errs {
		var se *StepError
		if errors.As(err, &se) && se.Step == step {
			return se
		}
	}
	t.Fatalf("no %s step among %v", step, errs)
	return nil
}

func TestJoinTripNotifyFailureKeepsSeat(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	trip := f.createTrip(t, "d1", 2)
	f.svc.Notifier = failNotifier{}

	res, err := f.svc.JoinTrip(ctx, user("p1"), trip.ID, models.Coord{})
	if err != nil {
		t.Fatalf("a failed notification must not fail the join, got %v", err)
	}
	se := stepOf(t, res.Warnings, "notify_driver")
	if se.Op != "join_trip" {
		t.Fatalf("unexpected op %q", se.Op)
	}
	stored, _ := f.svc.Trip(ctx, trip.ID)
	checkSeatInvariant(t, stored)
	if stored.AvailableSeats != 1 {
		t.Fatalf("seat must stay claimed, got %d available", stored.AvailableSeats)
	}
	if a, _ := f.svc.ActiveTrip(ctx, user("p1")); a == nil {
		t.Fatal("pointer should be set after the notify step")
	}
}

func TestJoinTripPointerFailureReturnsStepError(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	trip := f.createTrip(t, "d1", 2)
	pt := &pointerFailTree{Tree: f.svc.Tree, failing: true}
	f.svc.Tree = pt

	res, err := f.svc.JoinTrip(ctx, user("p1"), trip.ID, models.Coord{})
	var se *StepError
	if !errors.As(err, &se) || se.Step != "set_pointer" || !errors.Is(err, errPointerWrite) {
		t.Fatalf("expected set_pointer step error, got %v", err)
	}
	if res.JoinID == "" || res.Trip.AvailableSeats != 1 {
		t.Fatalf("result must describe the held seat, got %+v", res)
	}
	stepOf(t, res.Warnings, "set_pointer")
	stored, _ := f.svc.Trip(ctx, trip.ID)
	checkSeatInvariant(t, stored)
	if stored.PassengerIndex["p1"] != res.JoinID {
		t.Fatalf("join record must stay committed, got %+v", stored.PassengerIndex)
	}
	// later steps are skipped when the pointer is missing
	if notes, _ := f.notes.List(ctx, "d1"); len(notes) != 0 {
		t.Fatalf("expected no notification, got %+v", notes)
	}
}

func TestCancelByPassengerPointerClearFailure(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	trip := f.createTrip(t, "d1", 3)
	pt := &pointerFailTree{Tree: f.svc.Tree}
	f.svc.Tree = pt
	if _, err := f.svc.JoinTrip(ctx, user("p1"), trip.ID, models.Coord{}); err != nil {
		t.Fatal(err)
	}

	pt.failing = true
	res, err := f.svc.CancelByPassenger(ctx, user("p1"))
	var se *StepError
	if !errors.As(err, &se) || se.Step != "clear_pointer" || se.Op != "cancel_by_passenger" {
		t.Fatalf("expected clear_pointer step error, got %v", err)
	}
	stepOf(t, res.Warnings, "clear_pointer")
	checkSeatInvariant(t, &res.Trip)
	if res.Trip.AvailableSeats != 3 {
		t.Fatalf("seat must be released before the pointer step, got %+v", res.Trip)
	}
	notes, _ := f.notes.List(ctx, "d1", models.NotifyCancelledByPassenger)
	if len(notes) != 1 {
		t.Fatalf("expected driver notified of the removal, got %+v", notes)
	}

	// the pointer now references a trip p1 is no longer on; retrying clears it
	pt.failing = false
	if _, err := f.svc.CancelByPassenger(ctx, user("p1")); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := f.svc.CancelByPassenger(ctx, user("p1")); !errors.Is(err, ErrNoActiveTrip) {
		t.Fatalf("expected ErrNoActiveTrip after retry, got %v", err)
	}
}

func TestActiveTripHidesOtherPassengers(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	trip := f.createTrip(t, "d1", 3)
	for _, p := range []string{"p1", "p2"} {
		if _, err := f.svc.JoinTrip(ctx, user(p), trip.ID, models.Coord{Lat: -33.4, Lon: -70.6}); err != nil {
			t.Fatal(err)
		}
	}
	active, err := f.svc.ActiveTrip(ctx, user("p2"))
	if err != nil || active == nil || active.Trip == nil {
		t.Fatalf("expected active trip, got %+v err=%v", active, err)
	}
	if active.Trip.Passengers != nil || active.Trip.PassengerIndex != nil {
		t.Fatalf("join records leaked: %+v", active.Trip)
	}
	if active.Trip.AvailableSeats != 1 || active.Pointer.TripID != trip.ID {
		t.Fatalf("unexpected view %+v", active)
	}
	var mirrored models.ActiveTrip
	if err := cache.GetJSON(ctx, cache.ForUser(f.cache, "p2"), cache.KeyActiveTrip, &mirrored); err != nil {
		t.Fatal(err)
	}
	if mirrored.Trip == nil || mirrored.Trip.Passengers != nil {
		t.Fatalf("mirror must hold the public trip, got %+v", mirrored.Trip)
	}
}
