// Package reconcile keeps a user's locally mirrored active trip in line with
// the remote pointer. The mirror answers first; the remote side always wins.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/carpool/internal/cache"
	"github.com/example/carpool/internal/keytree"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/session"
)

type Source string

const (
	SourceCache  Source = "cache"
	SourceRemote Source = "remote"
)

// ActiveTripView is one observed state. A nil Active means no active trip.
type ActiveTripView struct {
	Active *models.ActiveTrip `json:"active"`
	Source Source             `json:"source"`
}

const maxRetryDelay = 30 * time.Second

type Reconciler struct {
	Tree   keytree.Tree
	Cache  cache.Cache
	Logger *slog.Logger
	// RetryDelay is the first wait before resubscribing to a trip whose
	// subscription failed. It doubles up to 30s. Zero means one second.
	RetryDelay time.Duration
}

func New(tree keytree.Tree, c cache.Cache, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{Tree: tree, Cache: c, Logger: logger}
}

// Run emits the cached view, then a remote view after every change to the
// user's pointer or to the trip it references. The session must already be
// resolved; the channel closes when ctx ends.
func (r *Reconciler) Run(ctx context.Context, sess session.Session) (<-chan ActiveTripView, error) {
	if !sess.Valid() {
		return nil, session.ErrNoSession
	}
	pointers, err := r.Tree.Subscribe(ctx, keytree.Join("users", sess.UserID, "activeTrip"))
	if err != nil {
		return nil, err
	}
	out := make(chan ActiveTripView, 1)
	go r.loop(ctx, sess.UserID, pointers, out)
	return out, nil
}

func (r *Reconciler) loop(ctx context.Context, userID string, pointers <-chan keytree.Snapshot, out chan<- ActiveTripView) {
	defer close(out)
	local := cache.ForUser(r.Cache, userID)
	log := r.Logger.With("user_id", userID)

	emit := func(v ActiveTripView) bool {
		select {
		case out <- v:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var cached models.ActiveTrip
	switch err := cache.GetJSON(ctx, local, cache.KeyActiveTrip, &cached); {
	case err == nil:
		if !emit(ActiveTripView{Active: &cached, Source: SourceCache}) {
			return
		}
	case errors.Is(err, cache.ErrMiss):
		if !emit(ActiveTripView{Source: SourceCache}) {
			return
		}
	default:
		log.Warn("active trip mirror unreadable", "error", err)
	}

	baseDelay := r.RetryDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	var (
		ptr         *models.ActiveTripPointer
		trips       <-chan keytree.Snapshot
		stopTrip    context.CancelFunc = func() {}
		lastTrip    *models.Trip
		watchedTrip string
		retry       <-chan time.Time
		delay       = baseDelay
	)
	defer func() { stopTrip() }()

	drop := func() bool {
		if err := local.Remove(ctx, cache.KeyActiveTrip); err != nil {
			log.Warn("active trip mirror not cleared", "error", err)
		}
		return emit(ActiveTripView{Source: SourceRemote})
	}
	publish := func() bool {
		view := &models.ActiveTrip{Pointer: *ptr, Trip: lastTrip}
		if err := cache.SetJSON(ctx, local, cache.KeyActiveTrip, view); err != nil {
			log.Warn("active trip mirror not updated", "trip_id", ptr.TripID, "error", err)
		}
		return emit(ActiveTripView{Active: view, Source: SourceRemote})
	}
	// watch follows the trip ptr references. On a first failure the pointer
	// alone replaces whatever the mirror held; a retry is always scheduled.
	watch := func() bool {
		stopTrip()
		tripCtx, cancel := context.WithCancel(ctx)
		ch, err := r.Tree.Subscribe(tripCtx, keytree.Join("trips", ptr.TripID))
		if err != nil {
			cancel()
			stopTrip, trips, watchedTrip, lastTrip = func() {}, nil, "", nil
			log.Error("trip subscription failed", "trip_id", ptr.TripID, "retry_in", delay, "error", err)
			first := delay == baseDelay
			retry = time.After(delay)
			delay = min(delay*2, maxRetryDelay)
			if first {
				return publish()
			}
			return true
		}
		stopTrip, trips, watchedTrip, lastTrip = cancel, ch, ptr.TripID, nil
		retry, delay = nil, baseDelay
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-pointers:
			if !ok {
				return
			}
			var p models.ActiveTripPointer
			if !snap.Exists() || snap.Decode(&p) != nil || p.TripID == "" {
				ptr, lastTrip, watchedTrip, trips, retry = nil, nil, "", nil, nil
				stopTrip()
				if !drop() {
					return
				}
				continue
			}
			ptr = &p
			if p.TripID == watchedTrip {
				if lastTrip != nil && !publish() {
					return
				}
				continue
			}
			delay = baseDelay
			if !watch() {
				return
			}
		case <-retry:
			retry = nil
			if ptr != nil && watchedTrip == "" && !watch() {
				return
			}
		case snap, ok := <-trips:
			if !ok {
				trips = nil
				continue
			}
			var t models.Trip
			if !snap.Exists() || snap.Decode(&t) != nil || t.Status == models.StatusCancelled {
				lastTrip = nil
				if !drop() {
					return
				}
				continue
			}
			if t.ID == "" {
				t.ID = snap.Key
			}
			pub := t.Public()
			lastTrip = &pub
			if !publish() {
				return
			}
		}
	}
}
