package dispatch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/example/carpool/internal/keytree"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
)

// Notifier appends notification records to a user's inbox. There is no
// acknowledgement or retry; durability is whatever the store gives.
type Notifier struct {
	Tree keytree.Tree
	Now  func() time.Time
}

func NewNotifier(tree keytree.Tree) *Notifier {
	return &Notifier{Tree: tree, Now: time.Now}
}

func inboxPath(userID string) string { return keytree.Join("users", userID, "notifications") }

func (n *Notifier) Notify(ctx context.Context, userID string, typ models.NotificationType, tripID, counterpart string) (string, error) {
	rec := models.Notification{
		Type:        typ,
		Timestamp:   n.Now().UnixMilli(),
		TripID:      tripID,
		Counterpart: counterpart,
	}
	id, err := n.Tree.Push(ctx, inboxPath(userID), rec)
	if err != nil {
		return "", fmt.Errorf("notify %s %s: %w", userID, typ, err)
	}
	observability.NotificationsSent.WithLabelValues(string(typ)).Inc()
	return id, nil
}

// List returns the inbox newest first, optionally keeping only the given
// types.
func (n *Notifier) List(ctx context.Context, userID string, types ...models.NotificationType) ([]models.Notification, error) {
	snap, err := n.Tree.Get(ctx, inboxPath(userID))
	if err != nil {
		return nil, err
	}
	return decodeInbox(snap, types)
}

// Watch re-delivers the full sorted inbox on every change.
func (n *Notifier) Watch(ctx context.Context, userID string, types ...models.NotificationType) (<-chan []models.Notification, error) {
	snaps, err := n.Tree.Subscribe(ctx, inboxPath(userID))
	if err != nil {
		return nil, err
	}
	out := make(chan []models.Notification, 1)
	go func() {
		defer close(out)
		for snap := range snaps {
			list, err := decodeInbox(snap, types)
			if err != nil {
				continue
			}
			select {
			case out <- list:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func decodeInbox(snap keytree.Snapshot, types []models.NotificationType) ([]models.Notification, error) {
	children, err := snap.Children()
	if err != nil {
		return nil, err
	}
	keep := make(map[models.NotificationType]bool, len(types))
	for _, t := range types {
		keep[t] = true
	}
	out := make([]models.Notification, 0, len(children))
	for _, c := range children {
		var rec models.Notification
		if err := c.Decode(&rec); err != nil {
			continue
		}
		if len(keep) > 0 && !keep[rec.Type] {
			continue
		}
		rec.ID = c.Key
		out = append(out, rec)
	}
	// no server-side ordering is assumed
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, nil
}
