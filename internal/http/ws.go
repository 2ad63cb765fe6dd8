package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/session"
)

const wsWriteWait = 5 * time.Second

var upgrader = websocket.Upgrader{}

// wsSession serializes writes to one connection; gorilla allows a single
// concurrent writer.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

type wsEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func (s *wsSession) Send(typ string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(wsEnvelope{Type: typ, Data: v})
}

// readUntilClosed drains client frames and cancels once the peer goes away.
func (s *wsSession) readUntilClosed(cancel context.CancelFunc) {
	defer cancel()
	_ = s.conn.SetReadDeadline(time.Time{})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*wsSession, context.Context, context.CancelFunc, bool) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		s.logger.Warn("websocket upgrade failed", "error", err)
		return nil, nil, nil, false
	}
	ws := &wsSession{conn: conn}
	ctx, cancel := context.WithCancel(r.Context())
	go ws.readUntilClosed(cancel)
	return ws, ctx, cancel, true
}

func (s *Server) handleWSOpenTrips(w http.ResponseWriter, r *http.Request) {
	ws, ctx, cancel, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer ws.conn.Close()
	defer cancel()

	trips, err := s.deps.Trips.WatchOpenTrips(ctx)
	if err != nil {
		s.logger.Error("open trips watch failed", "error", err)
		return
	}
	for list := range trips {
		if err := ws.Send("open_trips", list); err != nil {
			return
		}
	}
}

// handleWSMe streams the caller's reconciled active trip and inbox.
func (s *Server) handleWSMe(w http.ResponseWriter, r *http.Request) {
	sess, err := session.FromContext(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ws, ctx, cancel, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer ws.conn.Close()
	defer cancel()
	log := s.logger.With("user_id", sess.UserID)

	views, err := s.deps.Reconciler.Run(ctx, sess)
	if err != nil {
		log.Error("active trip reconciliation failed", "error", err)
		return
	}
	notes, err := s.deps.Notes.Watch(ctx, sess.UserID)
	if err != nil {
		log.Error("notification watch failed", "error", err)
		return
	}
	for views != nil || notes != nil {
		var err error
		select {
		case v, ok := <-views:
			if !ok {
				views = nil
				continue
			}
			err = ws.Send("active_trip", v)
		case n, ok := <-notes:
			if !ok {
				notes = nil
				continue
			}
			if n == nil {
				n = []models.Notification{}
			}
			err = ws.Send("notifications", n)
		}
		if err != nil {
			return
		}
	}
}
