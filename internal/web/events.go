package web

import (
	"net/http"
	"time"

	"github.com/dopejs/tally/internal/state"
	"github.com/gorilla/websocket"
)

const (
	eventWriteWait  = 10 * time.Second
	eventPongWait   = 60 * time.Second
	eventPingPeriod = eventPongWait * 9 / 10
)

// Event is one message on the change feed.
type Event struct {
	Type     string       `json:"type"`
	Period   state.Period `json:"period"`
	Revision uint64       `json:"revision"`
}

// handleEvents handles GET /api/v1/events. It upgrades to a websocket, sends
// the current period and then every change. A slow client only sees the
// latest period.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("[web] events upgrade: %v", err)
		return
	}
	defer conn.Close()

	updates := make(chan struct{}, 1)
	unsubscribe := s.app.State.Subscribe(func(state.Period) {
		select {
		case updates <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	// The read loop only serves control frames; it ends when the client goes.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(eventPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func() error {
		p, rev := s.app.State.Snapshot()
		conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
		return conn.WriteJSON(Event{Type: "period", Period: p, Revision: rev})
	}
	if err := send(); err != nil {
		return
	}

	ping := time.NewTicker(eventPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case <-s.done:
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-updates:
			if err := send(); err != nil {
				s.logger.Printf("[web] events write: %v", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
