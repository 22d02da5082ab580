package webapi

import (
	"log"
	"net/http"
	"time"

	"github.com/technosupport/ts-nvr/internal/events"
)

const (
	wsQueueSize    = 64
	wsWriteTimeout = 5 * time.Second
)

// wsEvent is the wire shape of one event on the stream.
type wsEvent struct {
	Topic string      `json:"topic"`
	Data  interface{} `json:"data"`
	At    time.Time   `json:"at"`
}

// handleEventsWS upgrades to a WebSocket and streams every dispatched
// event as JSON. The dispatcher listener only enqueues into a per-socket
// channel; one forwarding goroutine per socket drains it, so a slow
// client drops its own events instead of stalling dispatch.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if _, err := s.tokens.ValidateToken(r.URL.Query().Get("token")); err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WARN] [WebAPI] ws upgrade: %v", err)
		return
	}

	s.collector.WSClientConnected()
	defer s.collector.WSClientDisconnected()

	queue := make(chan events.Event, wsQueueSize)
	token := s.events.Listen(events.Wildcard, func(ev events.Event) {
		select {
		case queue <- ev:
		default:
			// Slow consumer; this socket misses the event.
		}
	})
	defer s.events.Unlisten(events.Wildcard, token)

	// The queue is never closed; after stop the listener's sends just
	// fall into the default drop until Unlisten takes effect.
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case ev := <-queue:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(wsEvent{Topic: ev.Topic, Data: ev.Data, At: ev.At}); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	// The read loop only exists to notice the peer going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	close(stop)
	<-done
	conn.Close()
}
