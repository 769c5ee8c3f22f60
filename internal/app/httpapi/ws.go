package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxelcare/volumetry-agent/internal/app/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	// wsSendBuffer bounds the per-client queue; slow consumers are
	// disconnected rather than allowed to stall the event log.
	wsSendBuffer = 64
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsEvents streams agent events to the client as JSON messages. The
// recent tail is replayed first so late subscribers see context.
func (h *handler) wsEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}

	send := make(chan events.Event, wsSendBuffer)
	for _, ev := range h.app.Events.Recent(recentEventCount) {
		send <- ev
	}

	unsubscribe := h.app.Events.Subscribe(func(ev events.Event) {
		select {
		case send <- ev:
		default:
			// Queue full; drop the event for this client.
		}
	})

	done := make(chan struct{})

	// Reader goroutine: discard client frames, detect disconnects.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		unsubscribe()
		conn.Close()
	}()

	for {
		select {
		case ev := <-send:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"),
			)
			return
		}
	}
}
