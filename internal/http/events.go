package http

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"wsiview/internal/viewport"
)

const (
	eventBuffer  = 256
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

type eventMessage struct {
	Type string `json:"type"`
	viewport.TileEvent
}

// HandleEvents streams a message for every tile of the current view that
// becomes available. Clients refetch the frame on arrival. Events are
// dropped for clients that fall behind.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	// subscribed before the handshake so a connected client misses nothing
	events := make(chan viewport.TileEvent, eventBuffer)
	var dropped atomic.Int64
	unsubscribe := h.ctrl.OnTileReady(func(ev viewport.TileEvent) {
		select {
		case events <- ev:
		default:
			dropped.Add(1)
		}
	})
	defer unsubscribe()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// the read loop only notices the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			if n := dropped.Load(); n > 0 {
				h.logger.Debug("Event stream dropped tile events", zap.Int64("dropped", n))
			}
			return
		case ev := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(eventMessage{Type: "tile", TileEvent: ev}); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
