package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cardbench/scp81/internal/logger"
	"github.com/cardbench/scp81/pkg/event"
)

const (
	// wsWriteTimeout bounds one event write to a WebSocket client. A client
	// stalled past this is dropped by the bus.
	wsWriteTimeout = 10 * time.Second

	// wsReadLimit caps inbound frames; clients only ever send control frames.
	wsReadLimit = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The facade binds to loopback for the operator dashboard; cross-origin
	// browsers are not a concern here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler streams bus events to WebSocket clients, one JSON frame per
// event.
//
// The stream is live only: a client sees events published while it is
// connected. Catch-up after a reconnect goes through GET /api/events.
type WSHandler struct {
	bus *event.Bus
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(bus *event.Bus) *WSHandler {
	return &WSHandler{bus: bus}
}

// Stream handles GET /ws.
func (h *WSHandler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logger.Debug("WebSocket upgrade failed",
			"remote", r.RemoteAddr,
			"error", err)
		return
	}

	// The bus delivers on a dedicated goroutine per subscription, so the
	// sink is the connection's only writer.
	sub := h.bus.Subscribe(nil, func(ev event.Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(ev)
	})

	logger.Debug("WebSocket client connected", "remote", r.RemoteAddr)

	// Inbound frames are discarded; the read loop only surfaces the close.
	conn.SetReadLimit(wsReadLimit)
	for {
		if _, _, err := conn.NextReader(); err != nil {
			break
		}
	}

	sub.Unsubscribe()
	_ = conn.Close()
	logger.Debug("WebSocket client disconnected",
		"remote", r.RemoteAddr,
		"dropped", sub.Dropped())
}
