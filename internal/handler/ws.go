package handler

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"meshmap/internal/meshproto"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The feed is public read-only data; cross-origin dashboards are the
	// main consumer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Stream upgrades to a websocket and pushes live packet events. An optional
// gateway_id query parameter restricts the feed to packets heard by that
// gateway.
func (h *APIHandler) Stream(w http.ResponseWriter, r *http.Request) {
	var gatewayID *uint32
	if raw := r.URL.Query().Get("gateway_id"); raw != "" {
		id, err := meshproto.ParseGatewayID(raw)
		if err != nil {
			h.writeError(w, "Invalid gateway_id", err.Error(), http.StatusBadRequest)
			return
		}
		gatewayID = &id
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Printf("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	sub := h.stream.Subscribe(gatewayID)
	if sub == nil {
		return
	}
	defer h.stream.Unsubscribe(sub)

	// Reader goroutine: the client never sends data, but reading is what
	// surfaces close frames and connection loss.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-sub.C:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return

		case <-r.Context().Done():
			return
		}
	}
}
