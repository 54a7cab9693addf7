package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send pings to the peer with this period.
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from the peer; clients only listen.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ServeStream upgrades the request to a websocket and writes the guid's
// deliveries to it as JSON text messages until the stream closes or the
// peer disconnects.
func ServeStream(mux *Mux, guid string, w http.ResponseWriter, req *http.Request) error {
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	receiver := NewReceiver(guid)
	mux.Register(receiver)
	defer mux.Unregister(receiver)

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	// Drain reads from the peer so disconnects surface promptly.
	go func() {
		defer cancel()
		ws.SetReadLimit(maxMessageSize)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		case delivery, ok := <-receiver.Deliveries():
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Stream closed; no more deliveries will follow.
				ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return nil
			}
			body, err := json.Marshal(delivery)
			if err != nil {
				slog.ErrorContext(ctx, "failed to serialize delivery for websocket", "guid", guid, "error", err)
				continue
			}
			if err := ws.WriteMessage(websocket.TextMessage, body); err != nil {
				return nil
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}
