package notify

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamHandler upgrades the request to a WebSocket and forwards every bus event as JSON
// until the observer goes away.
func StreamHandler(bus *Bus, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("observer upgrade failed", zap.Error(err))
			return
		}
		sub := bus.Subscribe(64)
		log.Info("observer connected", zap.String("observer", sub.ID), zap.String("remote", r.RemoteAddr))

		// Observers only listen; reading detects the close frame.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		defer func() {
			sub.Close()
			conn.Close()
			log.Info("observer disconnected", zap.String("observer", sub.ID))
		}()
		for {
			select {
			case <-closed:
				return
			case ev, ok := <-sub.C:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
					return
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(ev); err != nil {
					log.Warn("observer write failed", zap.String("observer", sub.ID), zap.Error(err))
					return
				}
			}
		}
	}
}
