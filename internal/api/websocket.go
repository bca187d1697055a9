package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aiotsmart/aiot-core/internal/bridge"
)

// WSMessage is the envelope for messages pushed to WebSocket clients.
type WSMessage struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// The endpoint requires a valid JWT; origin alone grants nothing.
		return true
	},
}

// handleWebSocket upgrades the connection and streams the caller's
// event feed.
//
// The feed is scoped at subscription time: a connection only ever
// receives events for devices behind gateways the authenticated user
// has claimed. There is no channel negotiation — the scope IS the
// identity.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	sub := s.bridge.Fanout().Subscribe(claims.Subject)
	if sub == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternal, "service shutting down")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.bridge.Fanout().Unsubscribe(sub)
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	s.logger.Debug("websocket client connected", "user_id", claims.Subject)

	go s.wsWritePump(conn, sub)
	go s.wsReadPump(conn, sub)
}

// wsWritePump forwards subscription events to the connection and sends
// protocol pings. It exits when the subscription channel closes or a
// write fails.
func (s *Server) wsWritePump(conn *websocket.Conn, sub *bridge.Subscription) {
	pingInterval := time.Duration(s.wsCfg.PingInterval) * time.Second
	pongWait := time.Duration(s.wsCfg.PongTimeout) * time.Second

	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck
				return
			}
			msg := WSMessage{
				Type:      string(ev.Type),
				Timestamp: ev.Timestamp.UTC().Format(time.RFC3339),
				Payload:   ev,
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(pongWait)) //nolint:errcheck
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(pongWait)) //nolint:errcheck
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wsReadPump drains client messages to service pong frames and detect
// disconnects. Client payloads are ignored; the feed is push-only.
func (s *Server) wsReadPump(conn *websocket.Conn, sub *bridge.Subscription) {
	defer func() {
		s.bridge.Fanout().Unsubscribe(sub)
		conn.Close()
	}()

	conn.SetReadLimit(int64(s.wsCfg.MaxMessageSize))
	pingInterval := time.Duration(s.wsCfg.PingInterval) * time.Second
	pongWait := time.Duration(s.wsCfg.PongTimeout) * time.Second

	conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "error", err)
			} else {
				s.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Any client traffic refreshes the deadline.
		conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait)) //nolint:errcheck
	}
}
