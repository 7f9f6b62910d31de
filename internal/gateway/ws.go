package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/weftworks/loom/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The editor UI is served from arbitrary local origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// inbound is a client-to-server frame. "message" starts a turn,
// "interrupt" stops all in-flight turns between iterations.
type inbound struct {
	Type          string `json:"type"`
	Content       string `json:"content,omitempty"`
	TargetAgentID string `json:"target_agent_id,omitempty"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := s.hub.register()
	defer func() {
		s.hub.unregister(c)
		conn.Close()
	}()

	go writePump(conn, c.send)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("malformed client frame dropped", "error", err)
			continue
		}
		switch msg.Type {
		case "message":
			if err := s.controller.HandleUserMessage(context.Background(), msg.TargetAgentID, msg.Content); err != nil {
				select {
				case c.send <- models.AgentEvent{Type: models.EventError, Message: err.Error()}:
				default:
				}
			}
		case "interrupt":
			if msg.TargetAgentID != "" {
				if wk, ok := s.controller.Worker(msg.TargetAgentID); ok {
					wk.Interrupt()
				}
			} else {
				s.controller.InterruptAll()
			}
		default:
			s.log.Debug("unknown client frame type", "type", msg.Type)
		}
	}
}

func writePump(conn *websocket.Conn, send <-chan models.AgentEvent) {
	for ev := range send {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
