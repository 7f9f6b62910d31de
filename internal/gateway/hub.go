// Package gateway is the outward surface: the websocket event stream,
// the REST endpoints for graph management and history, and metrics.
package gateway

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/weftworks/loom/internal/metrics"
	"github.com/weftworks/loom/pkg/models"
)

// clientBuffer is each subscriber's event backlog. A client that falls
// further behind starts losing events rather than stalling the system.
const clientBuffer = 256

type client struct {
	id   string
	send chan models.AgentEvent
}

// Hub fans agent events out to every connected client. Delivery is
// lossy per client: a full buffer drops the event for that client only.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	log     *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		log:     log.With("component", "hub"),
	}
}

func (h *Hub) register() *client {
	c := &client{
		id:   uuid.NewString(),
		send: make(chan models.AgentEvent, clientBuffer),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Info("client connected", "client", c.id)
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	if ok {
		h.log.Info("client disconnected", "client", c.id)
	}
}

// Broadcast delivers an event to every client without blocking.
func (h *Hub) Broadcast(ev models.AgentEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			metrics.EventsDropped.Inc()
		}
	}
}

// Clients reports the current subscriber count.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
