package runtime

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/weftworks/loom/internal/metrics"
)

// deliveryDelay spaces inter-agent hops so a chatty pair cannot spin
// the providers in a tight loop.
const deliveryDelay = 100 * time.Millisecond

// rosterDescLimit bounds per-agent descriptions in list_agents output.
const rosterDescLimit = 100

// Bus routes agent-to-agent messages along declared graph edges.
// Built once per runtime state and never mutated afterwards.
type Bus struct {
	edges   map[string]map[string]bool
	names   map[string]string
	descs   map[string]string
	order   []string
	deliver func(target, payload string) bool
	log     *slog.Logger
}

func newBus(log *slog.Logger) *Bus {
	return &Bus{
		edges: make(map[string]map[string]bool),
		names: make(map[string]string),
		descs: make(map[string]string),
		log:   log.With("component", "bus"),
	}
}

func (b *Bus) addAgent(id, name, desc string) {
	b.names[id] = name
	b.descs[id] = desc
	b.order = append(b.order, id)
}

func (b *Bus) addEdge(source, target string) {
	if b.edges[source] == nil {
		b.edges[source] = make(map[string]bool)
	}
	b.edges[source][target] = true
}

// Send queues a message for delivery along a declared edge. The
// permission error comes back to the sender as a tool result; a busy
// target drops the message silently.
func (b *Bus) Send(from, to, message string, context map[string]any) error {
	if _, ok := b.names[to]; !ok {
		return fmt.Errorf("unknown agent: %s", to)
	}
	if !b.edges[from][to] {
		return fmt.Errorf("no permission: agent %s cannot message %s", from, to)
	}

	if context == nil {
		context = map[string]any{}
	}
	raw, err := json.Marshal(context)
	if err != nil {
		raw = []byte("{}")
	}
	payload := fmt.Sprintf("[internal message from %s]\n%s\n(context: %s)", b.names[from], message, raw)

	go func() {
		time.Sleep(deliveryDelay)
		if b.deliver(to, payload) {
			metrics.BusMessages.WithLabelValues("delivered").Inc()
			b.log.Debug("message delivered", "from", from, "to", to)
		} else {
			metrics.BusMessages.WithLabelValues("dropped").Inc()
			b.log.Info("message dropped, target busy", "from", from, "to", to)
		}
	}()
	return nil
}

// Roster describes the agents the requester can message. An empty
// requester sees everyone.
func (b *Bus) Roster(requester string) string {
	var sb strings.Builder
	for _, id := range b.order {
		if id == requester {
			continue
		}
		if requester != "" && !b.edges[requester][id] {
			continue
		}
		desc := strings.ReplaceAll(b.descs[id], "\n", " ")
		if len(desc) > rosterDescLimit {
			desc = desc[:rosterDescLimit] + "…"
		}
		fmt.Fprintf(&sb, "- %s (%s)", id, b.names[id])
		if desc != "" {
			fmt.Fprintf(&sb, ": %s", desc)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
