package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// extPrefix namespaces external tools in the model-facing catalog.
const extPrefix = "ext_"

// ToolName returns the model-facing name for a server's tool.
func ToolName(server, tool string) string {
	return extPrefix + server + "_" + tool
}

// ParseToolName splits an ext_-prefixed name into server and tool.
// The server is the first segment after the prefix; the tool is the
// remainder, underscores preserved.
func ParseToolName(name string) (server, tool string, ok bool) {
	rest, found := strings.CutPrefix(name, extPrefix)
	if !found {
		return "", "", false
	}
	server, tool, found = strings.Cut(rest, "_")
	if !found || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// ServerTool is one external tool together with its owning server.
type ServerTool struct {
	Server string
	Tool   ToolInfo
}

// Manager owns the set of connected servers for the active graph. It
// is rebuilt on every reload: DisconnectAll, then ConnectAll with the
// new specs.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*Client
	log     *slog.Logger
}

func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		clients: make(map[string]*Client),
		log:     log.With("component", "mcp-manager"),
	}
}

// ConnectAll connects every declared server. A failing server is
// recorded and logged but never aborts the load; its client stays in
// the map carrying the error.
func (m *Manager) ConnectAll(ctx context.Context, specs map[string]Spec) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, spec := range specs {
		client := NewClient(name, spec, m.log)
		if err := client.Connect(ctx); err != nil {
			m.log.Warn("external tool server failed to connect", "server", name, "error", err)
		}
		m.clients[name] = client
	}
}

// DisconnectAll tears every connection down and clears the map.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*Client)
	m.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}

// Call routes one invocation to the named server.
func (m *Manager) Call(ctx context.Context, server, tool string, args map[string]any, timeout time.Duration) (string, error) {
	m.mu.RLock()
	client, ok := m.clients[server]
	m.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("unknown external tool server: %s", server)
	}
	if !client.Connected() {
		return "", ErrNotConnected
	}
	return client.CallTool(ctx, tool, args, timeout)
}

// Tools returns every discovered tool across connected servers.
func (m *Manager) Tools() []ServerTool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ServerTool
	for name, client := range m.clients {
		if !client.Connected() {
			continue
		}
		for _, t := range client.Tools() {
			out = append(out, ServerTool{Server: name, Tool: t})
		}
	}
	return out
}
