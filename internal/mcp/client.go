package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// handshakeTimeout bounds the whole initialize / initialized /
// tools-list sequence.
const handshakeTimeout = 15 * time.Second

// defaultCallTimeout applies to tools/call when the caller passes no
// per-call budget.
const defaultCallTimeout = 30 * time.Second

// Client wraps one transport with the protocol handshake and the tool
// surface of a single server.
type Client struct {
	name      string
	transport *Transport
	log       *slog.Logger

	tools   []ToolInfo
	lastErr error
}

// NewClient builds an unconnected client for the named server.
func NewClient(name string, spec Spec, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		name:      name,
		transport: NewTransport(spec, log),
		log:       log.With("component", "mcp", "server", name),
	}
}

// Connect spawns the server and runs the handshake: initialize, then
// notifications/initialized, then tools/list. The whole sequence has a
// 15s budget; failure leaves the client in a recorded error state.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	if err := c.transport.Start(ctx); err != nil {
		c.lastErr = err
		return err
	}

	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: "loom", Version: "1.0.0"},
	}
	if _, err := c.transport.Call(ctx, "initialize", params, handshakeTimeout); err != nil {
		c.lastErr = fmt.Errorf("initialize: %w", err)
		c.transport.Close()
		return c.lastErr
	}

	if err := c.transport.Notify("notifications/initialized", map[string]any{}); err != nil {
		c.lastErr = fmt.Errorf("initialized notification: %w", err)
		c.transport.Close()
		return c.lastErr
	}

	raw, err := c.transport.Call(ctx, "tools/list", map[string]any{}, handshakeTimeout)
	if err != nil {
		c.lastErr = fmt.Errorf("tools/list: %w", err)
		c.transport.Close()
		return c.lastErr
	}
	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		c.lastErr = fmt.Errorf("tools/list result: %w", err)
		c.transport.Close()
		return c.lastErr
	}

	c.tools = result.Tools
	c.lastErr = nil
	c.log.Info("connected", "tools", len(c.tools))
	return nil
}

// CallTool invokes one tool and renders the result content as a
// single string: text items joined by newlines, other content types as
// an origin marker. A server-reported error or RPC failure comes back
// as an error for the dispatcher to stringify.
func (c *Client) CallTool(ctx context.Context, tool string, args map[string]any, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	raw, err := c.transport.Call(ctx, "tools/call", callToolParams{Name: tool, Arguments: args}, timeout)
	if err != nil {
		return "", err
	}

	var result callToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("tools/call result: %w", err)
	}

	var parts []string
	for _, item := range result.Content {
		if item.Type == "text" {
			parts = append(parts, item.Text)
		} else {
			parts = append(parts, fmt.Sprintf("[%s content]", item.Type))
		}
	}
	text := strings.Join(parts, "\n")

	if result.IsError {
		return "", fmt.Errorf("%s", text)
	}
	return text, nil
}

// Tools returns the discovered tool list, unprefixed.
func (c *Client) Tools() []ToolInfo {
	return c.tools
}

// Connected reports whether the handshake completed and the child is
// still up.
func (c *Client) Connected() bool {
	return c.lastErr == nil && c.transport.Connected()
}

// Err returns the recorded connection error, if any.
func (c *Client) Err() error {
	return c.lastErr
}

// Close tears the connection down and rejects pending calls.
func (c *Client) Close() {
	c.transport.Close()
}
