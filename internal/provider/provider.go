// Package provider adapts two remote model API dialects to one
// streaming event protocol. Dialect differences (system prompt
// placement, tool-call framing, thinking side channels) are absorbed
// here; the engine only ever sees StreamEvent values.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/weftworks/loom/pkg/models"
)

// StopReason is the normalized end-of-message reason. Natural stops
// are end_turn, tool_use, and stop_sequence; anything else signals
// truncation to the engine.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopSequence  StopReason = "stop_sequence"
	StopOther     StopReason = "other"
)

// Truncated reports whether the model stopped for a non-natural reason.
func (s StopReason) Truncated() bool {
	switch s {
	case StopEndTurn, StopToolUse, StopSequence:
		return false
	}
	return true
}

// EventType tags a StreamEvent variant.
type EventType string

const (
	EventThinkingStart   EventType = "thinking_start"
	EventThinkingDelta   EventType = "thinking_delta"
	EventThinkingEnd     EventType = "thinking_end"
	EventTextDelta       EventType = "text_delta"
	EventToolStart       EventType = "tool_start"
	EventToolArgDelta    EventType = "tool_arg_delta"
	EventToolEnd         EventType = "tool_end"
	EventMessageComplete EventType = "message_complete"
	EventFault           EventType = "fault"
)

// StreamEvent is one element of the finite, non-restartable stream a
// provider call produces. Fields are populated per Type. A fault event
// is terminal: the channel closes after it.
type StreamEvent struct {
	Type       EventType
	Text       string           // text_delta, thinking_delta; thinking_end carries the full text
	CallID     string           // tool_* events
	Name       string           // tool_start
	Fragment   string           // tool_arg_delta
	Call       *models.ToolCall // tool_end, with accumulated input
	Assistant  *models.Message  // message_complete
	StopReason StopReason       // message_complete
	Err        error            // fault
}

// ToolSpec describes one tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is a single model call over the canonical conversation log.
type Request struct {
	Model     string
	System    string
	Messages  []models.Message
	Tools     []ToolSpec
	MaxTokens int
}

// Provider is the unified model client. Stream returns a channel the
// caller must drain; it is consumed by exactly one goroutine. Complete
// is the synchronous path used outside conversations (reflection).
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
	Complete(ctx context.Context, req Request) (string, error)
}

// Config selects and parameterizes a provider instance.
type Config struct {
	Kind    string
	Model   string
	BaseURL string
	APIKey  string
}

// New constructs a provider for the configured dialect.
func New(cfg Config) (Provider, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", "anthropic", "claude":
		return NewAnthropic(cfg)
	case "openai", "gpt", "chatgpt":
		return NewOpenAI(cfg)
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
}

const defaultMaxTokens = 4096

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return defaultMaxTokens
	}
	return n
}
