package models

// Outward event types streamed to UI clients. Every event except error
// and system_message carries the originating agent id.
const (
	EventThinkingStart  = "thinking_start"
	EventThinkingDelta  = "thinking_delta"
	EventThinkingEnd    = "thinking_end"
	EventThinkingHidden = "thinking_hidden"
	EventMessageDelta   = "message_delta"
	EventMessageEnd     = "message_end"
	EventToolStart      = "tool_start"
	EventToolEnd        = "tool_end"
	EventToolExec       = "tool_exec"
	EventToolResult     = "tool_result"
	EventError          = "error"
	EventSystemMessage  = "system_message"
)

// AgentEvent is the wire shape broadcast to subscribed clients. Fields
// are populated per event type; unused fields are omitted.
type AgentEvent struct {
	AgentID   string         `json:"agent_id,omitempty"`
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	FullText  string         `json:"full_text,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Length    int            `json:"length,omitempty"`
	Truncated bool           `json:"truncated,omitempty"`
	Message   string         `json:"message,omitempty"`
}
