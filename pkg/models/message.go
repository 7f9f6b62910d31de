package models

import "encoding/json"

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of an agent's conversation log. The shape depends
// on the role: system and user entries carry Content only; assistant
// entries carry optional Content plus ordered ToolCalls; tool entries
// answer exactly one call, identified by ToolCallID.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model's request to execute a tool. Input is kept as the
// raw argument string so partially streamed JSON survives round-tripping
// through the log.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Args parses the call's argument JSON. Malformed or empty input
// degrades to an empty object; the raw string stays on the call.
func (tc ToolCall) Args() map[string]any {
	var args map[string]any
	if len(tc.Input) == 0 || json.Unmarshal(tc.Input, &args) != nil || args == nil {
		return map[string]any{}
	}
	return args
}

// HasToolCalls reports whether the entry is an assistant message
// requesting tool execution.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

func AssistantToolMessage(content string, calls []ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// ToolResultMessage records the stringified output of one tool call.
func ToolResultMessage(callID, content string) Message {
	return Message{Role: RoleTool, ToolCallID: callID, Content: content}
}
