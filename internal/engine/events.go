package engine

// EventType tags an engine event. These are the engine's forward
// contract to the worker, which renames them onto the outward wire
// protocol.
type EventType string

const (
	EventThinkingStart    EventType = "thinking_start"
	EventThinkingDelta    EventType = "thinking_delta"
	EventThinkingEnd      EventType = "thinking_end"
	EventThinkingHidden   EventType = "thinking_hidden"
	EventTextDelta        EventType = "text_delta"
	EventTextPartComplete EventType = "text_part_complete"
	EventTextComplete     EventType = "text_complete"
	EventToolStart        EventType = "tool_start"
	EventToolEnd          EventType = "tool_end"
	EventToolExec         EventType = "tool_exec"
	EventToolResult       EventType = "tool_result"
	EventError            EventType = "error"
)

// Event is one observable step of a turn. Fields are populated per
// type: deltas carry Text, tool events carry Name/CallID (tool_end
// also the parsed Input), text_complete carries the full turn text and
// the truncation flag, thinking_hidden carries the hidden length, and
// error carries Message.
type Event struct {
	Type      EventType
	Text      string
	Name      string
	CallID    string
	Input     map[string]any
	Length    int
	Truncated bool
	Message   string
}
