package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/weftworks/loom/internal/provider"
	"github.com/weftworks/loom/internal/session"
	"github.com/weftworks/loom/internal/tools"
	"github.com/weftworks/loom/pkg/models"
)

// fakeProvider replays scripted streams, one per iteration. The last
// script repeats if the engine asks for more.
type fakeProvider struct {
	scripts  [][]provider.StreamEvent
	requests []provider.Request
	next     int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Stream(ctx context.Context, req provider.Request) (<-chan provider.StreamEvent, error) {
	f.requests = append(f.requests, req)
	script := f.scripts[f.next]
	if f.next < len(f.scripts)-1 {
		f.next++
	}
	ch := make(chan provider.StreamEvent, len(script))
	for _, ev := range script {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) Complete(ctx context.Context, req provider.Request) (string, error) {
	return "", nil
}

func textScript(text string, stop provider.StopReason) []provider.StreamEvent {
	assistant := models.AssistantMessage(text)
	return []provider.StreamEvent{
		{Type: provider.EventTextDelta, Text: text},
		{Type: provider.EventMessageComplete, Assistant: &assistant, StopReason: stop},
	}
}

func toolScript(text string, stop provider.StopReason, calls ...models.ToolCall) []provider.StreamEvent {
	var evs []provider.StreamEvent
	if text != "" {
		evs = append(evs, provider.StreamEvent{Type: provider.EventTextDelta, Text: text})
	}
	for i := range calls {
		evs = append(evs,
			provider.StreamEvent{Type: provider.EventToolStart, CallID: calls[i].ID, Name: calls[i].Name},
			provider.StreamEvent{Type: provider.EventToolEnd, CallID: calls[i].ID, Call: &calls[i]},
		)
	}
	assistant := models.AssistantToolMessage(text, calls)
	evs = append(evs, provider.StreamEvent{
		Type: provider.EventMessageComplete, Assistant: &assistant, StopReason: stop,
	})
	return evs
}

func faultScript(msg string) []provider.StreamEvent {
	return []provider.StreamEvent{{Type: provider.EventFault, Err: fmt.Errorf("%s", msg)}}
}

type harness struct {
	engine   *Engine
	provider *fakeProvider
	session  *session.Session
	events   []Event
}

func newHarness(t *testing.T, opts Options, scripts ...[]provider.StreamEvent) *harness {
	t.Helper()
	h := &harness{
		provider: &fakeProvider{scripts: scripts},
		session:  session.New(40),
	}
	opts.AgentID = "a"
	opts.Provider = h.provider
	opts.Session = h.session
	if opts.Registry == nil {
		opts.Registry = tools.NewRegistry(nil, nil)
	}
	opts.Sink = func(ev Event) { h.events = append(h.events, ev) }
	h.engine = New(opts)
	return h
}

func (h *harness) eventTypes() []EventType {
	out := make([]EventType, len(h.events))
	for i, ev := range h.events {
		out[i] = ev.Type
	}
	return out
}

func assertPairing(t *testing.T, log []models.Message) {
	t.Helper()
	for i := 0; i < len(log); i++ {
		m := log[i]
		if !m.HasToolCalls() {
			continue
		}
		want := make(map[string]bool, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			want[tc.ID] = true
		}
		for j := range m.ToolCalls {
			idx := i + 1 + j
			if idx >= len(log) || log[idx].Role != models.RoleTool || !want[log[idx].ToolCallID] {
				t.Fatalf("pairing broken at entry %d: %+v", i, log)
			}
		}
		i += len(m.ToolCalls)
	}
}

func TestPlainTurn(t *testing.T) {
	h := newHarness(t, Options{}, textScript("hello", provider.StopEndTurn))

	final, err := h.engine.Talk(context.Background(), "hi")
	if err != nil {
		t.Fatalf("talk: %v", err)
	}
	if final != "hello" {
		t.Errorf("final = %q", final)
	}

	types := h.eventTypes()
	if len(types) != 2 || types[0] != EventTextDelta || types[1] != EventTextComplete {
		t.Fatalf("events = %v", types)
	}
	if h.events[1].Truncated {
		t.Error("plain end_turn must not report truncation")
	}

	log := h.session.Log()
	if len(log) != 2 || log[0].Content != "hi" || log[1].Content != "hello" {
		t.Errorf("log = %+v", log)
	}
	if log[1].Role != models.RoleAssistant {
		t.Errorf("tail role = %s", log[1].Role)
	}
}

func TestToolChainWithBlockedCommand(t *testing.T) {
	call := models.ToolCall{
		ID: "t1", Name: "run_command",
		Input: json.RawMessage(`{"command":"rm -rf /"}`),
	}
	h := newHarness(t, Options{},
		toolScript("", provider.StopToolUse, call),
		textScript("ok, nothing done", provider.StopEndTurn),
	)

	final, err := h.engine.Talk(context.Background(), "clean up")
	if err != nil {
		t.Fatalf("talk: %v", err)
	}
	if final != "ok, nothing done" {
		t.Errorf("final = %q", final)
	}

	log := h.session.Log()
	if len(log) != 4 {
		t.Fatalf("log length = %d: %+v", len(log), log)
	}
	if !log[1].HasToolCalls() || log[1].ToolCalls[0].ID != "t1" {
		t.Errorf("missing pairing anchor: %+v", log[1])
	}
	if log[2].Role != models.RoleTool || log[2].ToolCallID != "t1" {
		t.Errorf("missing tool result: %+v", log[2])
	}
	if log[2].Content != tools.BlockedNotice {
		t.Errorf("denylisted command result = %q", log[2].Content)
	}
	if log[3].Content != "ok, nothing done" {
		t.Errorf("final assistant entry = %+v", log[3])
	}
	assertPairing(t, log)

	// tool_start < tool_end < tool_exec < tool_result for t1
	var order []EventType
	for _, ev := range h.events {
		switch ev.Type {
		case EventToolStart, EventToolEnd, EventToolExec, EventToolResult:
			order = append(order, ev.Type)
		}
	}
	want := []EventType{EventToolStart, EventToolEnd, EventToolExec, EventToolResult}
	if len(order) != len(want) {
		t.Fatalf("tool events = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("tool event order = %v, want %v", order, want)
		}
	}
}

func TestTruncation(t *testing.T) {
	h := newHarness(t, Options{}, textScript("the plan is", provider.StopMaxTokens))

	final, err := h.engine.Talk(context.Background(), "plan please")
	if err != nil {
		t.Fatalf("talk: %v", err)
	}
	if final != "the plan is" {
		t.Errorf("final = %q", final)
	}

	last := h.events[len(h.events)-1]
	if last.Type != EventTextComplete || !last.Truncated {
		t.Fatalf("expected truncated text_complete, got %+v", last)
	}
	log := h.session.Log()
	if log[len(log)-1].Content != "the plan is" {
		t.Errorf("partial text must persist: %+v", log)
	}
}

func TestTruncationAfterToolCalls(t *testing.T) {
	call := models.ToolCall{ID: "t1", Name: "task_complete", Input: json.RawMessage(`{}`)}
	h := newHarness(t, Options{},
		toolScript("", provider.StopMaxTokens, call),
		textScript("never reached", provider.StopEndTurn),
	)

	if _, err := h.engine.Talk(context.Background(), "go"); err != nil {
		t.Fatalf("talk: %v", err)
	}
	// The turn ends after recording results; the second script is
	// never requested.
	if len(h.provider.requests) != 1 {
		t.Errorf("expected 1 stream, got %d", len(h.provider.requests))
	}
	assertPairing(t, h.session.Log())
	last := h.events[len(h.events)-1]
	if !last.Truncated {
		t.Error("tool-call truncation must surface on text_complete")
	}
}

func TestStreamFaultFallback(t *testing.T) {
	h := newHarness(t, Options{},
		faultScript("connection reset"),
		textScript("degraded reply", provider.StopEndTurn),
	)

	final, err := h.engine.Talk(context.Background(), "hi")
	if err != nil {
		t.Fatalf("fallback should recover: %v", err)
	}
	if final != "degraded reply" {
		t.Errorf("final = %q", final)
	}

	var sawError bool
	for _, ev := range h.events {
		if ev.Type == EventError && strings.Contains(ev.Message, "connection reset") {
			sawError = true
		}
	}
	if !sawError {
		t.Error("fault must surface as an error event")
	}

	// The fallback request must carry no tools.
	if len(h.provider.requests) != 2 {
		t.Fatalf("expected 2 streams, got %d", len(h.provider.requests))
	}
	if len(h.provider.requests[1].Tools) != 0 {
		t.Error("fallback stream must be tool-less")
	}

	log := h.session.Log()
	if log[len(log)-1].Content != "degraded reply" {
		t.Errorf("fallback text must persist: %+v", log)
	}
	assertPairing(t, log)
}

func TestFaultAfterToolChainKeepsPairing(t *testing.T) {
	call := models.ToolCall{ID: "t1", Name: "task_complete", Input: json.RawMessage(`{}`)}
	h := newHarness(t, Options{},
		toolScript("", provider.StopToolUse, call),
		faultScript("boom"),
		textScript("partial recovery", provider.StopEndTurn),
	)

	if _, err := h.engine.Talk(context.Background(), "go"); err != nil {
		t.Fatalf("talk: %v", err)
	}
	log := h.session.Log()
	assertPairing(t, log)
	if log[len(log)-1].Content != "partial recovery" {
		t.Errorf("log tail = %+v", log[len(log)-1])
	}
}

func TestFallbackFaultGivesUp(t *testing.T) {
	h := newHarness(t, Options{},
		faultScript("first"),
		faultScript("second"),
	)
	if _, err := h.engine.Talk(context.Background(), "hi"); err == nil {
		t.Error("two faulted streams must surface an error")
	}
	// No retries beyond the single fallback.
	if len(h.provider.requests) != 2 {
		t.Errorf("expected exactly 2 streams, got %d", len(h.provider.requests))
	}
}

func TestInterruptBetweenIterations(t *testing.T) {
	call := models.ToolCall{ID: "t1", Name: "task_complete", Input: json.RawMessage(`{}`)}
	h := newHarness(t, Options{},
		toolScript("", provider.StopToolUse, call),
		textScript("never reached", provider.StopEndTurn),
	)
	h.engine.opts.Sink = func(ev Event) {
		h.events = append(h.events, ev)
		if ev.Type == EventToolResult {
			h.engine.Interrupt()
		}
	}

	if _, err := h.engine.Talk(context.Background(), "go"); err != nil {
		t.Fatalf("talk: %v", err)
	}
	if len(h.provider.requests) != 1 {
		t.Errorf("interrupt must stop before the next iteration, got %d streams", len(h.provider.requests))
	}
	last := h.events[len(h.events)-1]
	if last.Type != EventTextComplete {
		t.Errorf("interrupted turn must still close with text_complete, got %+v", last)
	}
	assertPairing(t, h.session.Log())
}

func TestMaxIterationsFloor(t *testing.T) {
	call := models.ToolCall{ID: "t1", Name: "task_complete", Input: json.RawMessage(`{}`)}
	h := newHarness(t, Options{MaxIterations: 3},
		toolScript("", provider.StopToolUse, call),
	)

	if _, err := h.engine.Talk(context.Background(), "loop forever"); err != nil {
		t.Fatalf("talk: %v", err)
	}
	// Configured 3 is raised to the floor of 10.
	if len(h.provider.requests) != MinIterations {
		t.Errorf("expected %d iterations, got %d", MinIterations, len(h.provider.requests))
	}
	last := h.events[len(h.events)-1]
	if last.Type != EventTextComplete || !last.Truncated {
		t.Errorf("budget exhaustion must report truncation, got %+v", last)
	}
}

func TestConfirmDeniesCommand(t *testing.T) {
	call := models.ToolCall{ID: "t1", Name: "run_command", Input: json.RawMessage(`{"command":"echo hi"}`)}
	h := newHarness(t, Options{
		Confirm: func(cmd string) bool { return false },
	},
		toolScript("", provider.StopToolUse, call),
		textScript("understood", provider.StopEndTurn),
	)

	if _, err := h.engine.Talk(context.Background(), "run it"); err != nil {
		t.Fatalf("talk: %v", err)
	}
	log := h.session.Log()
	if log[2].Content != "user denied command execution" {
		t.Errorf("denied result = %q", log[2].Content)
	}
	assertPairing(t, log)
}

func TestUnknownToolIsNonFatal(t *testing.T) {
	call := models.ToolCall{ID: "t1", Name: "frobnicate", Input: json.RawMessage(`{}`)}
	h := newHarness(t, Options{},
		toolScript("", provider.StopToolUse, call),
		textScript("carried on", provider.StopEndTurn),
	)

	final, err := h.engine.Talk(context.Background(), "go")
	if err != nil {
		t.Fatalf("talk: %v", err)
	}
	if final != "carried on" {
		t.Errorf("final = %q", final)
	}
	log := h.session.Log()
	if log[2].Content != "unknown tool: frobnicate" {
		t.Errorf("unknown tool result = %q", log[2].Content)
	}
}

func TestMalformedArgsDegradeToEmptyObject(t *testing.T) {
	call := models.ToolCall{ID: "t1", Name: "task_complete", Input: json.RawMessage(`{"summary":`)}
	h := newHarness(t, Options{},
		toolScript("", provider.StopToolUse, call),
		textScript("done", provider.StopEndTurn),
	)
	if _, err := h.engine.Talk(context.Background(), "go"); err != nil {
		t.Fatalf("talk: %v", err)
	}
	log := h.session.Log()
	if log[2].Content != "task recorded as complete" {
		t.Errorf("expected empty-object dispatch, got %q", log[2].Content)
	}
	// The raw argument string survives on the logged call.
	if string(log[1].ToolCalls[0].Input) != `{"summary":` {
		t.Errorf("raw input lost: %q", log[1].ToolCalls[0].Input)
	}
}

func TestHiddenThinking(t *testing.T) {
	assistant := models.AssistantMessage("answer")
	script := []provider.StreamEvent{
		{Type: provider.EventThinkingStart},
		{Type: provider.EventThinkingDelta, Text: "pondering deeply"},
		{Type: provider.EventThinkingEnd, Text: "pondering deeply"},
		{Type: provider.EventTextDelta, Text: "answer"},
		{Type: provider.EventMessageComplete, Assistant: &assistant, StopReason: provider.StopEndTurn},
	}
	h := newHarness(t, Options{HideThinking: true}, script)

	if _, err := h.engine.Talk(context.Background(), "hi"); err != nil {
		t.Fatalf("talk: %v", err)
	}
	for _, ev := range h.events {
		if ev.Type == EventThinkingDelta || ev.Type == EventThinkingStart {
			t.Fatalf("thinking must be hidden, got %v", ev.Type)
		}
		if ev.Type == EventThinkingHidden && ev.Length != len("pondering deeply") {
			t.Errorf("hidden length = %d", ev.Length)
		}
	}
}
