package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/weftworks/loom/pkg/models"
)

// Run with -race: the history endpoint snapshots the log while the
// worker goroutine is appending.
func TestConcurrentAppendAndRead(t *testing.T) {
	s := New(20)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 300; i++ {
			s.Append(models.UserMessage(fmt.Sprintf("message %d", i)))
			s.Append(models.AssistantMessage(fmt.Sprintf("reply %d", i)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 300; i++ {
			_ = s.Log()
			_ = s.Messages()
			_, _ = s.Last()
			_ = s.Len()
			_ = s.Summary()
		}
	}()
	wg.Wait()

	if s.Len() > 20 {
		t.Errorf("log exceeded cap under concurrency: %d", s.Len())
	}
}

func assertPairing(t *testing.T, log []models.Message) {
	t.Helper()
	for i := 0; i < len(log); i++ {
		m := log[i]
		if !m.HasToolCalls() {
			if m.Role == models.RoleTool && (i == 0 || !log[i-1].HasToolCalls() && log[i-1].Role != models.RoleTool) {
				t.Fatalf("entry %d: orphaned tool result %q", i, m.ToolCallID)
			}
			continue
		}
		want := make(map[string]bool, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			want[tc.ID] = true
		}
		for j := 0; j < len(m.ToolCalls); j++ {
			idx := i + 1 + j
			if idx >= len(log) || log[idx].Role != models.RoleTool {
				t.Fatalf("entry %d: assistant with %d calls not followed by results", i, len(m.ToolCalls))
			}
			if !want[log[idx].ToolCallID] {
				t.Fatalf("entry %d: result %q answers no call", idx, log[idx].ToolCallID)
			}
			delete(want, log[idx].ToolCallID)
		}
		i += len(m.ToolCalls)
	}
}

func TestAppendIdempotentTail(t *testing.T) {
	s := New(10)
	msg := models.UserMessage("hi")
	s.Append(msg)
	s.Append(msg)
	if s.Len() != 1 {
		t.Errorf("duplicate tail append must be a no-op, len = %d", s.Len())
	}
	if s.UserTurns() != 1 {
		t.Errorf("user turns = %d, want 1", s.UserTurns())
	}
}

func TestUserTurnCounter(t *testing.T) {
	s := New(10)
	s.Append(models.SystemMessage("sys"))
	s.Append(models.UserMessage("one"))
	s.Append(models.AssistantMessage("a"))
	s.Append(models.UserMessage("two"))
	if s.UserTurns() != 2 {
		t.Errorf("user turns = %d, want 2", s.UserTurns())
	}
}

func TestRemoveLast(t *testing.T) {
	s := New(10)
	s.Append(models.UserMessage("hi"))
	s.Append(models.AssistantToolMessage("", []models.ToolCall{{ID: "t1", Name: "x"}}))

	last, ok := s.RemoveLast()
	if !ok || !last.HasToolCalls() {
		t.Fatalf("expected removed assistant-with-calls, got %+v", last)
	}
	if s.Len() != 1 {
		t.Errorf("len = %d, want 1", s.Len())
	}
}

func fillConversation(s *Session, turns int) {
	for i := 0; i < turns; i++ {
		s.Append(models.UserMessage(fmt.Sprintf("question %d with some padding text", i)))
		s.Append(models.AssistantToolMessage("", []models.ToolCall{
			{ID: fmt.Sprintf("t%d", i), Name: "run_command", Input: json.RawMessage(`{"command":"ls"}`)},
		}))
		s.Append(models.ToolResultMessage(fmt.Sprintf("t%d", i), "some command output"))
		s.Append(models.AssistantMessage(fmt.Sprintf("answer %d", i)))
	}
}

func TestCompressionPreservesSystemAndPairing(t *testing.T) {
	s := New(20)
	s.Append(models.SystemMessage("you are the planner"))
	fillConversation(s, 12)

	if s.Len() > s.MaxLen() {
		t.Fatalf("log not compressed: len %d > max %d", s.Len(), s.MaxLen())
	}
	log := s.Log()
	if log[0].Role != models.RoleSystem {
		t.Error("system entry must survive compression")
	}
	assertPairing(t, log)
	if s.Summary() == "" {
		t.Error("dropped entries must land in the summary")
	}
	if !strings.Contains(s.Summary(), "- user: ") {
		t.Errorf("summary missing user bullets: %q", s.Summary())
	}
	if !strings.Contains(s.Summary(), "- assistant used run_command") {
		t.Errorf("summary missing tool bullet: %q", s.Summary())
	}
}

func TestCompressionWithoutSystem(t *testing.T) {
	s := New(20)
	fillConversation(s, 12)
	log := s.Log()
	if log[0].Role == models.RoleSystem {
		t.Error("compression must not invent a system entry")
	}
	assertPairing(t, log)
}

func TestCompressionIdempotent(t *testing.T) {
	s := New(20)
	s.Append(models.SystemMessage("sys"))
	fillConversation(s, 12)

	before := s.Log()
	summaryBefore := s.Summary()
	s.Compress()
	after := s.Log()
	if s.Summary() != summaryBefore {
		t.Error("second compression with no intervening append changed the summary")
	}
	if len(before) != len(after) {
		t.Fatalf("second compression changed the log: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if !sameEntry(before[i], after[i]) {
			t.Fatalf("entry %d changed across idempotent compression", i)
		}
	}
}

func TestCompressionBoundaryNeverOrphansResults(t *testing.T) {
	// Try many max lengths so the raw cut lands on every offset within
	// a call/result group at least once.
	for maxLen := 10; maxLen <= 30; maxLen++ {
		s := New(maxLen)
		s.Append(models.SystemMessage("sys"))
		for i := 0; i < 20; i++ {
			s.Append(models.UserMessage(fmt.Sprintf("q%d", i)))
			calls := []models.ToolCall{
				{ID: fmt.Sprintf("a%d", i), Name: "run_command"},
				{ID: fmt.Sprintf("b%d", i), Name: "list_agents"},
			}
			s.Append(models.AssistantToolMessage("", calls))
			s.Append(models.ToolResultMessage(fmt.Sprintf("a%d", i), "out"))
			s.Append(models.ToolResultMessage(fmt.Sprintf("b%d", i), "out"))
		}
		assertPairing(t, s.Log())
	}
}

func TestSummaryCapped(t *testing.T) {
	s := New(10)
	long := strings.Repeat("x", 200)
	for i := 0; i < 100; i++ {
		s.Append(models.UserMessage(fmt.Sprintf("%d %s", i, long)))
		s.Append(models.AssistantMessage(fmt.Sprintf("%d %s", i, long)))
	}
	if len(s.Summary()) > summaryCap+len("…") {
		t.Errorf("summary exceeds cap: %d bytes", len(s.Summary()))
	}
	if !strings.HasPrefix(s.Summary(), "…") {
		t.Error("head-dropped summary should start with an ellipsis")
	}
}

func TestMessagesViewSynthesizesSummaryPair(t *testing.T) {
	s := New(20)
	s.Append(models.SystemMessage("sys"))
	fillConversation(s, 12)

	view := s.Messages()
	if view[0].Role != models.RoleSystem {
		t.Fatal("view must start with the system entry")
	}
	if view[1].Role != models.RoleUser || !strings.Contains(view[1].Content, "context summary") {
		t.Fatalf("expected synthetic summary user message, got %+v", view[1])
	}
	if view[2].Role != models.RoleAssistant || view[2].Content != "acknowledged" {
		t.Fatalf("expected synthetic acknowledgment, got %+v", view[2])
	}

	// The synthetic pair must never be persisted.
	for _, m := range s.Log() {
		if m.Content == "acknowledged" {
			t.Fatal("synthetic pair leaked into the log")
		}
	}

	// Roles must alternate across the user/assistant entries of the
	// view (tool results ride along with their assistant message).
	var prev models.Role
	for _, m := range view {
		if m.Role == models.RoleUser && prev == models.RoleUser {
			t.Fatal("view has consecutive user entries")
		}
		if m.Role == models.RoleUser || m.Role == models.RoleAssistant {
			prev = m.Role
		}
	}
}

func TestMessagesViewWithoutSummary(t *testing.T) {
	s := New(20)
	s.Append(models.UserMessage("hi"))
	view := s.Messages()
	if len(view) != 1 || view[0].Content != "hi" {
		t.Errorf("plain view should be the bare log, got %+v", view)
	}
}
