// Package session owns one agent's bounded conversation log and its
// running summary. When the log outgrows its cap, the oldest entries
// are folded into the summary; the cut point never separates an
// assistant's tool calls from their results.
package session

import (
	"strings"
	"sync"

	"github.com/weftworks/loom/pkg/models"
)

const (
	// DefaultMaxLen bounds the live log when no override is given.
	DefaultMaxLen = 80

	// keepRatio of maxLen survives a compression pass.
	keepRatio = 0.6

	// summaryCap bounds the running summary; older material is
	// head-dropped behind an ellipsis.
	summaryCap = 3000

	contentTrunc = 80
	resultTrunc  = 50
)

// Session is written by exactly one worker, but readers (the history
// endpoint) may snapshot it mid-turn, so every access goes through the
// mutex.
type Session struct {
	mu        sync.Mutex
	log       []models.Message
	summary   string
	maxLen    int
	userTurns int
}

func New(maxLen int) *Session {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &Session{maxLen: maxLen}
}

// Append records one entry and compresses if the log outgrew its cap.
// Re-appending the current tail is a no-op, a guard against
// double-record bugs in recovery paths.
func (s *Session) Append(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.log); n > 0 && sameEntry(s.log[n-1], msg) {
		return
	}
	s.log = append(s.log, msg)
	if msg.Role == models.RoleUser {
		s.userTurns++
	}
	s.compress()
}

// RemoveLast pops the trailing entry. Used by the engine to strip an
// unanswered assistant-with-tool-calls before a retry.
func (s *Session) RemoveLast() (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.log) == 0 {
		return models.Message{}, false
	}
	last := s.log[len(s.log)-1]
	s.log = s.log[:len(s.log)-1]
	if last.Role == models.RoleUser && s.userTurns > 0 {
		s.userTurns--
	}
	return last, true
}

// Compress folds the oldest entries into the summary once the log
// exceeds maxLen. A leading system entry is always preserved, the most
// recent floor(keepRatio*maxLen) non-system entries are kept, and the
// cut advances past any tool-results that would be orphaned from their
// assistant entry. Compressing an already-compressed log is a no-op.
func (s *Session) Compress() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compress()
}

func (s *Session) compress() {
	if len(s.log) <= s.maxLen {
		return
	}

	entries := s.log
	var system *models.Message
	if entries[0].Role == models.RoleSystem {
		sys := entries[0]
		system = &sys
		entries = entries[1:]
	}

	keep := int(keepRatio * float64(s.maxLen))
	cut := len(entries) - keep
	if cut <= 0 {
		return
	}
	for cut < len(entries) && entries[cut].Role == models.RoleTool {
		cut++
	}

	s.summary = appendSummary(s.summary, summarize(entries[:cut]))

	kept := entries[cut:]
	newLog := make([]models.Message, 0, len(kept)+1)
	if system != nil {
		newLog = append(newLog, *system)
	}
	s.log = append(newLog, kept...)
}

// Messages synthesizes the model-facing view: the system entry, a
// summary recap as a user/assistant pair to preserve role alternation,
// then the live tail. The synthetic pair is never persisted.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, 0, len(s.log)+2)

	rest := s.log
	if len(rest) > 0 && rest[0].Role == models.RoleSystem {
		out = append(out, rest[0])
		rest = rest[1:]
	}
	if s.summary != "" {
		out = append(out,
			models.UserMessage("here is the context summary of our conversation so far:\n"+s.summary),
			models.AssistantMessage("acknowledged"))
	}
	return append(out, rest...)
}

// Log returns a copy of the raw log.
func (s *Session) Log() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.log))
	copy(out, s.log)
	return out
}

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.log)
}

func (s *Session) UserTurns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userTurns
}

func (s *Session) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

func (s *Session) MaxLen() int { return s.maxLen }

// Last returns the tail entry, if any.
func (s *Session) Last() (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.log) == 0 {
		return models.Message{}, false
	}
	return s.log[len(s.log)-1], true
}

func summarize(dropped []models.Message) string {
	var b strings.Builder
	for _, m := range dropped {
		switch m.Role {
		case models.RoleUser:
			b.WriteString("- user: " + truncate(m.Content, contentTrunc) + "\n")
		case models.RoleAssistant:
			if m.Content != "" {
				b.WriteString("- assistant: " + truncate(m.Content, contentTrunc) + "\n")
			}
			if len(m.ToolCalls) > 0 {
				names := make([]string, len(m.ToolCalls))
				for i, tc := range m.ToolCalls {
					names[i] = tc.Name
				}
				b.WriteString("- assistant used " + strings.Join(names, ", ") + "\n")
			}
		case models.RoleTool:
			b.WriteString("  - result: " + truncate(m.Content, resultTrunc) + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func appendSummary(current, addition string) string {
	if addition == "" {
		return current
	}
	sum := current
	if sum != "" {
		sum += "\n"
	}
	sum += addition
	if len(sum) > summaryCap {
		sum = "…" + sum[len(sum)-summaryCap:]
	}
	return sum
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// sameEntry approximates reference identity for the double-append
// guard: role, content, and call ids must all match.
func sameEntry(a, b models.Message) bool {
	if a.Role != b.Role || a.Content != b.Content || a.ToolCallID != b.ToolCallID {
		return false
	}
	if len(a.ToolCalls) != len(b.ToolCalls) {
		return false
	}
	for i := range a.ToolCalls {
		if a.ToolCalls[i].ID != b.ToolCalls[i].ID {
			return false
		}
	}
	return true
}
