// Package engine runs one agent's multi-turn tool-using loop against
// a streaming provider: consume a stream, execute the requested tools,
// feed the results back, repeat until the model stops naturally, the
// iteration budget runs out, truncation hits, or an interrupt lands.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/weftworks/loom/internal/metrics"
	"github.com/weftworks/loom/internal/provider"
	"github.com/weftworks/loom/internal/session"
	"github.com/weftworks/loom/internal/tools"
	"github.com/weftworks/loom/pkg/models"
)

const (
	// DefaultMaxIterations bounds the tool-using loop per turn.
	DefaultMaxIterations = 30

	// MinIterations is the floor applied to configured overrides.
	MinIterations = 10
)

// Options assembles one engine. Session and Provider are required;
// the rest has workable defaults.
type Options struct {
	AgentID       string
	Provider      provider.Provider
	Model         string
	MaxTokens     int
	MaxIterations int
	SystemPrompt  string
	Registry      *tools.Registry
	Session       *session.Session
	ToolContext   tools.Context
	Sink          func(Event)

	// Confirm, if set, gates shell execution. A denial synthesizes a
	// tool-result without running the command.
	Confirm func(command string) bool

	// HideThinking suppresses thinking deltas in favour of a single
	// thinking_hidden event carrying the hidden length.
	HideThinking bool

	Logger *slog.Logger
}

// Engine is the per-agent conversation state machine. All entry points
// are serialized by the owning worker; only Interrupt may be called
// concurrently.
type Engine struct {
	opts        Options
	maxIter     int
	interrupted atomic.Bool
	log         *slog.Logger
}

func New(opts Options) *Engine {
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	if maxIter < MinIterations {
		maxIter = MinIterations
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		opts:    opts,
		maxIter: maxIter,
		log:     log.With("component", "engine", "agent", opts.AgentID),
	}
}

// Interrupt requests an early exit. It is honoured between tool
// iterations, never mid-stream.
func (e *Engine) Interrupt() {
	e.interrupted.Store(true)
}

// Session exposes the engine's log for history synthesis.
func (e *Engine) Session() *session.Session {
	return e.opts.Session
}

// Talk runs one turn. The returned string is the concatenated text of
// all iterations; a non-nil error means even the tool-less fallback
// stream failed.
func (e *Engine) Talk(ctx context.Context, text string) (string, error) {
	e.interrupted.Store(false)
	sess := e.opts.Session
	sess.Append(models.UserMessage(text))

	var parts []string
	joined := func() string { return strings.Join(parts, "\n\n") }

	for iteration := 0; iteration < e.maxIter; iteration++ {
		req := provider.Request{
			Model:     e.opts.Model,
			System:    e.opts.SystemPrompt,
			Messages:  sess.Messages(),
			Tools:     e.toolSpecs(),
			MaxTokens: e.opts.MaxTokens,
		}

		events, err := e.opts.Provider.Stream(ctx, req)
		if err != nil {
			return e.fallback(ctx, parts, err)
		}

		assistant, stop, fault := e.consume(events)
		if fault != nil {
			// Restore the pairing invariant before retrying: a trailing
			// assistant-with-tool-calls with no results yet must go.
			if last, ok := sess.Last(); ok && last.HasToolCalls() {
				sess.RemoveLast()
			}
			return e.fallback(ctx, parts, fault)
		}

		truncated := stop.Truncated()
		if assistant.Content != "" {
			parts = append(parts, assistant.Content)
		}

		if !assistant.HasToolCalls() {
			if assistant.Content != "" {
				sess.Append(*assistant)
			}
			e.finish(joined(), truncated)
			return joined(), nil
		}

		// Pairing anchor: the assistant message goes in before any
		// tool executes.
		sess.Append(*assistant)
		e.executeTools(ctx, assistant.ToolCalls)

		if truncated {
			// The model ran out of budget even to finish its tool
			// requests; results are recorded, the turn ends here.
			e.finish(joined(), true)
			return joined(), nil
		}
		if e.interrupted.Load() {
			e.finish(joined(), false)
			return joined(), nil
		}

		e.emit(Event{Type: EventTextPartComplete, Text: assistant.Content})
	}

	e.log.Warn("iteration budget exhausted", "max_iterations", e.maxIter)
	e.finish(joined(), true)
	return joined(), nil
}

// consume drains one provider stream, forwarding events onward, and
// returns the completed assistant message with its stop reason.
func (e *Engine) consume(events <-chan provider.StreamEvent) (*models.Message, provider.StopReason, error) {
	var (
		assistant *models.Message
		stop      provider.StopReason
		thinkLen  int
	)

	for ev := range events {
		switch ev.Type {
		case provider.EventThinkingStart:
			thinkLen = 0
			if !e.opts.HideThinking {
				e.emit(Event{Type: EventThinkingStart})
			}
		case provider.EventThinkingDelta:
			thinkLen += len(ev.Text)
			if !e.opts.HideThinking {
				e.emit(Event{Type: EventThinkingDelta, Text: ev.Text})
			}
		case provider.EventThinkingEnd:
			if e.opts.HideThinking {
				e.emit(Event{Type: EventThinkingHidden, Length: thinkLen})
			} else {
				e.emit(Event{Type: EventThinkingEnd, Text: ev.Text})
			}
		case provider.EventTextDelta:
			e.emit(Event{Type: EventTextDelta, Text: ev.Text})
		case provider.EventToolStart:
			e.emit(Event{Type: EventToolStart, Name: ev.Name, CallID: ev.CallID})
		case provider.EventToolArgDelta:
			// Argument fragments stay internal to the adapter.
		case provider.EventToolEnd:
			e.emit(Event{Type: EventToolEnd, Name: ev.Call.Name, CallID: ev.CallID, Input: ev.Call.Args()})
		case provider.EventMessageComplete:
			assistant = ev.Assistant
			stop = ev.StopReason
		case provider.EventFault:
			return nil, "", ev.Err
		}
	}

	if assistant == nil {
		return nil, "", errors.New("stream ended without completion")
	}
	return assistant, stop, nil
}

// executeTools runs the assistant's calls in order, appending one
// tool-result per call. A tool may fail; the loop may not.
func (e *Engine) executeTools(ctx context.Context, calls []models.ToolCall) {
	sess := e.opts.Session
	for _, call := range calls {
		args := call.Args()

		var result string
		if denied, cmd := e.deniedCommand(call.Name, args); denied {
			e.log.Info("command execution denied by user", "command", cmd)
			result = "user denied command execution"
		} else {
			e.emit(Event{Type: EventToolExec, Name: call.Name})
			res, err := e.opts.Registry.Dispatch(ctx, call.Name, args, e.opts.ToolContext)
			if err != nil {
				result = "tool execution failed: " + err.Error()
			} else {
				result = res
			}
		}

		sess.Append(models.ToolResultMessage(call.ID, result))
		e.emit(Event{Type: EventToolResult, Name: call.Name, CallID: call.ID, Text: result})
	}
}

func (e *Engine) deniedCommand(name string, args map[string]any) (bool, string) {
	if name != "run_command" || e.opts.Confirm == nil {
		return false, ""
	}
	cmd, _ := args["command"].(string)
	return !e.opts.Confirm(cmd), cmd
}

// fallback is the single retry after a stream fault: announce the
// error, stream once more with no tools, and record whatever text
// comes back.
func (e *Engine) fallback(ctx context.Context, parts []string, fault error) (string, error) {
	e.log.Warn("stream fault, retrying without tools", "error", fault)
	metrics.ProviderFaults.WithLabelValues(e.opts.Provider.Name()).Inc()
	e.emit(Event{Type: EventError, Message: fault.Error()})

	sess := e.opts.Session
	req := provider.Request{
		Model:     e.opts.Model,
		System:    e.opts.SystemPrompt,
		Messages:  sess.Messages(),
		MaxTokens: e.opts.MaxTokens,
	}

	joined := func() string { return strings.Join(parts, "\n\n") }

	events, err := e.opts.Provider.Stream(ctx, req)
	if err != nil {
		e.finish(joined(), false)
		return joined(), err
	}

	var sb strings.Builder
	for ev := range events {
		switch ev.Type {
		case provider.EventTextDelta:
			sb.WriteString(ev.Text)
			e.emit(Event{Type: EventTextDelta, Text: ev.Text})
		case provider.EventFault:
			e.finish(joined(), false)
			return joined(), ev.Err
		}
	}

	if text := sb.String(); text != "" {
		sess.Append(models.AssistantMessage(text))
		parts = append(parts, text)
	}
	e.finish(joined(), false)
	return joined(), nil
}

func (e *Engine) finish(fullText string, truncated bool) {
	outcome := "ok"
	if truncated {
		outcome = "truncated"
	}
	metrics.Turns.WithLabelValues(e.opts.AgentID, outcome).Inc()
	e.emit(Event{Type: EventTextComplete, Text: fullText, Truncated: truncated})
}

func (e *Engine) toolSpecs() []provider.ToolSpec {
	defs := e.opts.Registry.Defs()
	specs := make([]provider.ToolSpec, len(defs))
	for i, d := range defs {
		specs[i] = provider.ToolSpec{Name: d.Name, Description: d.Description, Schema: d.Schema}
	}
	return specs
}

func (e *Engine) emit(ev Event) {
	if e.opts.Sink != nil {
		e.opts.Sink(ev)
	}
}
