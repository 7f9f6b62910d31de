// Package runtime assembles configured agents into running workers,
// routes messages between them, and swaps the whole assembly atomically
// on reload.
package runtime

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/weftworks/loom/internal/archive"
	"github.com/weftworks/loom/internal/config"
	"github.com/weftworks/loom/internal/engine"
	"github.com/weftworks/loom/internal/journal"
	"github.com/weftworks/loom/internal/provider"
	"github.com/weftworks/loom/pkg/models"
)

const reflectionPrompt = "Review today's journal below and distill the one or two observations " +
	"worth keeping long term. Reply with the observations only, one per line."

// Worker owns one agent's engine and serializes its turns. A busy
// worker rejects new work instead of queueing it.
type Worker struct {
	agent    config.Agent
	engine   *engine.Engine
	busy     atomic.Bool
	retired  atomic.Bool
	publish  func(models.AgentEvent)
	archive  *archive.Archive
	journal  *journal.Journal
	provider provider.Provider
	model    string
	log      *slog.Logger

	// set by the sink during a turn, read after Talk returns
	lastTruncated bool
}

// Busy reports whether a turn is in flight.
func (w *Worker) Busy() bool {
	return w.busy.Load()
}

// Interrupt asks the running turn to stop between iterations.
func (w *Worker) Interrupt() {
	w.engine.Interrupt()
}

// retire severs the worker from the outward event stream. A replaced
// assembly's in-flight turn may still run to its next iteration
// boundary, but nothing it does is delivered to clients.
func (w *Worker) retire() {
	w.retired.Store(true)
}

// Engine exposes the underlying engine for history synthesis.
func (w *Worker) Engine() *engine.Engine {
	return w.engine
}

// TryTalk claims the worker and runs one turn in the background.
// Returns false without side effects if a turn is already running.
func (w *Worker) TryTalk(ctx context.Context, text string) bool {
	if !w.busy.CompareAndSwap(false, true) {
		return false
	}
	go func() {
		defer w.busy.Store(false)
		w.runTurn(ctx, text)
	}()
	return true
}

func (w *Worker) runTurn(ctx context.Context, text string) {
	w.lastTruncated = false
	final, err := w.engine.Talk(ctx, text)
	if err != nil {
		w.log.Error("turn failed", "error", err)
		if !w.retired.Load() {
			w.publish(models.AgentEvent{
				AgentID: w.agent.ID,
				Type:    models.EventError,
				Message: err.Error(),
			})
		}
		return
	}
	if w.archive != nil {
		if err := w.archive.RecordTurn(ctx, w.agent.ID, text, final, w.lastTruncated); err != nil {
			w.log.Warn("archiving turn failed", "error", err)
		}
	}
}

// Reflect summarizes today's journal into long-term memory using a
// single non-streaming completion. An empty journal is a no-op; a busy
// worker skips the cycle rather than contending with a live turn.
func (w *Worker) Reflect(ctx context.Context) (bool, error) {
	if w.journal == nil {
		return false, nil
	}
	if !w.busy.CompareAndSwap(false, true) {
		return false, nil
	}
	defer w.busy.Store(false)

	content, err := w.journal.ReadToday(w.agent.ID)
	if err != nil {
		return false, err
	}
	if content == "" {
		return false, nil
	}

	summary, err := w.provider.Complete(ctx, provider.Request{
		Model:    w.model,
		System:   reflectionPrompt,
		Messages: []models.Message{models.UserMessage(content)},
	})
	if err != nil {
		return false, err
	}
	if summary == "" {
		return false, nil
	}
	if err := w.journal.AppendMemory(w.agent.ID, summary); err != nil {
		return false, err
	}
	return true, nil
}

// sink renames engine events onto the outward wire protocol.
// text_part_complete marks internal iteration boundaries and is not
// part of the protocol.
func (w *Worker) sink(ev engine.Event) {
	if w.retired.Load() {
		return
	}
	out := models.AgentEvent{AgentID: w.agent.ID}
	switch ev.Type {
	case engine.EventThinkingStart:
		out.Type = models.EventThinkingStart
	case engine.EventThinkingDelta:
		out.Type = models.EventThinkingDelta
		out.Text = ev.Text
	case engine.EventThinkingEnd:
		out.Type = models.EventThinkingEnd
		out.FullText = ev.Text
	case engine.EventThinkingHidden:
		out.Type = models.EventThinkingHidden
		out.Length = ev.Length
	case engine.EventTextDelta:
		out.Type = models.EventMessageDelta
		out.Text = ev.Text
	case engine.EventTextComplete:
		w.lastTruncated = ev.Truncated
		out.Type = models.EventMessageEnd
		out.FullText = ev.Text
		out.Truncated = ev.Truncated
	case engine.EventTextPartComplete:
		return
	case engine.EventToolStart:
		out.Type = models.EventToolStart
		out.Name = ev.Name
	case engine.EventToolEnd:
		out.Type = models.EventToolEnd
		out.Name = ev.Name
		out.Input = ev.Input
	case engine.EventToolExec:
		out.Type = models.EventToolExec
		out.Name = ev.Name
	case engine.EventToolResult:
		out.Type = models.EventToolResult
		out.Name = ev.Name
	case engine.EventError:
		out.Type = models.EventError
		out.Message = ev.Message
	default:
		return
	}
	w.publish(out)
}
