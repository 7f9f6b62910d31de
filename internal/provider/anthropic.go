package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/weftworks/loom/pkg/models"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// maxEmptyStreamEvents bounds consecutive no-op SSE events before the
// stream is treated as malformed.
const maxEmptyStreamEvents = 300

// Anthropic speaks the message-structured dialect: the system prompt
// is a separate field, tool calls arrive as tool_use content blocks
// with their input streamed under input_json_delta, and tool results
// travel back inside synthetic user messages.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropic builds the dialect-A provider. A missing credential is
// a configuration error, reported here rather than at stream time.
func NewAnthropic(cfg Config) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	return &Anthropic{
		client:       anthropic.NewClient(opts...),
		defaultModel: model,
	}, nil
}

func (p *Anthropic) Name() string { return "anthropic" }

// Stream opens one streaming message call and normalizes its SSE
// events. The returned channel closes after message_complete or a
// fault.
func (p *Anthropic) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := p.client.Messages.NewStreaming(ctx, params)

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		defer stream.Close()
		p.processStream(stream, out)
	}()
	return out, nil
}

// Complete issues a non-streaming call and returns the joined text
// content.
func (p *Anthropic) Complete(ctx context.Context, req Request) (string, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return "", err
	}
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

func (p *Anthropic) buildParams(req Request) (anthropic.MessageNewParams, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req.Model)),
		Messages:  convertAnthropicMessages(req.Messages),
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return params, err
		}
		params.Tools = tools
	}
	return params, nil
}

func (p *Anthropic) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- StreamEvent) {
	var (
		currentCall *models.ToolCall
		argBuf      strings.Builder
		textBuf     strings.Builder
		thinkBuf    strings.Builder
		inThinking  bool
		calls       []models.ToolCall
		stopReason  string
		emptyEvents int
	)

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			processed = true

		case "content_block_start":
			start := event.AsContentBlockStart()
			switch start.ContentBlock.Type {
			case "thinking":
				inThinking = true
				thinkBuf.Reset()
				out <- StreamEvent{Type: EventThinkingStart}
				processed = true
			case "tool_use":
				toolUse := start.ContentBlock.AsToolUse()
				currentCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				argBuf.Reset()
				out <- StreamEvent{Type: EventToolStart, CallID: toolUse.ID, Name: toolUse.Name}
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					textBuf.WriteString(delta.Text)
					out <- StreamEvent{Type: EventTextDelta, Text: delta.Text}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					thinkBuf.WriteString(delta.Thinking)
					out <- StreamEvent{Type: EventThinkingDelta, Text: delta.Thinking}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					argBuf.WriteString(delta.PartialJSON)
					if currentCall != nil {
						out <- StreamEvent{Type: EventToolArgDelta, CallID: currentCall.ID, Fragment: delta.PartialJSON}
					}
					processed = true
				}
			}

		case "content_block_stop":
			if inThinking {
				out <- StreamEvent{Type: EventThinkingEnd, Text: thinkBuf.String()}
				inThinking = false
				processed = true
			} else if currentCall != nil {
				input := argBuf.String()
				if input == "" {
					input = "{}"
				}
				currentCall.Input = json.RawMessage(input)
				calls = append(calls, *currentCall)
				out <- StreamEvent{Type: EventToolEnd, CallID: currentCall.ID, Call: currentCall}
				currentCall = nil
				processed = true
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Delta.StopReason != "" {
				stopReason = string(delta.Delta.StopReason)
			}
			processed = true

		case "message_stop":
			assistant := models.AssistantToolMessage(textBuf.String(), calls)
			out <- StreamEvent{
				Type:       EventMessageComplete,
				Assistant:  &assistant,
				StopReason: normalizeAnthropicStop(stopReason),
			}
			return

		case "error":
			out <- StreamEvent{Type: EventFault, Err: errors.New("anthropic: stream error")}
			return
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				out <- StreamEvent{
					Type: EventFault,
					Err:  fmt.Errorf("anthropic: stream malformed after %d empty events", emptyEvents),
				}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		out <- StreamEvent{Type: EventFault, Err: fmt.Errorf("anthropic: %w", err)}
		return
	}
	out <- StreamEvent{Type: EventFault, Err: errors.New("anthropic: stream ended without message_stop")}
}

// convertAnthropicMessages renders the canonical log into dialect-A
// messages. Assistant entries become one message with mixed text and
// tool_use blocks; runs of tool-result entries collapse into a single
// synthetic user message with tool_result blocks.
func convertAnthropicMessages(msgs []models.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pendingResults) > 0 {
			out = append(out, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, m := range msgs {
		switch m.Role {
		case models.RoleSystem:
			// Handled separately via params.System.
			continue

		case models.RoleTool:
			pendingResults = append(pendingResults,
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))

		case models.RoleAssistant:
			flush()
			var content []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				content = append(content, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				content = append(content, anthropic.NewToolUseBlock(tc.ID, tc.Args(), tc.Name))
			}
			if len(content) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(content...))

		default:
			flush()
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	flush()
	return out
}

func convertAnthropicTools(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", t.Name)
		}
		param.OfTool.Description = anthropic.String(t.Description)
		out = append(out, param)
	}
	return out, nil
}

func normalizeAnthropicStop(reason string) StopReason {
	switch reason {
	case "end_turn":
		return StopEndTurn
	case "tool_use":
		return StopToolUse
	case "max_tokens":
		return StopMaxTokens
	case "stop_sequence":
		return StopSequence
	default:
		return StopOther
	}
}

func (p *Anthropic) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}
