package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/weftworks/loom/pkg/models"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAI speaks the chat-completions dialect: the system prompt is an
// in-band role, tool calls stream as indexed deltas with accumulating
// argument strings, tool results go back as tool-role messages, and
// reasoning content arrives on a side channel rewritten here as
// thinking events.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAI builds the dialect-B provider.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAI{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: model,
	}, nil
}

func (p *OpenAI) Name() string { return "openai" }

// Stream opens one streaming chat completion and normalizes its
// chunks. Tool calls are accumulated by index and finalized when the
// stream ends.
func (p *OpenAI) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	chatReq := p.buildRequest(req)
	chatReq.Stream = true

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		defer stream.Close()
		p.processStream(ctx, stream, out)
	}()
	return out, nil
}

// Complete issues a non-streaming call and returns the response text.
func (p *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req))
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *OpenAI) buildRequest(req Request) openai.ChatCompletionRequest {
	chatReq := openai.ChatCompletionRequest{
		Model:    p.model(req.Model),
		Messages: convertOpenAIMessages(req.Messages, req.System),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}
	return chatReq
}

func (p *OpenAI) processStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- StreamEvent) {
	var (
		toolCalls  = make(map[int]*models.ToolCall)
		started    = make(map[int]bool)
		textBuf    string
		thinkBuf   string
		inThinking bool
		finish     string
	)

	finalize := func() {
		if inThinking {
			out <- StreamEvent{Type: EventThinkingEnd, Text: thinkBuf}
		}

		indexes := make([]int, 0, len(toolCalls))
		for i := range toolCalls {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)

		var calls []models.ToolCall
		for _, i := range indexes {
			tc := toolCalls[i]
			if tc.ID == "" || tc.Name == "" {
				continue
			}
			if len(tc.Input) == 0 {
				tc.Input = json.RawMessage("{}")
			}
			calls = append(calls, *tc)
			out <- StreamEvent{Type: EventToolEnd, CallID: tc.ID, Call: tc}
		}

		assistant := models.AssistantToolMessage(textBuf, calls)
		out <- StreamEvent{
			Type:       EventMessageComplete,
			Assistant:  &assistant,
			StopReason: normalizeOpenAIStop(finish),
		}
	}

	for {
		select {
		case <-ctx.Done():
			out <- StreamEvent{Type: EventFault, Err: ctx.Err()}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				finalize()
				return
			}
			out <- StreamEvent{Type: EventFault, Err: fmt.Errorf("openai: %w", err)}
			return
		}

		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		delta := choice.Delta

		if delta.ReasoningContent != "" {
			if !inThinking {
				inThinking = true
				out <- StreamEvent{Type: EventThinkingStart}
			}
			thinkBuf += delta.ReasoningContent
			out <- StreamEvent{Type: EventThinkingDelta, Text: delta.ReasoningContent}
		} else if inThinking && delta.Content != "" {
			// Reasoning is over once regular content resumes.
			out <- StreamEvent{Type: EventThinkingEnd, Text: thinkBuf}
			inThinking = false
		}

		if delta.Content != "" {
			textBuf += delta.Content
			out <- StreamEvent{Type: EventTextDelta, Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &models.ToolCall{}
			}
			call := toolCalls[index]
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			if !started[index] && call.ID != "" && call.Name != "" {
				started[index] = true
				out <- StreamEvent{Type: EventToolStart, CallID: call.ID, Name: call.Name}
			}
			if tc.Function.Arguments != "" {
				call.Input = json.RawMessage(string(call.Input) + tc.Function.Arguments)
				out <- StreamEvent{Type: EventToolArgDelta, CallID: call.ID, Fragment: tc.Function.Arguments}
			}
		}

		if choice.FinishReason != "" {
			finish = string(choice.FinishReason)
		}
	}
}

// convertOpenAIMessages renders the canonical log into dialect-B
// messages. The system prompt is injected as the first entry; each
// tool-result entry becomes its own tool-role message keyed by
// tool_call_id.
func convertOpenAIMessages(msgs []models.Message, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, m := range msgs {
		switch m.Role {
		case models.RoleSystem:
			// Skip: the assembled system prompt is passed explicitly.
			continue

		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})

		case models.RoleAssistant:
			msg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: m.Content,
			}
			if len(m.ToolCalls) > 0 {
				msg.ToolCalls = make([]openai.ToolCall, len(m.ToolCalls))
				for i, tc := range m.ToolCalls {
					msg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Input),
						},
					}
				}
			}
			out = append(out, msg)

		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: m.Content,
			})
		}
	}
	return out
}

func convertOpenAITools(tools []ToolSpec) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(t.Schema, &schemaMap); err != nil {
			// One bad schema must not break the rest of the catalog.
			schemaMap = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return out
}

func normalizeOpenAIStop(reason string) StopReason {
	switch reason {
	case "stop":
		return StopEndTurn
	case "tool_calls", "function_call":
		return StopToolUse
	case "length":
		return StopMaxTokens
	default:
		return StopOther
	}
}

func (p *OpenAI) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}
