package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"swarmx/internal/domain"
	"swarmx/internal/infra/config"
)

var (
	_ domain.Backend          = (*AnthropicBackend)(nil)
	_ domain.StreamingBackend = (*AnthropicBackend)(nil)
)

const (
	anthropicDefaultURL = "https://api.anthropic.com"
	anthropicVersion    = "2023-06-01"
)

// AnthropicBackend implements the Anthropic Messages API.
type AnthropicBackend struct {
	settings
	baseURL string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger
}

// NewAnthropic creates a Messages API backend.
func NewAnthropic(cfg config.BackendConfig, logger *slog.Logger) *AnthropicBackend {
	return &AnthropicBackend{
		settings: newSettings(cfg),
		baseURL:  baseURL(cfg, anthropicDefaultURL),
		headers: map[string]string{
			"x-api-key":         cfg.APIKey,
			"anthropic-version": anthropicVersion,
		},
		client: newHTTPClient(cfg),
		logger: logger,
	}
}

func (b *AnthropicBackend) Name() string { return b.name }

// Chat implements domain.Backend.
func (b *AnthropicBackend) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	req = b.apply(req)
	ctx, span := chatSpan(ctx, b.name, req.Model)
	defer span.End()

	body, err := json.Marshal(toAnthropicRequest(req, false))
	if err != nil {
		return nil, chatFailed(span, fmt.Errorf("marshal request: %w", err))
	}
	data, err := postJSON(ctx, b.client, b.baseURL+"/v1/messages", body, b.headers)
	if err != nil {
		return nil, chatFailed(span, err)
	}

	var wire anthropicResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, chatFailed(span, fmt.Errorf("%w: unmarshal response: %v", domain.ErrBackend, err))
	}

	resp := fromAnthropicResponse(wire)
	chatDone(span, b.logger, b.name, resp)
	return resp, nil
}

// ChatStream implements domain.StreamingBackend.
func (b *AnthropicBackend) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	req = b.apply(req)
	body, err := json.Marshal(toAnthropicRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	resp, err := postStream(ctx, b.client, b.baseURL+"/v1/messages", body, b.headers)
	if err != nil {
		return nil, err
	}
	return readSSE(ctx, resp.Body, decodeAnthropicEvent), nil
}

// --- wire types ---

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string           `json:"id"`
	Model      string           `json:"model"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      anthropicUsage   `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u anthropicUsage) usage() domain.Usage {
	return domain.Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
}

type anthropicStreamEvent struct {
	Type         string          `json:"type"`
	Delta        json.RawMessage `json:"delta,omitempty"`
	Usage        *anthropicUsage `json:"usage,omitempty"`
	ContentBlock *anthropicBlock `json:"content_block,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	PartialJSON string `json:"partial_json"`
}

// toAnthropicRequest moves system messages into the top-level system field
// and tool results into user turns, as the Messages API requires.
func toAnthropicRequest(req domain.ChatRequest, stream bool) anthropicRequest {
	out := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}

	var system []string
	for _, m := range req.Messages {
		switch {
		case m.Role == domain.RoleSystem:
			system = append(system, m.Content)
		case m.Role == domain.RoleTool:
			block := anthropicBlock{Type: "tool_result", Content: m.Content}
			if len(m.ToolCalls) > 0 {
				block.ToolUseID = m.ToolCalls[0].ID
			}
			out.Messages = append(out.Messages, anthropicMessage{Role: domain.RoleUser, Content: []anthropicBlock{block}})
		default:
			msg := anthropicMessage{Role: m.Role}
			if m.Content != "" || len(m.ToolCalls) == 0 {
				msg.Content = append(msg.Content, anthropicBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				msg.Content = append(msg.Content, anthropicBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: tc.Arguments})
			}
			out.Messages = append(out.Messages, msg)
		}
	}
	out.System = strings.Join(system, "\n\n")

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}
	return out
}

func fromAnthropicResponse(wire anthropicResponse) *domain.ChatResponse {
	now := time.Now()
	resp := &domain.ChatResponse{
		ID:           wire.ID,
		Model:        wire.Model,
		FinishReason: wire.StopReason,
		Usage:        wire.Usage.usage(),
		CreatedAt:    now,
		Message:      domain.Message{Role: domain.RoleAssistant, Timestamp: now},
	}

	var text []string
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			text = append(text, block.Text)
		case "tool_use":
			resp.Message.ToolCalls = append(resp.Message.ToolCalls, domain.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}
	resp.Message.Content = strings.Join(text, "")
	return resp
}

func decodeAnthropicEvent(data []byte) (*domain.StreamDelta, error) {
	var ev anthropicStreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}

	switch ev.Type {
	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			return &domain.StreamDelta{ToolCalls: []domain.ToolCall{{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}}}, nil
		}
	case "content_block_delta":
		var d anthropicDelta
		if err := json.Unmarshal(ev.Delta, &d); err != nil {
			return nil, err
		}
		switch d.Type {
		case "text_delta":
			return &domain.StreamDelta{Content: d.Text}, nil
		case "input_json_delta":
			return &domain.StreamDelta{ToolCalls: []domain.ToolCall{{Arguments: json.RawMessage(d.PartialJSON)}}}, nil
		}
	case "message_delta":
		if ev.Usage != nil {
			u := ev.Usage.usage()
			return &domain.StreamDelta{Usage: &u}, nil
		}
	case "message_stop":
		return &domain.StreamDelta{Done: true}, nil
	}
	return nil, nil
}
