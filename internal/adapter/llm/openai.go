package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"swarmx/internal/domain"
	"swarmx/internal/infra/config"
)

var (
	_ domain.Backend          = (*OpenAIBackend)(nil)
	_ domain.StreamingBackend = (*OpenAIBackend)(nil)
)

// Default endpoints of the OpenAI-compatible backend kinds.
var openAIBaseURLs = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"xai":        "https://api.x.ai/v1",
	"openrouter": "https://openrouter.ai/api/v1",
}

// OpenAIBackend talks to any OpenAI-compatible chat completions API:
// OpenAI itself, xAI, OpenRouter, or a self-hosted gateway via base_url.
type OpenAIBackend struct {
	settings
	apiKey  string
	baseURL string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger
}

// NewOpenAI creates a backend for cfg. The default endpoint follows cfg.Type.
func NewOpenAI(cfg config.BackendConfig, logger *slog.Logger) *OpenAIBackend {
	def, ok := openAIBaseURLs[cfg.Type]
	if !ok {
		def = openAIBaseURLs["openai"]
	}
	b := &OpenAIBackend{
		settings: newSettings(cfg),
		apiKey:   cfg.APIKey,
		baseURL:  baseURL(cfg, def),
		headers:  map[string]string{},
		client:   newHTTPClient(cfg),
		logger:   logger,
	}
	if b.apiKey != "" {
		b.headers["Authorization"] = "Bearer " + b.apiKey
	}
	if cfg.Type == "openrouter" {
		b.headers["HTTP-Referer"] = "https://github.com/swarmx/swarmx"
		b.headers["X-Title"] = "swarmx"
	}
	return b
}

func (b *OpenAIBackend) Name() string { return b.name }

// Chat implements domain.Backend.
func (b *OpenAIBackend) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	req = b.apply(req)
	ctx, span := chatSpan(ctx, b.name, req.Model)
	defer span.End()

	body, err := json.Marshal(toOpenAIRequest(req, false))
	if err != nil {
		return nil, chatFailed(span, fmt.Errorf("marshal request: %w", err))
	}
	data, err := postJSON(ctx, b.client, b.baseURL+"/chat/completions", body, b.headers)
	if err != nil {
		return nil, chatFailed(span, err)
	}

	var wire openaiResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, chatFailed(span, fmt.Errorf("%w: unmarshal response: %v", domain.ErrBackend, err))
	}
	if wire.Error != nil {
		return nil, chatFailed(span, fmt.Errorf("%w: %s", domain.ErrBackend, wire.Error.Message))
	}

	resp := fromOpenAIResponse(wire)
	chatDone(span, b.logger, b.name, resp)
	return resp, nil
}

// ChatStream implements domain.StreamingBackend.
func (b *OpenAIBackend) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	req = b.apply(req)
	body, err := json.Marshal(toOpenAIRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	resp, err := postStream(ctx, b.client, b.baseURL+"/chat/completions", body, b.headers)
	if err != nil {
		return nil, err
	}
	return readSSE(ctx, resp.Body, decodeOpenAIChunk), nil
}

// --- wire types ---

type openaiRequest struct {
	Model         string          `json:"model"`
	Messages      []openaiMessage `json:"messages"`
	Tools         []openaiTool    `json:"tools,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *streamOptions  `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openaiToolCall struct {
	Index    int                `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openaiCallFunction `json:"function"`
}

type openaiCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Created int64          `json:"created"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type openaiChoice struct {
	Message      openaiMessage `json:"message"`
	Delta        openaiMessage `json:"delta"`
	FinishReason *string       `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u openaiUsage) usage() domain.Usage {
	return domain.Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
}

func toOpenAIRequest(req domain.ChatRequest, stream bool) openaiRequest {
	out := openaiRequest{
		Model:       req.Model,
		Messages:    make([]openaiMessage, 0, len(req.Messages)),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	for _, m := range req.Messages {
		msg := openaiMessage{Role: m.Role, Content: m.Content, Name: m.Name}
		switch {
		case m.Role == domain.RoleTool && len(m.ToolCalls) > 0:
			// A tool result names the call it answers in ToolCalls[0].
			msg.ToolCallID = m.ToolCalls[0].ID
		case len(m.ToolCalls) > 0:
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openaiToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: openaiCallFunction{Name: tc.Name, Arguments: string(tc.Arguments)},
				})
			}
		}
		out.Messages = append(out.Messages, msg)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openaiTool{
			Type:     "function",
			Function: openaiFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	return out
}

func fromOpenAIResponse(wire openaiResponse) *domain.ChatResponse {
	created := time.Now()
	if wire.Created > 0 {
		created = time.Unix(wire.Created, 0)
	}
	resp := &domain.ChatResponse{
		ID:        wire.ID,
		Model:     wire.Model,
		Usage:     wire.Usage.usage(),
		CreatedAt: created,
		Message:   domain.Message{Role: domain.RoleAssistant, Timestamp: created},
	}
	if len(wire.Choices) == 0 {
		return resp
	}

	choice := wire.Choices[0]
	if choice.FinishReason != nil {
		resp.FinishReason = *choice.FinishReason
	}
	resp.Message.Content = choice.Message.Content
	resp.Message.Name = choice.Message.Name
	for _, tc := range choice.Message.ToolCalls {
		resp.Message.ToolCalls = append(resp.Message.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return resp
}

func decodeOpenAIChunk(data []byte) (*domain.StreamDelta, error) {
	var chunk openaiResponse
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, err
	}

	delta := &domain.StreamDelta{}
	if len(chunk.Choices) > 0 {
		c := chunk.Choices[0]
		delta.Content = c.Delta.Content
		for _, tc := range c.Delta.ToolCalls {
			delta.ToolCalls = append(delta.ToolCalls, domain.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			})
		}
	}
	// With include_usage the usage arrives in a final chunk without choices,
	// after the finish reason, so that chunk ends the stream.
	if chunk.Usage.TotalTokens > 0 {
		u := chunk.Usage.usage()
		delta.Usage = &u
		delta.Done = true
	}
	return delta, nil
}
