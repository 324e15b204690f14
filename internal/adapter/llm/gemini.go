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
	_ domain.Backend          = (*GeminiBackend)(nil)
	_ domain.StreamingBackend = (*GeminiBackend)(nil)
)

const geminiDefaultURL = "https://generativelanguage.googleapis.com"

// GeminiBackend implements the Google Gemini generateContent API.
// It serves both the "gemini" and "google" backend types.
type GeminiBackend struct {
	settings
	baseURL string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger
}

// NewGemini creates a Gemini backend. The API key travels in a header rather
// than the query string so it never shows up in request logs.
func NewGemini(cfg config.BackendConfig, logger *slog.Logger) *GeminiBackend {
	return &GeminiBackend{
		settings: newSettings(cfg),
		baseURL:  baseURL(cfg, geminiDefaultURL),
		headers:  map[string]string{"x-goog-api-key": cfg.APIKey},
		client:   newHTTPClient(cfg),
		logger:   logger,
	}
}

func (b *GeminiBackend) Name() string { return b.name }

// Chat implements domain.Backend.
func (b *GeminiBackend) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	req = b.apply(req)
	ctx, span := chatSpan(ctx, b.name, req.Model)
	defer span.End()

	body, err := json.Marshal(toGeminiRequest(req))
	if err != nil {
		return nil, chatFailed(span, fmt.Errorf("marshal request: %w", err))
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", b.baseURL, req.Model)
	data, err := postJSON(ctx, b.client, url, body, b.headers)
	if err != nil {
		return nil, chatFailed(span, err)
	}

	var wire geminiResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, chatFailed(span, fmt.Errorf("%w: unmarshal response: %v", domain.ErrBackend, err))
	}

	resp := fromGeminiResponse(wire, req.Model)
	chatDone(span, b.logger, b.name, resp)
	return resp, nil
}

// ChatStream implements domain.StreamingBackend.
func (b *GeminiBackend) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	req = b.apply(req)
	body, err := json.Marshal(toGeminiRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", b.baseURL, req.Model)
	resp, err := postStream(ctx, b.client, url, body, b.headers)
	if err != nil {
		return nil, err
	}
	return readSSE(ctx, resp.Body, decodeGeminiChunk), nil
}

// --- wire types ---

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	Tools             []geminiTool      `json:"tools,omitempty"`
	GenerationConfig  *geminiGeneration `json:"generationConfig,omitempty"`
}

type geminiGeneration struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string              `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFuncResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiFuncResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFuncDecl `json:"functionDeclarations"`
}

type geminiFuncDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func (u geminiUsage) usage() domain.Usage {
	return domain.Usage{
		PromptTokens:     u.PromptTokenCount,
		CompletionTokens: u.CandidatesTokenCount,
		TotalTokens:      u.TotalTokenCount,
	}
}

func toGeminiRequest(req domain.ChatRequest) geminiRequest {
	out := geminiRequest{
		GenerationConfig: &geminiGeneration{Temperature: req.Temperature, MaxOutputTokens: req.MaxTokens},
	}

	var system []geminiPart
	for _, m := range req.Messages {
		switch {
		case m.Role == domain.RoleSystem:
			system = append(system, geminiPart{Text: m.Content})
		case m.Role == domain.RoleTool:
			name := m.Name
			if name == "" && len(m.ToolCalls) > 0 {
				name = m.ToolCalls[0].Name
			}
			out.Contents = append(out.Contents, geminiContent{
				Role: "function",
				Parts: []geminiPart{{FunctionResponse: &geminiFuncResponse{
					Name:     name,
					Response: map[string]any{"content": m.Content},
				}}},
			})
		default:
			gc := geminiContent{Role: "user"}
			if m.Role == domain.RoleAssistant {
				gc.Role = "model"
			}
			if m.Content != "" || len(m.ToolCalls) == 0 {
				gc.Parts = append(gc.Parts, geminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				gc.Parts = append(gc.Parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: tc.Arguments}})
			}
			out.Contents = append(out.Contents, gc)
		}
	}
	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{Parts: system}
	}

	if len(req.Tools) > 0 {
		decls := make([]geminiFuncDecl, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, geminiFuncDecl{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}
		out.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	return out
}

// geminiParts splits candidate parts into text and tool calls. Gemini does
// not assign call ids, so one is derived from the name and position.
func geminiParts(parts []geminiPart) (string, []domain.ToolCall) {
	var (
		text  strings.Builder
		calls []domain.ToolCall
	)
	for i, part := range parts {
		if part.FunctionCall != nil {
			calls = append(calls, domain.ToolCall{
				ID:        fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, i),
				Name:      part.FunctionCall.Name,
				Arguments: part.FunctionCall.Args,
			})
			continue
		}
		text.WriteString(part.Text)
	}
	return text.String(), calls
}

func fromGeminiResponse(wire geminiResponse, model string) *domain.ChatResponse {
	now := time.Now()
	resp := &domain.ChatResponse{
		Model:     model,
		CreatedAt: now,
		Message:   domain.Message{Role: domain.RoleAssistant, Timestamp: now},
	}
	if wire.UsageMetadata != nil {
		resp.Usage = wire.UsageMetadata.usage()
	}
	if len(wire.Candidates) > 0 {
		c := wire.Candidates[0]
		resp.FinishReason = strings.ToLower(c.FinishReason)
		resp.Message.Content, resp.Message.ToolCalls = geminiParts(c.Content.Parts)
	}
	return resp
}

func decodeGeminiChunk(data []byte) (*domain.StreamDelta, error) {
	var chunk geminiResponse
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, err
	}

	delta := &domain.StreamDelta{}
	if len(chunk.Candidates) > 0 {
		delta.Content, delta.ToolCalls = geminiParts(chunk.Candidates[0].Content.Parts)
	}
	if chunk.UsageMetadata != nil {
		u := chunk.UsageMetadata.usage()
		delta.Usage = &u
	}
	return delta, nil
}
