package llm

import (
	"context"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"swarmx/internal/domain"
	"swarmx/internal/infra/config"
)

var (
	_ domain.StreamingBackend = (*EchoBackend)(nil)
	_ domain.HealthChecker    = (*EchoBackend)(nil)
)

// EchoBackend answers every request with its last user message. It needs no
// network and backs scaffolded swarms and offline runs.
type EchoBackend struct {
	name   string
	model  string
	prefix string
}

// NewEcho creates an echo backend. A string "prefix" entry in cfg.Extra is
// prepended to every reply.
func NewEcho(cfg config.BackendConfig) *EchoBackend {
	b := &EchoBackend{name: cfg.Name, model: cfg.Model}
	if b.model == "" {
		b.model = "echo"
	}
	if p, ok := cfg.Extra["prefix"].(string); ok {
		b.prefix = p
	}
	return b
}

func (b *EchoBackend) Name() string { return b.name }

// Chat implements domain.Backend.
func (b *EchoBackend) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = b.model
	}
	var input string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == domain.RoleUser {
			input = req.Messages[i].Content
			break
		}
	}
	reply := b.prefix + input

	prompt := 0
	for _, m := range req.Messages {
		prompt += estimateTokens(m.Content)
	}
	completion := estimateTokens(reply)

	now := time.Now()
	return &domain.ChatResponse{
		ID:           "echo-" + ulid.Make().String(),
		Model:        model,
		Message:      domain.Message{Role: domain.RoleAssistant, Content: reply, Timestamp: now},
		FinishReason: "stop",
		Usage:        domain.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion},
		CreatedAt:    now,
	}, nil
}

// ChatStream implements domain.StreamingBackend, emitting one delta per word.
func (b *EchoBackend) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	resp, err := b.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	words := strings.SplitAfter(resp.Message.Content, " ")
	ch := make(chan domain.StreamDelta, len(words)+1)
	for _, w := range words {
		if w != "" {
			ch <- domain.StreamDelta{Content: w}
		}
	}
	ch <- domain.StreamDelta{Done: true, Usage: &resp.Usage}
	close(ch)
	return ch, nil
}

// HealthCheck implements domain.HealthChecker.
func (b *EchoBackend) HealthCheck(context.Context) bool { return true }

// estimateTokens approximates a token count at four characters per token.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}
