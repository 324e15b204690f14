package domain

import "context"

// Backend is the interface for any completion backend.
type Backend interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the backend's registered name (e.g., "openai", "local").
	Name() string
}

// StreamDelta is a single incremental chunk from a streaming response.
type StreamDelta struct {
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Done      bool       `json:"done,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
}

// StreamingBackend extends Backend with streaming support.
type StreamingBackend interface {
	Backend
	// ChatStream sends a request and returns a channel of incremental deltas.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error)
}

// HealthChecker is implemented by backends with a cheaper probe than a chat call.
type HealthChecker interface {
	HealthCheck(ctx context.Context) bool
}
