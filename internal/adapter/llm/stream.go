package llm

import (
	"context"

	"swarmx/internal/domain"
)

// Stream returns incremental deltas from b. Backends without native
// streaming are wrapped: the full response arrives as one content delta
// followed by a Done delta carrying the usage.
func Stream(ctx context.Context, b domain.Backend, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	if sb, ok := b.(domain.StreamingBackend); ok {
		req.Stream = true
		return sb.ChatStream(ctx, req)
	}

	resp, err := b.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan domain.StreamDelta, 2)
	ch <- domain.StreamDelta{Content: resp.Message.Content, ToolCalls: resp.Message.ToolCalls}
	ch <- domain.StreamDelta{Done: true, Usage: &resp.Usage}
	close(ch)
	return ch, nil
}

// HealthCheck probes b. Backends without a dedicated probe get a minimal
// "ping" chat call. Any error or panic counts as unhealthy.
func HealthCheck(ctx context.Context, b domain.Backend) (healthy bool) {
	defer func() {
		if recover() != nil {
			healthy = false
		}
	}()

	if hc, ok := b.(domain.HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	_, err := b.Chat(ctx, domain.ChatRequest{
		Messages:  []domain.Message{{Role: domain.RoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	return err == nil
}
