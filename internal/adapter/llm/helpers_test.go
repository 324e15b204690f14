package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"swarmx/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeBackend is a scripted domain.Backend without streaming or a health probe.
type fakeBackend struct {
	name  string
	calls atomic.Int32
	chat  func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error)
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	f.calls.Add(1)
	if f.chat == nil {
		return &domain.ChatResponse{Model: "fake", Message: domain.Message{Role: domain.RoleAssistant, Content: "ok from " + f.name}}, nil
	}
	return f.chat(ctx, req)
}

func failing(name string, err error) *fakeBackend {
	return &fakeBackend{name: name, chat: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
		return nil, err
	}}
}

func userRequest(content string) domain.ChatRequest {
	return domain.ChatRequest{Messages: []domain.Message{{Role: domain.RoleUser, Content: content}}}
}

// decodeBody reads a JSON request body into a generic map.
func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	data, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(data, &body))
	return body
}

// sseServer replies to every request with events as SSE data lines.
func sseServer(t *testing.T, events ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		var sb strings.Builder
		for _, ev := range events {
			fmt.Fprintf(&sb, "data: %s\n\n", ev)
		}
		_, _ = io.WriteString(w, sb.String())
	}))
	t.Cleanup(srv.Close)
	return srv
}

// statusServer replies to every request with status and body.
func statusServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}
