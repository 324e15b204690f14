package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"swarmx/internal/domain"
	"swarmx/internal/infra/config"
)

var (
	_ domain.StreamingBackend = (*OllamaBackend)(nil)
	_ domain.HealthChecker    = (*OllamaBackend)(nil)
)

const ollamaDefaultURL = "http://localhost:11434"

// OllamaBackend serves completions from a local Ollama server through its
// OpenAI-compatible /v1 endpoint. Health and model listing use the native API.
type OllamaBackend struct {
	*OpenAIBackend
	nativeURL string
}

// OllamaModel describes a locally available model.
type OllamaModel struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size"`
}

// NewOllama creates a backend for a local Ollama server. No API key is sent.
func NewOllama(cfg config.BackendConfig, logger *slog.Logger) *OllamaBackend {
	native := baseURL(cfg, ollamaDefaultURL)

	inner := cfg
	inner.APIKey = ""
	inner.BaseURL = native + "/v1"
	return &OllamaBackend{OpenAIBackend: NewOpenAI(inner, logger), nativeURL: native}
}

// HealthCheck reports whether the server answers on its root endpoint, which
// avoids loading a model.
func (b *OllamaBackend) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.nativeURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ListModels returns the models pulled on the server.
func (b *OllamaBackend) ListModels(ctx context.Context) ([]OllamaModel, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.nativeURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBackend, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(resp.StatusCode, body)
	}

	var tags struct {
		Models []OllamaModel `json:"models"`
	}
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return tags.Models, nil
}
