package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"swarmx/internal/domain"
	"swarmx/internal/infra/config"
	"swarmx/internal/infra/tracer"
)

// maxResponseBody caps how much of a completion response is read.
const maxResponseBody = 10 * 1024 * 1024

// Connection pool defaults: few hosts, high concurrency, long-lived connections.
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 120 * time.Second
	defaultDialTimeout         = 30 * time.Second
)

// newHTTPClient builds the pooled client shared by a backend's requests.
// cfg.Timeout bounds a whole completion call including the response body.
func newHTTPClient(cfg config.BackendConfig) *http.Client {
	pool := cfg.Pool
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   defaultDialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        orDefault(pool.MaxIdleConns, defaultMaxIdleConns),
		MaxIdleConnsPerHost: orDefault(pool.MaxIdleConnsPerHost, defaultMaxIdleConnsPerHost),
		MaxConnsPerHost:     orDefault(pool.MaxConnsPerHost, defaultMaxConnsPerHost),
		IdleConnTimeout:     orDefault(pool.IdleConnTimeout.Std(), defaultIdleConnTimeout),
		ForceAttemptHTTP2:   true,
	}
	return &http.Client{Transport: transport, Timeout: cfg.Timeout.Std()}
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

func baseURL(cfg config.BackendConfig, def string) string {
	if u := strings.TrimRight(cfg.BaseURL, "/"); u != "" {
		return u
	}
	return def
}

// postJSON sends body to url and returns the response body of a 200 reply.
// Other statuses are mapped to domain sentinels by mapHTTPError.
func postJSON(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) ([]byte, error) {
	resp, err := post(ctx, client, url, body, headers, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrBackend, err)
	}
	return data, nil
}

// postStream opens an SSE response. The caller closes the body.
func postStream(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) (*http.Response, error) {
	return post(ctx, client, url, body, headers, true)
}

func post(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBackend, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, mapHTTPError(resp.StatusCode, data)
	}
	return resp, nil
}

// mapHTTPError classifies a failed completion call so breakers and callers
// can tell transient failures from permanent ones.
func mapHTTPError(status int, body []byte) error {
	detail := fmt.Sprintf("API error %d: %s", status, strings.TrimSpace(string(body)))

	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, detail)
	case status == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", domain.ErrContextOverflow, detail)
	default:
		return fmt.Errorf("%w: %s", domain.ErrBackend, detail)
	}
}

// chatSpan starts the llm.chat span shared by every adapter.
func chatSpan(ctx context.Context, backend, model string) (context.Context, trace.Span) {
	return tracer.StartSpan(ctx, "llm.chat",
		trace.WithAttributes(
			tracer.StringAttr("llm.backend", backend),
			tracer.StringAttr("llm.model", model),
		),
	)
}

// chatDone records usage on span and logs the completed call.
func chatDone(span trace.Span, logger *slog.Logger, backend string, resp *domain.ChatResponse) {
	span.SetAttributes(
		tracer.IntAttr("llm.prompt_tokens", resp.Usage.PromptTokens),
		tracer.IntAttr("llm.completion_tokens", resp.Usage.CompletionTokens),
	)
	tracer.SetOK(span)
	logger.Debug("llm chat completed",
		"backend", backend,
		"model", resp.Model,
		"finish_reason", resp.FinishReason,
		"tokens", resp.Usage.TotalTokens,
	)
}

// chatFailed records err on span and returns it.
func chatFailed(span trace.Span, err error) error {
	tracer.RecordError(span, err)
	return err
}

// settings holds the per-backend defaults applied to requests that leave
// them unset.
type settings struct {
	name        string
	model       string
	temperature float64
	maxTokens   int
}

func newSettings(cfg config.BackendConfig) settings {
	return settings{
		name:        cfg.Name,
		model:       cfg.Model,
		temperature: cfg.DefaultTemperature(),
		maxTokens:   orDefault(cfg.MaxTokens, config.DefaultMaxTokens),
	}
}

func (s settings) apply(req domain.ChatRequest) domain.ChatRequest {
	if req.Model == "" {
		req.Model = s.model
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = s.maxTokens
	}
	if req.Temperature == nil {
		t := s.temperature
		req.Temperature = &t
	}
	return req
}
