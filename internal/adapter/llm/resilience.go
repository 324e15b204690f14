package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"swarmx/internal/domain"
	"swarmx/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32 = 5
	defaultCBTimeout            = 30 * time.Second
	defaultCBInterval           = 60 * time.Second
)

var (
	_ domain.StreamingBackend = (*CircuitBreaker)(nil)
	_ domain.StreamingBackend = (*RateLimited)(nil)
	_ domain.StreamingBackend = (*Failover)(nil)
	_ domain.HealthChecker    = (*CircuitBreaker)(nil)
	_ domain.HealthChecker    = (*RateLimited)(nil)
	_ domain.HealthChecker    = (*Failover)(nil)
)

// CircuitBreaker wraps a backend so repeated failures open the circuit and
// later calls fail fast with domain.ErrCircuitOpen until the open timeout
// elapses and a probe succeeds.
type CircuitBreaker struct {
	inner   domain.Backend
	breaker *gobreaker.CircuitBreaker[*domain.ChatResponse]
}

// NewCircuitBreaker wraps inner. Zero values in cfg take the defaults.
func NewCircuitBreaker(inner domain.Backend, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreaker {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	cb := gobreaker.NewCircuitBreaker[*domain.ChatResponse](gobreaker.Settings{
		Name:        "backend:" + inner.Name(),
		MaxRequests: 1,
		Interval:    orDefault(cfg.Interval.Std(), defaultCBInterval),
		Timeout:     orDefault(cfg.Timeout.Std(), defaultCBTimeout),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		// A cancelled caller says nothing about the backend's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &CircuitBreaker{inner: inner, breaker: cb}
}

func (c *CircuitBreaker) Name() string { return c.inner.Name() }

// Chat implements domain.Backend.
func (c *CircuitBreaker) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := c.breaker.Execute(func() (*domain.ChatResponse, error) {
		return c.inner.Chat(ctx, req)
	})
	return resp, c.mapErr(err)
}

// ChatStream implements domain.StreamingBackend. Only opening the stream
// counts toward the breaker.
func (c *CircuitBreaker) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	var ch <-chan domain.StreamDelta
	_, err := c.breaker.Execute(func() (*domain.ChatResponse, error) {
		var err error
		ch, err = Stream(ctx, c.inner, req)
		return nil, err
	})
	if err != nil {
		return nil, c.mapErr(err)
	}
	return ch, nil
}

// HealthCheck implements domain.HealthChecker. An open circuit is unhealthy.
func (c *CircuitBreaker) HealthCheck(ctx context.Context) bool {
	if c.breaker.State() == gobreaker.StateOpen {
		return false
	}
	return HealthCheck(ctx, c.inner)
}

// State returns the breaker state for status reporting.
func (c *CircuitBreaker) State() gobreaker.State { return c.breaker.State() }

func (c *CircuitBreaker) mapErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("backend %q: %w", c.inner.Name(), domain.ErrCircuitOpen)
	}
	return err
}

// RateLimited wraps a backend with a client-side token bucket so a swarm of
// agents cannot exceed a backend's request quota.
type RateLimited struct {
	inner   domain.Backend
	limiter *rate.Limiter
}

// NewRateLimited wraps inner. A non-positive burst allows one request at a time.
func NewRateLimited(inner domain.Backend, cfg config.RateLimitConfig) *RateLimited {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60), burst),
	}
}

func (r *RateLimited) Name() string { return r.inner.Name() }

// Chat implements domain.Backend, waiting for a token first.
func (r *RateLimited) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Chat(ctx, req)
}

// ChatStream implements domain.StreamingBackend.
func (r *RateLimited) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return Stream(ctx, r.inner, req)
}

// HealthCheck implements domain.HealthChecker without spending a token.
func (r *RateLimited) HealthCheck(ctx context.Context) bool {
	return HealthCheck(ctx, r.inner)
}

func (r *RateLimited) wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("backend %q: %w: %v", r.inner.Name(), domain.ErrRateLimit, err)
	}
	return nil
}

// Failover tries a primary backend and then each fallback in order.
type Failover struct {
	primary   domain.Backend
	fallbacks []domain.Backend
	logger    *slog.Logger
}

// NewFailover creates a failover chain.
func NewFailover(primary domain.Backend, fallbacks []domain.Backend, logger *slog.Logger) *Failover {
	return &Failover{primary: primary, fallbacks: fallbacks, logger: logger}
}

func (f *Failover) Name() string { return f.primary.Name() }

// Chat implements domain.Backend. When every backend fails the errors are
// joined so errors.Is still sees each sentinel.
func (f *Failover) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	var errs []error
	for i, b := range f.chain() {
		resp, err := b.Chat(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.Info("failover succeeded", "primary", f.primary.Name(), "backend", b.Name())
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		f.logger.Warn("backend failed", "backend", b.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
	}
	return nil, fmt.Errorf("all backends failed: %w", errors.Join(errs...))
}

// ChatStream implements domain.StreamingBackend.
func (f *Failover) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	var errs []error
	for _, b := range f.chain() {
		ch, err := Stream(ctx, b, req)
		if err == nil {
			return ch, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		f.logger.Warn("backend stream failed", "backend", b.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
	}
	return nil, fmt.Errorf("all backends failed: %w", errors.Join(errs...))
}

// HealthCheck implements domain.HealthChecker: healthy while any backend is.
func (f *Failover) HealthCheck(ctx context.Context) bool {
	for _, b := range f.chain() {
		if HealthCheck(ctx, b) {
			return true
		}
	}
	return false
}

func (f *Failover) chain() []domain.Backend {
	return append([]domain.Backend{f.primary}, f.fallbacks...)
}
