package llm

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"swarmx/internal/domain"
	"swarmx/internal/infra/config"
)

// Factory builds a backend from its declared configuration.
type Factory func(cfg config.BackendConfig, logger *slog.Logger) (domain.Backend, error)

// Registry maps backend names to completion backends. Backends are either
// registered as ready instances or declared from configuration and built on
// first lookup by the factory registered for their type.
type Registry struct {
	logger *slog.Logger

	mu        sync.Mutex
	factories map[string]Factory
	declared  map[string]config.BackendConfig
	bases     map[string]domain.Backend // built, without failover
	instances map[string]domain.Backend // ready for callers
}

// NewRegistry creates a registry with the built-in backend factories.
func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{
		logger:    logger,
		factories: make(map[string]Factory),
		declared:  make(map[string]config.BackendConfig),
		bases:     make(map[string]domain.Backend),
		instances: make(map[string]domain.Backend),
	}

	openai := func(cfg config.BackendConfig, l *slog.Logger) (domain.Backend, error) { return NewOpenAI(cfg, l), nil }
	gemini := func(cfg config.BackendConfig, l *slog.Logger) (domain.Backend, error) { return NewGemini(cfg, l), nil }
	for kind, f := range map[string]Factory{
		"openai":     openai,
		"xai":        openai,
		"openrouter": openai,
		"gemini":     gemini,
		"google":     gemini,
		"anthropic":  func(cfg config.BackendConfig, l *slog.Logger) (domain.Backend, error) { return NewAnthropic(cfg, l), nil },
		"ollama":     func(cfg config.BackendConfig, l *slog.Logger) (domain.Backend, error) { return NewOllama(cfg, l), nil },
		"echo":       func(cfg config.BackendConfig, _ *slog.Logger) (domain.Backend, error) { return NewEcho(cfg), nil },
		"bedrock":    newBedrock,
	} {
		r.factories[kind] = f
	}
	return r
}

// RegisterInstance binds a ready backend to name.
func (r *Registry) RegisterInstance(name string, b domain.Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.taken(name) {
		return domain.NewDomainError("Registry.RegisterInstance", domain.ErrDuplicate, name)
	}
	r.bases[name] = b
	r.instances[name] = b
	return nil
}

// RegisterFactory makes a backend type constructible. It replaces any
// factory already registered for kind.
func (r *Registry) RegisterFactory(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Declare records cfg under name. The backend is built on the first Get.
func (r *Registry) Declare(name string, cfg config.BackendConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.taken(name) {
		return domain.NewDomainError("Registry.Declare", domain.ErrDuplicate, name)
	}
	if _, ok := r.factories[cfg.Type]; !ok {
		return domain.NewDomainError("Registry.Declare", domain.ErrInvalidInput, fmt.Sprintf("%s: unknown backend type %q", name, cfg.Type))
	}
	cfg.Name = name
	r.declared[name] = cfg
	return nil
}

// Create declares cfg under name and builds it immediately.
func (r *Registry) Create(name string, cfg config.BackendConfig) (domain.Backend, error) {
	if err := r.Declare(name, cfg); err != nil {
		return nil, err
	}
	b, err := r.Get(name)
	if err != nil {
		r.mu.Lock()
		delete(r.declared, name)
		r.mu.Unlock()
		return nil, err
	}
	return b, nil
}

// Get returns the backend bound to name, building a declared one on first
// use. Unknown names fail with domain.ErrBackendNotFound listing the
// available names.
func (r *Registry) Get(name string) (domain.Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.instances[name]; ok {
		return b, nil
	}
	cfg, ok := r.declared[name]
	if !ok {
		detail := fmt.Sprintf("%q (available: %s)", name, strings.Join(r.available(), ", "))
		return nil, domain.NewDomainError("Registry.Get", domain.ErrBackendNotFound, detail)
	}

	b, err := r.base(name)
	if err != nil {
		return nil, err
	}
	if len(cfg.Fallbacks) > 0 {
		fallbacks := make([]domain.Backend, 0, len(cfg.Fallbacks))
		for _, fb := range cfg.Fallbacks {
			f, err := r.base(fb)
			if err != nil {
				return nil, fmt.Errorf("backend %q: fallback: %w", name, err)
			}
			fallbacks = append(fallbacks, f)
		}
		b = NewFailover(b, fallbacks, r.logger)
	}
	r.instances[name] = b
	r.logger.Debug("backend materialized", "backend", name, "type", cfg.Type)
	return b, nil
}

// Available returns the sorted names of registered instances, declared
// backends and constructible types.
func (r *Registry) Available() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.available()
}

// Names returns the sorted names bound to a backend, excluding bare types.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(r.instances)+len(r.declared))
	for name := range r.instances {
		seen[name] = struct{}{}
	}
	for name := range r.declared {
		seen[name] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen))
}

// Has reports whether Get(name) can succeed without a not-found error.
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.taken(name)
}

func (r *Registry) taken(name string) bool {
	_, inst := r.instances[name]
	_, decl := r.declared[name]
	return inst || decl
}

func (r *Registry) available() []string {
	seen := make(map[string]struct{}, len(r.instances)+len(r.declared)+len(r.factories))
	for name := range r.instances {
		seen[name] = struct{}{}
	}
	for name := range r.declared {
		seen[name] = struct{}{}
	}
	for kind := range r.factories {
		seen[kind] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen))
}

// base builds name with its rate limit and circuit breaker but no failover,
// which keeps fallback chains one level deep. Called with r.mu held.
func (r *Registry) base(name string) (domain.Backend, error) {
	if b, ok := r.bases[name]; ok {
		return b, nil
	}
	cfg, ok := r.declared[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrBackendNotFound, fmt.Sprintf("%q", name))
	}

	b, err := r.factories[cfg.Type](cfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("build backend %q: %w", name, err)
	}
	if cfg.RateLimit.RequestsPerMinute > 0 {
		b = NewRateLimited(b, cfg.RateLimit)
	}
	if cfg.CircuitBreaker.Enabled || cfg.CircuitBreaker.MaxFailures > 0 {
		b = NewCircuitBreaker(b, cfg.CircuitBreaker, r.logger)
	}
	r.bases[name] = b
	return b, nil
}
