// Package agent runs one autonomous participant of a swarm: it subscribes to
// topics, turns matching events into backend completions and publishes the
// results back onto the router.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"swarmx/internal/adapter/tool"
	"swarmx/internal/domain"
	"swarmx/internal/infra/metrics"
	"swarmx/internal/infra/tracer"
)

// genericFault is the only fault detail that leaves the agent.
const genericFault = "processing failed"

// Router is the subset of the event router an agent needs.
type Router interface {
	Subscribe(pattern string, handler domain.EventHandler, subscriberID string, priority domain.Priority) string
	Unsubscribe(subscriberID string) int
	Publish(ctx context.Context, ev domain.Event) error
}

// BackendResolver looks up completion backends by name.
type BackendResolver interface {
	Get(name string) (domain.Backend, error)
}

// Option configures an Agent.
type Option func(*Agent)

// WithBehavior replaces the default event handling.
func WithBehavior(b Behavior) Option {
	return func(a *Agent) { a.behavior = b }
}

// WithMetrics records handling outcomes and completions on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// Agent is a long-lived worker bound to one completion backend. Event
// handling is serialized: at most one event is processed at a time, so the
// conversation history is never mutated concurrently.
type Agent struct {
	id       string
	cfg      domain.AgentConfig
	router   Router
	backends BackendResolver
	behavior Behavior
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// gate serializes event handling.
	gate sync.Mutex

	mu       sync.Mutex
	state    domain.AgentState
	backend  domain.Backend
	tools    *tool.Toolset
	history  []domain.Message
	lastResp *domain.ChatResponse
}

// New creates an agent in the CREATED state. Initialize must be called
// before it receives events.
func New(cfg domain.AgentConfig, router Router, backends BackendResolver, logger *slog.Logger, opts ...Option) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.WithDefaults()
	a := &Agent{
		id:       newAgentID(cfg.Name),
		cfg:      cfg,
		router:   router,
		backends: backends,
		behavior: DefaultBehavior{},
		state:    domain.AgentCreated,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logger.With("agent_id", a.id)
	return a
}

// newAgentID appends six random lowercase characters to name.
func newAgentID(name string) string {
	random := ulid.Make().Entropy()
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte('-')
	for _, b := range random[:6] {
		sb.WriteByte(alphabet[int(b)%len(alphabet)])
	}
	return sb.String()
}

// Initialize binds the configured backend, seeds the system prompt and
// subscribes to every configured pattern. It may succeed only once. On
// failure the agent is left in the ERROR state with no subscriptions.
func (a *Agent) Initialize(ctx context.Context) error {
	a.mu.Lock()
	if a.state != domain.AgentCreated {
		a.mu.Unlock()
		return domain.NewDomainError("Agent.Initialize", domain.ErrAlreadyInitialized, a.id)
	}
	a.state = domain.AgentInitializing
	a.mu.Unlock()

	backend, err := a.backends.Get(a.cfg.Backend)
	if err != nil {
		a.setState(domain.AgentError)
		return fmt.Errorf("agent %s: %w", a.id, err)
	}
	tools, err := tool.NewToolset(a.cfg.Tools)
	if err != nil {
		a.setState(domain.AgentError)
		return fmt.Errorf("agent %s: %w", a.id, err)
	}

	a.mu.Lock()
	a.backend = backend
	a.tools = tools
	if a.cfg.SystemPrompt != "" {
		a.history = append(a.history, domain.Message{Role: domain.RoleSystem, Content: a.cfg.SystemPrompt, Timestamp: time.Now()})
	}
	a.mu.Unlock()

	for _, pattern := range a.cfg.Subscriptions {
		a.router.Subscribe(pattern, a.handle, a.id, domain.PriorityNormal)
		a.logger.Debug("agent subscribed", "pattern", pattern)
	}

	a.setState(domain.AgentIdle)
	a.logger.Info("agent initialized", "backend", a.cfg.Backend, "subscriptions", a.cfg.Subscriptions)
	return nil
}

// Shutdown releases every subscription and makes the agent terminal. Events
// already queued behind the gate are dropped. Calling it again is a no-op.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.state == domain.AgentShutdown {
		a.mu.Unlock()
		return nil
	}
	a.state = domain.AgentShutdown
	a.mu.Unlock()

	removed := a.router.Unsubscribe(a.id)
	a.logger.Info("agent shut down", "subscriptions_removed", removed)
	return nil
}

// handle is the router-facing wrapper around the behavior. It owns the gate,
// the state transitions and fault isolation, none of which a Behavior can
// change. Faults never reach the router.
func (a *Agent) handle(ctx context.Context, ev domain.Event) error {
	a.gate.Lock()
	defer a.gate.Unlock()

	a.mu.Lock()
	if a.state == domain.AgentShutdown {
		a.mu.Unlock()
		a.metrics.AgentEvent(a.cfg.Name, "dropped")
		return nil
	}
	a.state = domain.AgentProcessing
	a.lastResp = nil
	a.mu.Unlock()

	if err := a.runBehavior(ctx, ev); err != nil {
		a.setState(domain.AgentError)
		a.metrics.AgentEvent(a.cfg.Name, "error")
		a.logger.Error("event processing failed", "topic", ev.Topic, "event_id", ev.ID, "error", err)

		payload := map[string]any{
			"agent_id":    a.id,
			"event_topic": ev.Topic,
			"error":       genericFault,
		}
		if perr := a.Emit(ctx, domain.TopicAgentError, payload, domain.PriorityHigh, domain.WithMetadata(map[string]any{"source_event": ev.ID})); perr != nil {
			a.logger.Warn("failed to publish agent error", "error", perr)
		}
	} else {
		a.metrics.AgentEvent(a.cfg.Name, "ok")
	}

	a.setState(domain.AgentIdle)
	return nil
}

func (a *Agent) runBehavior(ctx context.Context, ev domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return a.behavior.OnEvent(ctx, a, ev)
}

// setState moves to s unless the agent has already shut down.
func (a *Agent) setState(s domain.AgentState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != domain.AgentShutdown {
		a.state = s
	}
}

// Think sends input to the bound backend as the next user turn and records
// the reply. Without a bound backend it logs and returns a nil response and
// no error. Backend failures are returned.
func (a *Agent) Think(ctx context.Context, input string) (*domain.ChatResponse, error) {
	a.mu.Lock()
	backend := a.backend
	if backend == nil {
		a.mu.Unlock()
		a.logger.Error("agent has no backend bound")
		return nil, nil
	}
	a.history = append(a.history, domain.Message{Role: domain.RoleUser, Content: input, Timestamp: time.Now()})
	a.history = trimHistory(a.history, a.cfg.MaxHistory)
	req := domain.ChatRequest{
		Model:       a.cfg.Model,
		Messages:    slices.Clone(a.history),
		Tools:       a.tools.Schemas(),
		Temperature: a.cfg.Temperature,
	}
	a.mu.Unlock()

	ctx, span := tracer.StartSpan(ctx, "agent.think", trace.WithAttributes(
		tracer.StringAttr("agent.id", a.id),
		tracer.StringAttr("agent.backend", a.cfg.Backend),
		tracer.IntAttr("agent.history", len(req.Messages)),
	))
	defer span.End()

	start := time.Now()
	resp, err := backend.Chat(ctx, req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("agent %s: think: %w", a.id, err)
	}
	a.metrics.AgentThink(a.cfg.Name, a.cfg.Backend, time.Since(start), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	msg := resp.Message
	if msg.Role == "" {
		msg.Role = domain.RoleAssistant
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	a.mu.Lock()
	a.history = append(a.history, msg)
	a.lastResp = resp
	a.mu.Unlock()

	span.SetAttributes(tracer.IntAttr("llm.total_tokens", resp.Usage.TotalTokens))
	tracer.SetOK(span)
	a.logger.Debug("agent completed thinking", "tokens", resp.Usage.TotalTokens, "finish_reason", resp.FinishReason)
	return resp, nil
}

// trimHistory keeps every system message plus the most recent other
// messages so the result holds at most limit entries, in their original
// order. The newest message always survives.
func trimHistory(history []domain.Message, limit int) []domain.Message {
	if limit <= 0 || len(history) <= limit {
		return history
	}
	system := 0
	for _, m := range history {
		if m.Role == domain.RoleSystem {
			system++
		}
	}
	keep := max(limit-system, 1)

	out := make([]domain.Message, 0, limit)
	recent := 0
	cut := len(history)
	for i := len(history) - 1; i >= 0 && recent < keep; i-- {
		if history[i].Role != domain.RoleSystem {
			recent++
			cut = i
		}
	}
	for i, m := range history {
		if m.Role == domain.RoleSystem || i >= cut {
			out = append(out, m)
		}
	}
	return out
}

// Emit publishes an event sourced from this agent.
func (a *Agent) Emit(ctx context.Context, topic string, payload map[string]any, priority domain.Priority, opts ...domain.EventOption) error {
	opts = append([]domain.EventOption{domain.WithSource(a.id), domain.WithPriority(priority)}, opts...)
	return a.router.Publish(ctx, domain.NewEvent(topic, payload, opts...))
}

// ValidToolCalls returns the calls in resp that match a declared tool and
// its parameter schema. Rejected calls are logged.
func (a *Agent) ValidToolCalls(resp *domain.ChatResponse) []domain.ToolCall {
	if resp == nil || len(resp.Message.ToolCalls) == 0 {
		return nil
	}
	a.mu.Lock()
	tools := a.tools
	a.mu.Unlock()

	valid, errs := tools.Partition(resp.Message.ToolCalls)
	for _, err := range errs {
		a.logger.Warn("rejected tool call", "error", err)
	}
	return valid
}

// ID returns the unique agent id, "<name>-<6 chars>".
func (a *Agent) ID() string { return a.id }

// Name returns the configured agent name.
func (a *Agent) Name() string { return a.cfg.Name }

// Config returns the agent configuration with defaults applied.
func (a *Agent) Config() domain.AgentConfig { return a.cfg }

// Logger returns the agent's logger.
func (a *Agent) Logger() *slog.Logger { return a.logger }

// State returns the current lifecycle state.
func (a *Agent) State() domain.AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Backend returns the bound backend, nil before initialization.
func (a *Agent) Backend() domain.Backend {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.backend
}

// History returns a copy of the conversation.
func (a *Agent) History() []domain.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.history)
}

// LastResponse returns the most recent completion produced while handling
// the current event, or nil.
func (a *Agent) LastResponse() *domain.ChatResponse {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastResp
}

// Status returns a snapshot for status reporting.
func (a *Agent) Status() domain.AgentStatus {
	return domain.AgentStatus{ID: a.id, Name: a.cfg.Name, State: a.State(), Backend: a.cfg.Backend}
}

// metadata merges md with the agent name, for callers building events.
func (a *Agent) metadata(md map[string]any) map[string]any {
	out := maps.Clone(md)
	if out == nil {
		out = make(map[string]any, 1)
	}
	out["agent"] = a.cfg.Name
	return out
}
