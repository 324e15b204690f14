// Package swarm wires the event router, task scheduler, backend registry and
// agents into one runnable swarm.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"swarmx/internal/adapter/llm"
	"swarmx/internal/domain"
	"swarmx/internal/infra/config"
	"swarmx/internal/infra/metrics"
	"swarmx/internal/usecase/agent"
	"swarmx/internal/usecase/eventbus"
	"swarmx/internal/usecase/scheduling"
)

// SubscriberID identifies the coordinator's own router subscriptions.
const SubscriberID = "coordinator"

// maxTaskName bounds task names derived from content, in runes.
const maxTaskName = 50

// Option configures a Coordinator.
type Option func(*options)

type options struct {
	router     eventbus.Config
	registerer prometheus.Registerer
	registry   *llm.Registry
}

// WithRouterConfig sizes the event router.
func WithRouterConfig(cfg eventbus.Config) Option {
	return func(o *options) { o.router = cfg }
}

// WithRegisterer registers router, scheduler and agent metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithRegistry uses r instead of a fresh registry with the built-in backends.
func WithRegistry(r *llm.Registry) Option {
	return func(o *options) { o.registry = r }
}

// Coordinator is the composition root of a swarm.
type Coordinator struct {
	logger    *slog.Logger
	bus       *eventbus.Bus
	scheduler *scheduling.Scheduler
	backends  *llm.Registry
	metrics   *metrics.Metrics

	mu      sync.Mutex
	agents  map[string]*agent.Agent
	order   []string
	running bool
}

// New builds a coordinator with its own router, scheduler and registry.
func New(logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var m *metrics.Metrics
	if o.registerer != nil {
		m = metrics.MustNewMetrics(o.registerer)
	}
	registry := o.registry
	if registry == nil {
		registry = llm.NewRegistry(logger)
	}

	bus := eventbus.New(o.router, logger, eventbus.WithMetrics(m))
	c := &Coordinator{
		logger:    logger.With("component", "coordinator"),
		bus:       bus,
		scheduler: scheduling.New(bus, logger, scheduling.WithMetrics(m)),
		backends:  registry,
		metrics:   m,
		agents:    make(map[string]*agent.Agent),
	}
	bus.Subscribe(domain.TopicAgentResponse+".*", c.onAgentResponse, SubscriberID, domain.PriorityLow)
	bus.Subscribe(domain.TopicAgentError, c.onAgentError, SubscriberID, domain.PriorityLow)
	return c
}

// RegisterBackend makes a ready backend available under name.
func (c *Coordinator) RegisterBackend(name string, b domain.Backend) error {
	return c.backends.RegisterInstance(name, b)
}

// DeclareBackend registers a backend built on first use from cfg.
func (c *Coordinator) DeclareBackend(name string, cfg config.BackendConfig) error {
	return c.backends.Declare(name, cfg)
}

// AddAgent creates an agent bound to the coordinator's router and registry.
// Agents added while running must be initialized by the caller.
func (c *Coordinator) AddAgent(cfg domain.AgentConfig, opts ...agent.Option) *agent.Agent {
	opts = append([]agent.Option{agent.WithMetrics(c.metrics)}, opts...)
	a := agent.New(cfg, c.bus, c.backends, c.logger, opts...)

	c.mu.Lock()
	c.agents[a.ID()] = a
	c.order = append(c.order, a.ID())
	c.mu.Unlock()

	c.logger.Info("agent added", "agent_id", a.ID())
	return a
}

// Agent looks up an agent by id.
func (c *Coordinator) Agent(id string) (*agent.Agent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.agents[id]
	return a, ok
}

// AgentsByName returns every agent created from a config with that name.
func (c *Coordinator) AgentsByName(name string) []*agent.Agent {
	var out []*agent.Agent
	for _, a := range c.Agents() {
		if a.Name() == name {
			out = append(out, a)
		}
	}
	return out
}

// Agents returns all agents in the order they were added.
func (c *Coordinator) Agents() []*agent.Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*agent.Agent, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.agents[id])
	}
	return out
}

// Start runs the router, initializes every agent concurrently and starts the
// scheduler. If any agent fails to initialize, everything already started is
// stopped and the initialization errors are returned joined. Starting a
// running coordinator is a no-op.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.logger.Warn("coordinator already running")
		return nil
	}
	c.logger.Info("starting swarm")

	if err := c.bus.Start(ctx); err != nil {
		return fmt.Errorf("start router: %w", err)
	}

	agents := make([]*agent.Agent, 0, len(c.order))
	for _, id := range c.order {
		agents = append(agents, c.agents[id])
	}
	errs := make([]error, len(agents))
	var g errgroup.Group
	for i, a := range agents {
		g.Go(func() error {
			errs[i] = a.Initialize(ctx)
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		c.logger.Error("agent initialization failed, rolling back", "error", err)
		return errors.Join(err, c.rollback(ctx, agents))
	}

	if err := c.scheduler.Start(ctx); err != nil {
		return errors.Join(fmt.Errorf("start scheduler: %w", err), c.rollback(ctx, agents))
	}

	c.running = true
	c.logger.Info("swarm started", "agents", len(agents), "backends", len(c.backends.Available()))
	return nil
}

func (c *Coordinator) rollback(ctx context.Context, agents []*agent.Agent) error {
	return errors.Join(c.shutdownAgents(ctx, agents), c.bus.Stop(ctx))
}

// Stop shuts agents down, stops the scheduler and drains the router. Stopping
// a coordinator that is not running is a no-op. A stopped coordinator cannot
// be restarted.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.logger.Info("stopping swarm")

	agents := make([]*agent.Agent, 0, len(c.order))
	for _, id := range c.order {
		agents = append(agents, c.agents[id])
	}
	err := errors.Join(
		c.shutdownAgents(ctx, agents),
		c.scheduler.Stop(ctx),
		c.bus.Stop(ctx),
	)
	c.running = false
	c.logger.Info("swarm stopped")
	return err
}

func (c *Coordinator) shutdownAgents(ctx context.Context, agents []*agent.Agent) error {
	errs := make([]error, len(agents))
	var g errgroup.Group
	for i, a := range agents {
		g.Go(func() error {
			errs[i] = a.Shutdown(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Running reports whether Start has succeeded and Stop has not been called.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// TaskOption customizes a task built by SubmitTask.
type TaskOption func(*domain.Task)

// WithTaskName overrides the name derived from the content.
func WithTaskName(name string) TaskOption {
	return func(t *domain.Task) { t.Name = name }
}

// WithTargetTopic publishes the task on topic instead of task.created.
func WithTargetTopic(topic string) TaskOption {
	return func(t *domain.Task) { t.TargetTopic = topic }
}

// WithPayload adds fields to the task payload. They override "content".
func WithPayload(extra map[string]any) TaskOption {
	return func(t *domain.Task) { maps.Copy(t.Payload, extra) }
}

// WithDependencies holds the task until the given tasks complete.
func WithDependencies(ids ...string) TaskOption {
	return func(t *domain.Task) { t.Dependencies = append(t.Dependencies, ids...) }
}

// WithTaskPriority sets the priority of the activation event.
func WithTaskPriority(p domain.Priority) TaskOption {
	return func(t *domain.Task) { t.Priority = p }
}

// WithTaskID uses id instead of a generated one.
func WithTaskID(id string) TaskOption {
	return func(t *domain.Task) { t.ID = id }
}

// NewTask wraps content into a task: the first 50 runes become its name, the
// full text its description, and the payload carries it as "content".
func NewTask(content string, opts ...TaskOption) domain.Task {
	t := domain.Task{
		Name:        truncateRunes(content, maxTaskName),
		Description: content,
		TargetTopic: domain.TopicTaskCreated,
		Payload:     map[string]any{"content": content},
		Priority:    domain.PriorityNormal,
	}
	for _, opt := range opts {
		opt(&t)
	}
	return t
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// SubmitTask hands content to the scheduler and returns the task id.
func (c *Coordinator) SubmitTask(ctx context.Context, content string, opts ...TaskOption) (string, error) {
	return c.scheduler.Submit(ctx, NewTask(content, opts...))
}

// Broadcast publishes payload on topic with the coordinator as source.
func (c *Coordinator) Broadcast(ctx context.Context, topic string, payload map[string]any) error {
	return c.bus.Publish(ctx, domain.NewEvent(topic, payload, domain.WithSource(SubscriberID)))
}

// Bus returns the event router.
func (c *Coordinator) Bus() *eventbus.Bus { return c.bus }

// Scheduler returns the task scheduler.
func (c *Coordinator) Scheduler() *scheduling.Scheduler { return c.scheduler }

// Backends returns the backend registry.
func (c *Coordinator) Backends() *llm.Registry { return c.backends }

// Status is a point-in-time snapshot of a swarm.
type Status struct {
	Running   bool                 `json:"running"`
	Agents    []domain.AgentStatus `json:"agents"`
	Backends  []string             `json:"backends"`
	Router    RouterStatus         `json:"router"`
	Scheduler SchedulerStatus      `json:"scheduler"`
}

// RouterStatus summarizes the event router.
type RouterStatus struct {
	eventbus.Stats
	Subscriptions int `json:"subscriptions"`
	Pending       int `json:"pending"`
}

// SchedulerStatus counts tasks that have not finished.
type SchedulerStatus struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
}

// Status returns the current snapshot.
func (c *Coordinator) Status() Status {
	agents := c.Agents()
	st := Status{
		Running:  c.Running(),
		Agents:   make([]domain.AgentStatus, 0, len(agents)),
		Backends: c.backends.Available(),
		Router: RouterStatus{
			Stats:         c.bus.Stats(),
			Subscriptions: c.bus.SubscriptionCount(),
			Pending:       c.bus.Pending(),
		},
		Scheduler: SchedulerStatus{
			Pending: c.scheduler.PendingCount(),
			Running: c.scheduler.RunningCount(),
		},
	}
	for _, a := range agents {
		st.Agents = append(st.Agents, a.Status())
	}
	return st
}

func (c *Coordinator) onAgentResponse(_ context.Context, ev domain.Event) error {
	c.logger.Debug("agent response",
		"agent_id", ev.String("agent_id"),
		"content", preview(ev.String("content"), 100),
	)
	return nil
}

func (c *Coordinator) onAgentError(_ context.Context, ev domain.Event) error {
	agentID := ev.String("agent_id")
	if agentID == "" {
		agentID = "unknown"
	}
	c.logger.Error("agent error", "agent_id", agentID, "event_topic", ev.String("event_topic"), "error", ev.String("error"))
	return nil
}

func preview(s string, n int) string {
	if t := truncateRunes(s, n); t != s {
		return t + "..."
	}
	return s
}
