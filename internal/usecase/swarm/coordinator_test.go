package swarm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmx/internal/adapter/llm"
	"swarmx/internal/domain"
	"swarmx/internal/infra/config"
	"swarmx/internal/usecase/agent"
)

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func echoConfig(prefix string) config.BackendConfig {
	return config.BackendConfig{Type: "echo", Extra: map[string]any{"prefix": prefix}}
}

type failingBackend struct{}

func (failingBackend) Name() string { return "failing" }
func (failingBackend) Chat(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
	return nil, errors.New("backend unavailable")
}

// countingBackend counts the requests it forwards.
type countingBackend struct {
	domain.Backend
	calls atomic.Int32
}

func (b *countingBackend) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	b.calls.Add(1)
	return b.Backend.Chat(ctx, req)
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) handle(_ context.Context, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Topic)
	}
	return out
}

func startCoordinator(t *testing.T, c *Coordinator) {
	t.Helper()
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
}

func waitForTask(t *testing.T, c *Coordinator, id string, want domain.TaskStatus) domain.Task {
	t.Helper()
	require.Eventually(t, func() bool {
		st, ok := c.Scheduler().Status(id)
		return ok && st == want
	}, 2*time.Second, 5*time.Millisecond)
	task, _ := c.Scheduler().Task(id)
	return task
}

func TestSingleAgentCompletesTask(t *testing.T) {
	c := New(discard())
	require.NoError(t, c.DeclareBackend("local", echoConfig("echo: ")))
	a := c.AddAgent(domain.AgentConfig{Name: "writer", Backend: "local", SystemPrompt: "You write."},
		agent.WithBehavior(agent.TaskReporter{}))
	startCoordinator(t, c)

	id, err := c.SubmitTask(context.Background(), "Write a haiku about Go")
	require.NoError(t, err)

	task := waitForTask(t, c, id, domain.TaskCompleted)
	assert.Equal(t, "echo: Write a haiku about Go", task.Result)
	assert.Equal(t, domain.AgentIdle, a.State())
	history := a.History()
	require.Len(t, history, 3)
	assert.Equal(t, domain.RoleSystem, history[0].Role)
}

func TestTwoAgentPipeline(t *testing.T) {
	c := New(discard())
	require.NoError(t, c.DeclareBackend("researcher-llm", echoConfig("[r] ")))
	require.NoError(t, c.DeclareBackend("writer-llm", echoConfig("[w] ")))
	c.AddAgent(domain.AgentConfig{Name: "researcher", Backend: "researcher-llm"})
	c.AddAgent(domain.AgentConfig{
		Name:          "writer",
		Backend:       "writer-llm",
		Subscriptions: []string{domain.ResponseTopic("researcher")},
	}, agent.WithBehavior(agent.TaskReporter{}))
	startCoordinator(t, c)

	id, err := c.SubmitTask(context.Background(), "quantum computing")
	require.NoError(t, err)

	task := waitForTask(t, c, id, domain.TaskCompleted)
	assert.Equal(t, "[w] [r] quantum computing", task.Result)

	var topics []string
	for _, ev := range c.Bus().RecentEvents(0) {
		topics = append(topics, ev.Topic)
	}
	assert.Subset(t, topics, []string{
		domain.TopicTaskCreated,
		domain.ResponseTopic("researcher"),
		domain.ResponseTopic("writer"),
		domain.TopicTaskCompleted,
	})
}

func TestTwoAgentsFanOut(t *testing.T) {
	c := New(discard())
	backA := &countingBackend{Backend: llm.NewEcho(echoConfig("[a] "))}
	backB := &countingBackend{Backend: llm.NewEcho(echoConfig("[b] "))}
	require.NoError(t, c.RegisterBackend("llm-a", backA))
	require.NoError(t, c.RegisterBackend("llm-b", backB))
	a := c.AddAgent(domain.AgentConfig{Name: "a", Backend: "llm-a"})
	b := c.AddAgent(domain.AgentConfig{Name: "b", Backend: "llm-b"})
	startCoordinator(t, c)

	_, err := c.SubmitTask(context.Background(), "fan out")
	require.NoError(t, err)

	responses := func() (created []domain.Event, fromA, fromB []domain.Event) {
		for _, ev := range c.Bus().RecentEvents(0) {
			switch ev.Topic {
			case domain.TopicTaskCreated:
				created = append(created, ev)
			case domain.ResponseTopic("a"):
				fromA = append(fromA, ev)
			case domain.ResponseTopic("b"):
				fromB = append(fromB, ev)
			}
		}
		return created, fromA, fromB
	}
	require.Eventually(t, func() bool {
		_, fromA, fromB := responses()
		return len(fromA) > 0 && len(fromB) > 0
	}, 2*time.Second, 5*time.Millisecond)

	created, fromA, fromB := responses()
	require.Len(t, created, 1)
	require.Len(t, fromA, 1)
	require.Len(t, fromB, 1)
	assert.Equal(t, a.ID(), fromA[0].String("agent_id"))
	assert.Equal(t, b.ID(), fromB[0].String("agent_id"))
	assert.NotEqual(t, fromA[0].String("agent_id"), fromB[0].String("agent_id"))
	assert.Equal(t, created[0].ID, fromA[0].String("source_event"))
	assert.Equal(t, created[0].ID, fromB[0].String("source_event"))
	assert.Equal(t, "[a] fan out", fromA[0].String("content"))
	assert.Equal(t, "[b] fan out", fromB[0].String("content"))

	assert.EqualValues(t, 1, backA.calls.Load())
	assert.EqualValues(t, 1, backB.calls.Load())

	for _, tc := range []struct {
		agent *agent.Agent
		reply string
	}{{a, "[a] fan out"}, {b, "[b] fan out"}} {
		history := tc.agent.History()
		require.Len(t, history, 2, tc.agent.Name())
		assert.Equal(t, "fan out", history[0].Content)
		assert.Equal(t, domain.RoleUser, history[0].Role)
		assert.Equal(t, domain.RoleAssistant, history[1].Role)
		assert.Equal(t, tc.reply, history[1].Content, tc.agent.Name())
	}
}

func TestTaskDependenciesThroughCoordinator(t *testing.T) {
	c := New(discard())
	require.NoError(t, c.DeclareBackend("local", echoConfig("")))
	c.AddAgent(domain.AgentConfig{Name: "worker", Backend: "local"}, agent.WithBehavior(agent.TaskReporter{}))
	startCoordinator(t, c)

	first, err := c.SubmitTask(context.Background(), "gather sources")
	require.NoError(t, err)
	second, err := c.SubmitTask(context.Background(), "write summary", WithDependencies(first))
	require.NoError(t, err)

	waitForTask(t, c, second, domain.TaskCompleted)
	a, _ := c.Scheduler().Task(first)
	b, _ := c.Scheduler().Task(second)
	assert.False(t, b.StartedAt.Before(a.CompletedAt), "dependent starts after its dependency completes")
}

func TestAgentFailureFailsTask(t *testing.T) {
	c := New(discard())
	require.NoError(t, c.RegisterBackend("down", failingBackend{}))
	a := c.AddAgent(domain.AgentConfig{Name: "worker", Backend: "down"}, agent.WithBehavior(agent.TaskReporter{}))
	startCoordinator(t, c)

	id, err := c.SubmitTask(context.Background(), "anything")
	require.NoError(t, err)

	task := waitForTask(t, c, id, domain.TaskFailed)
	assert.Equal(t, "processing failed", task.Error)
	assert.Eventually(t, func() bool { return a.State() == domain.AgentIdle }, time.Second, 5*time.Millisecond)
}

func TestStartRollsBackOnAgentFailure(t *testing.T) {
	c := New(discard())
	require.NoError(t, c.DeclareBackend("local", echoConfig("")))
	good := c.AddAgent(domain.AgentConfig{Name: "good", Backend: "local"})
	bad := c.AddAgent(domain.AgentConfig{Name: "bad", Backend: "missing"})

	err := c.Start(context.Background())
	require.ErrorIs(t, err, domain.ErrBackendNotFound)
	assert.Contains(t, err.Error(), bad.ID())
	assert.False(t, c.Running())
	assert.Equal(t, domain.AgentShutdown, good.State())

	err = c.Broadcast(context.Background(), "anything", nil)
	assert.ErrorIs(t, err, domain.ErrRouterClosed)
}

func TestStartAndStopAreIdempotent(t *testing.T) {
	c := New(discard())
	require.NoError(t, c.DeclareBackend("local", echoConfig("")))
	c.AddAgent(domain.AgentConfig{Name: "a", Backend: "local"})

	require.NoError(t, c.Stop(context.Background()), "stop before start")
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.Running())
	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
	assert.False(t, c.Running())
	for _, a := range c.Agents() {
		assert.Equal(t, domain.AgentShutdown, a.State())
	}
}

func TestAgentLookup(t *testing.T) {
	c := New(discard())
	a1 := c.AddAgent(domain.AgentConfig{Name: "twin", Backend: "x"})
	a2 := c.AddAgent(domain.AgentConfig{Name: "twin", Backend: "x"})
	c.AddAgent(domain.AgentConfig{Name: "solo", Backend: "x"})

	got, ok := c.Agent(a2.ID())
	require.True(t, ok)
	assert.Same(t, a2, got)
	_, ok = c.Agent("nobody")
	assert.False(t, ok)

	assert.Equal(t, []*agent.Agent{a1, a2}, c.AgentsByName("twin"))
	assert.Empty(t, c.AgentsByName("ghost"))
	assert.Len(t, c.Agents(), 3)
	assert.Same(t, a1, c.Agents()[0])
}

func TestBroadcast(t *testing.T) {
	c := New(discard())
	rec := &recorder{}
	c.Bus().Subscribe("alerts.*", rec.handle, "test", domain.PriorityNormal)
	startCoordinator(t, c)

	require.NoError(t, c.Broadcast(context.Background(), "alerts.disk", map[string]any{"usage": 0.93}))
	require.NoError(t, c.Bus().Stop(context.Background()))

	require.Equal(t, []string{"alerts.disk"}, rec.topics())
	assert.Equal(t, SubscriberID, rec.events[0].Source)
	assert.InDelta(t, 0.93, rec.events[0].Payload["usage"], 1e-9)
}

func TestNewTask(t *testing.T) {
	long := strings.Repeat("é", 60)
	task := NewTask(long)
	assert.Equal(t, strings.Repeat("é", 50), task.Name)
	assert.Equal(t, long, task.Description)
	assert.Equal(t, domain.TopicTaskCreated, task.TargetTopic)
	assert.Equal(t, map[string]any{"content": long}, task.Payload)

	task = NewTask("short",
		WithTaskName("named"),
		WithTargetTopic("research.start"),
		WithPayload(map[string]any{"depth": 2}),
		WithTaskPriority(domain.PriorityHigh),
		WithTaskID("task-1"),
		WithDependencies("a", "b"),
	)
	assert.Equal(t, "named", task.Name)
	assert.Equal(t, "research.start", task.TargetTopic)
	assert.Equal(t, map[string]any{"content": "short", "depth": 2}, task.Payload)
	assert.Equal(t, domain.PriorityHigh, task.Priority)
	assert.Equal(t, "task-1", task.ID)
	assert.Equal(t, []string{"a", "b"}, task.Dependencies)
}

func TestStatus(t *testing.T) {
	c := New(discard())
	require.NoError(t, c.DeclareBackend("zeta", echoConfig("")))
	require.NoError(t, c.RegisterBackend("alpha", failingBackend{}))
	a := c.AddAgent(domain.AgentConfig{Name: "writer", Backend: "zeta", Subscriptions: []string{"a", "b"}})

	st := c.Status()
	assert.False(t, st.Running)
	require.Len(t, st.Agents, 1)
	assert.Equal(t, domain.AgentStatus{ID: a.ID(), Name: "writer", State: domain.AgentCreated, Backend: "zeta"}, st.Agents[0])
	assert.Contains(t, st.Backends, "alpha")
	assert.Contains(t, st.Backends, "zeta")
	assert.IsIncreasing(t, st.Backends)

	startCoordinator(t, c)
	st = c.Status()
	assert.True(t, st.Running)
	assert.Equal(t, domain.AgentIdle, st.Agents[0].State)
	// coordinator (2) + scheduler (2) + agent (2)
	assert.Equal(t, 6, st.Router.Subscriptions)
	assert.Zero(t, st.Scheduler.Pending)
}

func TestCoordinatorMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(discard(), WithRegisterer(reg))
	require.NoError(t, c.DeclareBackend("local", echoConfig("")))
	c.AddAgent(domain.AgentConfig{Name: "worker", Backend: "local"}, agent.WithBehavior(agent.TaskReporter{}))
	startCoordinator(t, c)

	id, err := c.SubmitTask(context.Background(), "count me")
	require.NoError(t, err)
	waitForTask(t, c, id, domain.TaskCompleted)

	n, err := testutil.GatherAndCount(reg, "swarmx_eventbus_published_total", "swarmx_scheduler_tasks_total")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 2)
}

const definitionYAML = `
swarm:
  name: test-swarm
  backends:
    local:
      type: echo
      extra: {prefix: "ok: "}
  agents:
    summarizer:
      provider: local
      system_prompt: Summarize.
      complete_tasks: true
    listener:
      backend: local
      subscriptions: [digest.*]
  schedules:
    - name: hourly-digest
      schedule: 1h
      content: summarize the last hour
      target_topic: digest.hourly
      priority: high
`

func TestFromDefinition(t *testing.T) {
	def, err := config.Parse([]byte(definitionYAML))
	require.NoError(t, err)

	c, err := FromDefinition(def, discard())
	require.NoError(t, err)

	assert.True(t, c.Backends().Has("local"))
	require.Len(t, c.Agents(), 2)
	assert.Equal(t, "listener", c.Agents()[0].Name(), "agents are added in name order")
	require.Len(t, c.AgentsByName("summarizer"), 1)
	assert.Equal(t, []string{"digest.*"}, c.AgentsByName("listener")[0].Config().Subscriptions)
	_, ok := c.Scheduler().NextRun("hourly-digest")
	assert.True(t, ok)

	startCoordinator(t, c)
	id, err := c.SubmitTask(context.Background(), "ping")
	require.NoError(t, err)
	task := waitForTask(t, c, id, domain.TaskCompleted)
	assert.Equal(t, "ok: ping", task.Result)
}

func TestRecurringTaskFromSchedule(t *testing.T) {
	rt, err := recurringTask(config.ScheduleConfig{
		Name:        "digest",
		Schedule:    "@hourly",
		Content:     "summarize",
		Description: "hourly summary",
		TargetTopic: "digest.hourly",
		Priority:    "critical",
		Payload:     map[string]any{"window": "1h"},
	})
	require.NoError(t, err)
	assert.Equal(t, "digest", rt.Name)
	assert.Equal(t, "@hourly", rt.Schedule)
	assert.Equal(t, "digest", rt.Template.Name)
	assert.Equal(t, "hourly summary", rt.Template.Description)
	assert.Equal(t, "digest.hourly", rt.Template.TargetTopic)
	assert.Equal(t, domain.PriorityCritical, rt.Template.Priority)
	assert.Equal(t, map[string]any{"content": "summarize", "window": "1h"}, rt.Template.Payload)

	_, err = recurringTask(config.ScheduleConfig{Name: "bad", Priority: "urgent"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
