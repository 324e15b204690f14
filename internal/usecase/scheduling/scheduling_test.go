package scheduling

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmx/internal/domain"
	"swarmx/internal/infra/metrics"
	"swarmx/internal/usecase/eventbus"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRouter records published events and lets tests deliver completion
// events synchronously.
type fakeRouter struct {
	mu        sync.Mutex
	handlers  map[string]domain.EventHandler
	published []domain.Event
	ctxs      []context.Context
	err       error
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{handlers: make(map[string]domain.EventHandler)}
}

func (r *fakeRouter) Subscribe(pattern string, h domain.EventHandler, id string, _ domain.Priority) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[pattern] = h
	return id
}

func (r *fakeRouter) Publish(ctx context.Context, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctxs = append(r.ctxs, ctx)
	if r.err != nil {
		return r.err
	}
	r.published = append(r.published, ev)
	return nil
}

func (r *fakeRouter) events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.published...)
}

func (r *fakeRouter) publishedIDs() []string {
	var ids []string
	for _, ev := range r.events() {
		ids = append(ids, ev.String("task_id"))
	}
	return ids
}

func (r *fakeRouter) deliver(t *testing.T, topic string, payload map[string]any) {
	t.Helper()
	r.mu.Lock()
	h := r.handlers[topic]
	r.mu.Unlock()
	require.NotNil(t, h, "no handler for %s", topic)
	require.NoError(t, h(context.Background(), domain.NewEvent(topic, payload)))
}

func (r *fakeRouter) complete(t *testing.T, id string, result any) {
	r.deliver(t, domain.TopicTaskCompleted, map[string]any{"task_id": id, "result": result})
}

func (r *fakeRouter) fail(t *testing.T, id string, msg string) {
	payload := map[string]any{"task_id": id}
	if msg != "" {
		payload["error"] = msg
	}
	r.deliver(t, domain.TopicTaskFailed, payload)
}

func newTestScheduler(t *testing.T, opts ...Option) (*Scheduler, *fakeRouter) {
	t.Helper()
	router := newFakeRouter()
	s := New(router, newTestLogger(), opts...)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s, router
}

func status(t *testing.T, s *Scheduler, id string) domain.TaskStatus {
	t.Helper()
	st, ok := s.Status(id)
	require.True(t, ok, "task %s unknown", id)
	return st
}

func TestNewSubscribesToCompletionTopics(t *testing.T) {
	_, router := newTestScheduler(t)
	assert.Contains(t, router.handlers, domain.TopicTaskCompleted)
	assert.Contains(t, router.handlers, domain.TopicTaskFailed)
}

func TestSubmitWithoutDependenciesRunsImmediately(t *testing.T) {
	s, router := newTestScheduler(t)

	id, err := s.Submit(context.Background(), domain.Task{
		Name:        "summarize",
		Description: "Summarize the report",
		Priority:    domain.PriorityHigh,
		Payload:     map[string]any{"lang": "en"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, domain.TaskRunning, status(t, s, id))

	events := router.events()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, domain.TopicTaskCreated, ev.Topic)
	assert.Equal(t, SubscriberID, ev.Source)
	assert.Equal(t, domain.PriorityHigh, ev.Priority)
	assert.Equal(t, id, ev.String("task_id"))
	assert.Equal(t, id, ev.MetaString("task_id"))
	assert.Equal(t, "summarize", ev.String("name"))
	assert.Equal(t, "Summarize the report", ev.String("content"), "content falls back to description")
	assert.Equal(t, "en", ev.String("lang"))

	task, ok := s.Task(id)
	require.True(t, ok)
	assert.False(t, task.CreatedAt.IsZero())
	assert.False(t, task.StartedAt.IsZero())
}

func TestSubmitPayloadContentWins(t *testing.T) {
	s, router := newTestScheduler(t)
	_, err := s.Submit(context.Background(), domain.Task{
		Description: "ignored",
		TargetTopic: "research.request",
		Payload:     map[string]any{"content": "explicit", "task_id": "spoofed"},
	})
	require.NoError(t, err)

	ev := router.events()[0]
	assert.Equal(t, "research.request", ev.Topic)
	assert.Equal(t, "explicit", ev.String("content"))
	assert.NotEqual(t, "spoofed", ev.String("task_id"))
}

func TestSubmitRejectsInvalidTasks(t *testing.T) {
	s, _ := newTestScheduler(t)

	_, err := s.Submit(context.Background(), domain.Task{ID: "t1"})
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), domain.Task{ID: "t1"})
	assert.ErrorIs(t, err, domain.ErrDuplicate)

	_, err = s.Submit(context.Background(), domain.Task{Delay: -time.Second})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestDependentWaitsForCompletion(t *testing.T) {
	s, router := newTestScheduler(t)
	ctx := context.Background()

	a, _ := s.Submit(ctx, domain.Task{ID: "a"})
	b, _ := s.Submit(ctx, domain.Task{ID: "b", Dependencies: []string{a}})
	assert.Equal(t, domain.TaskPending, status(t, s, b))
	assert.Equal(t, 1, s.PendingCount())
	assert.Equal(t, 1, s.RunningCount())

	router.complete(t, a, "done")

	assert.Equal(t, domain.TaskCompleted, status(t, s, a))
	assert.Equal(t, domain.TaskRunning, status(t, s, b))
	assert.Equal(t, []string{"a", "b"}, router.publishedIDs())

	task, _ := s.Task(a)
	assert.Equal(t, "done", task.Result)
	assert.False(t, task.CompletedAt.IsZero())
}

func TestCompletionCascadesInSubmissionOrder(t *testing.T) {
	s, router := newTestScheduler(t)
	ctx := context.Background()

	_, _ = s.Submit(ctx, domain.Task{ID: "root"})
	_, _ = s.Submit(ctx, domain.Task{ID: "c1", Dependencies: []string{"root"}})
	_, _ = s.Submit(ctx, domain.Task{ID: "c2", Dependencies: []string{"root"}})
	_, _ = s.Submit(ctx, domain.Task{ID: "c3", Dependencies: []string{"root", "c1"}})

	router.complete(t, "root", nil)
	assert.Equal(t, []string{"root", "c1", "c2"}, router.publishedIDs())
	assert.Equal(t, domain.TaskPending, status(t, s, "c3"))

	router.complete(t, "c1", nil)
	assert.Equal(t, []string{"root", "c1", "c2", "c3"}, router.publishedIDs())
}

func TestFailedTaskDoesNotReleaseDependents(t *testing.T) {
	s, router := newTestScheduler(t)
	ctx := context.Background()

	_, _ = s.Submit(ctx, domain.Task{ID: "a"})
	_, _ = s.Submit(ctx, domain.Task{ID: "b", Dependencies: []string{"a"}})

	router.fail(t, "a", "")

	assert.Equal(t, domain.TaskFailed, status(t, s, "a"))
	task, _ := s.Task("a")
	assert.Equal(t, "unknown error", task.Error)
	assert.Equal(t, domain.TaskPending, status(t, s, "b"), "dependents of a failed task stay pending")
	assert.Len(t, router.events(), 1)

	assert.True(t, s.Cancel("b"))
	assert.Equal(t, domain.TaskCancelled, status(t, s, "b"))
}

func TestFailureRecordsError(t *testing.T) {
	s, router := newTestScheduler(t)
	_, _ = s.Submit(context.Background(), domain.Task{ID: "a"})

	router.fail(t, "a", "backend down")

	task, _ := s.Task("a")
	assert.Equal(t, "backend down", task.Error)
	assert.False(t, task.CompletedAt.IsZero())
}

func TestTerminalTasksIgnoreLaterEvents(t *testing.T) {
	s, router := newTestScheduler(t)
	_, _ = s.Submit(context.Background(), domain.Task{ID: "a"})

	router.complete(t, "a", "first")
	router.complete(t, "a", "second")
	router.fail(t, "a", "late failure")

	task, _ := s.Task("a")
	assert.Equal(t, domain.TaskCompleted, task.Status)
	assert.Equal(t, "first", task.Result)
	assert.Empty(t, task.Error)
}

func TestUnknownDependencyBlocks(t *testing.T) {
	s, router := newTestScheduler(t)
	id, err := s.Submit(context.Background(), domain.Task{Dependencies: []string{"ghost"}})
	require.NoError(t, err)

	assert.Equal(t, domain.TaskPending, status(t, s, id))
	assert.Empty(t, router.events())

	router.complete(t, "ghost", nil)
	assert.Equal(t, domain.TaskPending, status(t, s, id))
}

func TestCorrelationFallsBackToMetadata(t *testing.T) {
	s, router := newTestScheduler(t)
	_, _ = s.Submit(context.Background(), domain.Task{ID: "a"})

	h := router.handlers[domain.TopicTaskCompleted]
	ev := domain.NewEvent(domain.TopicTaskCompleted, map[string]any{"result": 42},
		domain.WithMetadata(map[string]any{"task_id": "a"}))
	require.NoError(t, h(context.Background(), ev))

	task, _ := s.Task("a")
	assert.Equal(t, domain.TaskCompleted, task.Status)
	assert.Equal(t, 42, task.Result)
}

func TestCancel(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	_, _ = s.Submit(ctx, domain.Task{ID: "running"})
	_, _ = s.Submit(ctx, domain.Task{ID: "waiting", Dependencies: []string{"running"}})

	assert.False(t, s.Cancel("unknown"))
	assert.False(t, s.Cancel("running"))
	assert.True(t, s.Cancel("waiting"))
	assert.False(t, s.Cancel("waiting"), "cancelled is terminal")

	_, ok := s.Status("unknown")
	assert.False(t, ok)
}

func TestCancelledDependentNotActivated(t *testing.T) {
	s, router := newTestScheduler(t)
	ctx := context.Background()

	_, _ = s.Submit(ctx, domain.Task{ID: "a"})
	_, _ = s.Submit(ctx, domain.Task{ID: "b", Dependencies: []string{"a"}})
	require.True(t, s.Cancel("b"))

	router.complete(t, "a", nil)
	assert.Equal(t, []string{"a"}, router.publishedIDs())
	assert.Equal(t, domain.TaskCancelled, status(t, s, "b"))
}

func TestDelayedTask(t *testing.T) {
	s, router := newTestScheduler(t)

	id, err := s.Submit(context.Background(), domain.Task{Delay: 30 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskScheduled, status(t, s, id))
	assert.Empty(t, router.events())

	require.Eventually(t, func() bool {
		st, _ := s.Status(id)
		return st == domain.TaskRunning
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{id}, router.publishedIDs())
}

func TestDelayedActivationSurvivesStop(t *testing.T) {
	router := newFakeRouter()
	s := New(router, newTestLogger())
	require.NoError(t, s.Start(context.Background()))

	id, err := s.Submit(context.Background(), domain.Task{Delay: 10 * time.Millisecond})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(router.events()) == 1
	}, time.Second, 2*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))

	router.mu.Lock()
	publishCtx := router.ctxs[0]
	router.mu.Unlock()
	assert.NoError(t, publishCtx.Err(), "activation publish is detached from scheduler shutdown")
	assert.Equal(t, domain.TaskRunning, status(t, s, id))
}

func TestDelayDoesNotBlockOtherWork(t *testing.T) {
	s, router := newTestScheduler(t)
	ctx := context.Background()

	_, _ = s.Submit(ctx, domain.Task{ID: "slow", Delay: time.Hour})
	_, err := s.Submit(ctx, domain.Task{ID: "fast"})
	require.NoError(t, err)

	assert.Equal(t, []string{"fast"}, router.publishedIDs())
	assert.Equal(t, domain.TaskScheduled, status(t, s, "slow"))
}

func TestCancelDuringDelay(t *testing.T) {
	s, router := newTestScheduler(t)

	id, _ := s.Submit(context.Background(), domain.Task{Delay: 20 * time.Millisecond})
	require.True(t, s.Cancel(id))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, domain.TaskCancelled, status(t, s, id))
	assert.Empty(t, router.events())
}

func TestStopCancelsDelays(t *testing.T) {
	router := newFakeRouter()
	s := New(router, newTestLogger())
	require.NoError(t, s.Start(context.Background()))

	id, _ := s.Submit(context.Background(), domain.Task{Delay: 20 * time.Millisecond})
	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()), "stop is idempotent")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, domain.TaskScheduled, status(t, s, id))
	assert.Empty(t, router.events())

	_, err := s.Submit(context.Background(), domain.Task{})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.ErrorIs(t, s.Start(context.Background()), domain.ErrInvalidState)
}

func TestCompletionAfterStopActivatesNothing(t *testing.T) {
	router := newFakeRouter()
	s := New(router, newTestLogger())
	ctx := context.Background()

	_, _ = s.Submit(ctx, domain.Task{ID: "a"})
	_, _ = s.Submit(ctx, domain.Task{ID: "b", Dependencies: []string{"a"}})
	require.NoError(t, s.Stop(ctx))

	router.complete(t, "a", nil)
	assert.Equal(t, domain.TaskCompleted, status(t, s, "a"))
	assert.Equal(t, domain.TaskPending, status(t, s, "b"))
}

func TestSubmitMany(t *testing.T) {
	s, router := newTestScheduler(t)

	ids, err := s.SubmitMany(context.Background(), []domain.Task{
		{ID: "first"},
		{ID: "second", Dependencies: []string{"first"}},
		{ID: "third"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, ids)
	assert.Equal(t, []string{"first", "third"}, router.publishedIDs())

	names := make([]string, 0, 3)
	for _, task := range s.Tasks() {
		names = append(names, task.ID)
	}
	assert.Equal(t, ids, names)
}

func TestSubmitManyStopsAtFirstError(t *testing.T) {
	s, _ := newTestScheduler(t)
	ids, err := s.SubmitMany(context.Background(), []domain.Task{
		{ID: "x"}, {ID: "x"}, {ID: "y"},
	})
	assert.ErrorIs(t, err, domain.ErrDuplicate)
	assert.Equal(t, []string{"x"}, ids)
}

func TestPublishFailureFailsTask(t *testing.T) {
	s, router := newTestScheduler(t)
	router.err = domain.ErrRouterClosed

	id, err := s.Submit(context.Background(), domain.Task{})
	assert.ErrorIs(t, err, domain.ErrRouterClosed)
	require.NotEmpty(t, id)

	task, _ := s.Task(id)
	assert.Equal(t, domain.TaskFailed, task.Status)
	assert.Contains(t, task.Error, "router stopped")
}

func TestTaskSnapshotsAreIsolated(t *testing.T) {
	s, _ := newTestScheduler(t)
	payload := map[string]any{"k": "v"}
	id, _ := s.Submit(context.Background(), domain.Task{Payload: payload})

	payload["k"] = "mutated"
	task, _ := s.Task(id)
	task.Payload["k"] = "also mutated"

	again, _ := s.Task(id)
	assert.Equal(t, "v", again.Payload["k"])
}

func TestAddRecurring(t *testing.T) {
	s, router := newTestScheduler(t)

	err := s.AddRecurring(RecurringTask{
		Name:     "digest",
		Schedule: "20ms",
		Template: domain.Task{ID: "fixed", Description: "daily digest"},
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	next, ok := s.NextRun("digest")
	require.True(t, ok)
	assert.False(t, next.IsZero())

	require.Eventually(t, func() bool { return len(router.events()) >= 2 }, 2*time.Second, 10*time.Millisecond)

	ids := router.publishedIDs()
	assert.NotEqual(t, ids[0], ids[1], "each firing gets a fresh id")
	assert.NotContains(t, ids, "fixed")
	assert.Equal(t, "digest", router.events()[0].String("name"))

	assert.True(t, s.RemoveRecurring("digest"))
	assert.False(t, s.RemoveRecurring("digest"))
}

func TestAddRecurringValidation(t *testing.T) {
	s, _ := newTestScheduler(t)

	err := s.AddRecurring(RecurringTask{Name: "bad", Schedule: "whenever"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	err = s.AddRecurring(RecurringTask{Schedule: "1m"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	require.NoError(t, s.AddRecurring(RecurringTask{Name: "ok", Schedule: "@hourly"}))
	err = s.AddRecurring(RecurringTask{Name: "ok", Schedule: "1m"})
	assert.ErrorIs(t, err, domain.ErrDuplicate)

	_, ok := s.NextRun("missing")
	assert.False(t, ok)
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"*/5 * * * *", false},
		{"0 9 * * 1-5", false},
		{"@daily", false},
		{"30s", false},
		{"250ms", false},
		{"", true},
		{"0s", true},
		{"-1m", true},
		{"every tuesday", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			sched, err := ParseSchedule(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			now := time.Now()
			assert.True(t, sched.Next(now).After(now))
		})
	}
}

func TestConstantDelayKeepsSubSecondPrecision(t *testing.T) {
	sched, err := ParseSchedule("250ms")
	require.NoError(t, err)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, base.Add(250*time.Millisecond), sched.Next(base))
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, router := newTestScheduler(t, WithMetrics(metrics.MustNewMetrics(reg)))
	ctx := context.Background()

	_, _ = s.Submit(ctx, domain.Task{ID: "a"})
	_, _ = s.Submit(ctx, domain.Task{ID: "b", Dependencies: []string{"a"}})

	expected := `
# HELP swarmx_scheduler_pending Tasks waiting for dependencies.
# TYPE swarmx_scheduler_pending gauge
swarmx_scheduler_pending 1
# HELP swarmx_scheduler_running Tasks whose event was published and await completion.
# TYPE swarmx_scheduler_running gauge
swarmx_scheduler_running 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"swarmx_scheduler_pending", "swarmx_scheduler_running"))

	router.complete(t, "a", nil)
	router.complete(t, "b", nil)

	expected = `
# HELP swarmx_scheduler_tasks_total Task state transitions by resulting status.
# TYPE swarmx_scheduler_tasks_total counter
swarmx_scheduler_tasks_total{status="completed"} 2
swarmx_scheduler_tasks_total{status="pending"} 2
swarmx_scheduler_tasks_total{status="running"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "swarmx_scheduler_tasks_total"))
}

// TestEndToEndWithRouter drives a dependency chain through the real event
// router: a worker completes every task it receives.
func TestEndToEndWithRouter(t *testing.T) {
	bus := eventbus.New(eventbus.Config{}, newTestLogger())
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })

	s := New(bus, newTestLogger())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	var mu sync.Mutex
	var seen []string
	bus.Subscribe(domain.TopicTaskCreated, func(ctx context.Context, ev domain.Event) error {
		id := ev.String("task_id")
		mu.Lock()
		seen = append(seen, id)
		mu.Unlock()
		if id == "flaky" {
			return bus.Publish(ctx, domain.NewEvent(domain.TopicTaskFailed, map[string]any{"task_id": id, "error": "boom"}))
		}
		return bus.Publish(ctx, domain.NewEvent(domain.TopicTaskCompleted, map[string]any{"task_id": id, "result": "ok:" + id}))
	}, "worker", domain.PriorityNormal)

	ids, err := s.SubmitMany(context.Background(), []domain.Task{
		{ID: "research"},
		{ID: "draft", Dependencies: []string{"research"}},
		{ID: "flaky", Dependencies: []string{"draft"}},
		{ID: "publish", Dependencies: []string{"flaky"}},
	})
	require.NoError(t, err)
	require.Len(t, ids, 4)

	require.Eventually(t, func() bool {
		st, _ := s.Status("flaky")
		return st == domain.TaskFailed
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, domain.TaskCompleted, status(t, s, "research"))
	assert.Equal(t, domain.TaskCompleted, status(t, s, "draft"))
	assert.Equal(t, domain.TaskPending, status(t, s, "publish"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"research", "draft", "flaky"}, seen)

	task, _ := s.Task("draft")
	assert.Equal(t, "ok:draft", task.Result)
}
