package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"swarmx/internal/domain"
	"swarmx/internal/infra/metrics"
)

// SubscriberID is the router identity the scheduler subscribes under.
const SubscriberID = "scheduler"

const defaultFailure = "unknown error"

// Router is the subset of the event router the scheduler needs.
type Router interface {
	Subscribe(pattern string, handler domain.EventHandler, subscriberID string, priority domain.Priority) string
	Publish(ctx context.Context, ev domain.Event) error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMetrics records task transitions on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// RecurringTask submits a fresh copy of Template every time Schedule fires.
type RecurringTask struct {
	Name     string
	Schedule string // cron expression "*/5 * * * *" OR duration "30m"
	Template domain.Task
}

// Scheduler tracks tasks through their lifecycle and activates them by
// publishing events once their dependencies have completed.
type Scheduler struct {
	router  Router
	logger  *slog.Logger
	metrics *metrics.Metrics
	cron    *cron.Cron

	mu        sync.Mutex
	tasks     map[string]*domain.Task
	order     []string
	delays    map[string]context.CancelFunc
	recurring map[string]cron.EntryID
	started   bool
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler and subscribes it to task completion and failure
// events on router.
func New(router Router, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		router:    router,
		logger:    logger,
		cron:      cron.New(),
		tasks:     make(map[string]*domain.Task),
		delays:    make(map[string]context.CancelFunc),
		recurring: make(map[string]cron.EntryID),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	router.Subscribe(domain.TopicTaskCompleted, s.onCompleted, SubscriberID, domain.PriorityNormal)
	router.Subscribe(domain.TopicTaskFailed, s.onFailed, SubscriberID, domain.PriorityNormal)
	return s
}

// Submit registers task and activates it when its dependencies are satisfied.
// An empty ID is replaced with a generated one. The returned id is valid even
// when activation fails; the task is then FAILED.
func (s *Scheduler) Submit(ctx context.Context, task domain.Task) (string, error) {
	if task.Delay < 0 {
		return "", domain.NewDomainError("scheduler.Submit", domain.ErrInvalidInput,
			fmt.Sprintf("task %q: negative delay %s", task.Name, task.Delay))
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", domain.NewDomainError("scheduler.Submit", domain.ErrInvalidState, "scheduler stopped")
	}
	t := task.Clone()
	if t.ID == "" {
		t.ID = domain.NewID(time.Now())
	}
	if _, exists := s.tasks[t.ID]; exists {
		s.mu.Unlock()
		return "", domain.NewDomainError("scheduler.Submit", domain.ErrDuplicate, "task "+t.ID)
	}
	if t.TargetTopic == "" {
		t.TargetTopic = domain.TopicTaskCreated
	}
	t.Status = domain.TaskPending
	t.CreatedAt = time.Now()
	t.StartedAt, t.CompletedAt = time.Time{}, time.Time{}
	t.Result, t.Error = nil, ""

	s.tasks[t.ID] = &t
	s.order = append(s.order, t.ID)
	s.metrics.TaskTransition(string(domain.TaskPending))

	var ev *domain.Event
	if s.eligible(&t) {
		ev = s.activate(&t)
	} else {
		s.logger.Debug("task waiting on dependencies", "task_id", t.ID, "depends_on", t.Dependencies)
	}
	s.observe()
	s.mu.Unlock()

	s.logger.Info("task submitted", "task_id", t.ID, "name", t.Name)
	if ev != nil {
		if err := s.publish(ctx, t.ID, *ev); err != nil {
			return t.ID, err
		}
	}
	return t.ID, nil
}

// SubmitMany submits tasks in order. Later tasks may depend on earlier ones.
// It stops at the first rejected task and returns the ids accepted so far.
func (s *Scheduler) SubmitMany(ctx context.Context, tasks []domain.Task) ([]string, error) {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		id, err := s.Submit(ctx, t)
		if id != "" {
			ids = append(ids, id)
		}
		if err != nil {
			return ids, err
		}
	}
	return ids, nil
}

// Cancel moves a PENDING or SCHEDULED task to CANCELLED. It reports false for
// unknown, running or terminal tasks.
func (s *Scheduler) Cancel(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return false
	}
	if t.Status != domain.TaskPending && t.Status != domain.TaskScheduled {
		s.logger.Warn("cannot cancel task", "task_id", taskID, "status", t.Status)
		return false
	}
	if stop, ok := s.delays[taskID]; ok {
		stop()
		delete(s.delays, taskID)
	}
	s.transition(t, domain.TaskCancelled)
	s.observe()
	s.logger.Info("task cancelled", "task_id", taskID)
	return true
}

// Status returns the status of taskID.
func (s *Scheduler) Status(taskID string) (domain.TaskStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return "", false
	}
	return t.Status, true
}

// Task returns a snapshot of taskID.
func (s *Scheduler) Task(taskID string) (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return domain.Task{}, false
	}
	return t.Clone(), true
}

// Tasks returns snapshots of every task in submission order.
func (s *Scheduler) Tasks() []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id].Clone())
	}
	return out
}

// PendingCount returns the number of PENDING tasks.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count(domain.TaskPending)
}

// RunningCount returns the number of RUNNING tasks.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count(domain.TaskRunning)
}

// AddRecurring registers a task template submitted on every firing of
// rt.Schedule. Firings only happen between Start and Stop.
func (s *Scheduler) AddRecurring(rt RecurringTask) error {
	if rt.Name == "" {
		return domain.NewDomainError("scheduler.AddRecurring", domain.ErrInvalidInput, "name is required")
	}
	schedule, err := parseSchedule(rt.Schedule)
	if err != nil {
		return domain.NewDomainError("scheduler.AddRecurring", domain.ErrInvalidInput,
			fmt.Sprintf("task %q: %v", rt.Name, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.recurring[rt.Name]; exists {
		return domain.NewDomainError("scheduler.AddRecurring", domain.ErrDuplicate, "recurring task "+rt.Name)
	}

	name := rt.Name
	template := rt.Template.Clone()
	s.recurring[name] = s.cron.Schedule(schedule, cron.FuncJob(func() {
		task := template.Clone()
		task.ID = ""
		if task.Name == "" {
			task.Name = name
		}
		id, err := s.Submit(s.ctx, task)
		if err != nil {
			s.logger.Warn("recurring submission failed", "recurring", name, "error", err)
			return
		}
		s.logger.Debug("recurring task submitted", "recurring", name, "task_id", id)
	}))
	s.logger.Info("recurring task added", "name", name, "schedule", rt.Schedule)
	return nil
}

// RemoveRecurring stops future firings of the named recurring task.
func (s *Scheduler) RemoveRecurring(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entryID, ok := s.recurring[name]
	if !ok {
		return false
	}
	s.cron.Remove(entryID)
	delete(s.recurring, name)
	return true
}

// NextRun returns the next firing time of a recurring task. It is zero until
// the scheduler has started.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	entryID, ok := s.recurring[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(entryID).Next, true
}

// Start begins firing recurring tasks.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return domain.NewDomainError("scheduler.Start", domain.ErrInvalidState, "scheduler stopped")
	}
	if s.started {
		return nil
	}
	s.cron.Start()
	s.started = true
	s.logger.Info("scheduler started")
	return nil
}

// Stop cancels pending delays and recurring firings, then waits for them to
// exit or ctx to expire. Completion events observed afterwards still update
// task state but activate nothing.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.cancel()
	clear(s.delays)
	s.mu.Unlock()

	cronDone := s.cron.Stop()
	waitDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		<-cronDone.Done()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}

	s.mu.Lock()
	total, completed, failed := len(s.tasks), s.count(domain.TaskCompleted), s.count(domain.TaskFailed)
	s.mu.Unlock()
	s.logger.Info("scheduler stopped", "tasks", total, "completed", completed, "failed", failed)
	return nil
}

func (s *Scheduler) onCompleted(ctx context.Context, ev domain.Event) error {
	id := ev.TaskID()

	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.Status != domain.TaskRunning {
		s.mu.Unlock()
		return nil
	}
	t.CompletedAt = time.Now()
	t.Result = ev.Payload["result"]
	s.transition(t, domain.TaskCompleted)

	var ready []domain.Event
	var readyIDs []string
	for _, depID := range s.order {
		d := s.tasks[depID]
		if d.Status != domain.TaskPending || !slices.Contains(d.Dependencies, id) || !s.eligible(d) {
			continue
		}
		if next := s.activate(d); next != nil {
			ready = append(ready, *next)
			readyIDs = append(readyIDs, d.ID)
		}
	}
	s.observe()
	s.mu.Unlock()

	s.logger.Info("task completed", "task_id", id)
	var errs []error
	for i, next := range ready {
		errs = append(errs, s.publish(ctx, readyIDs[i], next))
	}
	return errors.Join(errs...)
}

func (s *Scheduler) onFailed(_ context.Context, ev domain.Event) error {
	id := ev.TaskID()

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != domain.TaskRunning {
		return nil
	}
	t.CompletedAt = time.Now()
	t.Error = ev.String("error")
	if t.Error == "" {
		t.Error = defaultFailure
	}
	s.transition(t, domain.TaskFailed)
	s.observe()
	s.logger.Error("task failed", "task_id", id, "error", t.Error)
	return nil
}

// eligible reports whether every dependency of t exists and is COMPLETED.
// Callers hold s.mu.
func (s *Scheduler) eligible(t *domain.Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := s.tasks[dep]
		if !ok || d.Status != domain.TaskCompleted {
			return false
		}
	}
	return true
}

// activate moves an eligible task forward. Without a delay the task becomes
// RUNNING and its event is returned for the caller to publish outside the
// lock. Callers hold s.mu.
func (s *Scheduler) activate(t *domain.Task) *domain.Event {
	if t.Status == domain.TaskCancelled || s.stopped {
		return nil
	}
	if t.Delay > 0 {
		s.transition(t, domain.TaskScheduled)
		ctx, cancel := context.WithCancel(s.ctx)
		s.delays[t.ID] = cancel
		s.wg.Add(1)
		go s.wait(ctx, t.ID, t.Delay)
		return nil
	}
	ev := s.start(t)
	return &ev
}

func (s *Scheduler) wait(ctx context.Context, id string, delay time.Duration) {
	defer s.wg.Done()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	s.mu.Lock()
	delete(s.delays, id)
	t := s.tasks[id]
	if t.Status != domain.TaskScheduled || s.stopped {
		s.mu.Unlock()
		return
	}
	ev := s.start(t)
	s.observe()
	s.mu.Unlock()

	// The task is RUNNING now; a Stop racing this point must not fail it.
	_ = s.publish(context.WithoutCancel(ctx), id, ev)
}

// start marks t RUNNING and builds its activation event. Callers hold s.mu.
func (s *Scheduler) start(t *domain.Task) domain.Event {
	t.StartedAt = time.Now()
	s.transition(t, domain.TaskRunning)

	content, ok := t.Payload["content"]
	if !ok {
		content = t.Description
	}
	payload := map[string]any{
		"name":        t.Name,
		"description": t.Description,
		"content":     content,
	}
	maps.Copy(payload, t.Payload)
	payload["task_id"] = t.ID

	return domain.NewEvent(t.TargetTopic, payload,
		domain.WithSource(SubscriberID),
		domain.WithPriority(t.Priority),
		domain.WithMetadata(map[string]any{"task_id": t.ID}),
	)
}

// publish sends an activation event. A task whose event cannot be delivered
// to the router fails immediately since nothing will ever complete it.
func (s *Scheduler) publish(ctx context.Context, id string, ev domain.Event) error {
	if err := s.router.Publish(ctx, ev); err != nil {
		s.mu.Lock()
		if t, ok := s.tasks[id]; ok && t.Status == domain.TaskRunning {
			t.CompletedAt = time.Now()
			t.Error = "publish: " + err.Error()
			s.transition(t, domain.TaskFailed)
			s.observe()
		}
		s.mu.Unlock()
		s.logger.Error("task activation failed", "task_id", id, "topic", ev.Topic, "error", err)
		return domain.WrapOp("scheduler.publish", err)
	}
	s.logger.Info("task scheduled", "task_id", id, "topic", ev.Topic)
	return nil
}

func (s *Scheduler) transition(t *domain.Task, status domain.TaskStatus) {
	t.Status = status
	s.metrics.TaskTransition(string(status))
}

func (s *Scheduler) observe() {
	if s.metrics == nil {
		return
	}
	s.metrics.TaskGauges(s.count(domain.TaskPending), s.count(domain.TaskRunning))
}

func (s *Scheduler) count(status domain.TaskStatus) int {
	n := 0
	for _, t := range s.tasks {
		if t.Status == status {
			n++
		}
	}
	return n
}

// ParseSchedule parses a cron expression (five fields or a descriptor such as
// "@hourly") or, failing that, a positive Go duration.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	return parseSchedule(schedule)
}

func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return constantDelay(dur), nil
}

// constantDelay fires at a fixed interval. Unlike cron.Every it keeps
// sub-second precision.
type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}
