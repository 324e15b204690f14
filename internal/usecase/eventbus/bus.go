package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"swarmx/internal/domain"
	"swarmx/internal/infra/metrics"
	"swarmx/internal/infra/tracer"
)

// Defaults for Config fields left at zero.
const (
	DefaultQueueSize   = 10_000
	DefaultHistorySize = 1_000
)

// Config sizes the bus.
type Config struct {
	QueueSize   int `yaml:"queue_size"`
	HistorySize int `yaml:"history_size"`
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	return c
}

// Stats are cumulative counters since construction.
type Stats struct {
	Published  uint64 `json:"published"`
	Dispatched uint64 `json:"dispatched"`
	Errors     uint64 `json:"errors"`
}

type subscription struct {
	subscriberID string
	pattern      string
	handler      domain.EventHandler
	priority     domain.Priority
}

// Option configures a Bus.
type Option func(*Bus)

// WithMetrics reports bus activity to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// Bus is an in-process topic router with a bounded FIFO queue drained by a
// single dispatch loop. Each dequeued event fans out concurrently to every
// matching subscription.
type Bus struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	topics map[string][]subscription // exact topics and "prefix.*" patterns
	global []subscription

	queue chan domain.Event

	// pubMu guards closed against in-flight publishers so Stop can wait for
	// every accepted publish before the final drain.
	pubMu      sync.RWMutex
	closed     bool
	publishers sync.WaitGroup

	lifeMu   sync.Mutex
	running  bool
	ctx      context.Context
	stopCh   chan struct{}
	loopDone chan struct{}

	histMu  sync.Mutex
	history []domain.Event

	published  atomic.Uint64
	dispatched atomic.Uint64
	errors     atomic.Uint64
}

// New creates a bus. It accepts publishes immediately; dispatch begins on Start.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Bus {
	cfg = cfg.withDefaults()
	b := &Bus{
		cfg:    cfg,
		logger: logger,
		topics: make(map[string][]subscription),
		queue:  make(chan domain.Event, cfg.QueueSize),
		ctx:    context.Background(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for pattern and returns the subscriber id.
// Patterns are an exact topic, "prefix.*" (any topic strictly below prefix)
// or "*" (every topic). An empty subscriberID is generated. Registering the
// same pair twice yields two independent subscriptions.
func (b *Bus) Subscribe(pattern string, handler domain.EventHandler, subscriberID string, priority domain.Priority) string {
	if subscriberID == "" {
		subscriberID = strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	sub := subscription{
		subscriberID: subscriberID,
		pattern:      pattern,
		handler:      handler,
		priority:     priority,
	}

	b.mu.Lock()
	if pattern == domain.WildcardAll {
		b.global = append(b.global, sub)
	} else {
		b.topics[pattern] = append(b.topics[pattern], sub)
	}
	b.mu.Unlock()

	b.logger.Debug("subscription added", "subscriber", subscriberID, "pattern", pattern)
	return subscriberID
}

// Unsubscribe removes every subscription owned by subscriberID and returns
// how many were removed.
func (b *Bus) Unsubscribe(subscriberID string) int {
	owned := func(s subscription) bool { return s.subscriberID == subscriberID }

	b.mu.Lock()
	removed := 0
	for pattern, subs := range b.topics {
		kept := slices.DeleteFunc(subs, owned)
		removed += len(subs) - len(kept)
		if len(kept) == 0 {
			delete(b.topics, pattern)
		} else {
			b.topics[pattern] = kept
		}
	}
	before := len(b.global)
	b.global = slices.DeleteFunc(b.global, owned)
	removed += before - len(b.global)
	b.mu.Unlock()

	if removed > 0 {
		b.logger.Debug("subscriber removed", "subscriber", subscriberID, "count", removed)
	}
	return removed
}

// SubscriptionCount returns the number of live subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.global)
	for _, subs := range b.topics {
		n += len(subs)
	}
	return n
}

// Publish enqueues event, waiting for queue space or ctx. It returns once the
// event is queued, not after delivery. A ctx that is already done fails the
// call even when the queue has room.
func (b *Bus) Publish(ctx context.Context, event domain.Event) error {
	if err := ctx.Err(); err != nil {
		return domain.WrapOp("Bus.Publish", err)
	}
	if err := b.acquire(); err != nil {
		return domain.WrapOp("Bus.Publish", err)
	}
	defer b.publishers.Done()

	select {
	case b.queue <- event:
		b.accepted(event)
		return nil
	case <-ctx.Done():
		return domain.WrapOp("Bus.Publish", ctx.Err())
	}
}

// TryPublish enqueues event without waiting. It fails with
// domain.ErrCapacityExceeded when the queue is full.
func (b *Bus) TryPublish(event domain.Event) error {
	if err := b.acquire(); err != nil {
		return domain.WrapOp("Bus.TryPublish", err)
	}
	defer b.publishers.Done()

	select {
	case b.queue <- event:
		b.accepted(event)
		return nil
	default:
		return domain.NewDomainError("Bus.TryPublish", domain.ErrCapacityExceeded,
			fmt.Sprintf("queue size %d", b.cfg.QueueSize))
	}
}

func (b *Bus) acquire() error {
	b.pubMu.RLock()
	defer b.pubMu.RUnlock()
	if b.closed {
		return domain.ErrRouterClosed
	}
	b.publishers.Add(1)
	return nil
}

func (b *Bus) accepted(event domain.Event) {
	b.published.Add(1)
	b.metrics.EventPublished(len(b.queue))
	b.logger.Debug("event published", "id", event.ID, "topic", event.Topic, "source", event.Source)
}

// Start launches the dispatch loop. Calling Start on a running bus is a no-op.
func (b *Bus) Start(ctx context.Context) error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	b.pubMu.RLock()
	closed := b.closed
	b.pubMu.RUnlock()
	if closed {
		return domain.WrapOp("Bus.Start", domain.ErrRouterClosed)
	}
	if b.running {
		return nil
	}

	// Handlers outlive the caller's context; Stop is the only way to halt.
	b.ctx = context.WithoutCancel(ctx)
	b.stopCh = make(chan struct{})
	b.loopDone = make(chan struct{})
	b.running = true
	go b.loop()

	b.logger.Info("event bus started", "queue_size", b.cfg.QueueSize)
	return nil
}

// Stop halts the dispatch loop after dispatching every queued event,
// including events published by handlers while draining. Publishes made after
// Stop returns fail with domain.ErrRouterClosed. Stop is idempotent and must
// not be called from a handler.
func (b *Bus) Stop(ctx context.Context) error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	b.pubMu.RLock()
	closed := b.closed
	b.pubMu.RUnlock()
	if closed {
		return nil
	}

	if b.running {
		close(b.stopCh)
		<-b.loopDone
	}

	// Handlers may still publish while the backlog drains.
	b.drainQueued()

	b.pubMu.Lock()
	b.closed = true
	b.pubMu.Unlock()

	// Publishers accepted before closing may still be blocked on a full queue.
	waiting := make(chan struct{})
	go func() {
		b.publishers.Wait()
		close(waiting)
	}()
	for done := false; !done; {
		select {
		case ev := <-b.queue:
			b.dispatch(ev)
		case <-waiting:
			done = true
		case <-ctx.Done():
			b.logger.Warn("event bus stop interrupted", "error", ctx.Err())
			b.running = false
			return domain.WrapOp("Bus.Stop", ctx.Err())
		}
	}
	b.drainQueued()

	b.running = false
	s := b.Stats()
	b.logger.Info("event bus stopped",
		"published", s.Published,
		"dispatched", s.Dispatched,
		"errors", s.Errors,
	)
	return nil
}

func (b *Bus) drainQueued() {
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ev)
		default:
			return
		}
	}
}

func (b *Bus) loop() {
	defer close(b.loopDone)
	for {
		select {
		case <-b.stopCh:
			return
		case ev := <-b.queue:
			b.dispatch(ev)
		}
	}
}

// dispatch runs one pass: every matching handler starts concurrently and the
// pass completes when all of them return.
func (b *Bus) dispatch(event domain.Event) {
	start := time.Now()
	subs := b.matches(event.Topic)

	ctx, span := tracer.StartSpan(b.ctx, "eventbus.dispatch",
		trace.WithAttributes(
			tracer.StringAttr("event.topic", event.Topic),
			tracer.StringAttr("event.id", event.ID),
			tracer.IntAttr("event.handlers", len(subs)),
		),
	)

	var wg sync.WaitGroup
	var failed atomic.Int64
	for _, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !b.invoke(ctx, event, sub) {
				failed.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := failed.Load(); n > 0 {
		span.SetAttributes(tracer.IntAttr("event.handler_errors", int(n)))
	}
	tracer.SetOK(span)
	span.End()

	b.record(event)
	b.dispatched.Add(1)
	b.metrics.EventDispatched(len(b.queue), time.Since(start))
}

// invoke runs one handler, isolating errors and panics. It reports success.
func (b *Bus) invoke(ctx context.Context, event domain.Event, sub subscription) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.fault(event, sub, fmt.Errorf("panic: %v", r))
			ok = false
		}
	}()
	if err := sub.handler(ctx, event); err != nil {
		b.fault(event, sub, err)
		return false
	}
	return true
}

func (b *Bus) fault(event domain.Event, sub subscription, err error) {
	b.errors.Add(1)
	b.metrics.HandlerFailed()
	b.logger.Error("event handler failed",
		"subscriber", sub.subscriberID,
		"topic", event.Topic,
		"event_id", event.ID,
		"error", err,
	)
}

// matches collects exact, ancestor-wildcard and global subscriptions for
// topic, ordered by priority descending.
func (b *Bus) matches(topic string) []subscription {
	b.mu.RLock()
	out := slices.Clone(b.topics[topic])
	for i := strings.LastIndexByte(topic, '.'); i > 0; i = strings.LastIndexByte(topic[:i], '.') {
		out = append(out, b.topics[topic[:i]+".*"]...)
	}
	out = append(out, b.global...)
	b.mu.RUnlock()

	slices.SortStableFunc(out, func(x, y subscription) int {
		return int(y.priority) - int(x.priority)
	})
	return out
}

func (b *Bus) record(event domain.Event) {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	b.history = append(b.history, event)
	if over := len(b.history) - b.cfg.HistorySize; over > 0 {
		b.history = slices.Delete(b.history, 0, over)
	}
}

// RecentEvents returns up to limit dispatched events, oldest first.
// A non-positive limit returns the whole history.
func (b *Bus) RecentEvents(limit int) []domain.Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	return slices.Clone(b.history[len(b.history)-limit:])
}

// Stats returns the current counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:  b.published.Load(),
		Dispatched: b.dispatched.Load(),
		Errors:     b.errors.Load(),
	}
}

// Pending returns the number of queued events awaiting dispatch.
func (b *Bus) Pending() int {
	return len(b.queue)
}
