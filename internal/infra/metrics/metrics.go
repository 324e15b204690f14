// Package metrics exposes the Prometheus collectors reported by the router,
// the scheduler and the agent runtime.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"swarmx/internal/infra/middleware"
)

const namespace = "swarmx"

// Per-client scrape limits on the exposition endpoint.
const (
	scrapesPerMinute = 120
	scrapeBurst      = 10
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	published        prometheus.Counter
	dispatched       prometheus.Counter
	handlerErrors    prometheus.Counter
	queueDepth       prometheus.Gauge
	dispatchDuration prometheus.Histogram

	taskTransitions *prometheus.CounterVec
	tasksPending    prometheus.Gauge
	tasksRunning    prometheus.Gauge

	agentEvents    *prometheus.CounterVec
	thinkDuration  *prometheus.HistogramVec
	tokensConsumed *prometheus.CounterVec
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Collectors already registered with reg are reused, so several swarms may
// share one registry. Any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "eventbus", Name: "published_total",
			Help: "Events accepted by the router.",
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "eventbus", Name: "dispatched_total",
			Help: "Events whose dispatch pass completed.",
		}),
		handlerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "eventbus", Name: "handler_errors_total",
			Help: "Handler invocations that returned an error or panicked.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "eventbus", Name: "queue_depth",
			Help: "Events waiting to be dispatched.",
		}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "eventbus", Name: "dispatch_duration_seconds",
			Help:    "Time spent running all handlers for one event.",
			Buckets: prometheus.DefBuckets,
		}),
		taskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "tasks_total",
			Help: "Task state transitions by resulting status.",
		}, []string{"status"}),
		tasksPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "pending",
			Help: "Tasks waiting for dependencies.",
		}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "running",
			Help: "Tasks whose event was published and await completion.",
		}),
		agentEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "agent", Name: "events_total",
			Help: "Events handled by agents by outcome.",
		}, []string{"agent", "outcome"}),
		thinkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "agent", Name: "think_duration_seconds",
			Help:    "Latency of backend completions requested by agents.",
			Buckets: prometheus.DefBuckets,
		}, []string{"agent", "backend"}),
		tokensConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "agent", Name: "tokens_total",
			Help: "Tokens reported by completion backends.",
		}, []string{"agent", "kind"}),
	}

	m.published = register(reg, m.published)
	m.dispatched = register(reg, m.dispatched)
	m.handlerErrors = register(reg, m.handlerErrors)
	m.queueDepth = register(reg, m.queueDepth)
	m.dispatchDuration = register(reg, m.dispatchDuration)
	m.taskTransitions = register(reg, m.taskTransitions)
	m.tasksPending = register(reg, m.tasksPending)
	m.tasksRunning = register(reg, m.tasksRunning)
	m.agentEvents = register(reg, m.agentEvents)
	m.thinkDuration = register(reg, m.thinkDuration)
	m.tokensConsumed = register(reg, m.tokensConsumed)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// EventPublished records an accepted publish and the resulting queue depth.
func (m *Metrics) EventPublished(depth int) {
	if m == nil {
		return
	}
	m.published.Inc()
	m.queueDepth.Set(float64(depth))
}

// EventDispatched records a completed dispatch pass.
func (m *Metrics) EventDispatched(depth int, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatched.Inc()
	m.queueDepth.Set(float64(depth))
	m.dispatchDuration.Observe(d.Seconds())
}

// HandlerFailed records a handler fault.
func (m *Metrics) HandlerFailed() {
	if m == nil {
		return
	}
	m.handlerErrors.Inc()
}

// TaskTransition records a task reaching status.
func (m *Metrics) TaskTransition(status string) {
	if m == nil {
		return
	}
	m.taskTransitions.WithLabelValues(status).Inc()
}

// TaskGauges sets the pending and running task gauges.
func (m *Metrics) TaskGauges(pending, running int) {
	if m == nil {
		return
	}
	m.tasksPending.Set(float64(pending))
	m.tasksRunning.Set(float64(running))
}

// AgentEvent records an agent handling outcome ("ok", "error", "skipped").
func (m *Metrics) AgentEvent(agent, outcome string) {
	if m == nil {
		return
	}
	m.agentEvents.WithLabelValues(agent, outcome).Inc()
}

// AgentThink records one backend completion.
func (m *Metrics) AgentThink(agent, backend string, d time.Duration, prompt, completion int) {
	if m == nil {
		return
	}
	m.thinkDuration.WithLabelValues(agent, backend).Observe(d.Seconds())
	m.tokensConsumed.WithLabelValues(agent, "prompt").Add(float64(prompt))
	m.tokensConsumed.WithLabelValues(agent, "completion").Add(float64(completion))
}

// Handler returns the exposition handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func newMux(ctx context.Context, g prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	limit := middleware.RateLimit(ctx, scrapesPerMinute, scrapeBurst)
	mux.Handle("GET /metrics", middleware.SecurityHeaders(limit(Handler(g))))
	return mux
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *slog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: newMux(ctx, g), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
