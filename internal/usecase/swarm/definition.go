package swarm

import (
	"fmt"
	"log/slog"
	"maps"

	"swarmx/internal/domain"
	"swarmx/internal/infra/config"
	"swarmx/internal/usecase/agent"
	"swarmx/internal/usecase/eventbus"
	"swarmx/internal/usecase/scheduling"
)

// FromDefinition builds a coordinator from a loaded definition: backends are
// declared (materialized on first use), agents added in name order and
// schedules registered. The result is not started. opts are applied after
// the definition's router settings.
func FromDefinition(def *config.Definition, logger *slog.Logger, opts ...Option) (*Coordinator, error) {
	router := eventbus.Config{QueueSize: def.Router.QueueSize, HistorySize: def.Router.HistorySize}
	c := New(logger, append([]Option{WithRouterConfig(router)}, opts...)...)

	for _, name := range def.BackendNames() {
		if err := c.DeclareBackend(name, def.Backends[name]); err != nil {
			return nil, fmt.Errorf("backend %q: %w", name, err)
		}
	}

	agents, err := def.AgentConfigs()
	if err != nil {
		return nil, err
	}
	for _, cfg := range agents {
		var opts []agent.Option
		if cfg.CompleteTasks {
			opts = append(opts, agent.WithBehavior(agent.TaskReporter{}))
		}
		c.AddAgent(cfg, opts...)
	}

	for _, s := range def.Schedules {
		rt, err := recurringTask(s)
		if err != nil {
			return nil, err
		}
		if err := c.scheduler.AddRecurring(rt); err != nil {
			return nil, err
		}
	}

	c.logger.Info("swarm built from definition",
		"name", def.Name, "backends", len(def.Backends), "agents", len(agents), "schedules", len(def.Schedules))
	return c, nil
}

func recurringTask(s config.ScheduleConfig) (scheduling.RecurringTask, error) {
	priority, err := domain.ParsePriority(s.Priority)
	if err != nil {
		return scheduling.RecurringTask{}, fmt.Errorf("schedule %q: %w", s.Name, err)
	}
	opts := []TaskOption{WithTaskName(s.Name), WithTaskPriority(priority), WithPayload(maps.Clone(s.Payload))}
	if s.TargetTopic != "" {
		opts = append(opts, WithTargetTopic(s.TargetTopic))
	}
	task := NewTask(s.Content, opts...)
	if s.Description != "" {
		task.Description = s.Description
	}
	return scheduling.RecurringTask{Name: s.Name, Schedule: s.Schedule, Template: task}, nil
}
