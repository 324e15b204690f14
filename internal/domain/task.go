package domain

import (
	"maps"
	"slices"
	"time"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskScheduled TaskStatus = "scheduled"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Task is a unit of work whose activation publishes an event on TargetTopic.
type Task struct {
	ID           string         `json:"task_id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	TargetTopic  string         `json:"target_topic"`
	Payload      map[string]any `json:"payload,omitempty"`
	Priority     Priority       `json:"priority"`
	Delay        time.Duration  `json:"delay,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Status       TaskStatus     `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    time.Time      `json:"started_at,omitzero"`
	CompletedAt  time.Time      `json:"completed_at,omitzero"`
	Result       any            `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Clone returns a copy that shares no mutable state with t.
func (t Task) Clone() Task {
	t.Payload = maps.Clone(t.Payload)
	t.Dependencies = slices.Clone(t.Dependencies)
	return t
}
