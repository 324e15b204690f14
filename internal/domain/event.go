package domain

import (
	"context"
	"fmt"
	"maps"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Well-known topics.
const (
	TopicTaskCreated   = "task.created"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
	TopicAgentError    = "agent.error"
	TopicAgentResponse = "agent.response" // per-agent topics are "agent.response.<name>"

	// WildcardAll subscribes to every topic.
	WildcardAll = "*"
)

// ResponseTopic returns the topic an agent named name emits responses on.
func ResponseTopic(name string) string {
	return TopicAgentResponse + "." + name
}

// Priority orders handler invocation within a single dispatch.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority converts a case-insensitive name into a Priority.
// An empty string yields PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	for p, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	return PriorityNormal, NewDomainError("ParsePriority", ErrInvalidInput, s)
}

// Event is the immutable envelope routed between components.
type Event struct {
	ID        string         `json:"event_id"`
	Topic     string         `json:"topic"`
	Payload   map[string]any `json:"payload"`
	Source    string         `json:"source,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Priority  Priority       `json:"priority"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EventOption customizes an Event built by NewEvent.
type EventOption func(*Event)

// WithSource sets the event originator.
func WithSource(source string) EventOption {
	return func(e *Event) { e.Source = source }
}

// WithPriority sets the event priority.
func WithPriority(p Priority) EventOption {
	return func(e *Event) { e.Priority = p }
}

// WithMetadata merges md into the event metadata.
func WithMetadata(md map[string]any) EventOption {
	return func(e *Event) {
		if len(md) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]any, len(md))
		}
		maps.Copy(e.Metadata, md)
	}
}

// NewEvent builds an event with a fresh id and timestamp. The payload is
// copied so later mutation by the caller is not observed by subscribers.
func NewEvent(topic string, payload map[string]any, opts ...EventOption) Event {
	now := time.Now()
	ev := Event{
		ID:        NewID(now),
		Topic:     topic,
		Payload:   maps.Clone(payload),
		Timestamp: now,
		Priority:  PriorityNormal,
	}
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	for _, opt := range opts {
		opt(&ev)
	}
	return ev
}

// String reads a string payload field; missing or non-string values yield "".
func (e Event) String(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// MetaString reads a string metadata field.
func (e Event) MetaString(key string) string {
	s, _ := e.Metadata[key].(string)
	return s
}

// TaskID returns the task an event refers to: the payload "task_id" field,
// falling back to the metadata entry of the same name.
func (e Event) TaskID() string {
	if id := e.String("task_id"); id != "" {
		return id
	}
	return e.MetaString("task_id")
}

// EventHandler is invoked for every routed event matching a subscription.
// A returned error is counted and logged by the router; it never reaches the
// publisher.
type EventHandler func(ctx context.Context, event Event) error

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a lexically sortable unique identifier.
func NewID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
