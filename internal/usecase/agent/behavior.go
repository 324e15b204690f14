package agent

import (
	"context"

	"swarmx/internal/domain"
)

// Behavior decides what an agent does with one event. It runs inside the
// agent's serialization gate; a returned error or panic becomes an
// agent.error event and never reaches the router.
type Behavior interface {
	OnEvent(ctx context.Context, a *Agent, ev domain.Event) error
}

// BehaviorFunc adapts a function to Behavior.
type BehaviorFunc func(ctx context.Context, a *Agent, ev domain.Event) error

// OnEvent calls f.
func (f BehaviorFunc) OnEvent(ctx context.Context, a *Agent, ev domain.Event) error {
	return f(ctx, a, ev)
}

// DefaultBehavior treats the event's "content" (or "message") field as a
// user turn and publishes the reply on the agent's response topic. Events
// without text are ignored.
type DefaultBehavior struct{}

// OnEvent implements Behavior.
func (DefaultBehavior) OnEvent(ctx context.Context, a *Agent, ev domain.Event) error {
	content := ev.String("content")
	if content == "" {
		content = ev.String("message")
	}
	if content == "" {
		a.Logger().Debug("ignoring event without content", "topic", ev.Topic)
		return nil
	}

	resp, err := a.Think(ctx, content)
	if err != nil {
		return err
	}
	valid := a.ValidToolCalls(resp)
	if resp == nil || (resp.Message.Content == "" && len(valid) == 0) {
		return nil
	}
	return a.Emit(ctx, domain.ResponseTopic(a.Name()), ResponsePayload(a, resp, valid, ev), domain.PriorityNormal,
		domain.WithMetadata(responseMetadata(a, ev)))
}

// ResponsePayload builds the payload of an agent.response.<name> event.
func ResponsePayload(a *Agent, resp *domain.ChatResponse, calls []domain.ToolCall, source domain.Event) map[string]any {
	payload := map[string]any{
		"agent_id":      a.ID(),
		"content":       resp.Message.Content,
		"model":         resp.Model,
		"usage":         resp.Usage.AsMap(),
		"finish_reason": resp.FinishReason,
		"source_event":  source.ID,
	}
	if len(calls) > 0 {
		out := make([]map[string]any, 0, len(calls))
		for _, c := range calls {
			out = append(out, map[string]any{"id": c.ID, "name": c.Name, "arguments": string(c.Arguments)})
		}
		payload["tool_calls"] = out
	}
	return payload
}

func responseMetadata(a *Agent, source domain.Event) map[string]any {
	md := map[string]any{"source_event": source.ID}
	if id := source.TaskID(); id != "" {
		md["task_id"] = id
	}
	return a.metadata(md)
}

// TaskReporter closes the scheduler loop: for events that belong to a task
// it publishes task.completed with the agent's reply as the result, or
// task.failed when the wrapped behavior fails. Events handled without any
// completion leave the task to other agents.
type TaskReporter struct {
	Inner Behavior // DefaultBehavior when nil
}

// OnEvent implements Behavior.
func (r TaskReporter) OnEvent(ctx context.Context, a *Agent, ev domain.Event) error {
	inner := r.Inner
	if inner == nil {
		inner = DefaultBehavior{}
	}
	taskID := ev.TaskID()
	if taskID == "" || ev.Topic == domain.TopicTaskCompleted || ev.Topic == domain.TopicTaskFailed {
		return inner.OnEvent(ctx, a, ev)
	}

	md := domain.WithMetadata(a.metadata(map[string]any{"task_id": taskID, "source_event": ev.ID}))
	if err := inner.OnEvent(ctx, a, ev); err != nil {
		payload := map[string]any{"task_id": taskID, "agent_id": a.ID(), "error": genericFault}
		if perr := a.Emit(ctx, domain.TopicTaskFailed, payload, domain.PriorityNormal, md); perr != nil {
			a.Logger().Warn("failed to report task failure", "task_id", taskID, "error", perr)
		}
		return err
	}

	resp := a.LastResponse()
	if resp == nil {
		return nil
	}
	payload := map[string]any{"task_id": taskID, "agent_id": a.ID(), "result": resp.Message.Content}
	return a.Emit(ctx, domain.TopicTaskCompleted, payload, domain.PriorityNormal, md)
}
