package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of in-process lifecycle event.
type EventType string

const (
	EventTaskSubmitted EventType = "task.submitted"
	EventTaskRouted    EventType = "task.routed"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"

	EventAgentRegistered EventType = "agent.registered"
	EventAgentStatus     EventType = "agent.status"
	EventAgentInactive   EventType = "agent.inactive"
)

// Event is the envelope published on the in-process event bus. It is
// distinct from the wire messages in message.go: events never leave the
// process.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	TaskID    string          `json:"task_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for lifecycle events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// NewEvent builds an event stamped with the current time. detail, when
// non-nil, is marshalled into the payload.
func NewEvent(t EventType, taskID, agentID string, detail any) Event {
	ev := Event{Type: t, Timestamp: time.Now(), TaskID: taskID, AgentID: agentID}
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			ev.Payload = b
		}
	}
	return ev
}
