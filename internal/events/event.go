// Package events defines the coordination event model shared by the
// registry, coordinator, conflict detector, event hub, and transports.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event is a single coordination event. Every mutation of registry or
// coordinator state produces exactly one Event; the hub appends it to the
// ring buffer and fans it out to observers in emission order.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	AgentID   string                 `json:"agentId,omitempty"`
	TaskID    string                 `json:"taskId,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// New creates a new event with a UUID and current timestamp.
func New(eventType string, payload map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// WithAgent associates the event with an agent id.
func (e *Event) WithAgent(agentID string) *Event {
	e.AgentID = agentID
	return e
}

// WithTask associates the event with a task id.
func (e *Event) WithTask(taskID string) *Event {
	e.TaskID = taskID
	return e
}

// Emitter is implemented by the event hub. Components call Emit inside the
// same critical section as the mutation the event describes, so observers
// see events in mutation order. Emit must never block.
type Emitter interface {
	Emit(e *Event)
}

// NopEmitter discards all events. Useful in tests that exercise state
// transitions without a hub.
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(*Event) {}
