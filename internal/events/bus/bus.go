// Package bus provides event bus abstractions for the coordination hub.
// The hub mirrors every coordination event onto the bus so external
// services can consume the event fabric; with NATS configured the fabric
// spans processes, otherwise an in-memory bus is used.
package bus

import (
	"context"

	"github.com/coordhub/coordhub/internal/events"
)

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *events.Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations.
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *events.Event) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription for load balancing
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
