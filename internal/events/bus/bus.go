// Package bus provides the push-bus abstraction used to fan commands out to
// live agent sessions. Producers (the dispatcher, policy handlers) publish
// envelopes without knowing which sessions exist; a single subscriber inside
// the server process forwards them to the connection registry. Swapping the
// in-process implementation for NATS or Redis makes scale-out a config change.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SubjectPushCommands carries wire.Envelope payloads from producers to the
// push pump.
const SubjectPushCommands = "push.commands"

// Event represents a message on the bus.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"` // Service that produced the event
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp. The
// payload is marshaled into Data.
func NewEvent(eventType, source string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for push-bus operations.
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription for load balancing
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
