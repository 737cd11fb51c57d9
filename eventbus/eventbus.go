// Package eventbus provides the in-process publish/subscribe channel
// registry shared by the host and its modules.
//
// Delivery is synchronous: Publish invokes every handler registered for the
// topic, in registration order, on the publishing goroutine. Channel
// subscriptions receive through a bounded buffer and drop (and count) events
// when the buffer is full.
package eventbus

import (
	"context"
	"errors"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// EventBus errors
var (
	ErrEventHandlerNil         = errors.New("event handler cannot be nil")
	ErrTopicEmpty              = errors.New("topic cannot be empty")
	ErrBusClosed               = errors.New("event bus closed")
	ErrInvalidSubscriptionType = errors.New("invalid subscription type")
	ErrHandlerPanic            = errors.New("event handler panicked")
)

// Event represents a message published on the bus.
type Event struct {
	// ID uniquely identifies this publication (UUIDv7, time ordered).
	ID string `json:"id"`

	// Topic is the name the event was published under, e.g. "config:changed".
	Topic string `json:"topic"`

	// Payload is the data associated with the event. Its shape is defined
	// by the topic.
	Payload any `json:"payload"`

	// Source names the publisher, "core" for host events.
	Source string `json:"source,omitempty"`

	// CreatedAt is set when the event is published.
	CreatedAt time.Time `json:"createdAt"`
}

// CloudEvent converts the event to a CloudEvents v1 event so it can be
// handed to observers speaking that format.
func (e Event) CloudEvent() cloudevents.Event {
	ce := cloudevents.NewEvent()
	ce.SetID(e.ID)
	ce.SetType(e.Topic)
	source := e.Source
	if source == "" {
		source = DefaultSource
	}
	ce.SetSource(source)
	ce.SetTime(e.CreatedAt)
	ce.SetSpecVersion(cloudevents.VersionV1)
	if e.Payload != nil {
		_ = ce.SetData(cloudevents.ApplicationJSON, e.Payload)
	}
	return ce
}

// DefaultSource is used for events published without an explicit source.
const DefaultSource = "modhost"

// EventHandler handles an event delivered by the bus.
// Returned errors are collected by Publish; they never stop delivery to
// the remaining handlers.
type EventHandler func(ctx context.Context, event Event) error

// Subscription represents a registration on a topic.
type Subscription interface {
	// Topic returns the topic being subscribed to.
	Topic() string

	// ID returns the unique identifier for this subscription.
	ID() string

	// Cancel removes the subscription from the bus. It is idempotent.
	Cancel() error
}

// Publisher is the narrow view of the bus used by components that only emit.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Config holds event bus settings.
type Config struct {
	// MaxListeners is the per-topic listener ceiling. Registering past it
	// logs one warning for the topic; the registration still succeeds.
	MaxListeners int `yaml:"maxListeners" toml:"max_listeners" env:"MAX_LISTENERS"`

	// DefaultBufferSize is used by SubscribeChan when buffer <= 0.
	DefaultBufferSize int `yaml:"defaultBufferSize" toml:"default_buffer_size" env:"DEFAULT_BUFFER_SIZE"`
}

// DefaultConfig returns the bus defaults.
func DefaultConfig() Config {
	return Config{
		MaxListeners:      100,
		DefaultBufferSize: 64,
	}
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}
