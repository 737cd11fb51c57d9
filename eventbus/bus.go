package eventbus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/modhost/logging"
)

// Bus is the synchronous in-memory event bus.
type Bus struct {
	config Config
	logger logging.Logger
	now    func() time.Time

	mu      sync.RWMutex
	topics  map[string][]*subscription
	warned  map[string]bool
	closed  bool
	counter atomic.Uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for ceiling warnings and handler errors.
func WithLogger(logger logging.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithClock overrides the time source used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates an event bus.
func New(config Config, opts ...Option) *Bus {
	if config.MaxListeners <= 0 {
		config.MaxListeners = DefaultConfig().MaxListeners
	}
	if config.DefaultBufferSize <= 0 {
		config.DefaultBufferSize = DefaultConfig().DefaultBufferSize
	}
	b := &Bus{
		config: config,
		logger: logging.Nop(),
		now:    time.Now,
		topics: make(map[string][]*subscription),
		warned: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type subscription struct {
	id        string
	topic     string
	handler   EventHandler
	bus       *Bus
	cancelled atomic.Bool
	onCancel  func()
}

func (s *subscription) Topic() string { return s.topic }
func (s *subscription) ID() string    { return s.id }

func (s *subscription) Cancel() error {
	if !s.cancelled.CompareAndSwap(false, true) {
		return nil
	}
	s.bus.remove(s)
	if s.onCancel != nil {
		s.onCancel()
	}
	return nil
}

// Subscribe registers handler for topic. Handlers run synchronously inside
// Publish in registration order.
func (b *Bus) Subscribe(topic string, handler EventHandler) (Subscription, error) {
	if handler == nil {
		return nil, ErrEventHandlerNil
	}
	sub, err := b.add(topic, handler, nil)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (b *Bus) add(topic string, handler EventHandler, onCancel func()) (*subscription, error) {
	if topic == "" {
		return nil, ErrTopicEmpty
	}
	sub := &subscription{
		id:       uuid.New().String(),
		topic:    topic,
		handler:  handler,
		bus:      b,
		onCancel: onCancel,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	// copy-on-write so Publish can iterate a snapshot without holding the lock
	subs := make([]*subscription, 0, len(b.topics[topic])+1)
	subs = append(subs, b.topics[topic]...)
	subs = append(subs, sub)
	b.topics[topic] = subs
	overCeiling := len(subs) > b.config.MaxListeners && !b.warned[topic]
	if overCeiling {
		b.warned[topic] = true
	}
	b.mu.Unlock()

	if overCeiling {
		b.logger.Warn("Listener ceiling exceeded for topic",
			"topic", topic, "listeners", len(subs), "max", b.config.MaxListeners)
	}
	return sub, nil
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[sub.topic]
	idx := slices.Index(subs, sub)
	if idx < 0 {
		return
	}
	if len(subs) == 1 {
		delete(b.topics, sub.topic)
		delete(b.warned, sub.topic)
		return
	}
	b.topics[sub.topic] = slices.Delete(slices.Clone(subs), idx, idx+1)
}

// Unsubscribe cancels a subscription created by this bus.
func (b *Bus) Unsubscribe(sub Subscription) error {
	switch s := sub.(type) {
	case *subscription:
		return s.Cancel()
	case *ChanSubscription:
		return s.Cancel()
	default:
		return ErrInvalidSubscriptionType
	}
}

// Publish delivers payload to every handler currently registered for topic.
// Handler errors and panics are logged and joined into the returned error;
// delivery to the remaining handlers always continues.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	return b.PublishEvent(ctx, Event{Topic: topic, Payload: payload})
}

// PublishEvent is Publish for a pre-built event. ID and CreatedAt are filled
// in when empty.
func (b *Bus) PublishEvent(ctx context.Context, event Event) error {
	if event.Topic == "" {
		return ErrTopicEmpty
	}
	if event.ID == "" {
		event.ID = newEventID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = b.now()
	}
	if event.Source == "" {
		event.Source = DefaultSource
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	subs := b.topics[event.Topic]
	b.mu.RUnlock()

	b.counter.Add(1)

	var errs []error
	for _, sub := range subs {
		if sub.cancelled.Load() {
			continue
		}
		if err := b.deliver(ctx, sub, event); err != nil {
			b.logger.Error("Event handler failed", "topic", event.Topic, "subscription", sub.id, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) deliver(ctx context.Context, sub *subscription, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: topic %s: %v", ErrHandlerPanic, event.Topic, r)
		}
	}()
	return sub.handler(ctx, event)
}

// Topics returns the topics with at least one subscriber, sorted.
func (b *Bus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topics := make([]string, 0, len(b.topics))
	for topic := range b.topics {
		topics = append(topics, topic)
	}
	slices.Sort(topics)
	return topics
}

// SubscriberCount returns the number of subscribers for topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Published returns the number of events published so far.
func (b *Bus) Published() uint64 {
	return b.counter.Load()
}

// Close cancels every subscription and rejects further use of the bus.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*subscription
	for _, subs := range b.topics {
		all = append(all, subs...)
	}
	b.mu.Unlock()

	for _, sub := range all {
		_ = sub.Cancel()
	}
	return nil
}
