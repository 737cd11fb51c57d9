package modhost

import (
	"context"
	"slices"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/GoCodeAlone/modhost/eventbus"
)

// Observer receives host events converted to CloudEvents v1, for consumers
// that forward them outside the process.
type Observer interface {
	OnEvent(ctx context.Context, event cloudevents.Event) error
	ObserverID() string
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc struct {
	ID      string
	Handler func(ctx context.Context, event cloudevents.Event) error
}

func (f ObserverFunc) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.Handler(ctx, event)
}

func (f ObserverFunc) ObserverID() string { return f.ID }

// ObserverInfo describes a registered observer.
type ObserverInfo struct {
	ID           string    `json:"id"`
	Topics       []string  `json:"topics"`
	RegisteredAt time.Time `json:"registeredAt"`
}

type observerRegistration struct {
	info ObserverInfo
	subs []eventbus.Subscription
}

// RegisterObserver subscribes observer to topics, or to LifecycleTopics when
// none are given. Registering an ID again replaces the earlier registration.
func (c *Core) RegisterObserver(observer Observer, topics ...string) error {
	if observer == nil {
		return ErrObserverNil
	}
	id := observer.ObserverID()
	if strings.TrimSpace(id) == "" {
		return ErrObserverIDNil
	}
	if len(topics) == 0 {
		topics = LifecycleTopics
	}
	topics = slices.Clone(topics)

	handler := func(ctx context.Context, e eventbus.Event) error {
		return observer.OnEvent(ctx, e.CloudEvent())
	}
	subs := make([]eventbus.Subscription, 0, len(topics))
	for _, topic := range topics {
		sub, err := c.bus.Subscribe(topic, handler)
		if err != nil {
			cancelAll(subs)
			return err
		}
		subs = append(subs, sub)
	}

	c.mu.Lock()
	previous := c.observers[id]
	c.observers[id] = &observerRegistration{
		info: ObserverInfo{ID: id, Topics: topics, RegisteredAt: time.Now()},
		subs: subs,
	}
	c.mu.Unlock()

	if previous != nil {
		cancelAll(previous.subs)
	}
	c.logger.Info("Observer registered", "observerID", id, "topics", topics)
	return nil
}

// UnregisterObserver removes the observer. Unknown observers are ignored.
func (c *Core) UnregisterObserver(observer Observer) error {
	if observer == nil {
		return ErrObserverNil
	}
	id := observer.ObserverID()

	c.mu.Lock()
	reg := c.observers[id]
	delete(c.observers, id)
	c.mu.Unlock()

	if reg != nil {
		cancelAll(reg.subs)
		c.logger.Info("Observer unregistered", "observerID", id)
	}
	return nil
}

// Observers lists the registered observers sorted by ID.
func (c *Core) Observers() []ObserverInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	infos := make([]ObserverInfo, 0, len(c.observers))
	for _, reg := range c.observers {
		infos = append(infos, reg.info)
	}
	slices.SortFunc(infos, func(a, b ObserverInfo) int { return strings.Compare(a.ID, b.ID) })
	return infos
}
