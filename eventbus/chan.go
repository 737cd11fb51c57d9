package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// ChanSubscription delivers events through a bounded channel instead of a
// callback. Publish never blocks on it: when the buffer is full the event is
// dropped and counted.
type ChanSubscription struct {
	sub     *subscription
	ch      chan Event
	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

// SubscribeChan registers a channel subscriber for topic with the given
// buffer size. A buffer <= 0 uses the configured default.
func (b *Bus) SubscribeChan(topic string, buffer int) (*ChanSubscription, error) {
	if buffer <= 0 {
		buffer = b.config.DefaultBufferSize
	}
	cs := &ChanSubscription{ch: make(chan Event, buffer)}
	sub, err := b.add(topic, cs.offer, cs.close)
	if err != nil {
		return nil, err
	}
	cs.sub = sub
	return cs, nil
}

func (c *ChanSubscription) offer(_ context.Context, event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	select {
	case c.ch <- event:
	default:
		c.dropped.Add(1)
	}
	return nil
}

func (c *ChanSubscription) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// C returns the receive channel. It is closed when the subscription is
// cancelled.
func (c *ChanSubscription) C() <-chan Event { return c.ch }

// Dropped returns how many events were discarded because the buffer was full.
func (c *ChanSubscription) Dropped() uint64 { return c.dropped.Load() }

func (c *ChanSubscription) Topic() string { return c.sub.topic }
func (c *ChanSubscription) ID() string    { return c.sub.id }

// Cancel removes the subscription and closes the channel.
func (c *ChanSubscription) Cancel() error { return c.sub.Cancel() }
