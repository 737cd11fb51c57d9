package cache

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryEngine implements Engine using in-memory storage.
//
// Every entry with a TTL gets its own removal timer. Reads also compare the
// entry age against the clock, so an elapsed entry is reported missing even
// if its timer has not fired yet.
type MemoryEngine struct {
	mu       sync.Mutex
	items    map[string]*memoryItem
	now      func() time.Time
	maxItems int
	closed   bool
}

type memoryItem struct {
	value     any
	createdAt time.Time
	ttl       time.Duration
	timer     *time.Timer
}

func (i *memoryItem) expired(now time.Time) bool {
	return i.ttl > 0 && now.Sub(i.createdAt) >= i.ttl
}

// MemoryOption configures a MemoryEngine.
type MemoryOption func(*MemoryEngine)

// WithClock overrides the time source used for the lazy expiry check.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryEngine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithMaxItems bounds the number of entries. Zero means unbounded.
func WithMaxItems(n int) MemoryOption {
	return func(m *MemoryEngine) {
		m.maxItems = n
	}
}

// NewMemoryEngine creates a new memory cache engine.
func NewMemoryEngine(opts ...MemoryOption) *MemoryEngine {
	m := &MemoryEngine{
		items: make(map[string]*memoryItem),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get retrieves an item from the cache.
func (m *MemoryEngine) Get(_ context.Context, key string) (any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	if item.expired(m.now()) {
		m.removeLocked(key, item)
		return nil, false, nil
	}
	return item.value, true, nil
}

// Set stores an item in the cache.
func (m *MemoryEngine) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	prev, exists := m.items[key]
	if !exists && m.maxItems > 0 && len(m.items) >= m.maxItems {
		m.purgeLocked()
		if len(m.items) >= m.maxItems {
			return ErrCacheFull
		}
	}
	if exists {
		prev.stop()
	}

	item := &memoryItem{value: value, createdAt: m.now()}
	if ttl > 0 {
		item.ttl = ttl
		item.timer = time.AfterFunc(ttl, func() { m.expire(key, item) })
	}
	m.items[key] = item
	return nil
}

// Delete removes an item from the cache.
func (m *MemoryEngine) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key]
	if !ok {
		return false, nil
	}
	live := !item.expired(m.now())
	m.removeLocked(key, item)
	return live, nil
}

// Clear removes all items and stops their timers.
func (m *MemoryEngine) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, item := range m.items {
		item.stop()
	}
	m.items = make(map[string]*memoryItem)
	return nil
}

// Keys returns the live keys in sorted order.
func (m *MemoryEngine) Keys(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.purgeLocked()
	keys := make([]string, 0, len(m.items))
	for key := range m.items {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys, nil
}

// Size returns the number of live items.
func (m *MemoryEngine) Size(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.purgeLocked()
	return len(m.items), nil
}

// Close clears the cache and rejects further writes.
func (m *MemoryEngine) Close(ctx context.Context) error {
	if err := m.Clear(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// expire is the timer callback. The pointer comparison keeps a stale timer
// from removing a value that was overwritten after it was scheduled.
func (m *MemoryEngine) expire(key string, item *memoryItem) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.items[key]; ok && current == item {
		delete(m.items, key)
	}
}

func (m *MemoryEngine) purgeLocked() {
	now := m.now()
	for key, item := range m.items {
		if item.expired(now) {
			m.removeLocked(key, item)
		}
	}
}

func (m *MemoryEngine) removeLocked(key string, item *memoryItem) {
	item.stop()
	delete(m.items, key)
}

func (i *memoryItem) stop() {
	if i.timer != nil {
		i.timer.Stop()
	}
}
