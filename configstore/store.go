// Package configstore implements the runtime configuration store shared by
// the host and its modules. Every mutation is announced on the event bus.
package configstore

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/golobby/cast"

	"github.com/GoCodeAlone/modhost/eventbus"
	"github.com/GoCodeAlone/modhost/logging"
)

// Topics published by the store.
const (
	TopicChanged = "config:changed"
	TopicDeleted = "config:deleted"
	TopicLoaded  = "config:loaded"
)

// Change is the payload of config:changed.
type Change struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Deletion is the payload of config:deleted.
type Deletion struct {
	Key string `json:"key"`
}

// Store is a concurrency-safe key/value store of settings.
type Store struct {
	mu        sync.RWMutex
	values    map[string]any
	publisher eventbus.Publisher
	logger    logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for failed notifications.
func WithLogger(logger logging.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates an empty store publishing to publisher. A nil publisher
// disables notifications.
func New(publisher eventbus.Publisher, opts ...Option) *Store {
	s := &Store{
		values:    make(map[string]any),
		publisher: publisher,
		logger:    logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the value stored under key, or def when absent.
func (s *Store) Get(key string, def any) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.values[key]; ok {
		return v
	}
	return def
}

// Set stores value and publishes config:changed, also when the value is
// unchanged.
func (s *Store) Set(ctx context.Context, key string, value any) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()

	s.notify(ctx, TopicChanged, Change{Key: key, Value: value})
}

// Has reports whether key is present.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[key]
	return ok
}

// Delete removes key. config:deleted is published only when a value was
// actually removed.
func (s *Store) Delete(ctx context.Context, key string) bool {
	s.mu.Lock()
	_, ok := s.values[key]
	delete(s.values, key)
	s.mu.Unlock()

	if ok {
		s.notify(ctx, TopicDeleted, Deletion{Key: key})
	}
	return ok
}

// GetAll returns a copy of every entry.
func (s *Store) GetAll() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}

// Keys returns the stored keys, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.values))
}

// Load merges values into the store and publishes a single config:loaded
// carrying the loaded map.
func (s *Store) Load(ctx context.Context, values map[string]any) {
	s.mu.Lock()
	maps.Copy(s.values, values)
	s.mu.Unlock()

	s.notify(ctx, TopicLoaded, maps.Clone(values))
}

func (s *Store) notify(ctx context.Context, topic string, payload any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, topic, payload); err != nil {
		s.logger.Warn("Config notification handler failed", "topic", topic, "error", err)
	}
}

// GetString returns the value under key formatted as a string.
func (s *Store) GetString(key, def string) string {
	v, ok := s.lookup(key)
	if !ok {
		return def
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}

// GetInt returns the value under key converted to int, or def when absent
// or not convertible.
func (s *Store) GetInt(key string, def int) int {
	v, ok := s.lookup(key)
	if !ok {
		return def
	}
	n, err := toInt(v)
	if err != nil {
		s.logger.Debug("Config value is not an int", "key", key, "error", err)
		return def
	}
	return n
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	}
	return convert[int](v)
}

// GetBool returns the value under key converted to bool.
func (s *Store) GetBool(key string, def bool) bool {
	v, ok := s.lookup(key)
	if !ok {
		return def
	}
	if b, ok := v.(bool); ok {
		return b
	}
	converted, err := convert[bool](v)
	if err != nil {
		s.logger.Debug("Config value is not a bool", "key", key, "error", err)
		return def
	}
	return converted
}

// GetDuration returns the value under key as a duration. Strings are parsed
// with time.ParseDuration; bare numbers are milliseconds, matching the
// monitoring.interval and database.connectionTimeout defaults.
func (s *Store) GetDuration(key string, def time.Duration) time.Duration {
	v, ok := s.lookup(key)
	if !ok {
		return def
	}
	switch d := v.(type) {
	case time.Duration:
		return d
	case string:
		if parsed, err := time.ParseDuration(d); err == nil {
			return parsed
		}
	}
	ms, err := toInt(v)
	if err != nil {
		s.logger.Debug("Config value is not a duration", "key", key, "error", err)
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *Store) lookup(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

func convert[T any](v any) (T, error) {
	var zero T
	str, ok := v.(string)
	if !ok {
		str = fmt.Sprint(v)
	}
	converted, err := cast.FromType(str, reflect.TypeOf(zero))
	if err != nil {
		return zero, fmt.Errorf("cannot convert %q to %T: %w", str, zero, err)
	}
	out, ok := converted.(T)
	if !ok {
		return zero, fmt.Errorf("cannot convert %q to %T", str, zero)
	}
	return out, nil
}
