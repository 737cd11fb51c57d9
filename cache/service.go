// Package cache provides the shared key/value cache handed to every module.
// Entries carry a per-entry TTL; an expired entry reads exactly like a
// missing one.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/GoCodeAlone/modhost/logging"
)

// Service is the cache shared by the host and its modules.
type Service struct {
	engine     Engine
	defaultTTL time.Duration
	logger     logging.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithDefaultTTL sets the TTL used by Put.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.defaultTTL = ttl
	}
}

// WithLogger sets the logger used to report engine failures.
func WithLogger(logger logging.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New wraps engine in a Service.
func New(engine Engine, opts ...Option) *Service {
	s := &Service{
		engine:     engine,
		defaultTTL: DefaultConfig().DefaultTTL,
		logger:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open builds a Service from cfg, connecting to redis when selected.
func Open(ctx context.Context, cfg Config, logger logging.Logger) (*Service, error) {
	var engine Engine
	switch cfg.Engine {
	case "", EngineMemory:
		engine = NewMemoryEngine(WithMaxItems(cfg.MaxItems))
	case EngineRedis:
		redisEngine, err := NewRedisEngine(ctx, cfg)
		if err != nil {
			return nil, err
		}
		engine = redisEngine
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, cfg.Engine)
	}
	return New(engine, WithDefaultTTL(cfg.DefaultTTL), WithLogger(logger)), nil
}

// Get returns the value stored under key. Engine failures are logged and
// reported as a miss.
func (s *Service) Get(ctx context.Context, key string) (any, bool) {
	value, found, err := s.engine.Get(ctx, key)
	if err != nil {
		s.logger.Error("Cache get failed", "key", key, "error", err)
		return nil, false
	}
	return value, found
}

// Set stores value under key for ttl. A ttl <= 0 disables expiry.
func (s *Service) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return s.engine.Set(ctx, key, value, ttl)
}

// Put stores value with the default TTL.
func (s *Service) Put(ctx context.Context, key string, value any) error {
	return s.engine.Set(ctx, key, value, s.defaultTTL)
}

// Delete removes key and reports whether a live value was removed.
func (s *Service) Delete(ctx context.Context, key string) (bool, error) {
	return s.engine.Delete(ctx, key)
}

// Clear removes every entry.
func (s *Service) Clear(ctx context.Context) error {
	return s.engine.Clear(ctx)
}

// Keys returns the live keys, sorted. Engine failures yield an empty list.
func (s *Service) Keys(ctx context.Context) []string {
	keys, err := s.engine.Keys(ctx)
	if err != nil {
		s.logger.Error("Cache keys failed", "error", err)
		return []string{}
	}
	return keys
}

// Size returns the number of live entries.
func (s *Service) Size(ctx context.Context) int {
	n, err := s.engine.Size(ctx)
	if err != nil {
		s.logger.Error("Cache size failed", "error", err)
		return 0
	}
	return n
}

// DefaultTTL returns the TTL used by Put.
func (s *Service) DefaultTTL() time.Duration {
	return s.defaultTTL
}

// Close releases the engine.
func (s *Service) Close(ctx context.Context) error {
	return s.engine.Close(ctx)
}
