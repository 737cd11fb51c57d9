// Package heartbeat caches the most recent system:memory and system:uptime
// samples so other modules can read them without subscribing.
package heartbeat

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/cache"
	"github.com/GoCodeAlone/modhost/configstore"
)

const Name = "heartbeat"

// Cache keys written by the module.
const (
	MemoryKey = "heartbeat:memory"
	UptimeKey = "heartbeat:uptime"
)

// TTLKey is the configuration key holding the sample TTL.
const TTLKey = "heartbeat.ttl"

// DefaultTTL applies when TTLKey is unset.
const DefaultTTL = 2 * time.Minute

func init() {
	modhost.Register(Name, New)
}

// Heartbeat is the heartbeat module.
type Heartbeat struct {
	cache  *cache.Service
	config *configstore.Store
	logger modhost.Logger

	beats    atomic.Int64
	lastBeat atomic.Int64
	ready    atomic.Bool
}

// New is the module factory.
func New(deps modhost.Dependencies) (modhost.Module, error) {
	return &Heartbeat{cache: deps.Cache, config: deps.Config, logger: deps.Logger}, nil
}

func (h *Heartbeat) HandleEvent(ctx context.Context, topic string, payload any) error {
	switch topic {
	case modhost.TopicSystemReady:
		h.ready.Store(true)
		h.logger.Info("Host ready, recording heartbeats")
		return nil
	case modhost.TopicSystemMemory:
		return h.store(ctx, MemoryKey, payload)
	case modhost.TopicSystemUptime:
		return h.store(ctx, UptimeKey, payload)
	}
	return nil
}

func (h *Heartbeat) store(ctx context.Context, key string, sample any) error {
	ttl := DefaultTTL
	if h.config != nil {
		ttl = h.config.GetDuration(TTLKey, DefaultTTL)
	}
	h.beats.Add(1)
	h.lastBeat.Store(time.Now().UnixMilli())
	if h.cache == nil {
		return nil
	}
	return h.cache.Set(ctx, key, sample, ttl)
}

// Memory returns the cached memory sample.
func (h *Heartbeat) Memory(ctx context.Context) (any, bool) {
	if h.cache == nil {
		return nil, false
	}
	return h.cache.Get(ctx, MemoryKey)
}

// Uptime returns the cached uptime sample.
func (h *Heartbeat) Uptime(ctx context.Context) (any, bool) {
	if h.cache == nil {
		return nil, false
	}
	return h.cache.Get(ctx, UptimeKey)
}

func (h *Heartbeat) Stats() map[string]any {
	stats := map[string]any{
		"beats": h.beats.Load(),
		"ready": h.ready.Load(),
	}
	if last := h.lastBeat.Load(); last > 0 {
		stats["lastBeat"] = time.UnixMilli(last).UTC().Format(time.RFC3339)
	}
	return stats
}

func (h *Heartbeat) Cleanup(ctx context.Context) error {
	if h.cache == nil {
		return nil
	}
	for _, key := range []string{MemoryKey, UptimeKey} {
		if _, err := h.cache.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
