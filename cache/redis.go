package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanBatch = 100

// RedisEngine implements Engine on a Redis server. Values are stored as JSON,
// so they come back as the generic JSON types (numbers as float64, objects
// as map[string]any). Expiry is delegated to Redis key TTLs.
type RedisEngine struct {
	client     *redis.Client
	prefix     string
	ownsClient bool
}

// NewRedisEngine connects to the server described by cfg and verifies the
// connection with PING.
func NewRedisEngine(ctx context.Context, cfg Config) (*RedisEngine, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.RedisPassword != "" {
		opts.Password = cfg.RedisPassword
	}
	if cfg.RedisDB != 0 {
		opts.DB = cfg.RedisDB
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	engine := NewRedisEngineFromClient(client, cfg.KeyPrefix)
	engine.ownsClient = true
	return engine, nil
}

// NewRedisEngineFromClient wraps an existing client. The client is not closed
// by Close.
func NewRedisEngineFromClient(client *redis.Client, prefix string) *RedisEngine {
	return &RedisEngine{client: client, prefix: prefix}
}

func (r *RedisEngine) key(key string) string {
	return r.prefix + key
}

// Get retrieves and decodes an item.
func (r *RedisEngine) Get(ctx context.Context, key string) (any, bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, false, fmt.Errorf("%w: %s: %w", ErrInvalidValue, key, err)
	}
	return value, true, nil
}

// Set encodes and stores an item with the given TTL.
func (r *RedisEngine) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidValue, key, err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes an item.
func (r *RedisEngine) Delete(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Del(ctx, r.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis del %s: %w", key, err)
	}
	return n > 0, nil
}

// Clear removes every key under the engine's prefix.
func (r *RedisEngine) Clear(ctx context.Context) error {
	keys, err := r.scan(ctx)
	if err != nil {
		return err
	}
	for chunk := range slices.Chunk(keys, scanBatch) {
		if err := r.client.Del(ctx, chunk...).Err(); err != nil {
			return fmt.Errorf("redis clear: %w", err)
		}
	}
	return nil
}

// Keys returns the keys under the prefix with the prefix stripped.
func (r *RedisEngine) Keys(ctx context.Context) ([]string, error) {
	raw, err := r.scan(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, strings.TrimPrefix(k, r.prefix))
	}
	slices.Sort(keys)
	return keys, nil
}

// Size returns the number of keys under the prefix.
func (r *RedisEngine) Size(ctx context.Context) (int, error) {
	keys, err := r.scan(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Close closes the client when the engine created it.
func (r *RedisEngine) Close(_ context.Context) error {
	if !r.ownsClient {
		return nil
	}
	return r.client.Close()
}

func (r *RedisEngine) scan(ctx context.Context) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	// SCAN may return a key more than once
	slices.Sort(keys)
	return slices.Compact(keys), nil
}
