package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "radioguard:cache:"
	scanCount        = 200
)

// Redis is a Store shared by every instance pointed at the same server.
// Values are JSON encoded; expiry is handled by Redis itself.
type Redis[V any] struct {
	client  *redis.Client
	prefix  string
	name    string
	metrics *Metrics
}

type RedisOption func(*redisOptions)

type redisOptions struct {
	prefix  string
	name    string
	metrics *Metrics
}

// WithKeyPrefix namespaces every key written by the cache.
func WithKeyPrefix(prefix string) RedisOption {
	return func(o *redisOptions) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

func WithRedisName(name string) RedisOption {
	return func(o *redisOptions) {
		if name != "" {
			o.name = name
		}
	}
}

func WithRedisMetrics(m *Metrics) RedisOption {
	return func(o *redisOptions) {
		o.metrics = m
	}
}

// NewRedis wraps client. The client lifecycle is managed by the caller.
func NewRedis[V any](client *redis.Client, opts ...RedisOption) *Redis[V] {
	o := redisOptions{prefix: defaultKeyPrefix, name: "redis"}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return &Redis[V]{client: client, prefix: o.prefix, name: o.name, metrics: o.metrics}
}

func (r *Redis[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	data, err := r.encode(value)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	return nil
}

func (r *Redis[V]) SetIfAbsent(ctx context.Context, key string, value V, ttl time.Duration) (bool, error) {
	data, err := r.encode(value)
	if err != nil {
		return false, err
	}
	ok, err := r.client.SetNX(ctx, r.prefix+key, data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache set-if-absent %q: %w", key, err)
	}
	return ok, nil
}

func (r *Redis[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var v V
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		r.metrics.lookup(r.name, false)
		return v, false, nil
	}
	if err != nil {
		return v, false, fmt.Errorf("cache get %q: %w", key, err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, fmt.Errorf("cache decode %q: %w", key, err)
	}
	r.metrics.lookup(r.name, true)
	return v, true, nil
}

func (r *Redis[V]) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("cache delete %q: %w", key, err)
	}
	return nil
}

func (r *Redis[V]) Has(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("cache exists %q: %w", key, err)
	}
	return n > 0, nil
}

// Keys lists keys under the prefix using SCAN, with the prefix stripped.
func (r *Redis[V]) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.prefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("cache scan: %w", err)
	}
	return keys, nil
}

func (r *Redis[V]) Size(ctx context.Context) (int, error) {
	keys, err := r.Keys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Cleanup always evicts nothing: Redis expires keys on its own.
func (r *Redis[V]) Cleanup(context.Context) (int, error) {
	return 0, nil
}

// Clear deletes every key under the prefix.
func (r *Redis[V]) Clear(ctx context.Context) error {
	keys, err := r.Keys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, k := range keys {
		pipe.Del(ctx, r.prefix+k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

func (r *Redis[V]) encode(value V) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("cache encode: %w", err)
	}
	return data, nil
}

var _ Store[Slot] = (*Redis[Slot])(nil)
