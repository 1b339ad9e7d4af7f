package storage

import (
	"context"
	"sync"
	"time"

	"github.com/athapong/aio-risk/pkg/risk/metrics"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Deduper guards at-least-once delivery. Claim returns false when the ID
// was already claimed; Release gives the claim back after a failure so a
// redelivery can retry it.
type Deduper interface {
	Claim(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
}

type MemoryDeduper struct {
	mutex sync.Mutex
	seen  map[string]struct{}
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]struct{})}
}

func (d *MemoryDeduper) Claim(ctx context.Context, id string) (bool, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if _, ok := d.seen[id]; ok {
		metrics.CacheHits.WithLabelValues("dedup").Inc()
		return false, nil
	}
	d.seen[id] = struct{}{}
	metrics.CacheMisses.WithLabelValues("dedup").Inc()
	return true, nil
}

func (d *MemoryDeduper) Release(ctx context.Context, id string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	delete(d.seen, id)
	return nil
}

// RedisDeduper claims IDs with SETNX so several consumers can share the guard.
type RedisDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, prefix string, ttl time.Duration) *RedisDeduper {
	if prefix == "" {
		prefix = "risk:dedup:"
	}
	return &RedisDeduper{client: client, prefix: prefix, ttl: ttl}
}

func (d *RedisDeduper) Claim(ctx context.Context, id string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+id, time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis claim")
	}
	if ok {
		metrics.CacheMisses.WithLabelValues("dedup").Inc()
	} else {
		metrics.CacheHits.WithLabelValues("dedup").Inc()
	}
	return ok, nil
}

func (d *RedisDeduper) Release(ctx context.Context, id string) error {
	return errors.Wrap(d.client.Del(ctx, d.prefix+id).Err(), "redis release")
}
