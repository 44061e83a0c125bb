package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

const defaultCacheSize = 4096

// LRUCache is a process-local snapshot cache.
type LRUCache struct {
	cache *lru.LRU[string, Principal]
}

// NewLRUCache creates a cache holding at most size entries for ttl each.
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	return &LRUCache{cache: lru.NewLRU[string, Principal](size, nil, ttl)}
}

func (c *LRUCache) Get(_ context.Context, actorID string) (Principal, bool, error) {
	p, ok := c.cache.Get(actorID)
	return p, ok, nil
}

func (c *LRUCache) Set(_ context.Context, p Principal) error {
	c.cache.Add(p.ActorID, p)
	return nil
}

func (c *LRUCache) Purge(_ context.Context) error {
	c.cache.Purge()
	return nil
}

// RedisCache shares snapshots between API instances.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache wraps an existing client. Keys are "<prefix>:principal:<actor>".
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "parcela"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) key(actorID string) string {
	return fmt.Sprintf("%s:principal:%s", c.prefix, actorID)
}

func (c *RedisCache) Get(ctx context.Context, actorID string) (Principal, bool, error) {
	data, err := c.client.Get(ctx, c.key(actorID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Principal{}, false, nil
	}
	if err != nil {
		return Principal{}, false, fmt.Errorf("redis get: %w", err)
	}
	var p Principal
	if err := json.Unmarshal(data, &p); err != nil {
		c.client.Del(ctx, c.key(actorID))
		return Principal{}, false, fmt.Errorf("decode principal: %w", err)
	}
	return p, true, nil
}

func (c *RedisCache) Set(ctx context.Context, p Principal) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode principal: %w", err)
	}
	return c.client.Set(ctx, c.key(p.ActorID), data, c.ttl).Err()
}

// Purge removes every principal key under the prefix.
func (c *RedisCache) Purge(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+":principal:*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
