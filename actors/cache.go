package actors

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/deemkeen/fedicore/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache holds resolved remote actors by URI or acct handle. Entries expire
// after the cache's TTL; concurrent writers race and the last one wins.
type Cache interface {
	Get(ctx context.Context, key string) (*domain.Actor, bool)
	Set(ctx context.Context, key string, actor *domain.Actor)
	Delete(ctx context.Context, key string)
}

func handleKey(username, domainName string) string {
	return "acct:" + username + "@" + domainName
}

type memoryEntry struct {
	actor     domain.Actor
	expiresAt time.Time
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*domain.Actor, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !c.now().Before(e.expiresAt) {
		return nil, false
	}
	actor := e.actor
	return &actor, true
}

func (c *MemoryCache) Set(_ context.Context, key string, actor *domain.Actor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{actor: *actor, expiresAt: c.now().Add(c.ttl)}
}

func (c *MemoryCache) Delete(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len counts entries including expired ones not yet evicted.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep evicts expired entries.
func (c *MemoryCache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

const redisKeyPrefix = "fedicore:actor:"

// RedisCache shares resolved actors between processes. Redis errors are
// logged and treated as misses.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.SugaredLogger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, log *zap.SugaredLogger) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, log: log}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*domain.Actor, bool) {
	data, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warnf("ActorCache: redis get %s: %v", key, err)
		}
		return nil, false
	}
	var actor domain.Actor
	if err := json.Unmarshal(data, &actor); err != nil {
		c.log.Warnf("ActorCache: dropping undecodable entry %s: %v", key, err)
		c.Delete(ctx, key)
		return nil, false
	}
	return &actor, true
}

func (c *RedisCache) Set(ctx context.Context, key string, actor *domain.Actor) {
	payload, err := json.Marshal(actor)
	if err != nil {
		c.log.Warnf("ActorCache: failed to encode %s: %v", key, err)
		return
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key, payload, c.ttl).Err(); err != nil {
		c.log.Warnf("ActorCache: redis set %s: %v", key, err)
	}
}

func (c *RedisCache) Delete(ctx context.Context, key string) {
	if err := c.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		c.log.Warnf("ActorCache: redis del %s: %v", key, err)
	}
}
