package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// MilestoneCache short-circuits repeat milestone checks between ticks. It is
// an optimisation only; the store remains the source of truth.
type MilestoneCache interface {
	Seen(ctx context.Context, customerID string, milestone int) bool
	Remember(ctx context.Context, customerID string, milestone int)
}

// maxSweepEvery caps how long expired entries can linger in the memory cache.
const maxSweepEvery = 10 * time.Minute

type memoryCache struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	entries   map[string]time.Time
	nextSweep time.Time
}

func NewMemoryCache(ttl time.Duration) MilestoneCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &memoryCache{ttl: ttl, now: time.Now, entries: make(map[string]time.Time)}
}

func (c *memoryCache) Seen(ctx context.Context, customerID string, milestone int) bool {
	key := cacheKey(customerID, milestone)
	c.mu.Lock()
	defer c.mu.Unlock()
	expires, ok := c.entries[key]
	if !ok {
		return false
	}
	if c.now().After(expires) {
		delete(c.entries, key)
		return false
	}
	return true
}

func (c *memoryCache) Remember(ctx context.Context, customerID string, milestone int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.sweep(now)
	c.entries[cacheKey(customerID, milestone)] = now.Add(c.ttl)
}

// sweep drops expired entries, at most once per min(ttl, maxSweepEvery).
// Customers who leave the queue are never looked up again.
func (c *memoryCache) sweep(now time.Time) {
	if now.Before(c.nextSweep) {
		return
	}
	c.nextSweep = now.Add(min(c.ttl, maxSweepEvery))
	for key, expires := range c.entries {
		if now.After(expires) {
			delete(c.entries, key)
		}
	}
}

type redisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) MilestoneCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &redisCache{client: client, ttl: ttl, logger: logger}
}

func (c *redisCache) Seen(ctx context.Context, customerID string, milestone int) bool {
	n, err := c.client.Exists(ctx, cacheKey(customerID, milestone)).Result()
	if err != nil {
		c.logger.Debug("milestone cache lookup failed", zap.Error(err))
		return false
	}
	return n > 0
}

func (c *redisCache) Remember(ctx context.Context, customerID string, milestone int) {
	if err := c.client.Set(ctx, cacheKey(customerID, milestone), 1, c.ttl).Err(); err != nil {
		c.logger.Debug("milestone cache write failed", zap.Error(err))
	}
}

func cacheKey(customerID string, milestone int) string {
	return fmt.Sprintf("walkin:milestone:%s:%d", customerID, milestone)
}
