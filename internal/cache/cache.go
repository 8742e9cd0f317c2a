package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	gocache "github.com/patrickmn/go-cache"

	"github.com/ledgerguard/compliance-engine/internal/config"
)

// MetricsRecorder receives per-tier hit and miss signals. The cache holds
// the interface, not the collector, to keep the dependency one-way.
type MetricsRecorder interface {
	RecordCacheHit(tier string)
	RecordCacheMiss(tier string)
}

// Cache is a two-tier read-through cache: an in-process tier always on,
// a Redis tier when configured. Every operation is best-effort: a cache
// outage degrades to a miss, never to a failure.
type Cache struct {
	cfg     config.CacheConfig
	logger  *slog.Logger
	local   *gocache.Cache
	redis   *redis.Client
	metrics MetricsRecorder
}

// New builds the cache. redisClient may be nil when the distributed tier
// is disabled.
func New(cfg config.CacheConfig, redisClient *redis.Client, logger *slog.Logger) *Cache {
	return &Cache{
		cfg:    cfg,
		logger: logger,
		local:  gocache.New(cfg.ActiveRulesTTL, 2*cfg.ActiveRulesTTL),
		redis:  redisClient,
	}
}

// NewRedisClient connects the distributed tier, or returns nil when
// disabled or unreachable (the service then runs on the local tier alone).
func NewRedisClient(cfg config.RedisConfig, logger *slog.Logger) *redis.Client {
	if !cfg.Enabled {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis unreachable, running on in-process cache only", "error", err)
		return nil
	}
	return client
}

// ActiveRulesKey is the cache key of an organization's active rule set.
func ActiveRulesKey(orgID string) string {
	return "rules:active:" + orgID
}

// ListFactsKey is the cache key of one resolved list-fact bundle.
func ListFactsKey(orgID, attrHash string) string {
	return "lists:facts:" + orgID + ":" + attrHash
}

// SetMetricsRecorder attaches a hit/miss recorder.
func (c *Cache) SetMetricsRecorder(m MetricsRecorder) {
	c.metrics = m
}

func (c *Cache) recordHit(tier string) {
	if c.metrics != nil {
		c.metrics.RecordCacheHit(tier)
	}
}

func (c *Cache) recordMiss(tier string) {
	if c.metrics != nil {
		c.metrics.RecordCacheMiss(tier)
	}
}

// Get loads a cached value into dest, reporting whether it was found.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) bool {
	if raw, found := c.local.Get(key); found {
		if data, ok := raw.([]byte); ok {
			if err := json.Unmarshal(data, dest); err == nil {
				c.recordHit("local")
				return true
			}
			c.local.Delete(key)
		}
	}
	c.recordMiss("local")

	if c.redis == nil {
		return false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug("Cache read failed, falling back to direct read", "key", key, "error", err)
		}
		c.recordMiss("redis")
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Debug("Cache entry undecodable, dropping", "key", key, "error", err)
		c.Delete(ctx, key)
		c.recordMiss("redis")
		return false
	}
	c.recordHit("redis")
	return true
}

// Set stores a value in both tiers with the given TTL.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Debug("Cache value unencodable, skipping", "key", key, "error", err)
		return
	}
	c.local.Set(key, data, ttl)
	if c.redis != nil {
		if err := c.redis.Set(ctx, key, data, ttl).Err(); err != nil {
			c.logger.Debug("Cache write failed", "key", key, "error", err)
		}
	}
}

// Delete invalidates a key in both tiers.
func (c *Cache) Delete(ctx context.Context, key string) {
	c.local.Delete(key)
	if c.redis != nil {
		if err := c.redis.Del(ctx, key).Err(); err != nil {
			c.logger.Debug("Cache invalidation failed", "key", key, "error", err)
		}
	}
}

// DeletePrefix invalidates every key under a prefix. The local tier scans
// its items; the Redis tier scans the keyspace.
func (c *Cache) DeletePrefix(ctx context.Context, prefix string) {
	for key := range c.local.Items() {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			c.local.Delete(key)
		}
	}
	if c.redis == nil {
		return
	}
	iter := c.redis.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.redis.Del(ctx, iter.Val()).Err(); err != nil {
			c.logger.Debug("Cache invalidation failed", "key", iter.Val(), "error", err)
		}
	}
	if err := iter.Err(); err != nil {
		c.logger.Debug("Cache prefix scan failed", "prefix", prefix, "error", err)
	}
}

// ActiveRulesTTL exposes the configured rules TTL.
func (c *Cache) ActiveRulesTTL() time.Duration { return c.cfg.ActiveRulesTTL }

// ListFactsTTL exposes the configured list-facts TTL.
func (c *Cache) ListFactsTTL() time.Duration { return c.cfg.ListFactsTTL }

// ItemCount reports the size of the in-process tier, for the scheduler's
// periodic stats logging.
func (c *Cache) ItemCount() int { return c.local.ItemCount() }
