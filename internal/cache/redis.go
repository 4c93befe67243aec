package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/optionsflow/optionsflow/internal/config"
	"github.com/optionsflow/optionsflow/internal/domain"
)

const redisKeyPrefix = "optionsflow:baseline:"

// RedisCache stores BaselineStats snapshots in Redis so multiple pipeline
// processes can share the hot tier. Expiry is server-side TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects a snapshot cache to Redis.
func NewRedisCache(cfg config.RedisConfig) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
		DB:   cfg.DB,
	})
	return &RedisCache{client: client, ttl: cfg.DefaultTTL()}
}

func redisKey(key domain.InstrumentKey) string {
	return fmt.Sprintf("%s%g:%s", redisKeyPrefix, key.Strike, key.OptionType)
}

func (c *RedisCache) Get(ctx context.Context, key domain.InstrumentKey) (*domain.BaselineStats, bool, error) {
	raw, err := c.client.Get(ctx, redisKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var stats domain.BaselineStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return nil, false, fmt.Errorf("decode cached baseline: %w", err)
	}
	return &stats, true, nil
}

func (c *RedisCache) Set(ctx context.Context, stats domain.BaselineStats) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encode baseline: %w", err)
	}
	if err := c.client.Set(ctx, redisKey(stats.Instrument), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key domain.InstrumentKey) error {
	if err := c.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// PurgeOlderThan is a no-op: Redis expires entries by TTL.
func (c *RedisCache) PurgeOlderThan(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (c *RedisCache) Size(ctx context.Context) (int, error) {
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, redisKeyPrefix+"*", 512).Result()
		if err != nil {
			return 0, fmt.Errorf("redis scan: %w", err)
		}
		count += len(keys)
		if next == 0 {
			return count, nil
		}
		cursor = next
	}
}

// Close releases the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
