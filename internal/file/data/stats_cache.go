package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lk2023060901/file-vault-backend/internal/file/biz"
)

const statsCacheKey = "file:stats"

// statsCache 基于 Redis 的统计缓存，短 TTL，上传后整体失效
type statsCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStatsCache 创建统计缓存
func NewStatsCache(client *redis.Client, ttl time.Duration) biz.StatsCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &statsCache{client: client, ttl: ttl}
}

// Get 未命中时返回 (nil, nil)
func (c *statsCache) Get(ctx context.Context) (*biz.Stats, error) {
	data, err := c.client.Get(ctx, statsCacheKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read stats cache: %w", err)
	}

	var stats biz.Stats
	if err := json.Unmarshal(data, &stats); err != nil {
		// 缓存内容损坏按未命中处理
		return nil, nil
	}
	return &stats, nil
}

func (c *statsCache) Set(ctx context.Context, stats *biz.Stats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}
	if err := c.client.Set(ctx, statsCacheKey, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write stats cache: %w", err)
	}
	return nil
}

func (c *statsCache) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, statsCacheKey).Err(); err != nil {
		return fmt.Errorf("failed to invalidate stats cache: %w", err)
	}
	return nil
}
