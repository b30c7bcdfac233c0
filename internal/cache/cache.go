package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/watchingthewheelsgo/xbot/pkg/logger"
)

// Cache 近期事件去重缓存：挡在 sqlite 前面吸收突发抓取的重复事件。
// redis 未配置时所有方法退化为未命中，不影响正确性（幂等键仍兜底）。
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(rdb *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{rdb: rdb, ttl: ttl}
}

// Seen 最近是否处理过该键。缓存故障按未命中处理
func (c *Cache) Seen(ctx context.Context, key string) bool {
	if c == nil || c.rdb == nil {
		return false
	}
	n, err := c.rdb.Exists(ctx, "seen:"+key).Result()
	if err != nil {
		logger.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return n > 0
}

// MarkSeen 记录处理过的键，带 TTL 自动过期
func (c *Cache) MarkSeen(ctx context.Context, key string) {
	if c == nil || c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, "seen:"+key, 1, c.ttl).Err(); err != nil {
		logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}
