package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"postcode-api/internal/logger"
	"postcode-api/internal/metrics"
)

// Cached：对 Get 做 Redis 读穿缓存，Search 与 Scan 直接透传
// 约束：只缓存命中的文档；Redis 故障时降级为直接访问后端
type Cached struct {
	Backend
	rc  *redis.Client
	ttl time.Duration
}

// NewCached：rc 为 nil 时返回原后端
func NewCached(b Backend, rc *redis.Client, ttl time.Duration) Backend {
	if rc == nil {
		return b
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cached{Backend: b, rc: rc, ttl: ttl}
}

func cacheKey(c Collection, id string, exclude []string) string {
	k := "geo:" + string(c) + ":" + id
	if len(exclude) > 0 {
		ex := append([]string(nil), exclude...)
		sort.Strings(ex)
		k += ":-" + strings.Join(ex, ",")
	}
	return k
}

func (c *Cached) Get(ctx context.Context, col Collection, id string, exclude ...string) (Doc, error) {
	key := cacheKey(col, id, exclude)
	if s, err := c.rc.Get(ctx, key).Result(); err == nil && s != "" {
		var d Doc
		if json.Unmarshal([]byte(s), &d) == nil {
			metrics.CacheHitsTotal.Inc()
			return d, nil
		}
	} else if err != nil && err != redis.Nil {
		logger.L().Warn("redis_get_error", "key", key, "err", err)
	}
	metrics.CacheMissesTotal.Inc()
	d, err := c.Backend.Get(ctx, col, id, exclude...)
	if err != nil || !d.Found {
		return d, err
	}
	if b, err := json.Marshal(d); err == nil {
		if err := c.rc.Set(ctx, key, string(b), c.ttl).Err(); err != nil {
			logger.L().Warn("redis_set_error", "key", key, "err", err)
		}
	}
	return d, nil
}
