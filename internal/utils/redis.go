package utils

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"postcode-api/internal/config"
	"postcode-api/internal/logger"
)

// OpenRedis：按配置打开 Redis 客户端
// 约束：未配置地址或探活失败时返回 nil，调用方据此关闭缓存
func OpenRedis(ctx context.Context, cfg *config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rc.Ping(pctx).Err(); err != nil {
		logger.L().Error("redis_ping_error", "addr", cfg.RedisAddr, "err", err)
		_ = rc.Close()
		return nil
	}
	logger.L().Debug("redis_env", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
	return rc
}
