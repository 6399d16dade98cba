package cache

import (
	"context"
	"fmt"
	"time"

	"paysettle/internal/config"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

// InitRedis 初始化 Redis；连接失败时返回 nil，调用方退化为只依赖数据库唯一约束
func InitRedis(cfg *config.RedisConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("连接 Redis 失败，分布式锁已禁用")
		_ = client.Close()
		return nil
	}

	log.Info().Str("addr", client.Options().Addr).Msg("Redis 连接成功")
	return client
}
