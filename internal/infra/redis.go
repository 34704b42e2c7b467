package infra

import (
	"context"
	"fmt"
	"time"

	"workhub/internal/config"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// OpenRedis 初始化 Redis 连接，用于触发去重与健康检查
func OpenRedis(cfg *config.RedisConfig, log *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("Redis 连接失败: %w", err)
	}

	log.Info("Redis 连接成功", zap.String("addr", cfg.Addr()), zap.Int("db", cfg.DB))
	return rdb, nil
}

// AsynqRedisOpt asynq 客户端、服务端与调度器共用的连接参数
func AsynqRedisOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// PingRedis Redis 健康检查
func PingRedis(ctx context.Context, rdb redis.Cmdable) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return rdb.Ping(ctx).Err()
}
