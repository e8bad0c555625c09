package redis

import (
	"context"
	"time"

	"impact-donations/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const pingAttempts = 5

var Module = fx.Module("redis",
	fx.Provide(New),
)

// New builds the client used by sequences and health checks. The first ping
// runs in OnStart with a doubling backoff. A redis that never answers is
// logged and startup continues.
func New(lc fx.Lifecycle, c *config.Config) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:        c.Redis.Addr,
		Password:    c.Redis.Password,
		DB:          c.Redis.DB,
		PoolSize:    c.Redis.PoolSize,
		PoolTimeout: c.Redis.PoolTimeout,
	})

	zapLog := zap.L().With(
		zap.String("addr", c.Redis.Addr),
		zap.Int("db", c.Redis.DB),
		zap.Int("pool_size", c.Redis.PoolSize),
	)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := ping(ctx, rdb, zapLog); err != nil {
				zapLog.Error("[Redis] giving up on redis ping", zap.Error(err))
				return nil
			}
			zapLog.Info("[Redis] connected")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return rdb.Close()
		},
	})

	return rdb
}

func ping(ctx context.Context, rdb *redis.Client, zapLog *zap.Logger) error {
	var err error
	backoff := 500 * time.Millisecond
	for attempt := 1; attempt <= pingAttempts; attempt++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			return nil
		}
		zapLog.Warn("[Redis] not ready", zap.Int("attempt", attempt), zap.Duration("backoff", backoff), zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
