package database

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hubot-paas/orchestrator/pkg/config"
	"github.com/hubot-paas/orchestrator/pkg/logger"
)

// RedisOptions returns the connection settings shared by the go-redis client
// and asynq.
func RedisOptions(c *config.Config) *redis.Options {
	return &redis.Options{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
}

// AsynqRedis adapts RedisOptions for asynq clients and servers.
func AsynqRedis(c *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
}

// OpenRedis connects and pings Redis, retrying like OpenPostgres.
func OpenRedis(ctx context.Context, opts *redis.Options, tries int) (*redis.Client, error) {
	if tries < 1 {
		tries = 1
	}
	rdb := redis.NewClient(opts)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxInterval = 5 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(tries-1)), ctx)

	ping := func() error { return rdb.Ping(ctx).Err() }
	notify := func(err error, next time.Duration) {
		logger.L().Warn("redis not ready, retrying", zap.Duration("in", next), zap.Error(err))
	}
	if err := backoff.RetryNotify(ping, policy, notify); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed after retries: %w", err)
	}
	return rdb, nil
}
