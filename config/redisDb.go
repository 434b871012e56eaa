package config

import (
	"context"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ConnectRedisWithRetry connects the Redis client and its lock client.
// An empty address means Redis is not configured: (nil, nil, nil) is returned
// and callers run without run locks or rate caching.
func ConnectRedisWithRetry(ctx context.Context, s RedisSettings, logg *logrus.Logger) (*redis.Client, *redislock.Client, error) {
	if s.Address == "" {
		logg.WithFields(logrus.Fields{"field": "redis"}).Warn("REDIS_ADDRESS not set; run locks and rate cache disabled")
		return nil, nil, nil
	}

	var attempt int
	for {
		attempt++
		rdb := redis.NewClient(&redis.Options{
			Addr:     s.Address,
			Password: s.Password,
			DB:       s.DB,
			PoolSize: 20,
		})
		err := rdb.Ping(ctx).Err()
		if err == nil {
			logg.WithFields(logrus.Fields{"field": "redis", "attempt": attempt, "addr": s.Address}).Info("connected to redis")
			return rdb, redislock.New(rdb), nil
		}
		_ = rdb.Close()

		sleep := retrySleep(attempt)
		logg.WithFields(logrus.Fields{"field": "redis", "attempt": attempt, "addr": s.Address}).
			Warnf("failed to connect redis: %v; retrying in %s", err, sleep)
		select {
		case <-ctx.Done():
			return nil, nil, fmt.Errorf("redis connect aborted after %d attempts: %w", attempt, ctx.Err())
		case <-time.After(sleep):
		}
	}
}
