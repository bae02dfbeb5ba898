package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a fixed-window limiter shared across gateway instances. Each
// window is one Redis key (client key + window index) bumped with INCR.
type Redis struct {
	client *redis.Client
	limit  int
	window time.Duration
}

func NewRedis(redisURL string, limit int, windowDur time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Redis{client: client, limit: limit, window: windowDur}, nil
}

func (r *Redis) Allow(ctx context.Context, clientKey string) (bool, int, time.Time, error) {
	now := time.Now()
	windowIndex := now.UnixMilli() / r.window.Milliseconds()
	key := fmt.Sprintf("ratelimit:%s:%d", clientKey, windowIndex)
	resetAt := time.UnixMilli((windowIndex + 1) * r.window.Milliseconds())

	pipe := r.client.Pipeline()
	countCmd := pipe.Incr(ctx, key)
	pipe.PExpire(ctx, key, r.window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, time.Time{}, fmt.Errorf("ratelimit pipeline: %w", err)
	}

	count := int(countCmd.Val())
	if count > r.limit {
		return false, 0, resetAt, nil
	}
	return true, r.limit - count, resetAt, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
