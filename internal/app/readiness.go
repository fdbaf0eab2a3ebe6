package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPingResult is what a Ping call yields; only the error matters here.
type RedisPingResult interface{ Err() error }

// RedisClient is the slice of a Redis client the readiness probe needs.
type RedisClient interface {
	Ping(ctx context.Context) RedisPingResult
}

// GoRedis adapts a *redis.Client to RedisClient.
type GoRedis struct{ C *redis.Client }

// Ping implements RedisClient.
func (g GoRedis) Ping(ctx context.Context) RedisPingResult { return g.C.Ping(ctx) }

// BuildReadinessCheck returns the dashboard readiness probe. Counters,
// watermarks and job dedup all live in Redis, so the pipeline is ready
// exactly when Redis answers.
func BuildReadinessCheck(rdb RedisClient) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
}
