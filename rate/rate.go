// Copyright 2023 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

// Package rate provides rate limiters that may be used to limit the
// number of operations performed during some time period.
package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"

	"github.com/authentic-execution/eventmanager/config"
)

// ErrLimitExceeded indicates that the requested permit exceeds
// the configured rate limit for the client. After waiting for
// RetryAfter, the same request should succeed
type ErrLimitExceeded struct{ RetryAfter time.Duration }

func (e ErrLimitExceeded) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after : %v", e.RetryAfter)
}

type Limiter interface {
	// Limit checks and enforces the rate limit. Returns nil if the operation
	// may proceed, or ErrLimitExceeded if the operation would exceed the
	// rate limit. If the rate limit cannot be checked, a different error
	// may be returned.
	Limit(ctx context.Context, key string) error
}

// NewConfiguredLimiter returns a Limiter backed by rdb if limits are
// configured, or AlwaysAllow if they are not
func NewConfiguredLimiter(rdb redis.UniversalClient, cfg *config.Config) Limiter {
	if rdb == nil || cfg.Limit.BucketSize == 0 {
		return AlwaysAllow
	}
	return NewRedisLimiter(rdb, cfg.Redis.Name, cfg.Limit)
}

// NewRedisLimiter returns a Limiter backed by redis
func NewRedisLimiter(rdb redis.UniversalClient, name string, cfg config.RateLimitConfig) Limiter {
	return &redisLimiter{
		fmt.Sprintf("%s::leaky_bucket", name),
		redis_rate.Limit{
			Rate:   cfg.LeakRateScalar,
			Burst:  cfg.BucketSize,
			Period: cfg.LeakRateDuration,
		},
		redis_rate.NewLimiter(rdb)}
}

type redisLimiter struct {
	prefix  string           // prefix for rate limit buckets
	limit   redis_rate.Limit // configured limit
	limiter *redis_rate.Limiter
}

func (r *redisLimiter) Limit(ctx context.Context, key string) error {
	res, err := r.limiter.Allow(ctx, r.redisKey(key), r.limit)
	if err != nil {
		return err
	}
	if res.Allowed <= 0 {
		return ErrLimitExceeded{res.RetryAfter}
	}
	return nil
}

func (r *redisLimiter) redisKey(clientKey string) string {
	return fmt.Sprintf("%s::%s", r.prefix, clientKey)
}

type alwaysAllow struct{}

func (r alwaysAllow) Limit(context.Context, string) error { return nil }

// AlwaysAllow provides a Limiter that will always allow callers through
var AlwaysAllow = Limiter(alwaysAllow{})
