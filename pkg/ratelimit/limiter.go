// Package ratelimit implements a Redis-backed sliding-window limiter shared
// by every instance of the service.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Config defines the global and per-client windows. A zero limit disables
// the tier.
type Config struct {
	GlobalLimit  int64
	GlobalWindow time.Duration
	ClientLimit  int64
	ClientWindow time.Duration
}

// Limiter implements two-tier rate limiting over Redis sorted sets.
type Limiter struct {
	redis  *redis.Client
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// NewLimiter creates a new rate limiter
func NewLimiter(client *redis.Client, config Config, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		redis:  client,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// CheckResult contains the result of a rate limit check
type CheckResult struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
	LimitedBy  string
}

// Check records one request for client and reports whether it is allowed.
func (l *Limiter) Check(ctx context.Context, client string) (*CheckResult, error) {
	if l.config.GlobalLimit > 0 {
		allowed, remaining, err := l.checkLimit(ctx, "global", "global", l.config.GlobalLimit, l.config.GlobalWindow)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return &CheckResult{Remaining: remaining, RetryAfter: l.config.GlobalWindow, LimitedBy: "global"}, nil
		}
	}

	if l.config.ClientLimit > 0 && client != "" {
		allowed, remaining, err := l.checkLimit(ctx, "client", client, l.config.ClientLimit, l.config.ClientWindow)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return &CheckResult{Remaining: remaining, RetryAfter: l.config.ClientWindow, LimitedBy: "client"}, nil
		}
	}

	return &CheckResult{Allowed: true, Remaining: -1}, nil
}

func (l *Limiter) checkLimit(ctx context.Context, tier, key string, limit int64, window time.Duration) (bool, int64, error) {
	redisKey := fmt.Sprintf("ratelimit:%s:%s", tier, key)
	now := l.now()
	windowStart := now.Add(-window)

	pipe := l.redis.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCount(ctx, redisKey, fmt.Sprintf("%d", windowStart.UnixNano()), "+inf")
	pipe.ZAdd(ctx, redisKey, &redis.Z{Score: float64(now.UnixNano()), Member: now.UnixNano()})
	pipe.Expire(ctx, redisKey, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("rate limit check failed: %w", err)
	}

	count := countCmd.Val()
	remaining := limit - count - 1
	if remaining < 0 {
		remaining = 0
	}
	if count >= limit {
		l.logger.Debug("Rate limit reached", zap.String("tier", tier), zap.String("key", key))
	}
	return count < limit, remaining, nil
}
