package ratelimit

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rustkas/beamline-gateway/internal/observability"
)

var (
	_ Limiter   = (*RedisLimiter)(nil)
	_ io.Closer = (*RedisLimiter)(nil)
)

// RedisConfig holds Redis connection settings for the distributed limiter.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string

	// Password is the optional Redis password.
	Password string

	// DB is the Redis database number.
	DB int

	// KeyPrefix namespaces the limiter's keys.
	KeyPrefix string
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "gateway:rl",
	}
}

// RedisLimiter implements a fixed-window limiter over Redis INCR/EXPIRE so
// several gateway instances share one budget. When Redis is unreachable it
// fails open through a local memory limiter rather than rejecting traffic.
type RedisLimiter struct {
	client   *redis.Client
	prefix   string
	requests int
	window   time.Duration
	fallback *MemoryLimiter
	logger   observability.Logger
}

// NewRedisLimiter creates a Redis-backed fixed window limiter.
func NewRedisLimiter(cfg *Config, redisCfg *RedisConfig, logger observability.Logger) *RedisLimiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if redisCfg == nil {
		redisCfg = DefaultRedisConfig()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}

	client := redis.NewClient(&redis.Options{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})

	return &RedisLimiter{
		client:   client,
		prefix:   redisCfg.KeyPrefix,
		requests: cfg.Requests,
		window:   window,
		fallback: NewMemoryLimiter(cfg, logger),
		logger:   logger,
	}
}

// Allow implements Limiter. The window key is derived from the current
// window number so all instances agree on window boundaries.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	windowNum := time.Now().UnixNano() / int64(l.window)
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, windowNum)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("redis rate limit check failed, using local fallback",
			observability.String("key", key),
			observability.Error(err),
		)
		return l.fallback.Allow(ctx, key)
	}

	count := int(incr.Val())
	remaining := l.requests - count
	if remaining < 0 {
		remaining = 0
	}

	if count > l.requests {
		windowEnd := time.Unix(0, (windowNum+1)*int64(l.window))
		return &Result{
			Allowed:    false,
			Limit:      l.requests,
			Remaining:  0,
			RetryAfter: time.Until(windowEnd),
		}, nil
	}

	return &Result{
		Allowed:   true,
		Limit:     l.requests,
		Remaining: remaining,
	}, nil
}

// Close releases the Redis connection and the fallback limiter.
func (l *RedisLimiter) Close() error {
	_ = l.fallback.Close()
	return l.client.Close()
}
