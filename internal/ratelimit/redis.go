package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

var redisAllowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

func newRedisClient(addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), nil
}

// RedisLimiter is a fixed-window limiter backed by INCR + PEXPIRE run as
// one Lua script.
type RedisLimiter struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisLimiter connects lazily to addr.
func NewRedisLimiter(addr, password string, db int) (*RedisLimiter, error) {
	client, err := newRedisClient(addr, password, db)
	if err != nil {
		return nil, err
	}
	return &RedisLimiter{client: client, now: time.Now}, nil
}

func (r *RedisLimiter) Name() string { return BackendRedis }

// Allow implements Limiter.
func (r *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 {
		return unlimited(limit, r.now()), nil
	}
	window = normalizeWindow(window)

	result, err := redisAllowScript.Run(ctx, r.client, []string{"rl:" + key}, window.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("redis rate limit script failed: %w", err)
	}
	values, ok := result.([]interface{})
	if !ok || len(values) < 2 {
		return Decision{}, errors.New("unexpected redis rate limit response")
	}
	current, ok := values[0].(int64)
	if !ok {
		return Decision{}, errors.New("invalid redis counter response")
	}
	ttlMillis, _ := values[1].(int64)
	reset := r.now()
	if ttlMillis > 0 {
		reset = reset.Add(time.Duration(ttlMillis) * time.Millisecond)
	}
	return decide(current, limit, reset), nil
}

// Close releases the redis connection pool.
func (r *RedisLimiter) Close() error {
	return r.client.Close()
}

// GCRALimiter uses redis_rate's generic cell rate algorithm. It smooths
// traffic across the window instead of resetting at its boundary, so the
// limit is an average rate with a burst of the same size.
type GCRALimiter struct {
	client  *redis.Client
	limiter *redis_rate.Limiter
	now     func() time.Time
}

// NewGCRALimiter connects lazily to addr.
func NewGCRALimiter(addr, password string, db int) (*GCRALimiter, error) {
	client, err := newRedisClient(addr, password, db)
	if err != nil {
		return nil, err
	}
	return &GCRALimiter{client: client, limiter: redis_rate.NewLimiter(client), now: time.Now}, nil
}

func (g *GCRALimiter) Name() string { return BackendRedisGCRA }

// Allow implements Limiter.
func (g *GCRALimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	now := g.now()
	if limit <= 0 {
		return unlimited(limit, now), nil
	}
	res, err := g.limiter.Allow(ctx, key, redis_rate.Limit{
		Rate:   limit,
		Burst:  limit,
		Period: normalizeWindow(window),
	})
	if err != nil {
		return Decision{}, fmt.Errorf("redis gcra limiter failed: %w", err)
	}
	return Decision{
		Allowed:   res.Allowed > 0,
		Limit:     limit,
		Remaining: res.Remaining,
		Reset:     now.Add(res.ResetAfter),
	}, nil
}

// Close releases the redis connection pool.
func (g *GCRALimiter) Close() error {
	return g.client.Close()
}
