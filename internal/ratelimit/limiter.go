// Package ratelimit implements fixed-window request counters shared by the
// module gateway and the admin/OAuth middleware. Every backend performs the
// increment and the limit check as one atomic operation so concurrent
// requests can never both take the last slot.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agencyos/module-platform/internal/config"
	"github.com/agencyos/module-platform/internal/telemetry"
)

// Backend names accepted by rate_limiting.backend.
const (
	BackendPostgres  = "postgres"
	BackendRedis     = "redis"
	BackendRedisGCRA = "redis_gcra"
	BackendMemory    = "memory"
)

// DefaultWindow is the window the gateway counts requests in.
const DefaultWindow = time.Minute

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Limiter counts a request against key and reports whether it fits within
// limit requests per window. A limit <= 0 means unlimited.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
	Name() string
}

// New builds the limiter selected by cfg.RateLimiting.Backend. db is only
// used by the postgres backend.
func New(cfg *config.Config, db *sqlx.DB) (Limiter, error) {
	switch cfg.RateLimiting.Backend {
	case "", BackendPostgres:
		if db == nil {
			return nil, fmt.Errorf("postgres rate limit backend requires a database")
		}
		return NewPostgresLimiter(db), nil
	case BackendRedis:
		return NewRedisLimiter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	case BackendRedisGCRA:
		return NewGCRALimiter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	case BackendMemory:
		return NewMemoryLimiter(0), nil
	default:
		return nil, fmt.Errorf("unsupported rate limit backend: %s", cfg.RateLimiting.Backend)
	}
}

// Check calls l.Allow and records the decision in the
// rate_limit_decisions_total metric.
func Check(ctx context.Context, l Limiter, key string, limit int, window time.Duration) (Decision, error) {
	d, err := l.Allow(ctx, key, limit, window)
	switch {
	case err != nil:
		telemetry.RateLimitDecisionsTotal.WithLabelValues(l.Name(), "error").Inc()
	case d.Allowed:
		telemetry.RateLimitDecisionsTotal.WithLabelValues(l.Name(), "allowed").Inc()
	default:
		telemetry.RateLimitDecisionsTotal.WithLabelValues(l.Name(), "denied").Inc()
	}
	return d, err
}

func unlimited(limit int, now time.Time) Decision {
	return Decision{Allowed: true, Limit: limit, Remaining: limit, Reset: now}
}

func decide(count int64, limit int, reset time.Time) Decision {
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		Reset:     reset,
	}
}

func normalizeWindow(window time.Duration) time.Duration {
	if window <= 0 {
		return DefaultWindow
	}
	return window
}
