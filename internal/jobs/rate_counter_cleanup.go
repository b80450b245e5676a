package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/agencyos/module-platform/internal/config"
	"github.com/agencyos/module-platform/internal/ratelimit"
)

type counterDeleter interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type bucketCollector interface {
	Cleanup() int
}

// RateCounterCleanup expires finished rate limit windows for backends that
// keep them: postgres rows and in-memory buckets. Redis keys expire on
// their own, so the job is a no-op for those backends.
type RateCounterCleanup struct {
	*periodic
	limiter   ratelimit.Limiter
	retention time.Duration
	now       func() time.Time
}

// NewRateCounterCleanup runs every rate_limiting.counter_retention (default 10m)
// and deletes windows that started before that horizon.
func NewRateCounterCleanup(limiter ratelimit.Limiter, cfg *config.RateLimitingConfig) *RateCounterCleanup {
	retention := cfg.CounterRetention
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &RateCounterCleanup{
		periodic:  newPeriodic("rate_counter_cleanup", retention, retention),
		limiter:   limiter,
		retention: retention,
		now:       time.Now,
	}
}

// Start runs the cleanup loop when the backend has state to collect.
func (r *RateCounterCleanup) Start(ctx context.Context) {
	switch r.limiter.(type) {
	case counterDeleter, bucketCollector:
		r.run(ctx, r.collect)
	default:
		slog.Info("rate counter cleanup not needed", "backend", r.limiter.Name())
	}
}

func (r *RateCounterCleanup) collect(ctx context.Context) {
	var removed int64
	switch l := r.limiter.(type) {
	case counterDeleter:
		n, err := l.DeleteBefore(ctx, r.now().Add(-r.retention))
		if err != nil {
			slog.Error("rate counter cleanup failed", "backend", r.limiter.Name(), "error", err)
			return
		}
		removed = n
	case bucketCollector:
		removed = int64(l.Cleanup())
	}
	if removed > 0 {
		slog.Debug("rate counter cleanup", "backend", r.limiter.Name(), "removed", removed)
	}
}
