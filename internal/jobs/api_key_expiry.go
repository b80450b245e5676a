package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/agencyos/module-platform/internal/config"
)

// ExpiredKeyDeactivator turns off keys past their expiry.
// *repositories.APIKeyRepository satisfies it.
type ExpiredKeyDeactivator interface {
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
}

// APIKeyExpiry flips is_active off for module API keys whose expires_at has
// passed. The gateway rejects expired keys on lookup either way.
type APIKeyExpiry struct {
	*periodic
	keys ExpiredKeyDeactivator
	now  func() time.Time
}

// NewAPIKeyExpiry creates the job using auth.api_keys.expiry_sweep_interval
// (default 1h).
func NewAPIKeyExpiry(keys ExpiredKeyDeactivator, cfg *config.APIKeyConfig) *APIKeyExpiry {
	return &APIKeyExpiry{
		periodic: newPeriodic("api_key_expiry", cfg.ExpirySweepInterval, time.Hour),
		keys:     keys,
		now:      time.Now,
	}
}

// Start runs the expiry loop.
func (j *APIKeyExpiry) Start(ctx context.Context) {
	j.run(ctx, j.sweep)
}

func (j *APIKeyExpiry) sweep(ctx context.Context) {
	n, err := j.keys.DeactivateExpired(ctx, j.now())
	if err != nil {
		slog.Error("api key expiry: sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("api key expiry: deactivated expired keys", "count", n)
	}
}
