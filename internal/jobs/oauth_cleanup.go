package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/agencyos/module-platform/internal/config"
)

// OAuthSweeper removes expired OAuth artifacts. *oauth.Service satisfies it.
type OAuthSweeper interface {
	CleanupExpired(ctx context.Context) (codes, tokens int64, err error)
}

// OAuthCleanup deletes expired authorization codes and refresh tokens.
type OAuthCleanup struct {
	*periodic
	oauth OAuthSweeper
}

// NewOAuthCleanup creates the job using oauth.cleanup_interval (default 1h).
func NewOAuthCleanup(sweeper OAuthSweeper, cfg *config.OAuthConfig) *OAuthCleanup {
	return &OAuthCleanup{
		periodic: newPeriodic("oauth_cleanup", cfg.CleanupInterval, time.Hour),
		oauth:    sweeper,
	}
}

// Start runs the cleanup loop.
func (o *OAuthCleanup) Start(ctx context.Context) {
	o.run(ctx, o.sweep)
}

func (o *OAuthCleanup) sweep(ctx context.Context) {
	codes, tokens, err := o.oauth.CleanupExpired(ctx)
	if err != nil {
		slog.Error("oauth cleanup: sweep failed", "error", err)
		return
	}
	if codes > 0 || tokens > 0 {
		slog.Info("oauth cleanup: deleted expired artifacts", "codes", codes, "refresh_tokens", tokens)
	}
}
