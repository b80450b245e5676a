package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/agencyos/module-platform/internal/config"
)

// EventCleaner deletes processed events. *events.Bus satisfies it.
type EventCleaner interface {
	CleanupOldEvents(ctx context.Context, olderThanDays int) (int64, error)
}

// EventRetention deletes processed events older than events.retention_days.
type EventRetention struct {
	*periodic
	events EventCleaner
	days   int
}

// NewEventRetention creates the retention job from events config.
func NewEventRetention(cleaner EventCleaner, cfg *config.EventsConfig) *EventRetention {
	days := cfg.RetentionDays
	if days <= 0 {
		days = 7
	}
	return &EventRetention{
		periodic: newPeriodic("event_retention", cfg.CleanupInterval, 24*time.Hour),
		events:   cleaner,
		days:     days,
	}
}

// Start runs the retention loop.
func (r *EventRetention) Start(ctx context.Context) {
	r.run(ctx, r.cleanup)
}

func (r *EventRetention) cleanup(ctx context.Context) {
	n, err := r.events.CleanupOldEvents(ctx, r.days)
	if err != nil {
		slog.Error("event retention: cleanup failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("event retention: deleted processed events", "count", n, "older_than_days", r.days)
	}
}

// RequestLogPruner deletes gateway request log rows.
// *repositories.LogRepository satisfies it.
type RequestLogPruner interface {
	DeleteRequestLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RequestLogRetention bounds gateway_request_log to
// gateway.request_log_retention_days.
type RequestLogRetention struct {
	*periodic
	logs RequestLogPruner
	days int
	now  func() time.Time
}

// NewRequestLogRetention creates the job. It runs daily.
func NewRequestLogRetention(logs RequestLogPruner, cfg *config.GatewayConfig) *RequestLogRetention {
	return &RequestLogRetention{
		periodic: newPeriodic("request_log_retention", 24*time.Hour, 24*time.Hour),
		logs:     logs,
		days:     cfg.RequestLogRetentionDays,
		now:      time.Now,
	}
}

// Start runs the retention loop. A zero retention keeps every row.
func (r *RequestLogRetention) Start(ctx context.Context) {
	if r.days <= 0 {
		slog.Info("request log retention disabled (gateway.request_log_retention_days=0)")
		return
	}
	r.run(ctx, r.prune)
}

func (r *RequestLogRetention) prune(ctx context.Context) {
	cutoff := r.now().AddDate(0, 0, -r.days)
	n, err := r.logs.DeleteRequestLogsBefore(ctx, cutoff)
	if err != nil {
		slog.Error("request log retention: prune failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("request log retention: deleted rows", "count", n, "cutoff", cutoff)
	}
}
