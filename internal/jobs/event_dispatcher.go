package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/agencyos/module-platform/internal/config"
	"github.com/agencyos/module-platform/internal/events"
)

// maxSitesPerDrain caps how many sites one dispatcher tick visits.
const maxSitesPerDrain = 500

// EventDrainer drains pending events. *events.Bus satisfies it.
type EventDrainer interface {
	ProcessPendingSites(ctx context.Context, siteLimit, batchSize int) (*events.ProcessResult, error)
}

// EventDispatcher periodically runs registered event handlers over every
// site that has pending events.
type EventDispatcher struct {
	*periodic
	bus       EventDrainer
	enabled   bool
	batchSize int
}

// NewEventDispatcher creates the dispatcher from events config.
func NewEventDispatcher(bus EventDrainer, cfg *config.EventsConfig) *EventDispatcher {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	return &EventDispatcher{
		periodic:  newPeriodic("event_dispatcher", cfg.DispatchInterval, 5*time.Second),
		bus:       bus,
		enabled:   cfg.DispatchEnabled,
		batchSize: batch,
	}
}

// Start runs the dispatch loop. It returns immediately when dispatch is disabled.
func (d *EventDispatcher) Start(ctx context.Context) {
	if !d.enabled {
		slog.Info("event dispatcher disabled (events.dispatch_enabled=false)")
		return
	}
	d.run(ctx, d.drain)
}

func (d *EventDispatcher) drain(ctx context.Context) {
	res, err := d.bus.ProcessPendingSites(ctx, maxSitesPerDrain, d.batchSize)
	if err != nil {
		slog.Error("event dispatcher: drain failed", "error", err)
		return
	}
	if res.Processed > 0 || res.Failed > 0 {
		slog.Info("event dispatcher: drained events", "processed", res.Processed, "failed", res.Failed)
	}
}
