// Package jobs holds the platform's background maintenance loops: event
// dispatch, event and request log retention, OAuth artifact cleanup, API
// key expiry and rate limit counter cleanup. Every job runs once at start, then on its
// interval, until its context is cancelled or Stop is called.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// periodic is the ticker loop shared by every job.
type periodic struct {
	name     string
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
}

func newPeriodic(name string, interval, fallback time.Duration) *periodic {
	if interval <= 0 {
		interval = fallback
	}
	return &periodic{name: name, interval: interval, stopChan: make(chan struct{})}
}

// run blocks, calling tick immediately and then on every interval.
func (p *periodic) run(ctx context.Context, tick func(context.Context)) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	slog.Info("background job started", "job", p.name, "interval", p.interval)
	tick(ctx)

	for {
		select {
		case <-ticker.C:
			tick(ctx)
		case <-p.stopChan:
			slog.Info("background job stopped", "job", p.name)
			return
		case <-ctx.Done():
			slog.Info("background job context cancelled", "job", p.name)
			return
		}
	}
}

// Stop signals the loop to exit. Safe to call more than once.
func (p *periodic) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
}
