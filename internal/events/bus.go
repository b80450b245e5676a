// Package events is the inter-module event bus. Events are rows in
// module_events: Emit inserts a pending row, handlers registered in-process
// drain them per site, and processed rows are deleted by retention cleanup.
//
// Delivery is at most once: a drain claims its batch by flipping the rows to
// processed in a single statement before any handler runs, so concurrent
// drains (the dispatcher job, the admin endpoint, other replicas) never see
// the same event. A failing handler does not return its event to the queue.
// Callers that need at-least-once semantics re-emit from their handler.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/agencyos/module-platform/internal/apperr"
	"github.com/agencyos/module-platform/internal/db/models"
	"github.com/agencyos/module-platform/internal/telemetry"
)

// Store is the persistence the bus needs; *repositories.EventRepository
// satisfies it.
type Store interface {
	InsertEvent(ctx context.Context, e *models.ModuleEvent) error
	ListPending(ctx context.Context, siteID, targetModuleID string, limit int) ([]*models.ModuleEvent, error)
	ClaimPending(ctx context.Context, siteID string, limit int) ([]*models.ModuleEvent, error)
	MarkProcessed(ctx context.Context, ids []string) (int64, error)
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ListSitesWithPending(ctx context.Context, limit int) ([]string, error)
}

// Handler consumes one event.
type Handler func(ctx context.Context, e *models.ModuleEvent) error

type registration struct {
	pattern string
	handler Handler
}

// ProcessResult summarizes a drain.
type ProcessResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Bus publishes and drains module events.
type Bus struct {
	store Store

	mu       sync.RWMutex
	handlers []registration
}

// NewBus creates a Bus over store.
func NewBus(store Store) *Bus {
	return &Bus{store: store}
}

// RegisterHandler subscribes h to events whose name matches pattern: an
// exact name, "*" for everything, or a path.Match glob such as "data:*".
func (b *Bus) RegisterHandler(pattern string, h Handler) error {
	if pattern == "" || h == nil {
		return apperr.New(apperr.CodeValidationFailed, "handler pattern and function are required")
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return apperr.New(apperr.CodeValidationFailed, "invalid event pattern %q", pattern)
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, registration{pattern: pattern, handler: h})
	b.mu.Unlock()
	return nil
}

func matches(pattern, name string) bool {
	if pattern == "*" || pattern == name {
		return true
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

func (b *Bus) handlersFor(name string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Handler
	for _, r := range b.handlers {
		if matches(r.pattern, name) {
			out = append(out, r.handler)
		}
	}
	return out
}

// Emit validates and stores a pending event. targetModuleID may be empty for
// a broadcast. payload must be JSON-serializable; nil stores {}.
func (b *Bus) Emit(ctx context.Context, sourceModuleID, siteID, eventName string, payload interface{}, targetModuleID string) (*models.ModuleEvent, error) {
	if eventName == "" {
		return nil, apperr.New(apperr.CodeValidationFailed, "event name is required")
	}
	if siteID == "" {
		return nil, apperr.New(apperr.CodeValidationFailed, "site id is required")
	}
	if sourceModuleID == "" {
		return nil, apperr.New(apperr.CodeValidationFailed, "source module is required")
	}

	raw := json.RawMessage(`{}`)
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, apperr.New(apperr.CodeValidationFailed, "event payload is not JSON-serializable: %v", err)
		}
		raw = b
	}

	e := &models.ModuleEvent{
		EventName:      eventName,
		SourceModuleID: sourceModuleID,
		SiteID:         siteID,
		Payload:        raw,
	}
	if targetModuleID != "" {
		target := targetModuleID
		e.TargetModuleID = &target
	}
	if err := b.store.InsertEvent(ctx, e); err != nil {
		return nil, apperr.Query("emit", "module_events", err)
	}
	telemetry.EventsEmittedTotal.Inc()
	slog.Debug("event emitted", "event", eventName, "source", sourceModuleID, "site_id", siteID, "event_id", e.ID)
	return e, nil
}

// GetPendingEvents returns the site's unprocessed events addressed to
// targetModuleID or broadcast, oldest first.
func (b *Bus) GetPendingEvents(ctx context.Context, targetModuleID, siteID string, limit int) ([]*models.ModuleEvent, error) {
	if siteID == "" {
		return nil, apperr.New(apperr.CodeValidationFailed, "site id is required")
	}
	if limit <= 0 {
		limit = 50
	}
	events, err := b.store.ListPending(ctx, siteID, targetModuleID, limit)
	if err != nil {
		return nil, apperr.Query("list_pending", "module_events", err)
	}
	return events, nil
}

// MarkEventProcessed flips one event to processed. Re-marking is a no-op.
func (b *Bus) MarkEventProcessed(ctx context.Context, id string) error {
	_, err := b.MarkEventsProcessed(ctx, []string{id})
	return err
}

// MarkEventsProcessed flips the given events and returns how many changed.
func (b *Bus) MarkEventsProcessed(ctx context.Context, ids []string) (int64, error) {
	n, err := b.store.MarkProcessed(ctx, ids)
	if err != nil {
		return 0, apperr.Query("mark_processed", "module_events", err)
	}
	return n, nil
}

// ProcessAllPendingEvents claims up to batchSize pending events of a site and
// runs them through the registered handlers.
func (b *Bus) ProcessAllPendingEvents(ctx context.Context, siteID string, batchSize int) (*ProcessResult, error) {
	if siteID == "" {
		return nil, apperr.New(apperr.CodeValidationFailed, "site id is required")
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	events, err := b.store.ClaimPending(ctx, siteID, batchSize)
	if err != nil {
		return nil, apperr.Query("claim_pending", "module_events", err)
	}

	result := &ProcessResult{}
	for _, e := range events {
		failed := false
		for _, h := range b.handlersFor(e.EventName) {
			if err := runHandler(ctx, h, e); err != nil {
				failed = true
				slog.Warn("event handler failed", "event", e.EventName, "event_id", e.ID, "site_id", siteID, "error", err)
			}
		}
		if failed {
			result.Failed++
			telemetry.EventsProcessedTotal.WithLabelValues("handler_error").Inc()
		} else {
			telemetry.EventsProcessedTotal.WithLabelValues("ok").Inc()
		}
		result.Processed++
	}
	return result, nil
}

// ProcessPendingSites drains every site that has pending events, up to
// siteLimit sites per call.
func (b *Bus) ProcessPendingSites(ctx context.Context, siteLimit, batchSize int) (*ProcessResult, error) {
	sites, err := b.store.ListSitesWithPending(ctx, siteLimit)
	if err != nil {
		return nil, apperr.Query("list_sites", "module_events", err)
	}
	total := &ProcessResult{}
	for _, site := range sites {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		res, err := b.ProcessAllPendingEvents(ctx, site, batchSize)
		if res != nil {
			total.Processed += res.Processed
			total.Failed += res.Failed
		}
		if err != nil {
			slog.Error("event drain failed", "site_id", site, "error", err)
		}
	}
	return total, nil
}

// CleanupOldEvents deletes processed events older than olderThanDays.
func (b *Bus) CleanupOldEvents(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		return 0, apperr.New(apperr.CodeValidationFailed, "retention must be at least one day")
	}
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	n, err := b.store.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		return 0, apperr.Query("cleanup", "module_events", err)
	}
	return n, nil
}

// runHandler converts a handler panic into an error.
func runHandler(ctx context.Context, h Handler, e *models.ModuleEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, e)
}
