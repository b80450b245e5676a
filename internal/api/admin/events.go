// events.go implements module event emission and event bus maintenance.
package admin

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agencyos/module-platform/internal/db/models"
	"github.com/agencyos/module-platform/internal/events"
)

// EventBus is the subset of *events.Bus the admin API drives.
type EventBus interface {
	Emit(ctx context.Context, sourceModuleID, siteID, eventName string, payload interface{}, targetModuleID string) (*models.ModuleEvent, error)
	GetPendingEvents(ctx context.Context, targetModuleID, siteID string, limit int) ([]*models.ModuleEvent, error)
	ProcessAllPendingEvents(ctx context.Context, siteID string, batchSize int) (*events.ProcessResult, error)
	ProcessPendingSites(ctx context.Context, siteLimit, batchSize int) (*events.ProcessResult, error)
	CleanupOldEvents(ctx context.Context, olderThanDays int) (int64, error)
}

const (
	defaultEventBatch = 100
	maxEventBatch     = 1000
)

// EventHandlers handles module event endpoints
type EventHandlers struct {
	bus           EventBus
	retentionDays int
}

// NewEventHandlers creates a new EventHandlers instance. retentionDays is the
// default age for cleanup when the request does not name one.
func NewEventHandlers(bus EventBus, retentionDays int) *EventHandlers {
	if retentionDays <= 0 {
		retentionDays = 7
	}
	return &EventHandlers{bus: bus, retentionDays: retentionDays}
}

// EmitEventRequest is an event emitted on behalf of a module
type EmitEventRequest struct {
	SourceModuleID string          `json:"source_module_id" binding:"required"`
	EventName      string          `json:"event_name" binding:"required"`
	TargetModuleID string          `json:"target_module_id"`
	Payload        json.RawMessage `json:"payload"`
}

// @Summary      Emit a module event
// @Description  Stores an event for the site. An empty target broadcasts to every module.
// @Tags         Events
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        siteId  path  string            true  "Site ID"
// @Param        body    body  EmitEventRequest  true  "Event"
// @Success      201  {object}  models.ModuleEvent
// @Failure      400  {object}  map[string]interface{}  "Invalid event"
// @Router       /api/admin/sites/{siteId}/events [post]
// EmitEventHandler emits an event
func (h *EventHandlers) EmitEventHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req EmitEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body: "+err.Error())
			return
		}
		var payload interface{} = map[string]interface{}{}
		if len(req.Payload) > 0 {
			payload = req.Payload
		}

		event, err := h.bus.Emit(c.Request.Context(), req.SourceModuleID, c.Param("siteId"), req.EventName, payload, req.TargetModuleID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, event)
	}
}

// @Summary      List pending events
// @Description  Returns unprocessed events addressed to the module, or broadcast, oldest first.
// @Tags         Events
// @Security     Bearer
// @Produce      json
// @Param        siteId     path   string  true   "Site ID"
// @Param        module_id  query  string  true   "Target module ID"
// @Param        limit      query  int     false  "Maximum events (default 100)"
// @Success      200  {object}  map[string]interface{}
// @Router       /api/admin/sites/{siteId}/events [get]
// ListPendingEventsHandler lists pending events for a module
func (h *EventHandlers) ListPendingEventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		target := c.Query("module_id")
		if target == "" {
			badRequest(c, "module_id is required")
			return
		}
		limit := queryInt(c, "limit", defaultEventBatch, maxEventBatch)
		list, err := h.bus.GetPendingEvents(c.Request.Context(), target, c.Param("siteId"), limit)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": list})
	}
}

// @Summary      Process pending events
// @Description  Drains pending events through the registered handlers. With site_id only that site is drained.
// @Tags         Events
// @Security     Bearer
// @Produce      json
// @Param        site_id  query  string  false  "Site ID"
// @Param        batch    query  int     false  "Events per site (default 100)"
// @Success      200  {object}  events.ProcessResult
// @Router       /api/admin/events/process [post]
// ProcessEventsHandler drains pending events
func (h *EventHandlers) ProcessEventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		batch := queryInt(c, "batch", defaultEventBatch, maxEventBatch)

		var (
			res *events.ProcessResult
			err error
		)
		if siteID := c.Query("site_id"); siteID != "" {
			res, err = h.bus.ProcessAllPendingEvents(c.Request.Context(), siteID, batch)
		} else {
			res, err = h.bus.ProcessPendingSites(c.Request.Context(), maxEventBatch, batch)
		}
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// @Summary      Clean up processed events
// @Tags         Events
// @Security     Bearer
// @Produce      json
// @Param        days  query  int  false  "Delete processed events older than this many days"
// @Success      200  {object}  map[string]interface{}
// @Router       /api/admin/events/cleanup [post]
// CleanupEventsHandler deletes old processed events
func (h *EventHandlers) CleanupEventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		days := queryInt(c, "days", h.retentionDays, 3650)
		deleted, err := h.bus.CleanupOldEvents(c.Request.Context(), days)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"deleted":         deleted,
			"older_than_days": days,
		})
	}
}
