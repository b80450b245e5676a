// audit_logs.go implements the admin audit trail query endpoint.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agencyos/module-platform/internal/apperr"
	"github.com/agencyos/module-platform/internal/db/models"
	"github.com/agencyos/module-platform/internal/db/repositories"
)

// AuditLogReader queries the audit trail. *repositories.AuditRepository satisfies it.
type AuditLogReader interface {
	ListAuditLogs(ctx context.Context, filters repositories.AuditFilters, limit, offset int) ([]*models.AuditLog, int, error)
	GetAuditLog(ctx context.Context, logID string) (*models.AuditLog, error)
}

// AuditHandlers handles audit log endpoints
type AuditHandlers struct {
	logs AuditLogReader
}

// NewAuditHandlers creates a new AuditHandlers instance
func NewAuditHandlers(logs AuditLogReader) *AuditHandlers {
	return &AuditHandlers{logs: logs}
}

// auditLogResponse is the JSON shape of one audit entry
type auditLogResponse struct {
	ID           string                 `json:"id"`
	UserID       *string                `json:"user_id"`
	Action       string                 `json:"action"`
	ResourceType *string                `json:"resource_type"`
	ResourceID   *string                `json:"resource_id"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	IPAddress    *string                `json:"ip_address"`
	CreatedAt    time.Time              `json:"created_at"`
}

func toAuditResponse(l *models.AuditLog) auditLogResponse {
	return auditLogResponse{
		ID:           l.ID,
		UserID:       l.UserID,
		Action:       l.Action,
		ResourceType: l.ResourceType,
		ResourceID:   l.ResourceID,
		Metadata:     l.Metadata,
		IPAddress:    l.IPAddress,
		CreatedAt:    l.CreatedAt,
	}
}

func optionalQuery(c *gin.Context, name string) *string {
	if v := c.Query(name); v != "" {
		return &v
	}
	return nil
}

func optionalTime(c *gin.Context, name string) (*time.Time, error) {
	v := c.Query(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, apperr.New(apperr.CodeValidationFailed, "%s must be RFC3339", name)
	}
	return &t, nil
}

// @Summary      List audit logs
// @Description  Returns admin audit entries, newest first, with optional filters.
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Param        user_id        query  string  false  "Filter by user ID"
// @Param        action         query  string  false  "Filter by action, e.g. POST /api/admin/modules"
// @Param        resource_type  query  string  false  "Filter by resource type"
// @Param        resource_id    query  string  false  "Filter by resource ID"
// @Param        start_date     query  string  false  "RFC3339 lower bound"
// @Param        end_date       query  string  false  "RFC3339 upper bound"
// @Param        page           query  int     false  "Page number (default 1)"
// @Param        per_page       query  int     false  "Results per page (default 50, max 200)"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]interface{}  "Invalid filter"
// @Router       /api/admin/audit-logs [get]
// ListAuditLogsHandler lists audit entries
func (h *AuditHandlers) ListAuditLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		start, err := optionalTime(c, "start_date")
		if err != nil {
			respondError(c, err)
			return
		}
		end, err := optionalTime(c, "end_date")
		if err != nil {
			respondError(c, err)
			return
		}
		filters := repositories.AuditFilters{
			UserID:       optionalQuery(c, "user_id"),
			Action:       optionalQuery(c, "action"),
			ResourceType: optionalQuery(c, "resource_type"),
			ResourceID:   optionalQuery(c, "resource_id"),
			StartDate:    start,
			EndDate:      end,
		}

		page := queryInt(c, "page", 1, 100000)
		perPage := queryInt(c, "per_page", 50, 200)

		logs, total, err := h.logs.ListAuditLogs(c.Request.Context(), filters, perPage, (page-1)*perPage)
		if err != nil {
			respondError(c, apperr.Query("list", "audit_logs", err))
			return
		}

		out := make([]auditLogResponse, 0, len(logs))
		for _, l := range logs {
			out = append(out, toAuditResponse(l))
		}
		c.JSON(http.StatusOK, gin.H{
			"logs": out,
			"pagination": gin.H{
				"page":     page,
				"per_page": perPage,
				"total":    total,
			},
		})
	}
}

// @Summary      Get audit log
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Param        logId  path  string  true  "Audit log ID"
// @Success      200  {object}  map[string]interface{}
// @Failure      404  {object}  map[string]interface{}  "Audit log not found"
// @Router       /api/admin/audit-logs/{logId} [get]
// GetAuditLogHandler returns one audit entry
func (h *AuditHandlers) GetAuditLogHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		l, err := h.logs.GetAuditLog(c.Request.Context(), c.Param("logId"))
		if err != nil {
			respondError(c, apperr.Query("get", "audit_logs", err))
			return
		}
		if l == nil {
			notFound(c, "Audit log")
			return
		}
		c.JSON(http.StatusOK, toAuditResponse(l))
	}
}
