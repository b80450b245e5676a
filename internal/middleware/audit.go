package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agencyos/module-platform/internal/audit"
	"github.com/agencyos/module-platform/internal/config"
	"github.com/agencyos/module-platform/internal/safego"
	"github.com/agencyos/module-platform/internal/telemetry"
)

const auditTimeout = 5 * time.Second

// resourceSegments maps admin path segments onto audit resource types.
var resourceSegments = map[string]string{
	"modules":     "module",
	"routes":      "route",
	"api-keys":    "api_key",
	"sites":       "site",
	"clients":     "oauth_client",
	"domains":     "domain",
	"permissions": "crossmodule_permission",
	"events":      "event",
}

// AuditMiddleware records admin actions once the handler has run. Only
// successful mutations are recorded unless cfg enables read operations.
// The write happens in the background and never affects the response.
func AuditMiddleware(recorder *audit.Recorder, cfg *config.AuditConfig) gin.HandlerFunc {
	return auditMiddleware(recorder, cfg, safego.Go)
}

func auditMiddleware(recorder *audit.Recorder, cfg *config.AuditConfig, async func(func())) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if recorder == nil || (cfg != nil && !cfg.Enabled) {
			return
		}
		method := c.Request.Method
		if method == http.MethodOptions || method == http.MethodHead {
			return
		}
		isRead := method == http.MethodGet
		if isRead && (cfg == nil || !cfg.LogReadOperations) {
			return
		}
		if c.Writer.Status() >= 400 {
			return
		}

		resourceType, resourceID := classifyPath(c)
		entry := &audit.LogEntry{
			Timestamp:    time.Now(),
			Action:       fmt.Sprintf("%s %s", method, c.FullPath()),
			UserID:       c.GetString(UserIDKey),
			AgencyID:     c.GetString(AgencyIDKey),
			SiteID:       c.Param("siteId"),
			ModuleID:     c.Param("id"),
			ResourceType: resourceType,
			ResourceID:   resourceID,
			IPAddress:    c.ClientIP(),
			AuthMethod:   c.GetString(AuthMethodKey),
			StatusCode:   c.Writer.Status(),
		}
		if rid, ok := c.Get(RequestIDKey); ok {
			entry.Metadata = map[string]interface{}{"request_id": rid}
		}

		async(func() {
			ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
			defer cancel()
			if err := recorder.Record(ctx, entry); err != nil {
				telemetry.AccessLogFailuresTotal.Inc()
				slog.Warn("failed to record audit log", "action", entry.Action, "error", err)
			}
		})
	}
}

// classifyPath returns the resource type named by the last recognised path
// segment of the route template and the id bound to the segment after it.
func classifyPath(c *gin.Context) (resourceType, resourceID string) {
	segs := strings.Split(strings.Trim(c.FullPath(), "/"), "/")
	for i, seg := range segs {
		rt, ok := resourceSegments[seg]
		if !ok {
			continue
		}
		resourceType, resourceID = rt, ""
		if i+1 < len(segs) && strings.HasPrefix(segs[i+1], ":") {
			resourceID = c.Param(segs[i+1][1:])
		}
	}
	return resourceType, resourceID
}
