// stats.go implements handlers for aggregating and serving platform dashboard statistics.
package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
)

// StatsHandler handles stats-related API requests
type StatsHandler struct {
	db *sqlx.DB
}

// NewStatsHandler creates a new stats handler
func NewStatsHandler(database *sqlx.DB) *StatsHandler {
	return &StatsHandler{
		db: database,
	}
}

// DashboardStats represents the response for dashboard statistics
type DashboardStats struct {
	Modules       ModuleStats     `json:"modules"`
	Installations int64           `json:"installations"`
	Sites         int64           `json:"sites"`
	APIKeys       int64           `json:"api_keys"`
	OAuthClients  int64           `json:"oauth_clients"`
	Domains       DomainStats     `json:"domains"`
	Events        EventStats      `json:"events"`
	Gateway       GatewayStats    `json:"gateway"`
	TopModules    []ModuleTraffic `json:"top_modules"`
}

// ModuleStats represents module catalog statistics
type ModuleStats struct {
	Total       int64 `json:"total"`
	Provisioned int64 `json:"provisioned"`
	Routes      int64 `json:"routes"`
	Tables      int64 `json:"tables"`
}

// DomainStats counts allowed domains by verification state
type DomainStats struct {
	Total    int64 `json:"total"`
	Verified int64 `json:"verified"`
}

// EventStats summarises the event bus backlog
type EventStats struct {
	Pending int64 `json:"pending"`
}

// GatewayStats summarises gateway traffic over the last 24 hours
type GatewayStats struct {
	Requests24h int64 `json:"requests_24h"`
	Errors24h   int64 `json:"errors_24h"` // status >= 500
	Denied24h   int64 `json:"denied_24h"` // 401, 403 and 429
}

// ModuleTraffic is the 24 hour request count of one module.
type ModuleTraffic struct {
	ModuleID string `json:"module_id"`
	Requests int64  `json:"requests"`
}

// @Summary      Get dashboard statistics
// @Description  Returns aggregated platform statistics: module catalog, installations, credentials, domains, event backlog and gateway traffic.
// @Tags         Stats
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  DashboardStats
// @Failure      401  {object}  map[string]interface{}  "Unauthorized"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/admin/stats [get]
// GetDashboardStats returns dashboard statistics using a single database round-trip.
func (h *StatsHandler) GetDashboardStats(c *gin.Context) {
	ctx := c.Request.Context()

	// Core counts: single round-trip.
	query := `
		SELECT
			(SELECT COUNT(*) FROM modules) AS module_count,
			(SELECT COUNT(*) FROM modules WHERE provisioned_at IS NOT NULL) AS provisioned_count,
			(SELECT COUNT(*) FROM module_routes WHERE is_active = true) AS route_count,
			(SELECT COUNT(*) FROM module_tables) AS table_count,
			(SELECT COUNT(*) FROM module_installations) AS installation_count,
			(SELECT COUNT(*) FROM sites) AS site_count,
			(SELECT COUNT(*) FROM module_api_keys WHERE is_active = true) AS api_key_count,
			(SELECT COUNT(*) FROM oauth_clients WHERE is_active = true) AS oauth_client_count,
			(SELECT COUNT(*) FROM allowed_domains) AS domain_count,
			(SELECT COUNT(*) FROM allowed_domains WHERE verified = true) AS verified_domain_count,
			(SELECT COUNT(*) FROM module_events WHERE processed = false) AS pending_event_count
	`

	var stats DashboardStats

	err := h.db.QueryRowContext(ctx, query).Scan(
		&stats.Modules.Total,
		&stats.Modules.Provisioned,
		&stats.Modules.Routes,
		&stats.Modules.Tables,
		&stats.Installations,
		&stats.Sites,
		&stats.APIKeys,
		&stats.OAuthClients,
		&stats.Domains.Total,
		&stats.Domains.Verified,
		&stats.Events.Pending,
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load dashboard statistics", "code": "QUERY_FAILED"})
		return
	}

	// Gateway traffic: the request log is best-effort, so failures fall back to zero.
	_ = h.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status_code >= 500) AS errors,
			COUNT(*) FILTER (WHERE status_code IN (401, 403, 429)) AS denied
		FROM gateway_request_log
		WHERE created_at > now() - interval '24 hours'
	`).Scan(
		&stats.Gateway.Requests24h,
		&stats.Gateway.Errors24h,
		&stats.Gateway.Denied24h,
	)

	// Busiest modules: top 8, optional.
	stats.TopModules = []ModuleTraffic{}
	if rows, qErr := h.db.QueryContext(ctx, `
		SELECT module_id, COUNT(*) AS requests
		FROM gateway_request_log
		WHERE created_at > now() - interval '24 hours'
		GROUP BY module_id
		ORDER BY requests DESC
		LIMIT 8
	`); qErr == nil {
		defer rows.Close()
		for rows.Next() {
			var entry ModuleTraffic
			if scanErr := rows.Scan(&entry.ModuleID, &entry.Requests); scanErr == nil {
				stats.TopModules = append(stats.TopModules, entry)
			}
		}
	}

	c.JSON(http.StatusOK, stats)
}
