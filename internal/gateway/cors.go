package gateway

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agencyos/module-platform/internal/db/models"
	"github.com/agencyos/module-platform/internal/domains"
)

const (
	corsAllowMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	corsAllowHeaders = "Authorization, Content-Type, X-API-Key, X-Site-Id"
	corsMaxAge       = "600"
)

// applyCORS sets Access-Control-Allow-Origin when the request's Origin is a
// verified API domain of the site. It reports whether the origin was allowed.
func (g *Gateway) applyCORS(c *gin.Context, moduleID, siteID string) bool {
	origin := c.GetHeader("Origin")
	if origin == "" || g.deps.Domains == nil {
		return false
	}
	c.Writer.Header().Add("Vary", "Origin")

	ok, err := g.deps.Domains.IsOriginAllowed(c.Request.Context(), siteID, moduleID, origin, domains.PurposeAPI, "")
	if err != nil {
		slog.Warn("origin check failed", "site_id", siteID, "origin", origin, "error", err)
		return false
	}
	if !ok {
		return false
	}
	c.Header("Access-Control-Allow-Origin", origin)
	c.Header("Access-Control-Allow-Credentials", "true")
	c.Header("Access-Control-Expose-Headers", "X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset")
	return true
}

// preflight answers an OPTIONS request. The site comes from the site_id
// query parameter or the X-Site-Id header since browsers send no credentials.
func (g *Gateway) preflight(c *gin.Context, module *models.Module) {
	site := requestedSite(c)
	if site != "" && g.applyCORS(c, module.ID, site) {
		c.Header("Access-Control-Allow-Methods", corsAllowMethods)
		c.Header("Access-Control-Allow-Headers", corsAllowHeaders)
		c.Header("Access-Control-Max-Age", corsMaxAge)
	}
	c.AbortWithStatus(http.StatusNoContent)
}
