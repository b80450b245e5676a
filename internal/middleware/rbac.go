package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agencyos/module-platform/internal/auth"
	"github.com/agencyos/module-platform/internal/db/models"
)

func forbidden(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
		"error": msg,
		"code":  "ACCESS_DENIED",
	})
}

// RequireScope checks that the caller holds scope.
func RequireScope(scope auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !auth.HasScope(Scopes(c), scope) {
			forbidden(c, "Missing required scope: "+string(scope))
			return
		}
		c.Next()
	}
}

// RequireAnyScope checks that the caller holds at least one of scopes.
func RequireAnyScope(scopes ...auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !auth.HasAnyScope(Scopes(c), scopes) {
			forbidden(c, "Missing required scope")
			return
		}
		c.Next()
	}
}

// SiteStore loads sites. *repositories.SiteRepository satisfies it.
type SiteStore interface {
	GetSite(ctx context.Context, id string) (*models.Site, error)
}

// RequireSiteAccess guards routes carrying a :siteId param. Platform admins
// reach any site; agency admins only sites of their own agency.
func RequireSiteAccess(sites SiteStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		scopes := Scopes(c)
		if auth.HasScope(scopes, auth.ScopePlatformAdmin) {
			c.Next()
			return
		}
		if !auth.HasScope(scopes, auth.ScopeAgencyAdmin) {
			forbidden(c, "Missing required scope: "+string(auth.ScopeAgencyAdmin))
			return
		}

		siteID := c.Param("siteId")
		if siteID == "" {
			siteID = c.Query("site_id")
		}
		if siteID == "" {
			c.Next()
			return
		}
		site, err := sites.GetSite(c.Request.Context(), siteID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to load site",
				"code":  "QUERY_FAILED",
			})
			return
		}
		if site == nil {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
				"error": "Site not found",
				"code":  "NOT_FOUND",
			})
			return
		}
		if agency := c.GetString(AgencyIDKey); agency == "" || agency != site.AgencyID {
			forbidden(c, "Site belongs to another agency")
			return
		}
		c.Next()
	}
}
