// dev.go implements development-only handlers for minting admin session tokens
// without an identity provider.
package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agencyos/module-platform/internal/auth"
)

const devTokenTTL = 24 * time.Hour

// DevHandlers handles development-only endpoints
type DevHandlers struct {
	devMode bool
}

// NewDevHandlers creates a new DevHandlers instance
func NewDevHandlers(devMode bool) *DevHandlers {
	return &DevHandlers{devMode: devMode}
}

// DevModeMiddleware blocks access to dev endpoints in production
func DevModeMiddleware(devMode bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !devMode {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Development endpoints are disabled in production",
				"code":  "ACCESS_DENIED",
			})
			return
		}
		c.Next()
	}
}

// DevTokenRequest describes the identity to mint a token for
type DevTokenRequest struct {
	UserID   string   `json:"user_id"`
	Email    string   `json:"email"`
	AgencyID string   `json:"agency_id"`
	Scopes   []string `json:"scopes"`
}

// @Summary      Issue a development token
// @Description  Mints a session JWT for any identity. Only available when server.dev_mode is on. Defaults to a platform admin.
// @Tags         Development
// @Accept       json
// @Produce      json
// @Param        body  body  DevTokenRequest  false  "Identity"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]interface{}  "Unknown scope"
// @Failure      403  {object}  map[string]interface{}  "Dev mode disabled"
// @Router       /api/admin/dev/token [post]
// DevTokenHandler issues a session token for local testing
// POST /api/admin/dev/token
// Protected by DevModeMiddleware - returns 403 in production.
func (h *DevHandlers) DevTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !h.devMode {
			c.JSON(http.StatusForbidden, gin.H{
				"error": "Development endpoints are disabled in production",
				"code":  "ACCESS_DENIED",
			})
			return
		}

		var req DevTokenRequest
		// An empty body mints the default admin identity.
		_ = c.ShouldBindJSON(&req)

		if req.UserID == "" {
			req.UserID = uuid.New().String()
		}
		if req.Email == "" {
			req.Email = "admin@dev.local"
		}
		if len(req.Scopes) == 0 {
			req.Scopes = []string{string(auth.ScopePlatformAdmin)}
		}
		if err := auth.ValidateScopes(req.Scopes); err != nil {
			badRequest(c, err.Error())
			return
		}

		token, err := auth.GenerateAgencyJWT(req.UserID, req.Email, req.AgencyID, req.Scopes, devTokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
				"code":  "HANDLER_FAILED",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"token":      token,
			"user_id":    req.UserID,
			"agency_id":  req.AgencyID,
			"scopes":     req.Scopes,
			"expires_in": int64(devTokenTTL.Seconds()),
			"dev_mode":   true,
		})
	}
}
