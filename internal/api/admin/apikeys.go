// apikeys.go implements site-scoped module API key management.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agencyos/module-platform/internal/apperr"
	"github.com/agencyos/module-platform/internal/auth"
	"github.com/agencyos/module-platform/internal/db/models"
)

// APIKeyStore persists module API keys. *repositories.APIKeyRepository satisfies it.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.ModuleAPIKey) error
	ListAPIKeys(ctx context.Context, moduleID, siteID string) ([]*models.ModuleAPIKey, error)
	RevokeAPIKey(ctx context.Context, siteID, id string) (bool, error)
}

// APIKeyHandlers handles API key management endpoints
type APIKeyHandlers struct {
	modules ModuleLookup
	keys    APIKeyStore
	prefix  string
}

// NewAPIKeyHandlers creates a new APIKeyHandlers instance. prefix is the
// leading segment of generated keys; empty selects auth.DefaultAPIKeyPrefix.
func NewAPIKeyHandlers(modules ModuleLookup, keys APIKeyStore, prefix string) *APIKeyHandlers {
	return &APIKeyHandlers{
		modules: modules,
		keys:    keys,
		prefix:  prefix,
	}
}

// CreateAPIKeyRequest represents the request to create a new API key
type CreateAPIKeyRequest struct {
	Name      string   `json:"name" binding:"required"`
	Scopes    []string `json:"scopes" binding:"required"`
	ExpiresAt *string  `json:"expires_at"` // RFC3339 format
}

// CreateAPIKeyResponse represents the response when creating an API key
type CreateAPIKeyResponse struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Key       string     `json:"key"` // Only returned once during creation
	KeyPrefix string     `json:"key_prefix"`
	ModuleID  string     `json:"module_id"`
	SiteID    string     `json:"site_id"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
}

// @Summary      Create API key
// @Description  Creates an API key for one module on one site. The full key is only returned in this response.
// @Tags         API Keys
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        siteId  path  string               true  "Site ID"
// @Param        id      path  string               true  "Module ID or slug"
// @Param        body    body  CreateAPIKeyRequest  true  "API key details"
// @Success      201  {object}  CreateAPIKeyResponse
// @Failure      400  {object}  map[string]interface{}  "Invalid request"
// @Failure      404  {object}  map[string]interface{}  "Module not found"
// @Router       /api/admin/sites/{siteId}/modules/{id}/api-keys [post]
// CreateAPIKeyHandler creates a new API key
func (h *APIKeyHandlers) CreateAPIKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateAPIKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body: "+err.Error())
			return
		}
		if len(req.Scopes) == 0 {
			badRequest(c, "At least one scope is required")
			return
		}
		if err := auth.ValidateOAuthScopes(req.Scopes); err != nil {
			badRequest(c, err.Error())
			return
		}

		var expiresAt *time.Time
		if req.ExpiresAt != nil && *req.ExpiresAt != "" {
			t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
			if err != nil {
				badRequest(c, "Invalid expires_at format, use RFC3339")
				return
			}
			if !t.After(time.Now()) {
				badRequest(c, "expires_at must be in the future")
				return
			}
			expiresAt = &t
		}

		mod := loadModule(c, h.modules)
		if mod == nil {
			return
		}

		fullKey, keyHash, keyPrefix, err := auth.GenerateAPIKey(h.prefix)
		if err != nil {
			respondError(c, apperr.Wrap(apperr.CodeHandlerFailed, "generate", "module_api_keys", err))
			return
		}

		key := &models.ModuleAPIKey{
			ModuleID:  mod.ID,
			SiteID:    c.Param("siteId"),
			Name:      req.Name,
			KeyHash:   keyHash,
			KeyPrefix: keyPrefix,
			Scopes:    req.Scopes,
			IsActive:  true,
			ExpiresAt: expiresAt,
			CreatedBy: callerID(c),
		}
		if err := h.keys.CreateAPIKey(c.Request.Context(), key); err != nil {
			respondError(c, apperr.Query("insert", "module_api_keys", err))
			return
		}

		c.JSON(http.StatusCreated, CreateAPIKeyResponse{
			ID:        key.ID,
			Name:      key.Name,
			Key:       fullKey,
			KeyPrefix: key.KeyPrefix,
			ModuleID:  key.ModuleID,
			SiteID:    key.SiteID,
			Scopes:    key.Scopes,
			ExpiresAt: key.ExpiresAt,
			CreatedAt: key.CreatedAt,
		})
	}
}

// @Summary      List API keys
// @Tags         API Keys
// @Security     Bearer
// @Produce      json
// @Param        siteId  path  string  true  "Site ID"
// @Param        id      path  string  true  "Module ID or slug"
// @Success      200  {object}  map[string]interface{}  "List of API keys"
// @Router       /api/admin/sites/{siteId}/modules/{id}/api-keys [get]
// ListAPIKeysHandler lists the keys of one module on one site. Hashes are never returned.
func (h *APIKeyHandlers) ListAPIKeysHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		mod := loadModule(c, h.modules)
		if mod == nil {
			return
		}
		keys, err := h.keys.ListAPIKeys(c.Request.Context(), mod.ID, c.Param("siteId"))
		if err != nil {
			respondError(c, apperr.Query("list", "module_api_keys", err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"keys": keys})
	}
}

// @Summary      Revoke API key
// @Tags         API Keys
// @Security     Bearer
// @Param        siteId  path  string  true  "Site ID"
// @Param        keyId   path  string  true  "API key ID"
// @Success      204
// @Failure      404  {object}  map[string]interface{}  "API key not found"
// @Router       /api/admin/sites/{siteId}/api-keys/{keyId} [delete]
// RevokeAPIKeyHandler deactivates a key belonging to the site
func (h *APIKeyHandlers) RevokeAPIKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		revoked, err := h.keys.RevokeAPIKey(c.Request.Context(), c.Param("siteId"), c.Param("keyId"))
		if err != nil {
			respondError(c, apperr.Query("revoke", "module_api_keys", err))
			return
		}
		if !revoked {
			notFound(c, "API key")
			return
		}
		c.Status(http.StatusNoContent)
	}
}
