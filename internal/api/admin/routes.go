// routes.go implements registration of module gateway routes.
package admin

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agencyos/module-platform/internal/apperr"
	"github.com/agencyos/module-platform/internal/auth"
	"github.com/agencyos/module-platform/internal/crypto"
	"github.com/agencyos/module-platform/internal/db/models"
)

// RouteStore persists gateway routes. *repositories.RouteRepository satisfies it.
type RouteStore interface {
	UpsertRoute(ctx context.Context, rt *models.RegisteredRoute) error
	ListRoutes(ctx context.Context, moduleID string) ([]*models.RegisteredRoute, error)
	DeleteRoute(ctx context.Context, moduleID, id string) (bool, error)
}

var routeMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// RouteHandlers handles gateway route registration endpoints
type RouteHandlers struct {
	modules ModuleLookup
	routes  RouteStore
	cipher  *crypto.TokenCipher
}

// NewRouteHandlers creates a new RouteHandlers instance. cipher may be nil, in
// which case proxy routes cannot carry upstream headers.
func NewRouteHandlers(modules ModuleLookup, routes RouteStore, cipher *crypto.TokenCipher) *RouteHandlers {
	return &RouteHandlers{
		modules: modules,
		routes:  routes,
		cipher:  cipher,
	}
}

// CreateRouteRequest represents a route registration
type CreateRouteRequest struct {
	Path               string            `json:"path" binding:"required"`
	Method             string            `json:"method" binding:"required"`
	HandlerType        string            `json:"handler_type" binding:"required"`
	HandlerID          *string           `json:"handler_id"`
	HandlerCode        *string           `json:"handler_code"`
	HandlerURL         *string           `json:"handler_url"`
	ProxyHeaders       map[string]string `json:"proxy_headers"`
	RequiredScopes     []string          `json:"required_scopes"`
	RateLimitPerMinute *int              `json:"rate_limit_per_minute"`
	IsActive           *bool             `json:"is_active"`
}

func (r *CreateRouteRequest) validate() error {
	if !strings.HasPrefix(r.Path, "/") {
		return apperr.New(apperr.CodeValidationFailed, "path must start with /")
	}
	r.Method = strings.ToUpper(r.Method)
	if !routeMethods[r.Method] {
		return apperr.New(apperr.CodeValidationFailed, "unsupported method %q", r.Method)
	}

	switch r.HandlerType {
	case models.HandlerTypeFunction:
		if isBlank(r.HandlerID) && isBlank(r.HandlerCode) {
			return apperr.New(apperr.CodeValidationFailed, "function routes need handler_id or handler_code")
		}
	case models.HandlerTypeProxy:
		if isBlank(r.HandlerURL) {
			return apperr.New(apperr.CodeValidationFailed, "proxy routes need handler_url")
		}
		u, err := url.Parse(*r.HandlerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return apperr.New(apperr.CodeValidationFailed, "handler_url must be an absolute http(s) URL")
		}
	case models.HandlerTypeEdge:
	default:
		return apperr.New(apperr.CodeValidationFailed, "unknown handler_type %q", r.HandlerType)
	}

	if len(r.ProxyHeaders) > 0 && r.HandlerType != models.HandlerTypeProxy {
		return apperr.New(apperr.CodeValidationFailed, "proxy_headers only apply to proxy routes")
	}
	if err := auth.ValidateOAuthScopes(r.RequiredScopes); err != nil {
		return apperr.New(apperr.CodeValidationFailed, "%v", err)
	}
	if r.RateLimitPerMinute != nil && *r.RateLimitPerMinute < 1 {
		return apperr.New(apperr.CodeValidationFailed, "rate_limit_per_minute must be positive")
	}
	return nil
}

func isBlank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}

// @Summary      Register a route
// @Description  Registers or replaces the gateway route for (module, method, path). Proxy headers are encrypted at rest.
// @Tags         Routes
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        id    path  string              true  "Module ID or slug"
// @Param        body  body  CreateRouteRequest  true  "Route definition"
// @Success      201  {object}  models.RegisteredRoute
// @Failure      400  {object}  map[string]interface{}  "Invalid route"
// @Failure      404  {object}  map[string]interface{}  "Module not found"
// @Router       /api/admin/modules/{id}/routes [post]
// CreateRouteHandler registers a gateway route for a module
func (h *RouteHandlers) CreateRouteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateRouteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body: "+err.Error())
			return
		}
		if err := req.validate(); err != nil {
			respondError(c, err)
			return
		}

		mod := loadModule(c, h.modules)
		if mod == nil {
			return
		}

		route := &models.RegisteredRoute{
			ModuleID:           mod.ID,
			Path:               req.Path,
			Method:             req.Method,
			HandlerType:        req.HandlerType,
			HandlerID:          req.HandlerID,
			HandlerCode:        req.HandlerCode,
			HandlerURL:         req.HandlerURL,
			RequiredScopes:     req.RequiredScopes,
			RateLimitPerMinute: req.RateLimitPerMinute,
			IsActive:           req.IsActive == nil || *req.IsActive,
		}
		if route.RequiredScopes == nil {
			route.RequiredScopes = []string{}
		}

		if len(req.ProxyHeaders) > 0 {
			sealed, err := h.sealHeaders(req.ProxyHeaders, mod.ID)
			if err != nil {
				respondError(c, err)
				return
			}
			route.ProxyHeadersEnc = &sealed
		}

		if err := h.routes.UpsertRoute(c.Request.Context(), route); err != nil {
			respondError(c, apperr.Query("upsert", "module_routes", err))
			return
		}
		c.JSON(http.StatusCreated, route)
	}
}

func (h *RouteHandlers) sealHeaders(headers map[string]string, moduleID string) (string, error) {
	if h.cipher == nil {
		return "", apperr.New(apperr.CodeValidationFailed, "proxy_headers require an encryption key to be configured")
	}
	sealed, err := h.cipher.SealHeaders(headers, moduleID)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeQueryFailed, "seal", "module_routes", err)
	}
	return sealed, nil
}

// @Summary      List routes
// @Tags         Routes
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "Module ID or slug"
// @Success      200  {object}  map[string]interface{}
// @Router       /api/admin/modules/{id}/routes [get]
// ListRoutesHandler lists the registered routes of a module
func (h *RouteHandlers) ListRoutesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		mod := loadModule(c, h.modules)
		if mod == nil {
			return
		}
		routes, err := h.routes.ListRoutes(c.Request.Context(), mod.ID)
		if err != nil {
			respondError(c, apperr.Query("list", "module_routes", err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"routes": routes})
	}
}

// @Summary      Delete a route
// @Tags         Routes
// @Security     Bearer
// @Param        id       path  string  true  "Module ID or slug"
// @Param        routeId  path  string  true  "Route ID"
// @Success      204
// @Failure      404  {object}  map[string]interface{}  "Route not found"
// @Router       /api/admin/modules/{id}/routes/{routeId} [delete]
// DeleteRouteHandler removes a route from a module
func (h *RouteHandlers) DeleteRouteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		mod := loadModule(c, h.modules)
		if mod == nil {
			return
		}
		deleted, err := h.routes.DeleteRoute(c.Request.Context(), mod.ID, c.Param("routeId"))
		if err != nil {
			respondError(c, apperr.Query("delete", "module_routes", err))
			return
		}
		if !deleted {
			notFound(c, "Route")
			return
		}
		c.Status(http.StatusNoContent)
	}
}
