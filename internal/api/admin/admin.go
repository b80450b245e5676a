// Package admin implements the administrative HTTP handlers for the module platform.
// Platform routes (publish, provision, routes, permissions, event maintenance)
// require platform:admin; site routes live under /sites/:siteId and require
// agency:admin plus ownership of the site (see internal/middleware/rbac.go).
// The module gateway in internal/gateway is a separate surface with its own
// authentication chain.
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agencyos/module-platform/internal/apperr"
	"github.com/agencyos/module-platform/internal/db/models"
	"github.com/agencyos/module-platform/internal/middleware"
)

// respondError writes err as {"error", "code"} with the status its taxonomy
// code maps to. Uncoded errors are 500s and never leak their message.
func respondError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	status := apperr.HTTPStatus(code)
	if code == "" {
		code = apperr.CodeQueryFailed
	}
	if status >= http.StatusInternalServerError {
		slog.Error("admin request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"code", code,
			"error", err,
		)
	}
	c.JSON(status, gin.H{
		"error": apperr.PublicMessage(err),
		"code":  code,
	})
}

// badRequest answers a request whose body or parameters failed to bind.
func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error": msg,
		"code":  apperr.CodeValidationFailed,
	})
}

func notFound(c *gin.Context, what string) {
	c.JSON(http.StatusNotFound, gin.H{
		"error": what + " not found",
		"code":  apperr.CodeNotFound,
	})
}

// callerID returns the authenticated user id as a nullable column value.
func callerID(c *gin.Context) *string {
	if id := middleware.UserID(c); id != "" {
		return &id
	}
	return nil
}

// queryInt parses an integer query parameter, falling back to def when the
// parameter is absent or malformed, and clamping to [1, ceiling].
func queryInt(c *gin.Context, name string, def, ceiling int) int {
	n, err := strconv.Atoi(c.Query(name))
	if err != nil || n < 1 {
		return def
	}
	if n > ceiling {
		return ceiling
	}
	return n
}

// ModuleLookup resolves a module by id or slug. *repositories.ModuleRepository
// satisfies it.
type ModuleLookup interface {
	GetModule(ctx context.Context, idOrSlug string) (*models.Module, error)
}

// loadModule resolves the :id param and answers 404 itself when the module
// does not exist. A nil return means the response has been written.
func loadModule(c *gin.Context, modules ModuleLookup) *models.Module {
	mod, err := modules.GetModule(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, apperr.Query("get", "modules", err))
		return nil
	}
	if mod == nil {
		notFound(c, "Module")
		return nil
	}
	return mod
}
