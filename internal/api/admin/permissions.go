// permissions.go exposes the cross-module permission registry.
package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agencyos/module-platform/internal/apperr"
	"github.com/agencyos/module-platform/internal/crossmodule"
)

// PermissionHandlers handles cross-module permission endpoints
type PermissionHandlers struct {
	registry *crossmodule.Registry
}

// NewPermissionHandlers creates a new PermissionHandlers instance
func NewPermissionHandlers(registry *crossmodule.Registry) *PermissionHandlers {
	return &PermissionHandlers{registry: registry}
}

// @Summary      List cross-module permissions
// @Description  Returns the effective permissions: runtime entries shadow the permissions file, which shadows the built-ins.
// @Tags         Permissions
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/admin/permissions [get]
// ListPermissionsHandler lists effective permissions
func (h *PermissionHandlers) ListPermissionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"permissions": h.registry.List()})
	}
}

// @Summary      Grant a cross-module permission
// @Description  Adds or replaces the permission for (source, target). The change is effective for the next mediator call.
// @Tags         Permissions
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  crossmodule.Permission  true  "Permission"
// @Success      200  {object}  crossmodule.Permission
// @Failure      400  {object}  map[string]interface{}  "Invalid permission"
// @Router       /api/admin/permissions [put]
// UpsertPermissionHandler grants or replaces a permission
func (h *PermissionHandlers) UpsertPermissionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var p crossmodule.Permission
		if err := c.ShouldBindJSON(&p); err != nil {
			badRequest(c, "Invalid request body: "+err.Error())
			return
		}
		if err := h.registry.Upsert(p); err != nil {
			respondError(c, apperr.New(apperr.CodeValidationFailed, "%v", err))
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

// @Summary      Revoke a cross-module permission
// @Description  Revokes the permission for (source, target), including a built-in one, until it is granted again.
// @Tags         Permissions
// @Security     Bearer
// @Param        source  query  string  true  "Source module slug"
// @Param        target  query  string  true  "Target module slug or *"
// @Success      204
// @Failure      404  {object}  map[string]interface{}  "No such permission"
// @Router       /api/admin/permissions [delete]
// RemovePermissionHandler revokes a permission
func (h *PermissionHandlers) RemovePermissionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		source, target := c.Query("source"), c.Query("target")
		if source == "" || target == "" {
			badRequest(c, "source and target are required")
			return
		}
		if !h.registry.Remove(source, target) {
			notFound(c, "Permission")
			return
		}
		c.Status(http.StatusNoContent)
	}
}
