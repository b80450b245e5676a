// modules.go implements module publishing and provisioning endpoints.
package admin

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agencyos/module-platform/internal/apperr"
	"github.com/agencyos/module-platform/internal/db/models"
	"github.com/agencyos/module-platform/internal/naming"
	"github.com/agencyos/module-platform/internal/provisioner"
	"github.com/agencyos/module-platform/internal/services"
)

// ModuleCatalog reads published modules.
type ModuleCatalog interface {
	ModuleLookup
	ListModules(ctx context.Context) ([]*models.Module, error)
}

// ModulePublisher validates and stores manifests. *services.Publisher satisfies it.
type ModulePublisher interface {
	Publish(ctx context.Context, in services.PublishInput) (*models.Module, error)
}

// ResourceProvisioner creates and drops module resources.
// *provisioner.Provisioner satisfies it.
type ResourceProvisioner interface {
	Provision(ctx context.Context, moduleID string, resources models.ModuleResources, mode naming.IsolationMode) (*provisioner.Result, error)
	Deprovision(ctx context.Context, moduleID string) (*provisioner.DeprovisionResult, error)
}

// ModuleHandlers handles module catalog endpoints
type ModuleHandlers struct {
	modules     ModuleCatalog
	publisher   ModulePublisher
	provisioner ResourceProvisioner
}

// NewModuleHandlers creates a new ModuleHandlers instance
func NewModuleHandlers(modules ModuleCatalog, publisher ModulePublisher, prov ResourceProvisioner) *ModuleHandlers {
	return &ModuleHandlers{
		modules:     modules,
		publisher:   publisher,
		provisioner: prov,
	}
}

// @Summary      Publish a module
// @Description  Publishes a new module or republishes an existing slug. A republish must carry a strictly greater semantic version.
// @Tags         Modules
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  services.PublishInput  true  "Module manifest"
// @Success      201  {object}  models.Module
// @Failure      400  {object}  map[string]interface{}  "Invalid manifest"
// @Failure      403  {object}  map[string]interface{}  "Forbidden"
// @Router       /api/admin/modules [post]
// PublishHandler publishes a module manifest
func (h *ModuleHandlers) PublishHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var in services.PublishInput
		if err := c.ShouldBindJSON(&in); err != nil {
			badRequest(c, "Invalid request body: "+err.Error())
			return
		}

		mod, err := h.publisher.Publish(c.Request.Context(), in)
		if err != nil {
			respondError(c, err)
			return
		}

		slog.Info("module published", "module_id", mod.ID, "slug", mod.Slug, "version", mod.Version)
		c.JSON(http.StatusCreated, mod)
	}
}

// @Summary      List modules
// @Tags         Modules
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/admin/modules [get]
// ListModulesHandler lists every published module
func (h *ModuleHandlers) ListModulesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		mods, err := h.modules.ListModules(c.Request.Context())
		if err != nil {
			respondError(c, apperr.Query("list", "modules", err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"modules": mods})
	}
}

// @Summary      Get a module
// @Tags         Modules
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "Module ID or slug"
// @Success      200  {object}  models.Module
// @Failure      404  {object}  map[string]interface{}  "Module not found"
// @Router       /api/admin/modules/{id} [get]
// GetModuleHandler returns one module by id or slug
func (h *ModuleHandlers) GetModuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		mod := loadModule(c, h.modules)
		if mod == nil {
			return
		}
		c.JSON(http.StatusOK, mod)
	}
}

// @Summary      Provision module resources
// @Description  Creates the module's tables (or schema) and storage buckets. Tables that fail are reported without aborting the rest unless atomic provisioning is configured.
// @Tags         Modules
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "Module ID or slug"
// @Success      200  {object}  provisioner.Result
// @Success      207  {object}  provisioner.Result  "Some resources failed"
// @Failure      404  {object}  map[string]interface{}  "Module not found"
// @Router       /api/admin/modules/{id}/provision [post]
// ProvisionHandler provisions the resources declared in the module manifest
func (h *ModuleHandlers) ProvisionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		mod := loadModule(c, h.modules)
		if mod == nil {
			return
		}
		mode, err := naming.ParseMode(mod.IsolationMode)
		if err != nil {
			respondError(c, apperr.New(apperr.CodeValidationFailed, "%v", err))
			return
		}

		result, err := h.provisioner.Provision(c.Request.Context(), mod.ID, mod.Resources, mode)
		if err != nil {
			respondError(c, err)
			return
		}

		status := http.StatusOK
		if len(result.Errors) > 0 {
			status = http.StatusMultiStatus
		}
		c.JSON(status, result)
	}
}

// @Summary      Deprovision module resources
// @Description  Drops the module's tables (or schema) and deletes its stored objects. Missing modules are treated as already deprovisioned.
// @Tags         Modules
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "Module ID"
// @Success      200  {object}  provisioner.DeprovisionResult
// @Router       /api/admin/modules/{id}/provision [delete]
// DeprovisionHandler drops everything the module provisioned
func (h *ModuleHandlers) DeprovisionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		moduleID := c.Param("id")
		if mod, err := h.modules.GetModule(c.Request.Context(), moduleID); err == nil && mod != nil {
			moduleID = mod.ID
		}

		result, err := h.provisioner.Deprovision(c.Request.Context(), moduleID)
		if err != nil {
			respondError(c, err)
			return
		}
		status := http.StatusOK
		if len(result.Errors) > 0 {
			status = http.StatusMultiStatus
		}
		c.JSON(status, result)
	}
}
