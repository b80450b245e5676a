// installations.go implements per-site module lifecycle endpoints.
package admin

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agencyos/module-platform/internal/middleware"
	"github.com/agencyos/module-platform/internal/services"
)

// ModuleInstaller drives installation lifecycles. *services.Installer satisfies it.
type ModuleInstaller interface {
	Install(ctx context.Context, in services.InstallInput) (*services.LifecycleResult, error)
	Uninstall(ctx context.Context, moduleRef, siteID string) (*services.LifecycleResult, error)
	SetEnabled(ctx context.Context, moduleRef, siteID string, enabled bool) (*services.LifecycleResult, error)
	PurgeSiteData(ctx context.Context, moduleRef, siteID string) (*services.PurgeResult, error)
}

// InstallationHandlers handles module install, uninstall, enable and disable
type InstallationHandlers struct {
	installer ModuleInstaller
}

// NewInstallationHandlers creates a new InstallationHandlers instance
func NewInstallationHandlers(installer ModuleInstaller) *InstallationHandlers {
	return &InstallationHandlers{installer: installer}
}

// InstallRequest carries optional per-site module settings
type InstallRequest struct {
	Settings map[string]interface{} `json:"settings"`
}

// lifecycleStatus is 200 when the hook succeeded and 207 when the transition
// happened but the hook reported errors.
func lifecycleStatus(res *services.LifecycleResult) int {
	if res.Hook != nil && !res.Hook.Success {
		return http.StatusMultiStatus
	}
	return http.StatusOK
}

// @Summary      Install a module on a site
// @Description  Records the installation, runs the module's install hook and emits module:installed. A failing hook keeps the installation and answers 207.
// @Tags         Installations
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        siteId  path  string          true   "Site ID"
// @Param        id      path  string          true   "Module ID or slug"
// @Param        body    body  InstallRequest  false  "Module settings"
// @Success      200  {object}  services.LifecycleResult
// @Success      207  {object}  services.LifecycleResult  "Installed, hook failed"
// @Failure      404  {object}  map[string]interface{}  "Module or site not found"
// @Router       /api/admin/sites/{siteId}/modules/{id}/install [post]
// InstallHandler installs a module on a site
func (h *InstallationHandlers) InstallHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req InstallRequest
		if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
			badRequest(c, "Invalid request body: "+err.Error())
			return
		}
		if req.Settings == nil {
			req.Settings = map[string]interface{}{}
		}

		res, err := h.installer.Install(c.Request.Context(), services.InstallInput{
			Module:   c.Param("id"),
			SiteID:   c.Param("siteId"),
			Settings: req.Settings,
			UserID:   middleware.UserID(c),
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(lifecycleStatus(res), res)
	}
}

// @Summary      Uninstall a module from a site
// @Description  Runs the uninstall hook and removes the installation. Module rows are kept until purged.
// @Tags         Installations
// @Security     Bearer
// @Produce      json
// @Param        siteId  path  string  true  "Site ID"
// @Param        id      path  string  true  "Module ID or slug"
// @Success      200  {object}  services.LifecycleResult
// @Failure      404  {object}  map[string]interface{}  "Not installed"
// @Router       /api/admin/sites/{siteId}/modules/{id}/uninstall [post]
// UninstallHandler uninstalls a module from a site
func (h *InstallationHandlers) UninstallHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := h.installer.Uninstall(c.Request.Context(), c.Param("id"), c.Param("siteId"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(lifecycleStatus(res), res)
	}
}

// @Summary      Enable a module on a site
// @Tags         Installations
// @Security     Bearer
// @Produce      json
// @Param        siteId  path  string  true  "Site ID"
// @Param        id      path  string  true  "Module ID or slug"
// @Success      200  {object}  services.LifecycleResult
// @Router       /api/admin/sites/{siteId}/modules/{id}/enable [post]
// EnableHandler re-enables an installed module
func (h *InstallationHandlers) EnableHandler() gin.HandlerFunc {
	return h.setEnabled(true)
}

// @Summary      Disable a module on a site
// @Description  Disabled modules stay installed but the gateway refuses their routes for the site.
// @Tags         Installations
// @Security     Bearer
// @Produce      json
// @Param        siteId  path  string  true  "Site ID"
// @Param        id      path  string  true  "Module ID or slug"
// @Success      200  {object}  services.LifecycleResult
// @Router       /api/admin/sites/{siteId}/modules/{id}/disable [post]
// DisableHandler disables an installed module
func (h *InstallationHandlers) DisableHandler() gin.HandlerFunc {
	return h.setEnabled(false)
}

func (h *InstallationHandlers) setEnabled(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := h.installer.SetEnabled(c.Request.Context(), c.Param("id"), c.Param("siteId"), enabled)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(lifecycleStatus(res), res)
	}
}

// @Summary      Purge a module's site data
// @Description  Deletes every row the module stored for the site plus the pages and nav items it created. The module must be uninstalled first.
// @Tags         Installations
// @Security     Bearer
// @Produce      json
// @Param        siteId  path  string  true  "Site ID"
// @Param        id      path  string  true  "Module ID or slug"
// @Success      200  {object}  services.PurgeResult
// @Failure      400  {object}  map[string]interface{}  "Module still installed"
// @Router       /api/admin/sites/{siteId}/modules/{id}/data [delete]
// PurgeDataHandler removes a module's data from a site
func (h *InstallationHandlers) PurgeDataHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := h.installer.PurgeSiteData(c.Request.Context(), c.Param("id"), c.Param("siteId"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}
