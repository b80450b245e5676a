// Package services implements operations that coordinate several components.
// The installer moves a module through its per-site lifecycle: it records the
// installation, runs the module's lifecycle hook and announces the change on
// the event bus. The publisher validates and stores module manifests.
package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agencyos/module-platform/internal/apperr"
	"github.com/agencyos/module-platform/internal/db/models"
	"github.com/agencyos/module-platform/internal/hooks"
	"github.com/agencyos/module-platform/internal/tenant"
)

// Lifecycle events emitted by the installer. They are broadcast to every
// module installed on the site.
const (
	EventModuleInstalled   = "module:installed"
	EventModuleUninstalled = "module:uninstalled"
	EventModuleEnabled     = "module:enabled"
	EventModuleDisabled    = "module:disabled"
)

// InstallationStore is the subset of *repositories.ModuleRepository the
// installer needs.
type InstallationStore interface {
	GetModule(ctx context.Context, idOrSlug string) (*models.Module, error)
	ListTableRecords(ctx context.Context, moduleID string) ([]models.ModuleTableRecord, error)
	UpsertInstallation(ctx context.Context, inst *models.ModuleInstallation) error
	GetInstallation(ctx context.Context, moduleID, siteID string) (*models.ModuleInstallation, error)
	SetInstallationEnabled(ctx context.Context, moduleID, siteID string, enabled bool) (bool, error)
	DeleteInstallation(ctx context.Context, moduleID, siteID string) error
}

// SiteContentStore is the subset of *repositories.SiteRepository the
// installer needs.
type SiteContentStore interface {
	GetSite(ctx context.Context, id string) (*models.Site, error)
	DeleteModuleContent(ctx context.Context, siteID, moduleID string) (pages, navItems int64, err error)
}

// HookRunner executes lifecycle hooks. *hooks.Registry satisfies it.
type HookRunner interface {
	ExecuteInstallHook(ctx context.Context, moduleIDOrSlug, siteID string, settings map[string]interface{}) *hooks.Result
	ExecuteUninstallHook(ctx context.Context, moduleIDOrSlug, siteID string) *hooks.Result
	ExecuteEnableHook(ctx context.Context, moduleIDOrSlug, siteID string) *hooks.Result
	ExecuteDisableHook(ctx context.Context, moduleIDOrSlug, siteID string) *hooks.Result
}

// EventEmitter publishes module events. *events.Bus satisfies it.
type EventEmitter interface {
	Emit(ctx context.Context, sourceModuleID, siteID, eventName string, payload interface{}, targetModuleID string) (*models.ModuleEvent, error)
}

// Installer orchestrates module install, uninstall, enable and disable.
type Installer struct {
	modules InstallationStore
	sites   SiteContentStore
	hooks   HookRunner
	events  EventEmitter
	db      sqlx.ExtContext
}

// NewInstaller creates an Installer. db is used only by PurgeSiteData.
func NewInstaller(modules InstallationStore, sites SiteContentStore, hookRunner HookRunner, emitter EventEmitter, db sqlx.ExtContext) *Installer {
	return &Installer{
		modules: modules,
		sites:   sites,
		hooks:   hookRunner,
		events:  emitter,
		db:      db,
	}
}

// InstallInput describes an install request.
type InstallInput struct {
	Module   string                 `json:"module"`
	SiteID   string                 `json:"site_id"`
	Settings map[string]interface{} `json:"settings"`
	UserID   string                 `json:"-"`
}

// LifecycleResult reports a lifecycle transition. Hook is never nil.
type LifecycleResult struct {
	Installation *models.ModuleInstallation `json:"installation,omitempty"`
	Hook         *hooks.Result              `json:"hook"`
}

// PurgeResult reports the rows PurgeSiteData removed.
type PurgeResult struct {
	Tables   map[string]int64 `json:"tables"`
	Pages    int64            `json:"pages"`
	NavItems int64            `json:"nav_items"`
}

func (i *Installer) load(ctx context.Context, ref, siteID string) (*models.Module, *models.Site, error) {
	if ref == "" || siteID == "" {
		return nil, nil, apperr.New(apperr.CodeValidationFailed, "module and site are required")
	}
	mod, err := i.modules.GetModule(ctx, ref)
	if err != nil {
		return nil, nil, apperr.Query("get", "modules", err)
	}
	if mod == nil {
		return nil, nil, apperr.New(apperr.CodeNotFound, "module not found: %s", ref)
	}
	site, err := i.sites.GetSite(ctx, siteID)
	if err != nil {
		return nil, nil, apperr.Query("get", "sites", err)
	}
	if site == nil {
		return nil, nil, apperr.New(apperr.CodeNotFound, "site not found: %s", siteID)
	}
	return mod, site, nil
}

// Install records the module as installed and enabled on the site, then runs
// its install hook. A failing hook leaves the installation in place; the
// failure is reported in the result.
func (i *Installer) Install(ctx context.Context, in InstallInput) (*LifecycleResult, error) {
	mod, site, err := i.load(ctx, in.Module, in.SiteID)
	if err != nil {
		return nil, err
	}

	inst := &models.ModuleInstallation{
		ModuleID: mod.ID,
		SiteID:   site.ID,
		Enabled:  true,
		Settings: in.Settings,
	}
	if in.UserID != "" {
		inst.InstalledBy = &in.UserID
	}
	if err := i.modules.UpsertInstallation(ctx, inst); err != nil {
		return nil, apperr.Query("install", "module_installations", err)
	}

	hook := i.hooks.ExecuteInstallHook(ctx, mod.ID, site.ID, in.Settings)
	i.emit(ctx, mod, site.ID, EventModuleInstalled, hook)
	slog.Info("module installed", "module_id", mod.ID, "slug", mod.Slug, "site_id", site.ID, "hook_success", hook.Success)
	return &LifecycleResult{Installation: inst, Hook: hook}, nil
}

// Uninstall runs the uninstall hook and removes the installation record.
// Module tables and their rows are kept; PurgeSiteData removes them.
func (i *Installer) Uninstall(ctx context.Context, moduleRef, siteID string) (*LifecycleResult, error) {
	mod, site, err := i.load(ctx, moduleRef, siteID)
	if err != nil {
		return nil, err
	}
	inst, err := i.modules.GetInstallation(ctx, mod.ID, site.ID)
	if err != nil {
		return nil, apperr.Query("get", "module_installations", err)
	}
	if inst == nil {
		return nil, apperr.New(apperr.CodeNotFound, "module %s is not installed on site %s", mod.Slug, site.ID)
	}

	hook := i.hooks.ExecuteUninstallHook(ctx, mod.ID, site.ID)
	if err := i.modules.DeleteInstallation(ctx, mod.ID, site.ID); err != nil {
		return nil, apperr.Query("uninstall", "module_installations", err)
	}
	i.emit(ctx, mod, site.ID, EventModuleUninstalled, hook)
	slog.Info("module uninstalled", "module_id", mod.ID, "slug", mod.Slug, "site_id", site.ID, "hook_success", hook.Success)
	return &LifecycleResult{Installation: inst, Hook: hook}, nil
}

// SetEnabled enables or disables an installed module and runs the matching hook.
func (i *Installer) SetEnabled(ctx context.Context, moduleRef, siteID string, enabled bool) (*LifecycleResult, error) {
	mod, site, err := i.load(ctx, moduleRef, siteID)
	if err != nil {
		return nil, err
	}
	ok, err := i.modules.SetInstallationEnabled(ctx, mod.ID, site.ID, enabled)
	if err != nil {
		return nil, apperr.Query("update", "module_installations", err)
	}
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "module %s is not installed on site %s", mod.Slug, site.ID)
	}

	var hook *hooks.Result
	event := EventModuleDisabled
	if enabled {
		hook = i.hooks.ExecuteEnableHook(ctx, mod.ID, site.ID)
		event = EventModuleEnabled
	} else {
		hook = i.hooks.ExecuteDisableHook(ctx, mod.ID, site.ID)
	}
	i.emit(ctx, mod, site.ID, event, hook)
	slog.Info("module enablement changed", "module_id", mod.ID, "site_id", site.ID, "enabled", enabled)
	return &LifecycleResult{Hook: hook}, nil
}

// PurgeSiteData deletes every row the module stored for the site, along with
// the pages and nav items its hooks created. It refuses while the module is
// still installed.
func (i *Installer) PurgeSiteData(ctx context.Context, moduleRef, siteID string) (*PurgeResult, error) {
	mod, site, err := i.load(ctx, moduleRef, siteID)
	if err != nil {
		return nil, err
	}
	inst, err := i.modules.GetInstallation(ctx, mod.ID, site.ID)
	if err != nil {
		return nil, apperr.Query("get", "module_installations", err)
	}
	if inst != nil {
		return nil, apperr.New(apperr.CodeValidationFailed, "uninstall module %s before purging its data", mod.Slug)
	}

	records, err := i.modules.ListTableRecords(ctx, mod.ID)
	if err != nil {
		return nil, apperr.Query("list", "module_tables", err)
	}
	tc := tenant.Context{AgencyID: site.AgencyID, SiteID: site.ID}
	result := &PurgeResult{Tables: make(map[string]int64, len(records))}
	for _, rec := range records {
		table, err := tenant.OpenTable(i.db, rec.PhysicalName, tc)
		if err != nil {
			return result, err
		}
		n, err := table.Delete(ctx, []tenant.Filter{tenant.Eq(tenant.ColumnSiteID, site.ID)})
		if err != nil {
			return result, err
		}
		result.Tables[rec.LogicalName] = n
	}

	if result.Pages, result.NavItems, err = i.sites.DeleteModuleContent(ctx, site.ID, mod.ID); err != nil {
		return result, apperr.Query("delete", "site_pages", err)
	}
	slog.Info("module site data purged", "module_id", mod.ID, "site_id", site.ID, "tables", len(records))
	return result, nil
}

// emit announces a lifecycle change. The transition already happened, so an
// emit failure is only logged.
func (i *Installer) emit(ctx context.Context, mod *models.Module, siteID, name string, hook *hooks.Result) {
	payload := map[string]interface{}{
		"module_id":    mod.ID,
		"slug":         mod.Slug,
		"version":      mod.Version,
		"hook_success": hook.Success,
		"at":           time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := i.events.Emit(ctx, mod.ID, siteID, name, payload, ""); err != nil {
		slog.Warn("failed to emit lifecycle event", "event", name, "module_id", mod.ID, "site_id", siteID, "error", err)
	}
}
