package hooks

import (
	"context"
	"fmt"

	"github.com/agencyos/module-platform/internal/db/models"
)

// SiteContent is the site storage the built-in hooks write to.
type SiteContent interface {
	CreatePage(ctx context.Context, p *models.SitePage) (bool, error)
	CreateNavItem(ctx context.Context, n *models.SiteNavItem) error
	DeleteModuleContent(ctx context.Context, siteID, moduleID string) (pages, navItems int64, err error)
}

// Builtins returns the function that registers the platform's own hook sets.
func Builtins(sites SiteContent) func(*Registry) {
	return func(r *Registry) {
		r.register("crm", crmHooks(sites))
	}
}

// crmHooks adds a contacts page and nav entry on install and removes them on
// uninstall.
func crmHooks(sites SiteContent) HookSet {
	return HookSet{
		OnInstall: func(ctx context.Context, hc Context) (*Result, error) {
			res := &Result{Success: true}
			title := "Contacts"
			if v, ok := hc.Settings["contacts_title"].(string); ok && v != "" {
				title = v
			}

			created, err := sites.CreatePage(ctx, &models.SitePage{
				SiteID:   hc.SiteID,
				ModuleID: hc.ModuleID,
				Slug:     "contacts",
				Title:    title,
				Content:  map[string]interface{}{"component": "crm.ContactList"},
			})
			if err != nil {
				return nil, err
			}
			if !created {
				res.Metadata = map[string]interface{}{"page_exists": "contacts"}
				return res, nil
			}
			res.PagesCreated = append(res.PagesCreated, "contacts")

			if err := sites.CreateNavItem(ctx, &models.SiteNavItem{
				SiteID:   hc.SiteID,
				ModuleID: hc.ModuleID,
				Label:    title,
				Href:     "/contacts",
				Position: 50,
			}); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("nav item: %v", err))
				return res, nil
			}
			res.NavItemsCreated = append(res.NavItemsCreated, title)
			return res, nil
		},
		OnUninstall: func(ctx context.Context, hc Context) (*Result, error) {
			pages, nav, err := sites.DeleteModuleContent(ctx, hc.SiteID, hc.ModuleID)
			if err != nil {
				return nil, err
			}
			return &Result{Success: true, Metadata: map[string]interface{}{
				"pages_removed":     pages,
				"nav_items_removed": nav,
			}}, nil
		},
	}
}
