// site_repository.go implements SiteRepository: tenant site lookup and the
// page and navigation rows that lifecycle hooks create on a site.
package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/agencyos/module-platform/internal/db/models"
)

// SiteRepository handles site database operations
type SiteRepository struct {
	db *sqlx.DB
}

// NewSiteRepository creates a new SiteRepository
func NewSiteRepository(db *sqlx.DB) *SiteRepository {
	return &SiteRepository{db: db}
}

// GetSite retrieves a site by id. Returns nil when absent.
func (r *SiteRepository) GetSite(ctx context.Context, id string) (*models.Site, error) {
	s := &models.Site{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, agency_id, name, created_at FROM sites WHERE id = $1`, id,
	).Scan(&s.ID, &s.AgencyID, &s.Name, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get site: %w", err)
	}
	return s, nil
}

// CreatePage inserts a page unless the site already has one with the same
// slug. Returns false when the slug was taken.
func (r *SiteRepository) CreatePage(ctx context.Context, p *models.SitePage) (bool, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	contentJSON, err := marshalMap(p.Content)
	if err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO site_pages (id, site_id, module_id, slug, title, content)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (site_id, slug) DO NOTHING`,
		p.ID, p.SiteID, p.ModuleID, p.Slug, p.Title, contentJSON)
	if err != nil {
		return false, fmt.Errorf("failed to create page: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateNavItem appends a navigation entry
func (r *SiteRepository) CreateNavItem(ctx context.Context, n *models.SiteNavItem) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO site_nav_items (id, site_id, module_id, label, href, position)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		n.ID, n.SiteID, n.ModuleID, n.Label, n.Href, n.Position)
	if err != nil {
		return fmt.Errorf("failed to create nav item: %w", err)
	}
	return nil
}

// DeleteModuleContent removes the pages and nav items a module created on a
// site. Returns the number of pages and nav items removed.
func (r *SiteRepository) DeleteModuleContent(ctx context.Context, siteID, moduleID string) (pages, navItems int64, err error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM site_pages WHERE site_id = $1 AND module_id = $2`, siteID, moduleID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to delete module pages: %w", err)
	}
	if pages, err = res.RowsAffected(); err != nil {
		return 0, 0, err
	}
	res, err = r.db.ExecContext(ctx, `DELETE FROM site_nav_items WHERE site_id = $1 AND module_id = $2`, siteID, moduleID)
	if err != nil {
		return pages, 0, fmt.Errorf("failed to delete module nav items: %w", err)
	}
	if navItems, err = res.RowsAffected(); err != nil {
		return pages, 0, err
	}
	return pages, navItems, nil
}
