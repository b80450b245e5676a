// module_repository.go implements ModuleRepository: published module records,
// the physical table-name registry the mediator resolves through, and module
// installations per site.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/agencyos/module-platform/internal/db/models"
)

const moduleColumns = `id, short_id, slug, name, version, capabilities, isolation_mode, resources, schema_name, provisioned_at, created_at, updated_at`

// ModuleRepository handles module database operations
type ModuleRepository struct {
	db *sqlx.DB
}

// NewModuleRepository creates a new ModuleRepository
func NewModuleRepository(db *sqlx.DB) *ModuleRepository {
	return &ModuleRepository{db: db}
}

func scanModule(row rowScanner) (*models.Module, error) {
	m := &models.Module{}
	var capabilitiesJSON, resourcesJSON []byte
	err := row.Scan(
		&m.ID,
		&m.ShortID,
		&m.Slug,
		&m.Name,
		&m.Version,
		&capabilitiesJSON,
		&m.IsolationMode,
		&resourcesJSON,
		&m.SchemaName,
		&m.ProvisionedAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if m.Capabilities, err = unmarshalStrings(capabilitiesJSON); err != nil {
		return nil, err
	}
	if len(resourcesJSON) > 0 {
		if err := json.Unmarshal(resourcesJSON, &m.Resources); err != nil {
			return nil, fmt.Errorf("failed to decode module resources: %w", err)
		}
	}
	return m, nil
}

// UpsertModule inserts a module or, when the slug already exists, updates it
// in place (republish). The stored id and created_at are written back onto m.
func (r *ModuleRepository) UpsertModule(ctx context.Context, m *models.Module) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now()
	m.UpdatedAt = now

	capabilitiesJSON, err := marshalStrings(m.Capabilities)
	if err != nil {
		return err
	}
	resourcesJSON, err := json.Marshal(m.Resources)
	if err != nil {
		return fmt.Errorf("failed to encode module resources: %w", err)
	}

	query := `
		INSERT INTO modules (id, short_id, slug, name, version, capabilities, isolation_mode, resources, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (slug) DO UPDATE SET
			name = EXCLUDED.name,
			version = EXCLUDED.version,
			capabilities = EXCLUDED.capabilities,
			isolation_mode = EXCLUDED.isolation_mode,
			resources = EXCLUDED.resources,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at
	`
	err = r.db.QueryRowContext(ctx, query,
		m.ID,
		m.ShortID,
		m.Slug,
		m.Name,
		m.Version,
		capabilitiesJSON,
		m.IsolationMode,
		resourcesJSON,
		now,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert module: %w", err)
	}
	return nil
}

// GetModuleByID retrieves a module by UUID. Returns nil when absent.
func (r *ModuleRepository) GetModuleByID(ctx context.Context, id string) (*models.Module, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	query := `SELECT ` + moduleColumns + ` FROM modules WHERE id = $1`
	m, err := scanModule(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get module: %w", err)
	}
	return m, nil
}

// GetModuleBySlug retrieves a module by slug. Returns nil when absent.
func (r *ModuleRepository) GetModuleBySlug(ctx context.Context, slug string) (*models.Module, error) {
	query := `SELECT ` + moduleColumns + ` FROM modules WHERE slug = $1`
	m, err := scanModule(r.db.QueryRowContext(ctx, query, slug))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get module by slug: %w", err)
	}
	return m, nil
}

// GetModule resolves a module by UUID first, then by slug.
func (r *ModuleRepository) GetModule(ctx context.Context, idOrSlug string) (*models.Module, error) {
	if _, err := uuid.Parse(idOrSlug); err == nil {
		return r.GetModuleByID(ctx, idOrSlug)
	}
	return r.GetModuleBySlug(ctx, idOrSlug)
}

// ResolveSlug maps a module UUID to its slug. Returns "" when unknown.
func (r *ModuleRepository) ResolveSlug(ctx context.Context, id string) (string, error) {
	var slug string
	err := r.db.QueryRowContext(ctx, `SELECT slug FROM modules WHERE id = $1`, id).Scan(&slug)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve module slug: %w", err)
	}
	return slug, nil
}

// ListModules returns all published modules ordered by slug.
func (r *ModuleRepository) ListModules(ctx context.Context) ([]*models.Module, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+moduleColumns+` FROM modules ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}
	defer rows.Close()

	var out []*models.Module
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan module: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveProvisioning persists the resolved physical names after provisioning and
// replaces the module's rows in the physical-name registry.
func (r *ModuleRepository) SaveProvisioning(ctx context.Context, moduleID string, resources models.ModuleResources, schemaName *string) error {
	resourcesJSON, err := json.Marshal(resources)
	if err != nil {
		return fmt.Errorf("failed to encode module resources: %w", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`UPDATE modules SET resources = $2, schema_name = $3, provisioned_at = now(), updated_at = now() WHERE id = $1`,
		moduleID, resourcesJSON, schemaName)
	if err != nil {
		return fmt.Errorf("failed to update module resources: %w", err)
	}

	for logical, physical := range resources.PhysicalTables {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO module_tables (module_id, logical_name, physical_name)
			VALUES ($1, $2, $3)
			ON CONFLICT (module_id, logical_name) DO UPDATE SET physical_name = EXCLUDED.physical_name`,
			moduleID, logical, physical)
		if err != nil {
			return fmt.Errorf("failed to register table %s: %w", logical, err)
		}
	}

	return tx.Commit()
}

// ClearProvisioning removes the registry rows and provisioning marker after a deprovision.
func (r *ModuleRepository) ClearProvisioning(ctx context.Context, moduleID string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM module_tables WHERE module_id = $1`, moduleID); err != nil {
		return fmt.Errorf("failed to clear table registry: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE modules
		SET schema_name = NULL, provisioned_at = NULL, resources = resources - 'physicalTables', updated_at = now()
		WHERE id = $1`, moduleID)
	if err != nil {
		return fmt.Errorf("failed to clear module provisioning: %w", err)
	}
	return tx.Commit()
}

// ListTableRecords returns the physical-name registry rows of a module.
func (r *ModuleRepository) ListTableRecords(ctx context.Context, moduleID string) ([]models.ModuleTableRecord, error) {
	var out []models.ModuleTableRecord
	rows, err := r.db.QueryContext(ctx,
		`SELECT module_id, logical_name, physical_name, created_at FROM module_tables WHERE module_id = $1 ORDER BY logical_name`,
		moduleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list module tables: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rec models.ModuleTableRecord
		if err := rows.Scan(&rec.ModuleID, &rec.LogicalName, &rec.PhysicalName, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan module table: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LookupPhysicalTable resolves a logical table of the module identified by
// slug or id through the registry. Returns "" when not registered.
func (r *ModuleRepository) LookupPhysicalTable(ctx context.Context, moduleRef, logical string) (string, error) {
	query := `
		SELECT mt.physical_name
		FROM module_tables mt
		JOIN modules m ON m.id = mt.module_id
		WHERE (m.slug = $1 OR m.id::text = $1) AND mt.logical_name = $2
	`
	var physical string
	err := r.db.QueryRowContext(ctx, query, moduleRef, logical).Scan(&physical)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up physical table: %w", err)
	}
	return physical, nil
}

// ---------------------------------------------------------------------------
// Installations
// ---------------------------------------------------------------------------

// UpsertInstallation records a module as installed on a site.
func (r *ModuleRepository) UpsertInstallation(ctx context.Context, inst *models.ModuleInstallation) error {
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	settingsJSON, err := marshalMap(inst.Settings)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO module_installations (id, module_id, site_id, enabled, settings, installed_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (module_id, site_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			settings = EXCLUDED.settings,
			updated_at = now()
		RETURNING id, installed_at, updated_at
	`
	err = r.db.QueryRowContext(ctx, query,
		inst.ID, inst.ModuleID, inst.SiteID, inst.Enabled, settingsJSON, inst.InstalledBy,
	).Scan(&inst.ID, &inst.InstalledAt, &inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert installation: %w", err)
	}
	return nil
}

// GetInstallation returns the installation of a module on a site, or nil.
func (r *ModuleRepository) GetInstallation(ctx context.Context, moduleID, siteID string) (*models.ModuleInstallation, error) {
	query := `
		SELECT id, module_id, site_id, enabled, settings, installed_by, installed_at, updated_at
		FROM module_installations
		WHERE module_id = $1 AND site_id = $2
	`
	inst := &models.ModuleInstallation{}
	var settingsJSON []byte
	err := r.db.QueryRowContext(ctx, query, moduleID, siteID).Scan(
		&inst.ID, &inst.ModuleID, &inst.SiteID, &inst.Enabled, &settingsJSON,
		&inst.InstalledBy, &inst.InstalledAt, &inst.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get installation: %w", err)
	}
	if inst.Settings, err = unmarshalMap(settingsJSON); err != nil {
		return nil, err
	}
	return inst, nil
}

// SetInstallationEnabled flips the enabled flag. Returns false when no installation exists.
func (r *ModuleRepository) SetInstallationEnabled(ctx context.Context, moduleID, siteID string, enabled bool) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE module_installations SET enabled = $3, updated_at = now() WHERE module_id = $1 AND site_id = $2`,
		moduleID, siteID, enabled)
	if err != nil {
		return false, fmt.Errorf("failed to update installation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteInstallation removes the installation row of a module on a site.
func (r *ModuleRepository) DeleteInstallation(ctx context.Context, moduleID, siteID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM module_installations WHERE module_id = $1 AND site_id = $2`, moduleID, siteID)
	if err != nil {
		return fmt.Errorf("failed to delete installation: %w", err)
	}
	return nil
}
