// route_repository.go implements RouteRepository: registered gateway routes and
// the read-only lookups against the legacy route tables.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/agencyos/module-platform/internal/db/models"
)

const routeColumns = `id, module_id, path, method, handler_type, handler_id, handler_code, handler_url, proxy_headers_enc, required_scopes, rate_limit_per_minute, is_active, created_at, updated_at`

// RouteRepository handles module route database operations
type RouteRepository struct {
	db *sqlx.DB
}

// NewRouteRepository creates a new RouteRepository
func NewRouteRepository(db *sqlx.DB) *RouteRepository {
	return &RouteRepository{db: db}
}

func scanRoute(row rowScanner) (*models.RegisteredRoute, error) {
	rt := &models.RegisteredRoute{}
	var scopesJSON []byte
	err := row.Scan(
		&rt.ID,
		&rt.ModuleID,
		&rt.Path,
		&rt.Method,
		&rt.HandlerType,
		&rt.HandlerID,
		&rt.HandlerCode,
		&rt.HandlerURL,
		&rt.ProxyHeadersEnc,
		&scopesJSON,
		&rt.RateLimitPerMinute,
		&rt.IsActive,
		&rt.CreatedAt,
		&rt.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if rt.RequiredScopes, err = unmarshalStrings(scopesJSON); err != nil {
		return nil, err
	}
	return rt, nil
}

// UpsertRoute registers a route, replacing any route with the same (module, method, path).
func (r *RouteRepository) UpsertRoute(ctx context.Context, rt *models.RegisteredRoute) error {
	if rt.ID == "" {
		rt.ID = uuid.New().String()
	}
	now := time.Now()
	scopesJSON, err := marshalStrings(rt.RequiredScopes)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO module_routes (id, module_id, path, method, handler_type, handler_id, handler_code, handler_url,
			proxy_headers_enc, required_scopes, rate_limit_per_minute, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT (module_id, method, path) DO UPDATE SET
			handler_type = EXCLUDED.handler_type,
			handler_id = EXCLUDED.handler_id,
			handler_code = EXCLUDED.handler_code,
			handler_url = EXCLUDED.handler_url,
			proxy_headers_enc = EXCLUDED.proxy_headers_enc,
			required_scopes = EXCLUDED.required_scopes,
			rate_limit_per_minute = EXCLUDED.rate_limit_per_minute,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at
	`
	err = r.db.QueryRowContext(ctx, query,
		rt.ID,
		rt.ModuleID,
		rt.Path,
		rt.Method,
		rt.HandlerType,
		rt.HandlerID,
		rt.HandlerCode,
		rt.HandlerURL,
		rt.ProxyHeadersEnc,
		scopesJSON,
		rt.RateLimitPerMinute,
		rt.IsActive,
		now,
	).Scan(&rt.ID, &rt.CreatedAt, &rt.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert route: %w", err)
	}
	return nil
}

// ListActiveRoutes returns the active routes of a module for one HTTP method.
func (r *RouteRepository) ListActiveRoutes(ctx context.Context, moduleID, method string) ([]*models.RegisteredRoute, error) {
	query := `SELECT ` + routeColumns + ` FROM module_routes WHERE module_id = $1 AND method = $2 AND is_active = true ORDER BY path`
	return r.list(ctx, query, moduleID, method)
}

// ListRoutes returns every route of a module.
func (r *RouteRepository) ListRoutes(ctx context.Context, moduleID string) ([]*models.RegisteredRoute, error) {
	query := `SELECT ` + routeColumns + ` FROM module_routes WHERE module_id = $1 ORDER BY path, method`
	return r.list(ctx, query, moduleID)
}

func (r *RouteRepository) list(ctx context.Context, query string, args ...any) ([]*models.RegisteredRoute, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}
	defer rows.Close()

	routes := make([]*models.RegisteredRoute, 0)
	for rows.Next() {
		rt, err := scanRoute(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan route: %w", err)
		}
		routes = append(routes, rt)
	}
	return routes, rows.Err()
}

// DeleteRoute removes a route by id. Returns false when it does not exist.
func (r *RouteRepository) DeleteRoute(ctx context.Context, moduleID, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM module_routes WHERE module_id = $1 AND id = $2`, moduleID, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete route: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetLegacyRoutes returns the raw JSON route array for a module from the
// legacy tables: modules_v2 first, then module_source. Returns nil when
// neither has an entry.
func (r *RouteRepository) GetLegacyRoutes(ctx context.Context, moduleID string) ([]byte, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT api_routes FROM modules_v2 WHERE id::text = $1 OR slug = $1 LIMIT 1`, moduleID).Scan(&raw)
	if err == nil {
		return raw, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read modules_v2 routes: %w", err)
	}

	err = r.db.QueryRowContext(ctx,
		`SELECT api_routes FROM module_source WHERE module_id::text = $1`, moduleID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read module_source routes: %w", err)
	}
	return raw, nil
}
