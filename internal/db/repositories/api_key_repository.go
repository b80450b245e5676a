// api_key_repository.go implements APIKeyRepository, providing database queries for
// module API key lookup by hash, creation, revocation and last-used timestamp updates.
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

const apiKeyColumns = `id, module_id, site_id, name, key_hash, key_prefix, scopes, is_active, expires_at, last_used_at, created_by, created_at`

// APIKeyRepository handles module API key database operations
type APIKeyRepository struct {
	db *sqlx.DB
}

// NewAPIKeyRepository creates a new APIKeyRepository
func NewAPIKeyRepository(db *sqlx.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

func scanAPIKey(row rowScanner) (*models.ModuleAPIKey, error) {
	k := &models.ModuleAPIKey{}
	var scopesJSON []byte
	err := row.Scan(
		&k.ID,
		&k.ModuleID,
		&k.SiteID,
		&k.Name,
		&k.KeyHash,
		&k.KeyPrefix,
		&scopesJSON,
		&k.IsActive,
		&k.ExpiresAt,
		&k.LastUsedAt,
		&k.CreatedBy,
		&k.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if k.Scopes, err = unmarshalStrings(scopesJSON); err != nil {
		return nil, err
	}
	return k, nil
}

// CreateAPIKey creates a new module API key
func (r *APIKeyRepository) CreateAPIKey(ctx context.Context, key *models.ModuleAPIKey) error {
	key.ID = uuid.New().String()
	key.CreatedAt = time.Now()
	key.IsActive = true

	scopesJSON, err := marshalStrings(key.Scopes)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO module_api_keys (id, module_id, site_id, name, key_hash, key_prefix, scopes, is_active, expires_at, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = r.db.ExecContext(ctx, query,
		key.ID,
		key.ModuleID,
		key.SiteID,
		key.Name,
		key.KeyHash,
		key.KeyPrefix,
		scopesJSON,
		key.IsActive,
		key.ExpiresAt,
		key.CreatedBy,
		key.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

// GetAPIKeyByHash retrieves a key by its SHA-256 hash (for authentication)
func (r *APIKeyRepository) GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.ModuleAPIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM module_api_keys WHERE key_hash = $1`
	k, err := scanAPIKey(r.db.QueryRowContext(ctx, query, keyHash))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return k, nil
}

// ListAPIKeys lists the keys issued for a module on a site, newest first.
func (r *APIKeyRepository) ListAPIKeys(ctx context.Context, moduleID, siteID string) ([]*models.ModuleAPIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM module_api_keys WHERE module_id = $1 AND site_id = $2 ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, moduleID, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]*models.ModuleAPIKey, 0)
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeAPIKey deactivates a key of the site. Returns false when no such key exists.
func (r *APIKeyRepository) RevokeAPIKey(ctx context.Context, siteID, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE module_api_keys SET is_active = false WHERE id = $1 AND site_id = $2`, id, siteID)
	if err != nil {
		return false, fmt.Errorf("failed to revoke api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateLastUsed stamps last_used_at with the current time
func (r *APIKeyRepository) UpdateLastUsed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE module_api_keys SET last_used_at = $2 WHERE id = $1`, id, time.Now())
	return err
}

// DeactivateExpired turns off every active key whose expires_at has passed
// and returns how many were changed.
func (r *APIKeyRepository) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE module_api_keys SET is_active = false
		 WHERE is_active = true AND expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate expired api keys: %w", err)
	}
	return res.RowsAffected()
}
