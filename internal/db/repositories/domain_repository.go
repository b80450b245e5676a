// domain_repository.go implements DomainRepository for the allowed_domains table.
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

const domainColumns = `id, site_id, module_id, domain, verified, verification_token, verified_at, allow_embed, allow_api, embed_types, rate_limit, created_at`

// DomainRepository handles allowed domain database operations
type DomainRepository struct {
	db *sqlx.DB
}

// NewDomainRepository creates a new DomainRepository
func NewDomainRepository(db *sqlx.DB) *DomainRepository {
	return &DomainRepository{db: db}
}

func scanDomain(row rowScanner) (*models.AllowedDomain, error) {
	d := &models.AllowedDomain{}
	var embedJSON []byte
	err := row.Scan(
		&d.ID,
		&d.SiteID,
		&d.ModuleID,
		&d.Domain,
		&d.Verified,
		&d.VerificationToken,
		&d.VerifiedAt,
		&d.AllowEmbed,
		&d.AllowAPI,
		&embedJSON,
		&d.RateLimit,
		&d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if d.EmbedTypes, err = unmarshalStrings(embedJSON); err != nil {
		return nil, err
	}
	return d, nil
}

// CreateDomain inserts an unverified domain
func (r *DomainRepository) CreateDomain(ctx context.Context, d *models.AllowedDomain) error {
	d.ID = uuid.New().String()
	d.CreatedAt = time.Now()
	embedJSON, err := marshalStrings(d.EmbedTypes)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO allowed_domains (id, site_id, module_id, domain, verified, verification_token, allow_embed, allow_api, embed_types, rate_limit, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = r.db.ExecContext(ctx, query,
		d.ID,
		d.SiteID,
		d.ModuleID,
		d.Domain,
		d.Verified,
		d.VerificationToken,
		d.AllowEmbed,
		d.AllowAPI,
		embedJSON,
		d.RateLimit,
		d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create domain: %w", err)
	}
	return nil
}

// GetDomain retrieves a domain by id. Returns nil when absent.
func (r *DomainRepository) GetDomain(ctx context.Context, id string) (*models.AllowedDomain, error) {
	query := `SELECT ` + domainColumns + ` FROM allowed_domains WHERE id = $1`
	d, err := scanDomain(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get domain: %w", err)
	}
	return d, nil
}

// ListDomains lists the domains registered for a site.
func (r *DomainRepository) ListDomains(ctx context.Context, siteID string) ([]*models.AllowedDomain, error) {
	query := `SELECT ` + domainColumns + ` FROM allowed_domains WHERE site_id = $1 ORDER BY domain`
	return r.list(ctx, query, siteID)
}

// ListVerifiedForHost returns the verified domains of a site matching host that
// apply to moduleID, either directly or site-wide (module_id NULL).
func (r *DomainRepository) ListVerifiedForHost(ctx context.Context, siteID, moduleID, host string) ([]*models.AllowedDomain, error) {
	query := `SELECT ` + domainColumns + ` FROM allowed_domains
		WHERE site_id = $1 AND domain = $2 AND verified = true
		  AND (module_id IS NULL OR module_id::text = $3)`
	return r.list(ctx, query, siteID, host, moduleID)
}

func (r *DomainRepository) list(ctx context.Context, query string, args ...any) ([]*models.AllowedDomain, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}
	defer rows.Close()

	out := make([]*models.AllowedDomain, 0)
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan domain: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkVerified flags a domain as verified now
func (r *DomainRepository) MarkVerified(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE allowed_domains SET verified = true, verified_at = $2 WHERE id = $1`, id, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark domain verified: %w", err)
	}
	return nil
}

// DeleteDomain removes a domain of a site. Returns false when it does not exist.
func (r *DomainRepository) DeleteDomain(ctx context.Context, siteID, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM allowed_domains WHERE site_id = $1 AND id = $2`, siteID, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete domain: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
