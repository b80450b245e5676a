// oauth_repository.go implements OAuthRepository: OAuth clients, single-use
// authorization codes and rotating refresh tokens. Code and token consumption
// are single conditional UPDATE ... RETURNING statements so concurrent
// redemptions cannot both succeed. Refresh rotation runs that statement and
// the successor's insert in one transaction.
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

const oauthClientColumns = `id, site_id, module_id, name, client_id, client_secret_hash, redirect_uris, scopes, is_active, created_by, created_at, updated_at`

const refreshTokenColumns = `id, token_hash, client_id, user_id, scopes, family_id, expires_at, revoked_at, replaced_by, created_at`

// OAuthRepository handles OAuth database operations
type OAuthRepository struct {
	db *sqlx.DB
}

// NewOAuthRepository creates a new OAuthRepository
func NewOAuthRepository(db *sqlx.DB) *OAuthRepository {
	return &OAuthRepository{db: db}
}

// ---------------------------------------------------------------------------
// Clients
// ---------------------------------------------------------------------------

func scanOAuthClient(row rowScanner) (*models.OAuthClient, error) {
	c := &models.OAuthClient{}
	var redirectJSON, scopesJSON []byte
	err := row.Scan(
		&c.ID,
		&c.SiteID,
		&c.ModuleID,
		&c.Name,
		&c.ClientID,
		&c.ClientSecretHash,
		&redirectJSON,
		&scopesJSON,
		&c.IsActive,
		&c.CreatedBy,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if c.RedirectURIs, err = unmarshalStrings(redirectJSON); err != nil {
		return nil, err
	}
	if c.Scopes, err = unmarshalStrings(scopesJSON); err != nil {
		return nil, err
	}
	return c, nil
}

// CreateClient inserts a new OAuth client
func (r *OAuthRepository) CreateClient(ctx context.Context, c *models.OAuthClient) error {
	c.ID = uuid.New().String()
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	c.IsActive = true

	redirectJSON, err := marshalStrings(c.RedirectURIs)
	if err != nil {
		return err
	}
	scopesJSON, err := marshalStrings(c.Scopes)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO oauth_clients (id, site_id, module_id, name, client_id, client_secret_hash, redirect_uris, scopes, is_active, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = r.db.ExecContext(ctx, query,
		c.ID,
		c.SiteID,
		c.ModuleID,
		c.Name,
		c.ClientID,
		c.ClientSecretHash,
		redirectJSON,
		scopesJSON,
		c.IsActive,
		c.CreatedBy,
		c.CreatedAt,
		c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create oauth client: %w", err)
	}
	return nil
}

// GetClientByClientID retrieves a client by its public client_id. Returns nil when absent.
func (r *OAuthRepository) GetClientByClientID(ctx context.Context, clientID string) (*models.OAuthClient, error) {
	query := `SELECT ` + oauthClientColumns + ` FROM oauth_clients WHERE client_id = $1`
	c, err := scanOAuthClient(r.db.QueryRowContext(ctx, query, clientID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get oauth client: %w", err)
	}
	return c, nil
}

// ListClients lists the clients registered for a site, optionally narrowed to one module.
func (r *OAuthRepository) ListClients(ctx context.Context, siteID, moduleID string) ([]*models.OAuthClient, error) {
	query := `SELECT ` + oauthClientColumns + ` FROM oauth_clients WHERE site_id = $1 AND ($2 = '' OR module_id::text = $2) ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, siteID, moduleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list oauth clients: %w", err)
	}
	defer rows.Close()

	clients := make([]*models.OAuthClient, 0)
	for rows.Next() {
		c, err := scanOAuthClient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan oauth client: %w", err)
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// UpdateClientSecret replaces the stored secret hash. Returns false when the client does not exist.
func (r *OAuthRepository) UpdateClientSecret(ctx context.Context, clientID, secretHash string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE oauth_clients SET client_secret_hash = $2, updated_at = now() WHERE client_id = $1`,
		clientID, secretHash)
	if err != nil {
		return false, fmt.Errorf("failed to update client secret: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeactivateClient marks a client inactive and revokes all of its live refresh tokens.
func (r *OAuthRepository) DeactivateClient(ctx context.Context, clientID string) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE oauth_clients SET is_active = false, updated_at = now() WHERE client_id = $1`, clientID)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate client: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE oauth_refresh_tokens SET revoked_at = now() WHERE client_id = $1 AND revoked_at IS NULL`,
		clientID); err != nil {
		return false, fmt.Errorf("failed to revoke client tokens: %w", err)
	}
	return true, tx.Commit()
}

// ---------------------------------------------------------------------------
// Authorization codes
// ---------------------------------------------------------------------------

// CreateAuthorizationCode stores a hashed authorization code
func (r *OAuthRepository) CreateAuthorizationCode(ctx context.Context, code *models.AuthorizationCode) error {
	code.CreatedAt = time.Now()
	scopesJSON, err := marshalStrings(code.Scopes)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO oauth_authorization_codes (code_hash, client_id, user_id, redirect_uri, scopes, code_challenge, code_challenge_method, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.db.ExecContext(ctx, query,
		code.CodeHash,
		code.ClientID,
		code.UserID,
		code.RedirectURI,
		scopesJSON,
		code.CodeChallenge,
		code.CodeChallengeMethod,
		code.ExpiresAt,
		code.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create authorization code: %w", err)
	}
	return nil
}

// ConsumeAuthorizationCode atomically marks an unused, unexpired code as used
// and returns it. It returns nil when the code is unknown, bound to another
// client or redirect URI, expired, or already redeemed.
func (r *OAuthRepository) ConsumeAuthorizationCode(ctx context.Context, codeHash, clientID, redirectURI string) (*models.AuthorizationCode, error) {
	query := `
		UPDATE oauth_authorization_codes
		SET used_at = now()
		WHERE code_hash = $1 AND client_id = $2 AND redirect_uri = $3
		  AND used_at IS NULL AND expires_at > now()
		RETURNING code_hash, client_id, user_id, redirect_uri, scopes, code_challenge, code_challenge_method, expires_at, used_at, created_at
	`
	code := &models.AuthorizationCode{}
	var scopesJSON []byte
	err := r.db.QueryRowContext(ctx, query, codeHash, clientID, redirectURI).Scan(
		&code.CodeHash,
		&code.ClientID,
		&code.UserID,
		&code.RedirectURI,
		&scopesJSON,
		&code.CodeChallenge,
		&code.CodeChallengeMethod,
		&code.ExpiresAt,
		&code.UsedAt,
		&code.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}
	if code.Scopes, err = unmarshalStrings(scopesJSON); err != nil {
		return nil, err
	}
	return code, nil
}

// ---------------------------------------------------------------------------
// Refresh tokens
// ---------------------------------------------------------------------------

func scanRefreshToken(row rowScanner) (*models.RefreshToken, error) {
	t := &models.RefreshToken{}
	var scopesJSON []byte
	err := row.Scan(
		&t.ID,
		&t.TokenHash,
		&t.ClientID,
		&t.UserID,
		&scopesJSON,
		&t.FamilyID,
		&t.ExpiresAt,
		&t.RevokedAt,
		&t.ReplacedBy,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if t.Scopes, err = unmarshalStrings(scopesJSON); err != nil {
		return nil, err
	}
	return t, nil
}

// CreateRefreshToken stores a hashed refresh token
func (r *OAuthRepository) CreateRefreshToken(ctx context.Context, t *models.RefreshToken) error {
	return insertRefreshToken(ctx, r.db, t)
}

func insertRefreshToken(ctx context.Context, exec sqlx.ExecerContext, t *models.RefreshToken) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.FamilyID == "" {
		t.FamilyID = uuid.New().String()
	}
	t.CreatedAt = time.Now()
	scopesJSON, err := marshalStrings(t.Scopes)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO oauth_refresh_tokens (id, token_hash, client_id, user_id, scopes, family_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = exec.ExecContext(ctx, query,
		t.ID,
		t.TokenHash,
		t.ClientID,
		t.UserID,
		scopesJSON,
		t.FamilyID,
		t.ExpiresAt,
		t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create refresh token: %w", err)
	}
	return nil
}

// RotateRefreshToken revokes a live refresh token of the client, stores the
// successor built from it and links the two, all in one transaction. It
// returns nil tokens when no live token matches. An error from next rolls
// the revocation back.
func (r *OAuthRepository) RotateRefreshToken(ctx context.Context, tokenHash, clientID string, next func(old *models.RefreshToken) (*models.RefreshToken, error)) (*models.RefreshToken, *models.RefreshToken, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin refresh rotation: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck

	query := `
		UPDATE oauth_refresh_tokens
		SET revoked_at = now()
		WHERE token_hash = $1 AND client_id = $2 AND revoked_at IS NULL AND expires_at > now()
		RETURNING ` + refreshTokenColumns
	old, err := scanRefreshToken(tx.QueryRowContext(ctx, query, tokenHash, clientID))
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}

	successor, err := next(old)
	if err != nil {
		return nil, nil, err
	}
	if err := insertRefreshToken(ctx, tx, successor); err != nil {
		return nil, nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE oauth_refresh_tokens SET replaced_by = $2 WHERE id = $1`, old.ID, successor.ID); err != nil {
		return nil, nil, fmt.Errorf("failed to link refresh token: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit refresh rotation: %w", err)
	}
	old.ReplacedBy = &successor.ID
	return old, successor, nil
}

// GetRefreshTokenByHash retrieves a refresh token regardless of state. Returns nil when absent.
func (r *OAuthRepository) GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	query := `SELECT ` + refreshTokenColumns + ` FROM oauth_refresh_tokens WHERE token_hash = $1`
	t, err := scanRefreshToken(r.db.QueryRowContext(ctx, query, tokenHash))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	return t, nil
}

// RevokeFamily revokes every live token descending from the same code exchange.
func (r *OAuthRepository) RevokeFamily(ctx context.Context, familyID string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE oauth_refresh_tokens SET revoked_at = now() WHERE family_id = $1 AND revoked_at IS NULL`, familyID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke token family: %w", err)
	}
	return res.RowsAffected()
}

// RevokeRefreshToken revokes a single token by hash. Returns false when no live token matched.
func (r *OAuthRepository) RevokeRefreshToken(ctx context.Context, tokenHash string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE oauth_refresh_tokens SET revoked_at = now() WHERE token_hash = $1 AND revoked_at IS NULL`, tokenHash)
	if err != nil {
		return false, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteExpired removes authorization codes and refresh tokens that expired
// before cutoff, plus refresh tokens revoked before revokedBefore. Returns the
// number of codes and tokens deleted.
func (r *OAuthRepository) DeleteExpired(ctx context.Context, cutoff, revokedBefore time.Time) (codes, tokens int64, err error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM oauth_authorization_codes WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to delete expired codes: %w", err)
	}
	if codes, err = res.RowsAffected(); err != nil {
		return 0, 0, err
	}
	res, err = r.db.ExecContext(ctx,
		`DELETE FROM oauth_refresh_tokens WHERE expires_at < $1 OR (revoked_at IS NOT NULL AND revoked_at < $2)`,
		cutoff, revokedBefore)
	if err != nil {
		return codes, 0, fmt.Errorf("failed to delete expired refresh tokens: %w", err)
	}
	if tokens, err = res.RowsAffected(); err != nil {
		return codes, 0, err
	}
	return codes, tokens, nil
}
