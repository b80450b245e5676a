// Package models - oauth.go defines the persisted OAuth artifacts: clients,
// authorization codes and refresh tokens. Secrets, codes and tokens are only
// ever stored hashed.
package models

import "time"

// OAuthClient is a third-party integration registered against a site's module.
type OAuthClient struct {
	ID               string    `json:"id"`
	SiteID           string    `json:"site_id"`
	ModuleID         string    `json:"module_id"`
	Name             string    `json:"name"`
	ClientID         string    `json:"client_id"`
	ClientSecretHash string    `json:"-"`
	RedirectURIs     []string  `json:"redirect_uris"`
	Scopes           []string  `json:"scopes"`
	IsActive         bool      `json:"is_active"`
	CreatedBy        *string   `json:"created_by,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// AuthorizationCode is single-use and bound to an exact redirect URI.
type AuthorizationCode struct {
	CodeHash            string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scopes              []string
	CodeChallenge       *string
	CodeChallengeMethod *string
	ExpiresAt           time.Time
	UsedAt              *time.Time
	CreatedAt           time.Time
}

// RefreshToken is rotated on every use. Tokens descending from one code
// exchange share a FamilyID so a replayed token can revoke the whole chain.
type RefreshToken struct {
	ID         string
	TokenHash  string
	ClientID   string
	UserID     string
	Scopes     []string
	FamilyID   string
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy *string
	CreatedAt  time.Time
}
