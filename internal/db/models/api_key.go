// Package models - api_key.go defines ModuleAPIKey, a site-scoped credential a
// third party presents in the X-API-Key header when calling a module's gateway routes.
package models

import "time"

// ModuleAPIKey is stored only as a SHA-256 hash of the full key.
type ModuleAPIKey struct {
	ID         string     `json:"id"`
	ModuleID   string     `json:"module_id"`
	SiteID     string     `json:"site_id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	Scopes     []string   `json:"scopes"`
	IsActive   bool       `json:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedBy  *string    `json:"created_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// IsUsable reports whether the key is active and unexpired at now.
func (k *ModuleAPIKey) IsUsable(now time.Time) bool {
	if !k.IsActive {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}
