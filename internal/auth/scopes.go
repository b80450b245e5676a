// Package auth - scopes.go defines the scope vocabulary: the module data
// scopes OAuth clients, API keys and route declarations use, and the
// platform scopes guarding the admin API.
package auth

import (
	"fmt"
)

// Scope represents a permission
type Scope string

const (
	// Module data scopes, the OAuth vocabulary
	ScopeRead   Scope = "read"
	ScopeWrite  Scope = "write"
	ScopeDelete Scope = "delete"
	ScopeAdmin  Scope = "admin" // implies read, write and delete

	// Platform scopes
	ScopeAgencyAdmin   Scope = "agency:admin"   // site-level installs, domains, OAuth clients
	ScopePlatformAdmin Scope = "platform:admin" // publish, provision, permissions; implies agency:admin

	// ScopeWildcard grants everything
	ScopeWildcard Scope = "*"
)

// OAuthScopes returns the scopes an OAuth client may request
func OAuthScopes() []Scope {
	return []Scope{ScopeRead, ScopeWrite, ScopeDelete, ScopeAdmin}
}

// AllScopes returns all valid scopes
func AllScopes() []Scope {
	return []Scope{
		ScopeRead,
		ScopeWrite,
		ScopeDelete,
		ScopeAdmin,
		ScopeAgencyAdmin,
		ScopePlatformAdmin,
		ScopeWildcard,
	}
}

func scopeSet(scopes []Scope) map[string]bool {
	m := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		m[string(s)] = true
	}
	return m
}

// ValidateScopes checks that every scope is known
func ValidateScopes(scopes []string) error {
	valid := scopeSet(AllScopes())
	for _, scope := range scopes {
		if !valid[scope] {
			return fmt.Errorf("invalid scope: %s", scope)
		}
	}
	return nil
}

// ValidateOAuthScopes checks that every scope is in the OAuth vocabulary
func ValidateOAuthScopes(scopes []string) error {
	valid := scopeSet(OAuthScopes())
	for _, scope := range scopes {
		if !valid[scope] {
			return fmt.Errorf("invalid scope: %s", scope)
		}
	}
	return nil
}

// HasScope checks if the granted scopes satisfy required.
func HasScope(granted []string, required Scope) bool {
	req := string(required)
	for _, scope := range granted {
		if scope == req || scope == string(ScopeWildcard) {
			return true
		}
		switch Scope(scope) {
		case ScopeAdmin:
			if required == ScopeRead || required == ScopeWrite || required == ScopeDelete {
				return true
			}
		case ScopePlatformAdmin:
			if required == ScopeAgencyAdmin {
				return true
			}
		}
	}
	return false
}

// HasAnyScope checks if at least one required scope is granted
func HasAnyScope(granted []string, required []Scope) bool {
	for _, r := range required {
		if HasScope(granted, r) {
			return true
		}
	}
	return false
}

// HasAllScopes checks if every required scope is granted
func HasAllScopes(granted []string, required []Scope) bool {
	for _, r := range required {
		if !HasScope(granted, r) {
			return false
		}
	}
	return true
}

// HasAllScopeStrings is HasAllScopes for scopes read from storage
func HasAllScopeStrings(granted, required []string) bool {
	for _, r := range required {
		if !HasScope(granted, Scope(r)) {
			return false
		}
	}
	return true
}

// IsSubset reports whether every requested scope was granted verbatim.
// Used for OAuth where requested scopes must be a subset of the client's.
func IsSubset(requested, allowed []string) bool {
	set := make(map[string]bool, len(allowed))
	for _, s := range allowed {
		set[s] = true
	}
	for _, s := range requested {
		if !set[s] {
			return false
		}
	}
	return true
}

// GetDefaultScopes returns default scopes for a new API key
func GetDefaultScopes() []string {
	return []string{string(ScopeRead)}
}
