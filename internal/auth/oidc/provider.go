// Package oidc verifies ID tokens issued by an upstream OpenID Connect
// provider. The gateway accepts such tokens as platform-user bearer tokens
// when auth.oidc is enabled; the platform never runs the login flow itself.
package oidc

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/agencyos/module-platform/internal/config"
)

// Identity is the subset of ID token claims the gateway uses.
type Identity struct {
	Subject string
	Email   string
	Name    string
	Groups  []string
}

// Verifier validates ID tokens against the issuer's published keys.
type Verifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewVerifier performs OIDC discovery against cfg.IssuerURL and returns a
// verifier bound to cfg.ClientID. The context bounds the discovery request.
func NewVerifier(ctx context.Context, cfg *config.OIDCConfig) (*Verifier, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("OIDC is not enabled")
	}
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("OIDC issuer URL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("OIDC client ID is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	return &Verifier{
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
	}, nil
}

// newStaticVerifier builds a verifier from a fixed key set, skipping discovery.
func newStaticVerifier(issuer, clientID string, keys oidc.KeySet) *Verifier {
	return &Verifier{
		verifier: oidc.NewVerifier(issuer, keys, &oidc.Config{ClientID: clientID}),
	}
}

// Verify checks signature, issuer, audience and expiry of rawIDToken and
// returns the caller's identity. A token without an email is rejected.
func (v *Verifier) Verify(ctx context.Context, rawIDToken string) (*Identity, error) {
	idToken, err := v.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var claims struct {
		Sub    string      `json:"sub"`
		Email  string      `json:"email"`
		Name   string      `json:"name"`
		Groups interface{} `json:"groups"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse ID token claims: %w", err)
	}
	if claims.Sub == "" {
		return nil, fmt.Errorf("ID token missing 'sub' claim")
	}
	if claims.Email == "" {
		return nil, fmt.Errorf("ID token missing 'email' claim")
	}
	if claims.Name == "" {
		claims.Name = claims.Email
	}

	return &Identity{
		Subject: claims.Sub,
		Email:   claims.Email,
		Name:    claims.Name,
		Groups:  stringList(claims.Groups),
	}, nil
}

// stringList accepts a claim encoded either as a JSON array of strings or as
// a single string, dropping empty values.
func stringList(val interface{}) []string {
	switch v := val.(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}
