// Package middleware provides the gin middleware of the admin and OAuth
// surfaces. The module gateway authenticates on its own and only shares the
// outer request ID, metrics and security header layers.
//
// Ordering, enforced in api/router.go:
//
//	RequestID → Logger → Metrics → Security → RateLimit → Auth → RBAC → Audit → Handler
package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agencyos/module-platform/internal/auth"
	"github.com/agencyos/module-platform/internal/auth/oidc"
)

// Context keys set by AuthMiddleware.
const (
	UserIDKey     = "user_id"
	EmailKey      = "email"
	AgencyIDKey   = "agency_id"
	ScopesKey     = "scopes"
	AuthMethodKey = "auth_method"
)

// IDTokenVerifier verifies upstream OIDC ID tokens. *oidc.Verifier satisfies it.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.Identity, error)
}

// AuthMiddleware requires a platform session JWT, or an upstream OIDC ID
// token when verifier is non-nil. OIDC callers get the platform scopes named
// by their groups claim and nothing else.
func AuthMiddleware(verifier IDTokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.ExtractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
				"code":  "UNAUTHENTICATED",
			})
			return
		}

		if claims, err := auth.ValidateJWT(token); err == nil {
			c.Set(UserIDKey, claims.UserID)
			c.Set(EmailKey, claims.Email)
			c.Set(AgencyIDKey, claims.AgencyID)
			c.Set(ScopesKey, claims.Scopes)
			c.Set(AuthMethodKey, "jwt")
			c.Next()
			return
		}

		if verifier != nil {
			if ident, err := verifier.Verify(c.Request.Context(), token); err == nil {
				c.Set(UserIDKey, ident.Subject)
				c.Set(EmailKey, ident.Email)
				c.Set(ScopesKey, scopesFromGroups(ident.Groups))
				c.Set(AuthMethodKey, "oidc")
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "Invalid credentials",
			"code":  "TOKEN_INVALID",
		})
	}
}

// scopesFromGroups keeps the groups that name a platform scope. The
// wildcard is never granted from an upstream claim.
func scopesFromGroups(groups []string) []string {
	out := []string{}
	for _, g := range groups {
		if g != string(auth.ScopeWildcard) && auth.ValidateScopes([]string{g}) == nil {
			out = append(out, g)
		}
	}
	return out
}

// UserID returns the authenticated user's id, or "".
func UserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

// Scopes returns the authenticated caller's scopes.
func Scopes(c *gin.Context) []string {
	return c.GetStringSlice(ScopesKey)
}
