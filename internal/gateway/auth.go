package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agencyos/module-platform/internal/apperr"
	"github.com/agencyos/module-platform/internal/auth"
	"github.com/agencyos/module-platform/internal/db/models"
)

// Auth types recorded on the request log.
const (
	authAPIKey    = "api_key"
	authOAuth     = "oauth"
	authJWT       = "jwt"
	authOIDC      = "oidc"
	authAnonymous = "anonymous"
)

// Identity is the authenticated caller of a gateway request.
type Identity struct {
	AuthType string   `json:"auth_type"`
	UserID   string   `json:"user_id,omitempty"`
	Email    string   `json:"email,omitempty"`
	APIKeyID string   `json:"api_key_id,omitempty"`
	ClientID string   `json:"client_id,omitempty"`
	SiteID   string   `json:"site_id,omitempty"`
	AgencyID string   `json:"agency_id,omitempty"`
	Scopes   []string `json:"scopes"`
	// PlatformAdmin lets a platform user address sites of any agency.
	PlatformAdmin bool `json:"-"`
	// Key is the rate limit bucket of this caller.
	Key string `json:"-"`
}

// Subject returns the identifier written to the request log.
func (i *Identity) Subject() string {
	switch {
	case i.APIKeyID != "":
		return i.APIKeyID
	case i.UserID != "":
		return i.UserID
	case i.ClientID != "":
		return i.ClientID
	default:
		return ""
	}
}

// requestedSite returns the site a platform user addressed.
func requestedSite(c *gin.Context) string {
	if s := c.Query("site_id"); s != "" {
		return s
	}
	return c.GetHeader(HeaderSiteID)
}

// authenticate resolves the caller: API key, then bearer token, then
// anonymous read-only access to an explicit site.
func (g *Gateway) authenticate(c *gin.Context, module *models.Module) (*Identity, error) {
	if key := c.GetHeader(HeaderAPIKey); key != "" {
		return g.authenticateAPIKey(c, module, key)
	}

	if header := c.GetHeader("Authorization"); header != "" {
		token, err := auth.ExtractBearerToken(header)
		if err != nil {
			return nil, apperr.New(apperr.CodeUnauthenticated, "invalid authorization header")
		}
		return g.authenticateBearer(c, module, token)
	}

	siteID := c.Query("site_id")
	if siteID == "" {
		return nil, apperr.New(apperr.CodeUnauthenticated, "authentication required")
	}
	return &Identity{
		AuthType: authAnonymous,
		SiteID:   siteID,
		Scopes:   []string{string(auth.ScopeRead)},
		Key:      "anon:" + siteID + ":" + c.ClientIP(),
	}, nil
}

func (g *Gateway) authenticateAPIKey(c *gin.Context, module *models.Module, key string) (*Identity, error) {
	ctx := c.Request.Context()
	stored, err := g.deps.APIKeys.GetAPIKeyByHash(ctx, auth.HashAPIKey(key))
	if err != nil {
		return nil, apperr.Query("select", "module_api_keys", err)
	}
	if stored == nil || stored.ModuleID != module.ID {
		return nil, apperr.New(apperr.CodeUnauthenticated, "invalid API key")
	}
	if !stored.IsUsable(g.now()) {
		return nil, apperr.New(apperr.CodeUnauthenticated, "API key is inactive or expired")
	}

	id := stored.ID
	g.async(func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestLogTimeout)
		defer cancel()
		if err := g.deps.APIKeys.UpdateLastUsed(ctx, id); err != nil {
			slog.Warn("failed to update API key last_used_at", "api_key_id", id, "error", err)
		}
	})

	return &Identity{
		AuthType: authAPIKey,
		APIKeyID: stored.ID,
		SiteID:   stored.SiteID,
		Scopes:   stored.Scopes,
		Key:      "key:" + stored.ID,
	}, nil
}

// authenticateBearer tries the module's OAuth access tokens, then platform
// session JWTs, then upstream OIDC ID tokens.
func (g *Gateway) authenticateBearer(c *gin.Context, module *models.Module, token string) (*Identity, error) {
	site := requestedSite(c)

	if g.deps.Tokens != nil {
		claims, err := g.deps.Tokens.ValidateAccessToken(token, module.ID, site)
		if err == nil {
			return &Identity{
				AuthType: authOAuth,
				UserID:   claims.Subject,
				ClientID: claims.ClientID,
				SiteID:   claims.SiteID,
				Scopes:   claims.Scopes(),
				Key:      "oauth:" + claims.ClientID + ":" + claims.Subject,
			}, nil
		}
		if apperr.Is(err, apperr.CodeTokenExpired) {
			return nil, err
		}
	}

	if claims, err := auth.ValidateJWT(token); err == nil {
		return &Identity{
			AuthType:      authJWT,
			UserID:        claims.UserID,
			Email:         claims.Email,
			AgencyID:      claims.AgencyID,
			SiteID:        site,
			Scopes:        []string{string(auth.ScopeWildcard)},
			PlatformAdmin: auth.HasScope(claims.Scopes, auth.ScopePlatformAdmin),
			Key:           "user:" + claims.UserID,
		}, nil
	}

	if g.deps.OIDC != nil {
		if ident, err := g.deps.OIDC.Verify(c.Request.Context(), token); err == nil {
			return &Identity{
				AuthType:      authOIDC,
				UserID:        ident.Subject,
				Email:         ident.Email,
				SiteID:        site,
				Scopes:        []string{string(auth.ScopeRead), string(auth.ScopeWrite)},
				PlatformAdmin: hasGroup(ident.Groups, auth.ScopePlatformAdmin),
				Key:           "oidc:" + ident.Subject,
			}, nil
		}
	}

	return nil, apperr.New(apperr.CodeTokenInvalid, "invalid or expired token")
}

func hasGroup(groups []string, scope auth.Scope) bool {
	for _, g := range groups {
		if g == string(scope) {
			return true
		}
	}
	return false
}

// authorizeSite keeps platform users inside their own agency. API keys and
// OAuth tokens are bound to one site when issued, and anonymous callers are
// read-only, so only JWT and OIDC callers are checked. OIDC users carry no
// agency and reach a site only as platform admins.
func authorizeSite(id *Identity, site *models.Site) error {
	if id.AuthType != authJWT && id.AuthType != authOIDC {
		return nil
	}
	if id.PlatformAdmin {
		return nil
	}
	if id.AgencyID == "" || id.AgencyID != site.AgencyID {
		return apperr.New(apperr.CodeAccessDenied, "site belongs to another agency")
	}
	return nil
}

// authorize checks the route's required scopes. Anonymous callers are limited
// to safe methods whatever the route declares.
func authorize(id *Identity, method string, route *models.RegisteredRoute) error {
	if id.AuthType == authAnonymous && method != http.MethodGet && method != http.MethodHead {
		return apperr.New(apperr.CodeAccessDenied, "anonymous access is read-only")
	}
	if !auth.HasAllScopeStrings(id.Scopes, route.RequiredScopes) {
		return apperr.New(apperr.CodeAccessDenied, "insufficient scope, route requires %s", strings.Join(route.RequiredScopes, " "))
	}
	return nil
}
