package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agencyos/module-platform/internal/auth"
	"github.com/agencyos/module-platform/internal/auth/oidc"
	"github.com/agencyos/module-platform/internal/db/models"
)

type stubVerifier struct {
	ident *oidc.Identity
}

func (s stubVerifier) Verify(_ context.Context, raw string) (*oidc.Identity, error) {
	if raw != "id-token" || s.ident == nil {
		return nil, errors.New("failed to verify ID token")
	}
	return s.ident, nil
}

func whoami(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"user":   UserID(c),
		"scopes": Scopes(c),
		"method": c.GetString(AuthMethodKey),
		"agency": c.GetString(AgencyIDKey),
	})
}

func serve(r *gin.Engine, method, target, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// AuthMiddleware
// ---------------------------------------------------------------------------

func TestAuthMiddleware_JWT(t *testing.T) {
	r := gin.New()
	r.GET("/me", AuthMiddleware(nil), whoami)

	token, err := auth.GenerateJWT("user-1", "a@example.com", []string{"platform:admin"}, time.Hour)
	require.NoError(t, err)

	w := serve(r, "GET", "/me", token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user":"user-1","scopes":["platform:admin"],"method":"jwt","agency":""}`, w.Body.String())
}

func TestAuthMiddleware_Rejections(t *testing.T) {
	r := gin.New()
	r.GET("/me", AuthMiddleware(stubVerifier{}), whoami)

	expired, err := auth.GenerateJWT("user-1", "", nil, -time.Minute)
	require.NoError(t, err)

	tests := map[string]struct {
		header string
		code   string
	}{
		"missing header": {"", "UNAUTHENTICATED"},
		"basic scheme":   {"Basic dXNlcjpwYXNz", "UNAUTHENTICATED"},
		"garbage token":  {"Bearer nope", "TOKEN_INVALID"},
		"expired token":  {"Bearer " + expired, "TOKEN_INVALID"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), tt.code)
		})
	}
}

func TestAuthMiddleware_OIDCGroupsBecomeScopes(t *testing.T) {
	v := stubVerifier{ident: &oidc.Identity{
		Subject: "okta|42",
		Email:   "ops@example.com",
		Groups:  []string{"agency:admin", "engineering", "*"},
	}}
	r := gin.New()
	r.GET("/me", AuthMiddleware(v), whoami)

	w := serve(r, "GET", "/me", "id-token")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user":"okta|42","scopes":["agency:admin"],"method":"oidc","agency":""}`, w.Body.String())
}

// ---------------------------------------------------------------------------
// RBAC
// ---------------------------------------------------------------------------

func withScopes(agency string, scopes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ScopesKey, scopes)
		c.Set(AgencyIDKey, agency)
		c.Next()
	}
}

func ok(c *gin.Context) { c.Status(http.StatusOK) }

func TestRequireScope(t *testing.T) {
	tests := []struct {
		name   string
		scopes []string
		want   int
	}{
		{"exact", []string{"platform:admin"}, http.StatusOK},
		{"wildcard", []string{"*"}, http.StatusOK},
		{"agency admin is not platform admin", []string{"agency:admin"}, http.StatusForbidden},
		{"none", nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/", withScopes("", tt.scopes...), RequireScope(auth.ScopePlatformAdmin), ok)
			assert.Equal(t, tt.want, serve(r, "GET", "/", "").Code)
		})
	}

	r := gin.New()
	r.GET("/", withScopes("", "agency:admin"), RequireAnyScope(auth.ScopePlatformAdmin, auth.ScopeAgencyAdmin), ok)
	assert.Equal(t, http.StatusOK, serve(r, "GET", "/", "").Code)
}

type stubSites map[string]*models.Site

func (s stubSites) GetSite(_ context.Context, id string) (*models.Site, error) {
	if id == "broken" {
		return nil, errors.New("db down")
	}
	return s[id], nil
}

func TestRequireSiteAccess(t *testing.T) {
	sites := stubSites{"site-1": {ID: "site-1", AgencyID: "agency-1"}}

	tests := []struct {
		name   string
		agency string
		scopes []string
		site   string
		want   int
	}{
		{"platform admin any site", "", []string{"platform:admin"}, "site-1", http.StatusOK},
		{"own agency", "agency-1", []string{"agency:admin"}, "site-1", http.StatusOK},
		{"other agency", "agency-2", []string{"agency:admin"}, "site-1", http.StatusForbidden},
		{"no agency claim", "", []string{"agency:admin"}, "site-1", http.StatusForbidden},
		{"no admin scope", "agency-1", []string{"read"}, "site-1", http.StatusForbidden},
		{"unknown site", "agency-1", []string{"agency:admin"}, "site-9", http.StatusNotFound},
		{"store error", "agency-1", []string{"agency:admin"}, "broken", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.POST("/sites/:siteId/x", withScopes(tt.agency, tt.scopes...), RequireSiteAccess(sites), ok)
			assert.Equal(t, tt.want, serve(r, "POST", "/sites/"+tt.site+"/x", "").Code)
		})
	}
}
