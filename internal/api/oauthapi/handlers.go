// Package oauthapi implements the public OAuth 2.0 endpoints third-party
// integrations use to obtain module-scoped access tokens: the authorization
// endpoint, the token endpoint and refresh token revocation.
package oauthapi

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agencyos/module-platform/internal/apperr"
	"github.com/agencyos/module-platform/internal/middleware"
	"github.com/agencyos/module-platform/internal/oauth"
)

const (
	grantAuthorizationCode = "authorization_code"
	grantRefreshToken      = "refresh_token"
	responseTypeCode       = "code"
)

// TokenService is the OAuth flow surface. *oauth.Service satisfies it.
type TokenService interface {
	GenerateAuthCode(ctx context.Context, req oauth.AuthorizeRequest) (string, error)
	ExchangeCode(ctx context.Context, req oauth.ExchangeRequest) (*oauth.TokenResponse, error)
	RefreshToken(ctx context.Context, refreshToken, clientID, clientSecret string) (*oauth.TokenResponse, error)
	RevokeRefreshToken(ctx context.Context, refreshToken string) error
}

// Handlers serves /oauth/*
type Handlers struct {
	svc TokenService
}

// NewHandlers creates a new Handlers instance
func NewHandlers(svc TokenService) *Handlers {
	return &Handlers{svc: svc}
}

func respondError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	if code == "" {
		code = apperr.CodeHandlerFailed
	}
	status := apperr.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		slog.Error("oauth request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{
		"error": apperr.PublicMessage(err),
		"code":  code,
	})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error": msg,
		"code":  apperr.CodeValidationFailed,
	})
}

// @Summary      Authorize an integration
// @Description  Issues a single-use authorization code for the signed-in user and redirects to redirect_uri with code and state. Errors before the redirect URI is validated are returned as JSON.
// @Tags         OAuth
// @Security     Bearer
// @Param        response_type          query  string  true   "Must be code"
// @Param        client_id              query  string  true   "Client ID"
// @Param        redirect_uri           query  string  true   "Registered redirect URI"
// @Param        scope                  query  string  false  "Space separated scopes"
// @Param        state                  query  string  false  "Opaque value echoed back"
// @Param        code_challenge         query  string  false  "PKCE challenge"
// @Param        code_challenge_method  query  string  false  "S256 or plain"
// @Success      302
// @Failure      400  {object}  map[string]interface{}
// @Router       /oauth/authorize [get]
// AuthorizeHandler approves an authorization request for the current user
func (h *Handlers) AuthorizeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rt := c.Query("response_type"); rt != responseTypeCode {
			badRequest(c, "response_type must be code")
			return
		}
		clientID := c.Query("client_id")
		redirectURI := c.Query("redirect_uri")
		if clientID == "" || redirectURI == "" {
			badRequest(c, "client_id and redirect_uri are required")
			return
		}

		code, err := h.svc.GenerateAuthCode(c.Request.Context(), oauth.AuthorizeRequest{
			ClientID:            clientID,
			UserID:              middleware.UserID(c),
			RedirectURI:         redirectURI,
			Scopes:              strings.Fields(c.Query("scope")),
			CodeChallenge:       c.Query("code_challenge"),
			CodeChallengeMethod: c.Query("code_challenge_method"),
		})
		if err != nil {
			respondError(c, err)
			return
		}

		target, err := url.Parse(redirectURI)
		if err != nil {
			badRequest(c, "invalid redirect_uri")
			return
		}
		q := target.Query()
		q.Set("code", code)
		if state := c.Query("state"); state != "" {
			q.Set("state", state)
		}
		target.RawQuery = q.Encode()
		c.Redirect(http.StatusFound, target.String())
	}
}

// TokenRequest is the token endpoint body, form encoded or JSON.
type TokenRequest struct {
	GrantType    string `form:"grant_type" json:"grant_type"`
	Code         string `form:"code" json:"code"`
	RedirectURI  string `form:"redirect_uri" json:"redirect_uri"`
	CodeVerifier string `form:"code_verifier" json:"code_verifier"`
	RefreshToken string `form:"refresh_token" json:"refresh_token"`
	ClientID     string `form:"client_id" json:"client_id"`
	ClientSecret string `form:"client_secret" json:"client_secret"`
}

// clientCredentials prefers HTTP Basic authentication over body parameters.
func (r *TokenRequest) clientCredentials(req *http.Request) (string, string) {
	if id, secret, ok := req.BasicAuth(); ok {
		return id, secret
	}
	return r.ClientID, r.ClientSecret
}

// @Summary      Token endpoint
// @Description  Exchanges an authorization code or rotates a refresh token. Accepts form or JSON bodies and HTTP Basic client authentication.
// @Tags         OAuth
// @Accept       x-www-form-urlencoded
// @Accept       json
// @Produce      json
// @Success      200  {object}  oauth.TokenResponse
// @Failure      400  {object}  map[string]interface{}
// @Failure      401  {object}  map[string]interface{}
// @Router       /oauth/token [post]
// TokenHandler issues tokens
func (h *Handlers) TokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TokenRequest
		if err := c.ShouldBind(&req); err != nil {
			badRequest(c, "Invalid request body: "+err.Error())
			return
		}
		clientID, clientSecret := req.clientCredentials(c.Request)
		if clientID == "" || clientSecret == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "client authentication is required",
				"code":  apperr.CodeUnauthenticated,
			})
			return
		}

		var (
			resp *oauth.TokenResponse
			err  error
		)
		switch req.GrantType {
		case grantAuthorizationCode:
			resp, err = h.svc.ExchangeCode(c.Request.Context(), oauth.ExchangeRequest{
				Code:         req.Code,
				ClientID:     clientID,
				ClientSecret: clientSecret,
				RedirectURI:  req.RedirectURI,
				CodeVerifier: req.CodeVerifier,
			})
		case grantRefreshToken:
			resp, err = h.svc.RefreshToken(c.Request.Context(), req.RefreshToken, clientID, clientSecret)
		default:
			badRequest(c, "unsupported grant_type")
			return
		}
		if err != nil {
			respondError(c, err)
			return
		}

		c.Header("Cache-Control", "no-store")
		c.Header("Pragma", "no-cache")
		c.JSON(http.StatusOK, resp)
	}
}

// RevokeRequest names the refresh token to revoke
type RevokeRequest struct {
	Token string `form:"token" json:"token"`
}

// @Summary      Revoke a refresh token
// @Description  Unknown tokens are not an error.
// @Tags         OAuth
// @Accept       x-www-form-urlencoded
// @Accept       json
// @Success      200
// @Failure      400  {object}  map[string]interface{}
// @Router       /oauth/revoke [post]
// RevokeHandler revokes a refresh token
func (h *Handlers) RevokeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RevokeRequest
		if err := c.ShouldBind(&req); err != nil {
			badRequest(c, "Invalid request body: "+err.Error())
			return
		}
		if err := h.svc.RevokeRefreshToken(c.Request.Context(), req.Token); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusOK)
	}
}
