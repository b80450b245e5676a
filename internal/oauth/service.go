// Package oauth implements the OAuth 2.0 authorization server that lets
// third-party integrations access a single module's data on a single site.
//
// The flow is authorization code with optional PKCE. Codes are single-use
// and bound to the exact redirect URI; refresh tokens rotate on every use and
// share a family id so presenting a rotated token revokes the whole chain.
// Client secrets, codes and refresh tokens are only ever stored as hashes.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/agencyos/module-platform/internal/apperr"
	"github.com/agencyos/module-platform/internal/auth"
	"github.com/agencyos/module-platform/internal/config"
	"github.com/agencyos/module-platform/internal/db/models"
	"github.com/agencyos/module-platform/internal/telemetry"
)

const (
	// AccessTokenType is the "type" claim of every access token.
	AccessTokenType = "access"

	// TokenTypeBearer is returned as token_type in token responses.
	TokenTypeBearer = "Bearer"

	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"

	defaultAccessTokenTTL  = time.Hour
	defaultRefreshTokenTTL = 30 * 24 * time.Hour
	defaultCodeTTL         = 10 * time.Minute
	defaultRevokedRetain   = 24 * time.Hour
	defaultIssuer          = "module-platform-oauth"

	clientIDBytes     = 16
	clientSecretBytes = 32
	opaqueTokenBytes  = 32
)

// Store is the persistence the service needs. *repositories.OAuthRepository
// satisfies it.
type Store interface {
	CreateClient(ctx context.Context, c *models.OAuthClient) error
	GetClientByClientID(ctx context.Context, clientID string) (*models.OAuthClient, error)
	ListClients(ctx context.Context, siteID, moduleID string) ([]*models.OAuthClient, error)
	UpdateClientSecret(ctx context.Context, clientID, secretHash string) (bool, error)
	DeactivateClient(ctx context.Context, clientID string) (bool, error)
	CreateAuthorizationCode(ctx context.Context, code *models.AuthorizationCode) error
	ConsumeAuthorizationCode(ctx context.Context, codeHash, clientID, redirectURI string) (*models.AuthorizationCode, error)
	CreateRefreshToken(ctx context.Context, t *models.RefreshToken) error
	RotateRefreshToken(ctx context.Context, tokenHash, clientID string, next func(old *models.RefreshToken) (*models.RefreshToken, error)) (*models.RefreshToken, *models.RefreshToken, error)
	GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error)
	RevokeFamily(ctx context.Context, familyID string) (int64, error)
	RevokeRefreshToken(ctx context.Context, tokenHash string) (bool, error)
	DeleteExpired(ctx context.Context, cutoff, revokedBefore time.Time) (codes, tokens int64, err error)
}

// AccessClaims are the claims of an access token.
type AccessClaims struct {
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	SiteID   string `json:"site_id"`
	ModuleID string `json:"module_id"`
	Type     string `json:"type"`
	jwt.RegisteredClaims
}

// Scopes splits the space-delimited scope claim.
func (c *AccessClaims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// TokenResponse is the RFC 6749 token endpoint response body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`
}

// CreateClientInput describes a new integration.
type CreateClientInput struct {
	SiteID       string
	ModuleID     string
	Name         string
	RedirectURIs []string
	Scopes       []string
	CreatedBy    *string
}

// ClientCredentials is returned once, at creation or secret regeneration.
type ClientCredentials struct {
	Client       *models.OAuthClient `json:"client"`
	ClientSecret string              `json:"client_secret"`
}

// AuthorizeRequest carries the parameters of an approved authorization.
type AuthorizeRequest struct {
	ClientID            string
	UserID              string
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ExchangeRequest carries the authorization_code grant parameters.
type ExchangeRequest struct {
	Code         string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	CodeVerifier string
}

// Service issues and validates OAuth artifacts.
type Service struct {
	store         Store
	secret        []byte
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	codeTTL       time.Duration
	revokedRetain time.Duration
	devMode       bool
	now           func() time.Time
}

// NewService creates a Service. Zero TTLs fall back to 1h access tokens, 30d
// refresh tokens and 10m codes. secret signs access tokens (HS256).
func NewService(store Store, cfg *config.OAuthConfig, secret []byte, devMode bool) *Service {
	s := &Service{
		store:         store,
		secret:        secret,
		issuer:        defaultIssuer,
		accessTTL:     defaultAccessTokenTTL,
		refreshTTL:    defaultRefreshTokenTTL,
		codeTTL:       defaultCodeTTL,
		revokedRetain: defaultRevokedRetain,
		devMode:       devMode,
		now:           time.Now,
	}
	if cfg != nil {
		if cfg.Issuer != "" {
			s.issuer = cfg.Issuer
		}
		if cfg.AccessTokenTTL > 0 {
			s.accessTTL = cfg.AccessTokenTTL
		}
		if cfg.RefreshTokenTTL > 0 {
			s.refreshTTL = cfg.RefreshTokenTTL
		}
		if cfg.CodeTTL > 0 {
			s.codeTTL = cfg.CodeTTL
		}
		if cfg.RevokedTokenRetention > 0 {
			s.revokedRetain = cfg.RevokedTokenRetention
		}
	}
	return s
}

// ---------------------------------------------------------------------------
// Clients
// ---------------------------------------------------------------------------

// CreateClient registers an integration and returns its secret in clear text.
// Redirect URIs must be https (http://localhost is accepted in dev mode) and
// scopes must come from the OAuth vocabulary.
func (s *Service) CreateClient(ctx context.Context, in CreateClientInput) (*ClientCredentials, error) {
	if in.SiteID == "" || in.ModuleID == "" {
		return nil, apperr.New(apperr.CodeValidationFailed, "site_id and module_id are required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, apperr.New(apperr.CodeValidationFailed, "name is required")
	}
	if len(in.RedirectURIs) == 0 {
		return nil, apperr.New(apperr.CodeValidationFailed, "at least one redirect URI is required")
	}
	for _, u := range in.RedirectURIs {
		if err := s.validateRedirectURI(u); err != nil {
			return nil, err
		}
	}
	if len(in.Scopes) == 0 {
		return nil, apperr.New(apperr.CodeValidationFailed, "at least one scope is required")
	}
	if err := auth.ValidateOAuthScopes(in.Scopes); err != nil {
		return nil, apperr.New(apperr.CodeValidationFailed, "%v", err)
	}

	clientID, err := randomToken(clientIDBytes)
	if err != nil {
		return nil, err
	}
	secret, secretHash, err := newClientSecret()
	if err != nil {
		return nil, err
	}

	client := &models.OAuthClient{
		SiteID:           in.SiteID,
		ModuleID:         in.ModuleID,
		Name:             in.Name,
		ClientID:         "mpc_" + clientID,
		ClientSecretHash: secretHash,
		RedirectURIs:     in.RedirectURIs,
		Scopes:           in.Scopes,
		IsActive:         true,
		CreatedBy:        in.CreatedBy,
	}
	if err := s.store.CreateClient(ctx, client); err != nil {
		return nil, apperr.Query("insert", "oauth_clients", err)
	}

	slog.Info("oauth client created", "client_id", client.ClientID, "site_id", in.SiteID, "module_id", in.ModuleID)
	return &ClientCredentials{Client: client, ClientSecret: secret}, nil
}

// RegenerateSecret replaces a client's secret and returns the new one.
// Existing tokens stay valid.
func (s *Service) RegenerateSecret(ctx context.Context, clientID string) (*ClientCredentials, error) {
	client, err := s.getClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	secret, secretHash, err := newClientSecret()
	if err != nil {
		return nil, err
	}
	ok, err := s.store.UpdateClientSecret(ctx, clientID, secretHash)
	if err != nil {
		return nil, apperr.Query("update", "oauth_clients", err)
	}
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "oauth client not found")
	}
	client.ClientSecretHash = secretHash
	return &ClientCredentials{Client: client, ClientSecret: secret}, nil
}

// RevokeClient deactivates a client and revokes its refresh tokens.
func (s *Service) RevokeClient(ctx context.Context, clientID string) error {
	ok, err := s.store.DeactivateClient(ctx, clientID)
	if err != nil {
		return apperr.Query("update", "oauth_clients", err)
	}
	if !ok {
		return apperr.New(apperr.CodeNotFound, "oauth client not found")
	}
	slog.Info("oauth client revoked", "client_id", clientID)
	return nil
}

// ListClients lists a site's clients, optionally for one module.
func (s *Service) ListClients(ctx context.Context, siteID, moduleID string) ([]*models.OAuthClient, error) {
	if siteID == "" {
		return nil, apperr.New(apperr.CodeValidationFailed, "site_id is required")
	}
	clients, err := s.store.ListClients(ctx, siteID, moduleID)
	if err != nil {
		return nil, apperr.Query("select", "oauth_clients", err)
	}
	return clients, nil
}

// GetClient returns an active or inactive client by client_id.
func (s *Service) GetClient(ctx context.Context, clientID string) (*models.OAuthClient, error) {
	return s.getClient(ctx, clientID)
}

func (s *Service) getClient(ctx context.Context, clientID string) (*models.OAuthClient, error) {
	if clientID == "" {
		return nil, apperr.New(apperr.CodeValidationFailed, "client_id is required")
	}
	client, err := s.store.GetClientByClientID(ctx, clientID)
	if err != nil {
		return nil, apperr.Query("select", "oauth_clients", err)
	}
	if client == nil {
		return nil, apperr.New(apperr.CodeNotFound, "oauth client not found")
	}
	return client, nil
}

// authenticateClient checks the client is active and the secret matches.
func (s *Service) authenticateClient(ctx context.Context, clientID, secret string) (*models.OAuthClient, error) {
	client, err := s.store.GetClientByClientID(ctx, clientID)
	if err != nil {
		return nil, apperr.Query("select", "oauth_clients", err)
	}
	if client == nil || !client.IsActive {
		return nil, apperr.New(apperr.CodeUnauthenticated, "invalid client")
	}
	if bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)) != nil {
		return nil, apperr.New(apperr.CodeUnauthenticated, "invalid client")
	}
	return client, nil
}

func (s *Service) validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return apperr.New(apperr.CodeValidationFailed, "invalid redirect URI: %s", raw)
	}
	if u.Fragment != "" {
		return apperr.New(apperr.CodeValidationFailed, "redirect URI must not contain a fragment: %s", raw)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		host := u.Hostname()
		if s.devMode && (host == "localhost" || host == "127.0.0.1") {
			return nil
		}
	}
	return apperr.New(apperr.CodeValidationFailed, "redirect URI must use https: %s", raw)
}

// ---------------------------------------------------------------------------
// Authorization codes
// ---------------------------------------------------------------------------

// GenerateAuthCode issues a single-use code for an approved authorization.
// The redirect URI must be registered verbatim and the requested scopes must
// be a subset of the client's. Empty scopes request all client scopes.
func (s *Service) GenerateAuthCode(ctx context.Context, req AuthorizeRequest) (string, error) {
	if req.UserID == "" {
		return "", apperr.New(apperr.CodeUnauthenticated, "user is required")
	}
	client, err := s.store.GetClientByClientID(ctx, req.ClientID)
	if err != nil {
		return "", apperr.Query("select", "oauth_clients", err)
	}
	if client == nil || !client.IsActive {
		return "", apperr.New(apperr.CodeNotFound, "oauth client not found")
	}
	if !containsString(client.RedirectURIs, req.RedirectURI) {
		return "", apperr.New(apperr.CodeValidationFailed, "redirect_uri is not registered for this client")
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = client.Scopes
	}
	if !auth.IsSubset(scopes, client.Scopes) {
		return "", apperr.New(apperr.CodeAccessDenied, "requested scope exceeds the client's scopes")
	}

	code := &models.AuthorizationCode{
		ClientID:    client.ClientID,
		UserID:      req.UserID,
		RedirectURI: req.RedirectURI,
		Scopes:      scopes,
		ExpiresAt:   s.now().Add(s.codeTTL),
	}
	if req.CodeChallenge != "" {
		method := req.CodeChallengeMethod
		if method == "" {
			method = PKCEMethodPlain
		}
		if method != PKCEMethodS256 && method != PKCEMethodPlain {
			return "", apperr.New(apperr.CodeValidationFailed, "unsupported code_challenge_method: %s", method)
		}
		challenge := req.CodeChallenge
		code.CodeChallenge = &challenge
		code.CodeChallengeMethod = &method
	}

	raw, err := randomToken(opaqueTokenBytes)
	if err != nil {
		return "", err
	}
	code.CodeHash = hashToken(raw)
	if err := s.store.CreateAuthorizationCode(ctx, code); err != nil {
		return "", apperr.Query("insert", "oauth_authorization_codes", err)
	}
	return raw, nil
}

// ExchangeCode redeems an authorization code for a token pair. The code is
// consumed atomically; a second redemption finds nothing and fails.
func (s *Service) ExchangeCode(ctx context.Context, req ExchangeRequest) (*TokenResponse, error) {
	if req.Code == "" || req.RedirectURI == "" {
		return nil, apperr.New(apperr.CodeValidationFailed, "code and redirect_uri are required")
	}
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	code, err := s.store.ConsumeAuthorizationCode(ctx, hashToken(req.Code), client.ClientID, req.RedirectURI)
	if err != nil {
		return nil, apperr.Query("update", "oauth_authorization_codes", err)
	}
	if code == nil {
		return nil, apperr.New(apperr.CodeTokenInvalid, "authorization code is invalid, expired or already used")
	}
	if err := verifyPKCE(code, req.CodeVerifier); err != nil {
		return nil, err
	}

	resp, err := s.issueTokens(ctx, client, code.UserID, code.Scopes)
	if err != nil {
		return nil, err
	}
	telemetry.OAuthTokensIssuedTotal.WithLabelValues("authorization_code").Inc()
	return resp, nil
}

func verifyPKCE(code *models.AuthorizationCode, verifier string) error {
	if code.CodeChallenge == nil || *code.CodeChallenge == "" {
		return nil
	}
	if verifier == "" {
		return apperr.New(apperr.CodeTokenInvalid, "code_verifier is required")
	}
	method := PKCEMethodPlain
	if code.CodeChallengeMethod != nil {
		method = *code.CodeChallengeMethod
	}

	var computed string
	switch method {
	case PKCEMethodS256:
		computed = oauth2.S256ChallengeFromVerifier(verifier)
	case PKCEMethodPlain:
		computed = verifier
	default:
		return apperr.New(apperr.CodeTokenInvalid, "unsupported code_challenge_method")
	}
	if subtle.ConstantTimeCompare([]byte(computed), []byte(*code.CodeChallenge)) != 1 {
		return apperr.New(apperr.CodeTokenInvalid, "code_verifier does not match code_challenge")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Tokens
// ---------------------------------------------------------------------------

// RefreshToken rotates a refresh token. Presenting a token that was already
// rotated or revoked revokes every token in its family. The new token keeps
// only the scopes the client still holds.
func (s *Service) RefreshToken(ctx context.Context, refreshToken, clientID, clientSecret string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, apperr.New(apperr.CodeValidationFailed, "refresh_token is required")
	}
	client, err := s.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}

	hash := hashToken(refreshToken)
	var raw string
	old, next, err := s.store.RotateRefreshToken(ctx, hash, client.ClientID, func(old *models.RefreshToken) (*models.RefreshToken, error) {
		scopes := intersectScopes(old.Scopes, client.Scopes)
		if len(scopes) == 0 {
			return nil, apperr.New(apperr.CodeAccessDenied, "client no longer holds any scope of this refresh token")
		}
		rt, secret, err := s.newRefreshToken(client, old.UserID, scopes, old.FamilyID)
		raw = secret
		return rt, err
	})
	if err != nil {
		if apperr.CodeOf(err) != "" {
			return nil, err
		}
		return nil, apperr.Query("rotate", "oauth_refresh_tokens", err)
	}
	if old == nil {
		s.detectReuse(ctx, hash, client.ClientID)
		return nil, apperr.New(apperr.CodeTokenInvalid, "refresh token is invalid, expired or revoked")
	}

	access, err := s.signAccessToken(client, old.UserID, next.Scopes)
	if err != nil {
		return nil, err
	}
	telemetry.OAuthTokensIssuedTotal.WithLabelValues("refresh_token").Inc()
	return s.tokenResponse(access, raw, next.Scopes), nil
}

// detectReuse revokes the family of a known but already revoked token.
func (s *Service) detectReuse(ctx context.Context, hash, clientID string) {
	existing, err := s.store.GetRefreshTokenByHash(ctx, hash)
	if err != nil {
		slog.Error("failed to look up refresh token for reuse detection", "error", err)
		return
	}
	if existing == nil || existing.ClientID != clientID || existing.RevokedAt == nil {
		return
	}
	n, err := s.store.RevokeFamily(ctx, existing.FamilyID)
	if err != nil {
		slog.Error("failed to revoke refresh token family", "family_id", existing.FamilyID, "error", err)
		return
	}
	telemetry.RefreshTokenReuseTotal.Inc()
	slog.Warn("revoked refresh token presented again, token family revoked (possible compromise)",
		"client_id", clientID, "user_id", existing.UserID, "family_id", existing.FamilyID, "revoked", n)
}

// issueTokens mints an access token and persists the first refresh token of
// a new family.
func (s *Service) issueTokens(ctx context.Context, client *models.OAuthClient, userID string, scopes []string) (*TokenResponse, error) {
	access, err := s.signAccessToken(client, userID, scopes)
	if err != nil {
		return nil, err
	}
	rt, raw, err := s.newRefreshToken(client, userID, scopes, "")
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateRefreshToken(ctx, rt); err != nil {
		return nil, apperr.Query("insert", "oauth_refresh_tokens", err)
	}
	return s.tokenResponse(access, raw, scopes), nil
}

// newRefreshToken returns an unsaved refresh token and its clear-text value.
func (s *Service) newRefreshToken(client *models.OAuthClient, userID string, scopes []string, familyID string) (*models.RefreshToken, string, error) {
	raw, err := randomToken(opaqueTokenBytes)
	if err != nil {
		return nil, "", err
	}
	return &models.RefreshToken{
		TokenHash: hashToken(raw),
		ClientID:  client.ClientID,
		UserID:    userID,
		Scopes:    scopes,
		FamilyID:  familyID,
		ExpiresAt: s.now().Add(s.refreshTTL),
	}, raw, nil
}

func (s *Service) tokenResponse(access, refresh string, scopes []string) *TokenResponse {
	return &TokenResponse{
		AccessToken:  access,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
		RefreshToken: refresh,
		Scope:        strings.Join(scopes, " "),
	}
}

func (s *Service) signAccessToken(client *models.OAuthClient, userID string, scopes []string) (string, error) {
	now := s.now()
	claims := &AccessClaims{
		Scope:    strings.Join(scopes, " "),
		ClientID: client.ClientID,
		SiteID:   client.SiteID,
		ModuleID: client.ModuleID,
		Type:     AccessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			ID:        uuid.New().String(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken verifies an access token for the given module. The
// token's module_id must equal moduleID, and its site_id must equal siteID
// when siteID is non-empty.
func (s *Service) ValidateAccessToken(tokenString, moduleID, siteID string) (*AccessClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.New(apperr.CodeTokenExpired, "access token has expired")
		}
		return nil, apperr.New(apperr.CodeTokenInvalid, "invalid access token")
	}
	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid || claims.Type != AccessTokenType {
		return nil, apperr.New(apperr.CodeTokenInvalid, "invalid access token")
	}
	if claims.ModuleID != moduleID {
		return nil, apperr.New(apperr.CodeTokenInvalid, "access token was issued for another module")
	}
	if siteID != "" && claims.SiteID != siteID {
		return nil, apperr.New(apperr.CodeTokenInvalid, "access token was issued for another site")
	}
	return claims, nil
}

// RevokeRefreshToken revokes one refresh token. Unknown tokens are not an
// error (RFC 7009 §2.2).
func (s *Service) RevokeRefreshToken(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return apperr.New(apperr.CodeValidationFailed, "token is required")
	}
	if _, err := s.store.RevokeRefreshToken(ctx, hashToken(refreshToken)); err != nil {
		return apperr.Query("update", "oauth_refresh_tokens", err)
	}
	return nil
}

// CleanupExpired deletes codes and refresh tokens that expired before now,
// and refresh tokens revoked longer ago than the revoked-token retention.
func (s *Service) CleanupExpired(ctx context.Context) (codes, tokens int64, err error) {
	now := s.now()
	return s.store.DeleteExpired(ctx, now, now.Add(-s.revokedRetain))
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newClientSecret() (secret, hash string, err error) {
	raw, err := randomToken(clientSecretBytes)
	if err != nil {
		return "", "", err
	}
	secret = "mps_" + raw
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return secret, string(h), nil
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// intersectScopes keeps the scopes of granted that allowed still contains,
// in granted's order.
func intersectScopes(granted, allowed []string) []string {
	out := make([]string, 0, len(granted))
	for _, sc := range granted {
		if containsString(allowed, sc) {
			out = append(out, sc)
		}
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
