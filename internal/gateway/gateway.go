// Package gateway fronts module HTTP endpoints at /api/modules/:moduleId/*path.
//
// Each request is authenticated (API key, OAuth access token, platform JWT,
// OIDC ID token, or anonymous read-only by site_id), matched against the
// module's registered routes with a legacy route table as fallback, checked
// for scopes, counted against a per-identity rate limit, dispatched to a
// compiled handler, a sandboxed legacy handler, a proxy target or an edge
// function, and finally logged whatever the outcome.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/agencyos/module-platform/internal/apperr"
	"github.com/agencyos/module-platform/internal/auth/oidc"
	"github.com/agencyos/module-platform/internal/config"
	"github.com/agencyos/module-platform/internal/crossmodule"
	"github.com/agencyos/module-platform/internal/crypto"
	"github.com/agencyos/module-platform/internal/db/models"
	"github.com/agencyos/module-platform/internal/domains"
	"github.com/agencyos/module-platform/internal/oauth"
	"github.com/agencyos/module-platform/internal/ratelimit"
	"github.com/agencyos/module-platform/internal/safego"
	"github.com/agencyos/module-platform/internal/storage"
	"github.com/agencyos/module-platform/internal/telemetry"
)

const (
	defaultRateLimitPerMinute = 60
	defaultMaxBodyBytes       = 1 << 20
	requestLogTimeout         = 5 * time.Second

	// HeaderAPIKey carries a module API key.
	HeaderAPIKey = "X-API-Key"
	// HeaderSiteID selects the site for platform users and preflights.
	HeaderSiteID = "X-Site-Id"
	// HeaderModuleID is attached to edge and proxy calls.
	HeaderModuleID = "X-Module-Id"
)

// Outcome labels of gateway_requests_total.
const (
	outcomeOK              = "ok"
	outcomeUnauthenticated = "unauthenticated"
	outcomeNotFound        = "not_found"
	outcomeForbidden       = "forbidden"
	outcomeRateLimited     = "rate_limited"
	outcomeHandlerError    = "handler_error"
	outcomeUnavailable     = "unavailable"
	outcomeBadRequest      = "bad_request"
)

// ModuleStore resolves modules and their per-site installation.
type ModuleStore interface {
	GetModule(ctx context.Context, idOrSlug string) (*models.Module, error)
	GetInstallation(ctx context.Context, moduleID, siteID string) (*models.ModuleInstallation, error)
}

// RouteStore lists registered and legacy routes.
type RouteStore interface {
	ListActiveRoutes(ctx context.Context, moduleID, method string) ([]*models.RegisteredRoute, error)
	GetLegacyRoutes(ctx context.Context, moduleID string) ([]byte, error)
}

// APIKeyStore looks up module API keys by hash.
type APIKeyStore interface {
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.ModuleAPIKey, error)
	UpdateLastUsed(ctx context.Context, id string) error
}

// SiteStore loads the site a request runs for.
type SiteStore interface {
	GetSite(ctx context.Context, id string) (*models.Site, error)
}

// RequestLogger persists gateway request logs.
type RequestLogger interface {
	InsertRequestLog(ctx context.Context, l *models.GatewayRequestLog) error
}

// TokenValidator validates OAuth access tokens. *oauth.Service satisfies it.
type TokenValidator interface {
	ValidateAccessToken(token, moduleID, siteID string) (*oauth.AccessClaims, error)
}

// IDTokenVerifier verifies upstream OIDC ID tokens. *oidc.Verifier satisfies it.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.Identity, error)
}

// OriginChecker decides CORS. *domains.Service satisfies it.
type OriginChecker interface {
	IsOriginAllowed(ctx context.Context, siteID, moduleID, origin string, purpose domains.Purpose, embedType string) (bool, error)
}

// Deps are the collaborators of a Gateway. OIDC, Domains and Cipher may be
// nil. Handlers only get a cross-module mediator when Permissions and Tables
// are both set.
type Deps struct {
	Modules     ModuleStore
	Routes      RouteStore
	APIKeys     APIKeyStore
	Sites       SiteStore
	Logs        RequestLogger
	Tokens      TokenValidator
	OIDC        IDTokenVerifier
	Limiter     ratelimit.Limiter
	Domains     OriginChecker
	Handlers    *HandlerRegistry
	DB          sqlx.ExtContext
	Cipher      *crypto.TokenCipher
	Permissions *crossmodule.Registry
	Tables      crossmodule.TableResolver
	AccessLogs  crossmodule.AccessLogger
	Blobs       storage.Storage
}

// Gateway serves module routes.
type Gateway struct {
	deps    Deps
	cfg     config.GatewayConfig
	sandbox *Sandbox
	client  *http.Client
	async   func(func())
	now     func() time.Time
}

// New creates a Gateway. A nil Handlers registry is replaced by an empty one.
func New(deps Deps, cfg config.GatewayConfig) *Gateway {
	if deps.Handlers == nil {
		deps.Handlers = NewHandlerRegistry()
	}
	if cfg.DefaultRateLimitPerMinute <= 0 {
		cfg.DefaultRateLimitPerMinute = defaultRateLimitPerMinute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	proxyTimeout := cfg.ProxyTimeout
	if proxyTimeout <= 0 {
		proxyTimeout = 30 * time.Second
	}
	g := &Gateway{
		deps:   deps,
		cfg:    cfg,
		client: &http.Client{Timeout: proxyTimeout},
		async:  safego.Go,
		now:    time.Now,
	}
	if cfg.Sandbox.Enabled {
		g.sandbox = NewSandbox(cfg.Sandbox)
	}
	return g
}

// RegisterRoutes mounts the gateway on r.
func (g *Gateway) RegisterRoutes(r gin.IRouter) {
	r.Any("/api/modules/:moduleId/*path", g.Handle)
}

// call carries per-request state through the pipeline.
type call struct {
	module   *models.Module
	identity *Identity
	site     *models.Site
	outcome  string
}

// Handle runs the gateway pipeline for one request.
func (g *Gateway) Handle(c *gin.Context) {
	start := g.now()
	cl := &call{outcome: outcomeOK}
	defer func() { g.logRequest(c, cl, start) }()

	ctx := c.Request.Context()
	module, err := g.deps.Modules.GetModule(ctx, c.Param("moduleId"))
	if err != nil {
		g.fail(c, cl, apperr.Query("select", "modules", err))
		return
	}
	if module == nil {
		g.fail(c, cl, apperr.New(apperr.CodeNotFound, "module not found"))
		return
	}
	cl.module = module

	if c.Request.Method == http.MethodOptions {
		g.preflight(c, module)
		return
	}

	identity, err := g.authenticate(c, module)
	if err != nil {
		g.fail(c, cl, err)
		return
	}
	cl.identity = identity

	if identity.SiteID != "" {
		site, err := g.loadSite(ctx, module, identity.SiteID)
		if err != nil {
			g.fail(c, cl, err)
			return
		}
		if err := authorizeSite(identity, site); err != nil {
			g.fail(c, cl, err)
			return
		}
		cl.site = site
		g.applyCORS(c, module.ID, site.ID)
	}

	path := normalizePath(c.Param("path"))
	route, params, err := g.resolveRoute(ctx, module, c.Request.Method, path)
	if err != nil {
		g.fail(c, cl, err)
		return
	}

	if err := authorize(identity, c.Request.Method, route); err != nil {
		g.fail(c, cl, err)
		return
	}

	if !g.checkRateLimit(c, cl, route) {
		return
	}

	req, err := g.buildRequest(c, cl, path, params)
	if err != nil {
		g.fail(c, cl, err)
		return
	}

	handlerStart := time.Now()
	resp, err := g.dispatch(ctx, route, req)
	telemetry.GatewayHandlerDuration.WithLabelValues(route.HandlerType).Observe(time.Since(handlerStart).Seconds())
	if err != nil {
		g.fail(c, cl, err)
		return
	}
	writeResponse(c, resp)
}

// loadSite resolves the site and requires the module to be enabled on it.
func (g *Gateway) loadSite(ctx context.Context, module *models.Module, siteID string) (*models.Site, error) {
	site, err := g.deps.Sites.GetSite(ctx, siteID)
	if err != nil {
		return nil, apperr.Query("select", "sites", err)
	}
	if site == nil {
		return nil, apperr.New(apperr.CodeNotFound, "site not found")
	}
	inst, err := g.deps.Modules.GetInstallation(ctx, module.ID, siteID)
	if err != nil {
		return nil, apperr.Query("select", "module_installations", err)
	}
	if inst == nil || !inst.Enabled {
		return nil, apperr.New(apperr.CodeNotFound, "module is not enabled for this site")
	}
	return site, nil
}

// checkRateLimit counts the request and writes the X-RateLimit headers. It
// returns false when the response has already been written.
func (g *Gateway) checkRateLimit(c *gin.Context, cl *call, route *models.RegisteredRoute) bool {
	limit := g.cfg.DefaultRateLimitPerMinute
	if route.RateLimitPerMinute != nil && *route.RateLimitPerMinute > 0 {
		limit = *route.RateLimitPerMinute
	}
	if g.deps.Limiter == nil {
		return true
	}
	key := cl.identity.Key + ":" + cl.module.ID

	d, err := ratelimit.Check(c.Request.Context(), g.deps.Limiter, key, limit, ratelimit.DefaultWindow)
	if err != nil {
		if !g.cfg.FailOpen {
			slog.Error("rate limiter unavailable, rejecting request", "module_id", cl.module.ID, "error", err)
			g.fail(c, cl, apperr.New(apperr.CodeUnavailable, "rate limiter unavailable"))
			return false
		}
		slog.Warn("rate limiter unavailable, allowing request (fail open)", "module_id", cl.module.ID, "error", err)
		reset := g.now().Truncate(ratelimit.DefaultWindow).Add(ratelimit.DefaultWindow)
		d = ratelimit.Decision{Allowed: true, Limit: limit, Remaining: limit, Reset: reset}
	}

	c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if !d.Allowed {
		retry := int(time.Until(d.Reset).Seconds())
		if retry < 1 {
			retry = 1
		}
		c.Header("Retry-After", strconv.Itoa(retry))
		g.fail(c, cl, apperr.New(apperr.CodeRateLimited, "rate limit exceeded"))
		return false
	}
	return true
}

// fail writes the {error, code} body for err and records the outcome.
func (g *Gateway) fail(c *gin.Context, cl *call, err error) {
	code := apperr.CodeOf(err)
	status := apperr.HTTPStatus(code)
	var ue *upstreamError
	if errors.As(err, &ue) {
		status = http.StatusBadGateway
	}
	if code == "" {
		code = apperr.CodeHandlerFailed
	}
	cl.outcome = outcomeFor(code)
	if status >= http.StatusInternalServerError {
		slog.Error("gateway request failed", "path", c.Request.URL.Path, "code", code, "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": apperr.PublicMessage(err), "code": code})
}

func outcomeFor(code apperr.Code) string {
	switch code {
	case apperr.CodeUnauthenticated, apperr.CodeTokenExpired, apperr.CodeTokenInvalid:
		return outcomeUnauthenticated
	case apperr.CodeNotFound, apperr.CodeTableNotFound:
		return outcomeNotFound
	case apperr.CodeAccessDenied:
		return outcomeForbidden
	case apperr.CodeRateLimited:
		return outcomeRateLimited
	case apperr.CodeUnavailable:
		return outcomeUnavailable
	case apperr.CodeValidationFailed:
		return outcomeBadRequest
	default:
		return outcomeHandlerError
	}
}

// logRequest records the call in gateway_request_log and the request metric.
// The insert runs in the background and never affects the response.
func (g *Gateway) logRequest(c *gin.Context, cl *call, start time.Time) {
	moduleID := c.Param("moduleId")
	if cl.module != nil {
		moduleID = cl.module.ID
	}
	authType := "none"
	if cl.identity != nil {
		authType = cl.identity.AuthType
	}
	telemetry.GatewayRequestsTotal.WithLabelValues(moduleID, authType, cl.outcome).Inc()

	if g.deps.Logs == nil {
		return
	}
	entry := &models.GatewayRequestLog{
		ModuleID:   moduleID,
		Method:     c.Request.Method,
		Path:       c.Request.URL.Path,
		AuthType:   authType,
		StatusCode: c.Writer.Status(),
		LatencyMS:  g.now().Sub(start).Milliseconds(),
		IPAddress:  c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
		CreatedAt:  start,
	}
	if cl.identity != nil {
		if cl.identity.SiteID != "" {
			site := cl.identity.SiteID
			entry.SiteID = &site
		}
		if id := cl.identity.Subject(); id != "" {
			entry.Identity = &id
		}
	}

	g.async(func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestLogTimeout)
		defer cancel()
		if err := g.deps.Logs.InsertRequestLog(ctx, entry); err != nil {
			telemetry.AccessLogFailuresTotal.Inc()
			slog.Warn("failed to write gateway request log", "module_id", entry.ModuleID, "error", err)
		}
	})
}
