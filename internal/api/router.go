// Package api wires together all HTTP routes for the module platform.
//
// Route grouping:
//   - /api/modules/:moduleId/*path is the module gateway. It runs its own
//     authentication chain (API key, OAuth access token, platform JWT, OIDC,
//     anonymous read) and decides CORS per site from verified domains, so none
//     of the admin middleware below applies to it.
//   - /api/admin requires a platform JWT or OIDC ID token. Platform routes need
//     platform:admin; /api/admin/sites/:siteId routes need agency:admin and
//     ownership of the site.
//   - /oauth serves the authorization code flow for third-party integrations.
package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/agencyos/module-platform/internal/api/admin"
	"github.com/agencyos/module-platform/internal/api/oauthapi"
	"github.com/agencyos/module-platform/internal/audit"
	"github.com/agencyos/module-platform/internal/auth"
	"github.com/agencyos/module-platform/internal/auth/oidc"
	"github.com/agencyos/module-platform/internal/config"
	"github.com/agencyos/module-platform/internal/crossmodule"
	"github.com/agencyos/module-platform/internal/crypto"
	"github.com/agencyos/module-platform/internal/db/repositories"
	"github.com/agencyos/module-platform/internal/domains"
	"github.com/agencyos/module-platform/internal/events"
	"github.com/agencyos/module-platform/internal/gateway"
	"github.com/agencyos/module-platform/internal/hooks"
	"github.com/agencyos/module-platform/internal/jobs"
	"github.com/agencyos/module-platform/internal/middleware"
	"github.com/agencyos/module-platform/internal/oauth"
	"github.com/agencyos/module-platform/internal/provisioner"
	"github.com/agencyos/module-platform/internal/ratelimit"
	"github.com/agencyos/module-platform/internal/services"
	"github.com/agencyos/module-platform/internal/storage"

	// Import storage backends to register them
	_ "github.com/agencyos/module-platform/internal/storage/azure"
	_ "github.com/agencyos/module-platform/internal/storage/gcs"
	_ "github.com/agencyos/module-platform/internal/storage/local"
	_ "github.com/agencyos/module-platform/internal/storage/s3"
)

// Version is reported by /version and the version subcommand.
const Version = "0.1.0"

type stopper interface {
	Stop()
}

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	cancel  context.CancelFunc
	jobs    []stopper
	closers []io.Closer
}

func (bg *BackgroundServices) start(ctx context.Context, job interface {
	stopper
	Start(context.Context)
}) {
	bg.jobs = append(bg.jobs, job)
	go job.Start(ctx)
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.cancel != nil {
		bg.cancel()
	}
	for _, j := range bg.jobs {
		j.Stop()
	}
	for _, c := range bg.closers {
		if err := c.Close(); err != nil {
			slog.Warn("failed to close background resource", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, db *sqlx.DB) (*gin.Engine, *BackgroundServices, error) {
	ctx, cancel := context.WithCancel(context.Background())
	bg := &BackgroundServices{cancel: cancel}
	fail := func(err error) (*gin.Engine, *BackgroundServices, error) {
		bg.Shutdown()
		return nil, nil, err
	}

	openCtx, openCancel := context.WithTimeout(ctx, 30*time.Second)
	storageBackend, err := storage.Open(openCtx, cfg)
	openCancel()
	if err != nil {
		return fail(fmt.Errorf("failed to initialize storage backend: %w", err))
	}
	slog.Info("initialized storage backend", "backend", cfg.Storage.DefaultBackend)

	// Proxy route headers are sealed with ENCRYPTION_KEY. Without it the
	// gateway still serves every other handler type.
	var tokenCipher *crypto.TokenCipher
	if secret := os.Getenv("ENCRYPTION_KEY"); secret != "" {
		key, err := crypto.ParseKey(secret)
		if err != nil {
			return fail(fmt.Errorf("invalid ENCRYPTION_KEY: %w", err))
		}
		if tokenCipher, err = crypto.NewTokenCipher(key); err != nil {
			return fail(fmt.Errorf("failed to initialize token cipher: %w", err))
		}
	} else {
		slog.Warn("ENCRYPTION_KEY not set, proxy routes cannot carry upstream headers")
	}

	// Repositories
	moduleRepo := repositories.NewModuleRepository(db)
	routeRepo := repositories.NewRouteRepository(db)
	apiKeyRepo := repositories.NewAPIKeyRepository(db)
	siteRepo := repositories.NewSiteRepository(db)
	logRepo := repositories.NewLogRepository(db)
	eventRepo := repositories.NewEventRepository(db)
	oauthRepo := repositories.NewOAuthRepository(db)
	domainRepo := repositories.NewDomainRepository(db)
	auditRepo := repositories.NewAuditRepository(db)

	// Services
	limiter, err := ratelimit.New(cfg, db)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize rate limiter: %w", err))
	}
	if c, ok := limiter.(io.Closer); ok {
		bg.closers = append(bg.closers, c)
	}
	slog.Info("initialized rate limiter", "backend", limiter.Name())

	bus := events.NewBus(eventRepo)
	hookRegistry := hooks.NewRegistry(moduleRepo, hooks.Builtins(siteRepo))
	installer := services.NewInstaller(moduleRepo, siteRepo, hookRegistry, bus, db)
	publisher := services.NewPublisher(moduleRepo)
	prov := provisioner.New(db, moduleRepo, storageBackend, provisioner.Options{Atomic: cfg.Provisioning.Atomic})
	oauthSvc := oauth.NewService(oauthRepo, &cfg.OAuth, []byte(auth.GetJWTSecret()), cfg.Server.DevMode)
	domainSvc := domains.NewService(domainRepo, &cfg.Domains)

	permissions := crossmodule.NewRegistry()
	if path := cfg.CrossModule.PermissionsFile; path != "" {
		if err := permissions.LoadFile(path); err != nil {
			return fail(err)
		}
		if cfg.CrossModule.WatchFile {
			if err := permissions.Watch(ctx, path); err != nil {
				slog.Warn("permissions file watch disabled", "path", path, "error", err)
			}
		}
	}

	// The verifier is held as an interface so a disabled provider stays a
	// nil interface rather than a typed nil pointer.
	var idVerifier middleware.IDTokenVerifier
	if cfg.Auth.OIDC.Enabled {
		v, err := oidc.NewVerifier(ctx, &cfg.Auth.OIDC)
		if err != nil {
			return fail(fmt.Errorf("failed to initialize OIDC verifier: %w", err))
		}
		idVerifier = v
		slog.Info("OIDC verifier initialized", "issuer", cfg.Auth.OIDC.IssuerURL)
	}

	shipper, err := audit.NewMultiShipper(cfg.Audit.Shippers)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize audit shippers: %w", err))
	}
	bg.closers = append(bg.closers, shipper)
	recorder := audit.NewRecorder(auditRepo, shipper)

	handlerRegistry := gateway.NewHandlerRegistry()
	gateway.RegisterBuiltins(handlerRegistry)
	gw := gateway.New(gateway.Deps{
		Modules:     moduleRepo,
		Routes:      routeRepo,
		APIKeys:     apiKeyRepo,
		Sites:       siteRepo,
		Logs:        logRepo,
		Tokens:      oauthSvc,
		OIDC:        idVerifier,
		Limiter:     limiter,
		Domains:     domainSvc,
		Handlers:    handlerRegistry,
		DB:          db,
		Cipher:      tokenCipher,
		Permissions: permissions,
		Tables:      moduleRepo,
		AccessLogs:  logRepo,
		Blobs:       storageBackend,
	}, cfg.Gateway)

	// Background jobs
	bg.start(ctx, jobs.NewEventDispatcher(bus, &cfg.Events))
	bg.start(ctx, jobs.NewEventRetention(bus, &cfg.Events))
	bg.start(ctx, jobs.NewRequestLogRetention(logRepo, &cfg.Gateway))
	bg.start(ctx, jobs.NewOAuthCleanup(oauthSvc, &cfg.OAuth))
	bg.start(ctx, jobs.NewAPIKeyExpiry(apiKeyRepo, &cfg.Auth.APIKeys))
	bg.start(ctx, jobs.NewRateCounterCleanup(limiter, &cfg.RateLimiting))

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggerMiddleware(slog.Default()))
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))
	router.Use(CORSMiddleware(cfg))

	router.GET("/health", healthCheckHandler(db))
	router.GET("/ready", readinessHandler(db, storageBackend))
	router.GET("/version", versionHandler())

	gw.RegisterRoutes(router)

	// OAuth endpoints
	oauthHandlers := oauthapi.NewHandlers(oauthSvc)
	oauthGroup := router.Group("/oauth")
	{
		oauthGroup.GET("/authorize", middleware.AuthMiddleware(idVerifier), oauthHandlers.AuthorizeHandler())

		tokenGroup := oauthGroup.Group("")
		if cfg.RateLimiting.Enabled {
			tokenGroup.Use(middleware.RateLimitMiddleware(limiter, middleware.OAuthRateLimitConfig()))
		}
		tokenGroup.POST("/token", oauthHandlers.TokenHandler())
		tokenGroup.POST("/revoke", oauthHandlers.RevokeHandler())
	}

	// Dev token bootstrap sits outside authentication; the handler refuses
	// unless server.dev_mode is on.
	devHandlers := admin.NewDevHandlers(cfg.Server.DevMode)
	router.POST("/api/admin/dev/token", devHandlers.DevTokenHandler())

	adminGroup := router.Group("/api/admin")
	adminGroup.Use(middleware.AuthMiddleware(idVerifier))
	if cfg.RateLimiting.Enabled {
		adminGroup.Use(middleware.RateLimitMiddleware(limiter, middleware.AdminRateLimitConfig(cfg.RateLimiting.RequestsPerMinute)))
	}
	adminGroup.Use(middleware.AuditMiddleware(recorder, &cfg.Audit))

	moduleHandlers := admin.NewModuleHandlers(moduleRepo, publisher, prov)
	routeHandlers := admin.NewRouteHandlers(moduleRepo, routeRepo, tokenCipher)
	permissionHandlers := admin.NewPermissionHandlers(permissions)
	eventHandlers := admin.NewEventHandlers(bus, cfg.Events.RetentionDays)
	auditHandlers := admin.NewAuditHandlers(auditRepo)
	statsHandlers := admin.NewStatsHandler(db)
	installationHandlers := admin.NewInstallationHandlers(installer)
	apiKeyHandlers := admin.NewAPIKeyHandlers(moduleRepo, apiKeyRepo, cfg.Auth.APIKeys.Prefix)
	clientHandlers := admin.NewOAuthClientHandlers(moduleRepo, oauthSvc)
	domainHandlers := admin.NewDomainHandlers(domainSvc)

	// Platform administration
	platform := adminGroup.Group("")
	platform.Use(middleware.RequireScope(auth.ScopePlatformAdmin))
	{
		platform.POST("/modules", moduleHandlers.PublishHandler())
		platform.GET("/modules", moduleHandlers.ListModulesHandler())
		platform.GET("/modules/:id", moduleHandlers.GetModuleHandler())
		platform.POST("/modules/:id/provision", moduleHandlers.ProvisionHandler())
		platform.DELETE("/modules/:id/provision", moduleHandlers.DeprovisionHandler())

		platform.POST("/modules/:id/routes", routeHandlers.CreateRouteHandler())
		platform.GET("/modules/:id/routes", routeHandlers.ListRoutesHandler())
		platform.DELETE("/modules/:id/routes/:routeId", routeHandlers.DeleteRouteHandler())

		platform.GET("/permissions", permissionHandlers.ListPermissionsHandler())
		platform.PUT("/permissions", permissionHandlers.UpsertPermissionHandler())
		platform.DELETE("/permissions", permissionHandlers.RemovePermissionHandler())

		platform.POST("/events/process", eventHandlers.ProcessEventsHandler())
		platform.POST("/events/cleanup", eventHandlers.CleanupEventsHandler())

		platform.GET("/audit-logs", auditHandlers.ListAuditLogsHandler())
		platform.GET("/audit-logs/:logId", auditHandlers.GetAuditLogHandler())

		platform.GET("/stats", statsHandlers.GetDashboardStats)
	}

	// Agency administration of one site
	site := adminGroup.Group("/sites/:siteId")
	site.Use(middleware.RequireScope(auth.ScopeAgencyAdmin))
	site.Use(middleware.RequireSiteAccess(siteRepo))
	{
		site.POST("/modules/:id/install", installationHandlers.InstallHandler())
		site.POST("/modules/:id/uninstall", installationHandlers.UninstallHandler())
		site.POST("/modules/:id/enable", installationHandlers.EnableHandler())
		site.POST("/modules/:id/disable", installationHandlers.DisableHandler())
		site.DELETE("/modules/:id/data", installationHandlers.PurgeDataHandler())

		site.POST("/modules/:id/api-keys", apiKeyHandlers.CreateAPIKeyHandler())
		site.GET("/modules/:id/api-keys", apiKeyHandlers.ListAPIKeysHandler())
		site.DELETE("/api-keys/:keyId", apiKeyHandlers.RevokeAPIKeyHandler())

		site.POST("/oauth/clients", clientHandlers.CreateClientHandler())
		site.GET("/oauth/clients", clientHandlers.ListClientsHandler())
		site.POST("/oauth/clients/:clientId/secret", clientHandlers.RegenerateSecretHandler())
		site.DELETE("/oauth/clients/:clientId", clientHandlers.RevokeClientHandler())

		site.POST("/domains", domainHandlers.AddDomainHandler())
		site.GET("/domains", domainHandlers.ListDomainsHandler())
		site.POST("/domains/:domainId/verify", domainHandlers.VerifyDomainHandler())
		site.DELETE("/domains/:domainId", domainHandlers.RemoveDomainHandler())

		site.POST("/events", eventHandlers.EmitEventHandler())
		site.GET("/events", eventHandlers.ListPendingEventsHandler())
	}

	return router, bg, nil
}

// pinger is the part of *sqlx.DB the probes use.
type pinger interface {
	PingContext(ctx context.Context) error
}

// @Summary      Health check
// @Description  Returns the health status of the service, including database connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy, error: database connection failed"
// @Router       /health [get]
// healthCheckHandler returns the health status of the service
func healthCheckHandler(db pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service is ready to accept traffic. Checks the database and the bucket storage backend.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "ready: false, error: database not ready"
// @Router       /ready [get]
// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), this also checks the storage backend
// that module buckets are provisioned on.
func readinessHandler(db pinger, storageBackend storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		// Exists on a sentinel path exercises credentials and connectivity
		// without creating any state.
		if _, err := storageBackend.Exists(c.Request.Context(), ".readiness-probe"); err != nil {
			checks["storage"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "storage backend not ready",
			})
			return
		}
		checks["storage"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Description  Returns the platform version and the versions of its HTTP surfaces.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version, surfaces: {gateway, admin, oauth}"
// @Router       /version [get]
// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version": Version,
			"surfaces": gin.H{
				"gateway": "v1",
				"admin":   "v1",
				"oauth":   "2.0",
			},
		})
	}
}

var defaultCORSMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}

// gatewayPrefix is skipped by CORSMiddleware; the gateway answers its own
// preflights from each site's verified domains.
const gatewayPrefix = "/api/modules/"

// CORSMiddleware handles CORS for the admin and OAuth surfaces.
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := cfg.Security.CORS.AllowedMethods
	if len(methods) == 0 {
		methods = defaultCORSMethods
	}
	allowMethods := strings.Join(methods, ", ")

	return func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, gatewayPrefix) {
			c.Next()
			return
		}
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", allowMethods)
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
