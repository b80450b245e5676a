// Package config loads and validates the module platform configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the MPF_ prefix (e.g., MPF_DATABASE_HOST
// overrides database.host in the YAML), so the same binary runs with a
// config.yaml in local development and with pure environment variables in
// containerized deployments.
//
// The ENCRYPTION_KEY variable has no MPF_ prefix because it may be injected by
// infrastructure tooling (Kubernetes secrets, Vault agent) that does not know
// the application-specific prefix.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	OAuth        OAuthConfig        `mapstructure:"oauth"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	Events       EventsConfig       `mapstructure:"events"`
	Domains      DomainsConfig      `mapstructure:"domains"`
	CrossModule  CrossModuleConfig  `mapstructure:"crossmodule"`
	Provisioning ProvisioningConfig `mapstructure:"provisioning"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Security     SecurityConfig     `mapstructure:"security"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Audit        AuditConfig        `mapstructure:"audit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	PublicURL    string        `mapstructure:"public_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// DevMode relaxes checks meant for production (localhost OAuth redirect
	// URIs, plain HTTP domain verification fetches in tests).
	DevMode bool `mapstructure:"dev_mode"`
}

// GetPublicURL returns the public-facing URL used for OAuth redirects.
// When server.public_url is set it is returned as-is; otherwise it falls back to server.base_url.
func (s *ServerConfig) GetPublicURL() string {
	if s.PublicURL != "" {
		return s.PublicURL
	}
	return s.BaseURL
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RedisConfig holds the connection used by the redis rate limit backends
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig holds authentication configuration for platform users
type AuthConfig struct {
	APIKeys APIKeyConfig `mapstructure:"api_keys"`
	OIDC    OIDCConfig   `mapstructure:"oidc"`
}

// APIKeyConfig holds module API key settings
type APIKeyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Prefix  string `mapstructure:"prefix"`
	// ExpirySweepInterval is how often keys past expires_at are deactivated.
	ExpirySweepInterval time.Duration `mapstructure:"expiry_sweep_interval"`
}

// OIDCConfig configures an optional upstream identity provider whose ID tokens
// the gateway accepts as platform-user bearer tokens.
type OIDCConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	IssuerURL string `mapstructure:"issuer_url"`
	ClientID  string `mapstructure:"client_id"`
}

// GatewayConfig holds module API gateway configuration
type GatewayConfig struct {
	// DefaultRateLimitPerMinute applies to routes that declare no limit of their own
	DefaultRateLimitPerMinute int `mapstructure:"default_rate_limit_per_minute"`
	// FailOpen allows requests through when the rate limiter itself errors
	FailOpen     bool          `mapstructure:"fail_open"`
	ProxyTimeout time.Duration `mapstructure:"proxy_timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	Sandbox      SandboxConfig `mapstructure:"sandbox"`
	Edge         EdgeConfig    `mapstructure:"edge"`
	// RequestLogRetentionDays bounds gateway_request_log; 0 keeps rows forever
	RequestLogRetentionDays int `mapstructure:"request_log_retention_days"`
}

// SandboxConfig bounds execution of legacy inline route handlers
type SandboxConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxScriptBytes int           `mapstructure:"max_script_bytes"`
	MaxDBCalls     int           `mapstructure:"max_db_calls"`
}

// EdgeConfig points at the serverless function runtime used by edge routes
type EdgeConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	ServiceToken string        `mapstructure:"service_token"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// OAuthConfig holds OAuth token service configuration
type OAuthConfig struct {
	Issuer          string        `mapstructure:"issuer"`
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
	CodeTTL         time.Duration `mapstructure:"code_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	// RevokedTokenRetention keeps revoked refresh tokens around long enough
	// to detect their reuse before cleanup purges them
	RevokedTokenRetention time.Duration `mapstructure:"revoked_token_retention"`
}

// RateLimitingConfig selects the gateway limiter backend and the limits for
// the admin and OAuth surfaces
type RateLimitingConfig struct {
	// Backend is one of postgres, redis, redis_gcra, memory
	Backend           string `mapstructure:"backend"`
	Enabled           bool   `mapstructure:"enabled"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	// CounterRetention controls how long expired postgres window rows are kept
	CounterRetention time.Duration `mapstructure:"counter_retention"`
}

// EventsConfig holds event bus dispatch and retention settings
type EventsConfig struct {
	DispatchEnabled  bool          `mapstructure:"dispatch_enabled"`
	DispatchInterval time.Duration `mapstructure:"dispatch_interval"`
	BatchSize        int           `mapstructure:"batch_size"`
	RetentionDays    int           `mapstructure:"retention_days"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
}

// DomainsConfig holds domain verification settings
type DomainsConfig struct {
	// PlatformLabel names the DNS record and meta tag: _<label>-verify / <label>-site-verification
	PlatformLabel string        `mapstructure:"platform_label"`
	HTTPTimeout   time.Duration `mapstructure:"http_timeout"`
}

// CrossModuleConfig holds mediator permission sources
type CrossModuleConfig struct {
	PermissionsFile string `mapstructure:"permissions_file"`
	WatchFile       bool   `mapstructure:"watch_file"`
}

// ProvisioningConfig holds provisioner behavior
type ProvisioningConfig struct {
	// Atomic switches provisioning to all-or-nothing inside one transaction
	Atomic bool `mapstructure:"atomic"`
}

// StorageConfig holds the blob backend used for module storage buckets
type StorageConfig struct {
	DefaultBackend string             `mapstructure:"default_backend"`
	Azure          AzureStorageConfig `mapstructure:"azure"`
	S3             S3StorageConfig    `mapstructure:"s3"`
	GCS            GCSStorageConfig   `mapstructure:"gcs"`
	Local          LocalStorageConfig `mapstructure:"local"`
}

// AzureStorageConfig holds Azure Blob Storage configuration
type AzureStorageConfig struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
}

// S3StorageConfig holds S3-compatible storage configuration
type S3StorageConfig struct {
	// Endpoint is the S3-compatible endpoint URL (optional, for MinIO etc.)
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`

	// AuthMethod: "default", "static", "oidc", "assume_role"
	AuthMethod           string `mapstructure:"auth_method"`
	AccessKeyID          string `mapstructure:"access_key_id"`
	SecretAccessKey      string `mapstructure:"secret_access_key"`
	RoleARN              string `mapstructure:"role_arn"`
	RoleSessionName      string `mapstructure:"role_session_name"`
	ExternalID           string `mapstructure:"external_id"`
	WebIdentityTokenFile string `mapstructure:"web_identity_token_file"`
}

// GCSStorageConfig holds Google Cloud Storage configuration
type GCSStorageConfig struct {
	Bucket          string `mapstructure:"bucket"`
	CredentialsFile string `mapstructure:"credentials_file"`
	Endpoint        string `mapstructure:"endpoint"`
	// ProjectID is only needed to create the bucket at startup.
	ProjectID string `mapstructure:"project_id"`
}

// LocalStorageConfig holds local filesystem storage configuration
type LocalStorageConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS CORSConfig `mapstructure:"cors"`
	TLS  TLSConfig  `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration for the admin and OAuth surfaces.
// Module gateway CORS is decided per site by verified allowed domains.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// AuditConfig holds admin audit logging configuration
type AuditConfig struct {
	Enabled           bool                 `mapstructure:"enabled"`
	LogReadOperations bool                 `mapstructure:"log_read_operations"`
	Shippers          []AuditShipperConfig `mapstructure:"shippers"`
}

// AuditShipperConfig holds configuration for a single audit shipper
type AuditShipperConfig struct {
	Enabled bool                `mapstructure:"enabled"`
	Type    string              `mapstructure:"type"` // webhook, file
	Webhook *AuditWebhookConfig `mapstructure:"webhook"`
	File    *AuditFileConfig    `mapstructure:"file"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL         string            `mapstructure:"url"`
	Headers     map[string]string `mapstructure:"headers"`
	TimeoutSecs int               `mapstructure:"timeout_secs"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Path string `mapstructure:"path"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv() doesn't work well with nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.public_url",
		"server.read_timeout",
		"server.write_timeout",
		"server.dev_mode",

		// Redis
		"redis.addr",
		"redis.password",
		"redis.db",

		// Auth
		"auth.api_keys.enabled",
		"auth.api_keys.prefix",
		"auth.api_keys.expiry_sweep_interval",
		"auth.oidc.enabled",
		"auth.oidc.issuer_url",
		"auth.oidc.client_id",

		// Gateway
		"gateway.default_rate_limit_per_minute",
		"gateway.fail_open",
		"gateway.proxy_timeout",
		"gateway.max_body_bytes",
		"gateway.sandbox.enabled",
		"gateway.sandbox.timeout",
		"gateway.sandbox.max_script_bytes",
		"gateway.sandbox.max_db_calls",
		"gateway.edge.base_url",
		"gateway.edge.service_token",
		"gateway.edge.timeout",
		"gateway.request_log_retention_days",

		// OAuth
		"oauth.issuer",
		"oauth.access_token_ttl",
		"oauth.refresh_token_ttl",
		"oauth.code_ttl",
		"oauth.cleanup_interval",
		"oauth.revoked_token_retention",

		// Rate limiting
		"rate_limiting.backend",
		"rate_limiting.enabled",
		"rate_limiting.requests_per_minute",
		"rate_limiting.counter_retention",

		// Events
		"events.dispatch_enabled",
		"events.dispatch_interval",
		"events.batch_size",
		"events.retention_days",
		"events.cleanup_interval",

		// Domains
		"domains.platform_label",
		"domains.http_timeout",

		// Cross-module
		"crossmodule.permissions_file",
		"crossmodule.watch_file",

		// Provisioning
		"provisioning.atomic",

		// Storage
		"storage.default_backend",
		"storage.azure.account_name",
		"storage.azure.account_key",
		"storage.azure.container_name",
		"storage.s3.endpoint",
		"storage.s3.region",
		"storage.s3.bucket",
		"storage.s3.auth_method",
		"storage.s3.access_key_id",
		"storage.s3.secret_access_key",
		"storage.s3.role_arn",
		"storage.s3.role_session_name",
		"storage.s3.external_id",
		"storage.s3.web_identity_token_file",
		"storage.gcs.bucket",
		"storage.gcs.credentials_file",
		"storage.gcs.endpoint",
		"storage.gcs.project_id",
		"storage.local.base_path",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.enabled",
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",

		// Audit
		"audit.enabled",
		"audit.log_read_operations",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/module-platform")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("MPF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Gateway.Edge.ServiceToken = expandEnv(cfg.Gateway.Edge.ServiceToken)
	cfg.Storage.Azure.AccountKey = expandEnv(cfg.Storage.Azure.AccountKey)
	cfg.Storage.S3.AccessKeyID = expandEnv(cfg.Storage.S3.AccessKeyID)
	cfg.Storage.S3.SecretAccessKey = expandEnv(cfg.Storage.S3.SecretAccessKey)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.dev_mode", false)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "module_platform")
	v.SetDefault("database.user", "platform")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// Auth defaults
	v.SetDefault("auth.api_keys.enabled", true)
	v.SetDefault("auth.api_keys.prefix", "mpk")
	v.SetDefault("auth.api_keys.expiry_sweep_interval", "1h")
	v.SetDefault("auth.oidc.enabled", false)

	// Gateway defaults
	v.SetDefault("gateway.default_rate_limit_per_minute", 100)
	v.SetDefault("gateway.fail_open", true)
	v.SetDefault("gateway.proxy_timeout", "15s")
	v.SetDefault("gateway.max_body_bytes", 1<<20)
	v.SetDefault("gateway.sandbox.enabled", false)
	v.SetDefault("gateway.sandbox.timeout", "2s")
	v.SetDefault("gateway.sandbox.max_script_bytes", 64*1024)
	v.SetDefault("gateway.sandbox.max_db_calls", 50)
	v.SetDefault("gateway.edge.timeout", "15s")
	v.SetDefault("gateway.request_log_retention_days", 30)

	// OAuth defaults
	v.SetDefault("oauth.issuer", "module-platform")
	v.SetDefault("oauth.access_token_ttl", "1h")
	v.SetDefault("oauth.refresh_token_ttl", "720h")
	v.SetDefault("oauth.code_ttl", "10m")
	v.SetDefault("oauth.cleanup_interval", "1h")
	v.SetDefault("oauth.revoked_token_retention", "24h")

	// Rate limiting defaults
	v.SetDefault("rate_limiting.backend", "postgres")
	v.SetDefault("rate_limiting.enabled", true)
	v.SetDefault("rate_limiting.requests_per_minute", 120)
	v.SetDefault("rate_limiting.counter_retention", "10m")

	// Events defaults
	v.SetDefault("events.dispatch_enabled", true)
	v.SetDefault("events.dispatch_interval", "5s")
	v.SetDefault("events.batch_size", 100)
	v.SetDefault("events.retention_days", 7)
	v.SetDefault("events.cleanup_interval", "24h")

	// Domains defaults
	v.SetDefault("domains.platform_label", "agencyos")
	v.SetDefault("domains.http_timeout", "10s")

	// Cross-module defaults
	v.SetDefault("crossmodule.permissions_file", "")
	v.SetDefault("crossmodule.watch_file", true)

	v.SetDefault("provisioning.atomic", false)

	// Storage defaults
	v.SetDefault("storage.default_backend", "local")
	v.SetDefault("storage.local.base_path", "./storage")

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"})
	v.SetDefault("security.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "module-platform")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)

	// Audit defaults
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.log_read_operations", false)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	validLimiters := map[string]bool{"postgres": true, "redis": true, "redis_gcra": true, "memory": true}
	if !validLimiters[c.RateLimiting.Backend] {
		return fmt.Errorf("invalid rate limiting backend: %s (must be postgres, redis, redis_gcra, or memory)", c.RateLimiting.Backend)
	}
	if (c.RateLimiting.Backend == "redis" || c.RateLimiting.Backend == "redis_gcra") && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when using the %s rate limiting backend", c.RateLimiting.Backend)
	}
	if c.Gateway.DefaultRateLimitPerMinute < 1 {
		return fmt.Errorf("gateway.default_rate_limit_per_minute must be positive")
	}

	if c.Gateway.Sandbox.Enabled {
		if c.Gateway.Sandbox.Timeout <= 0 {
			return fmt.Errorf("gateway.sandbox.timeout must be positive when the sandbox is enabled")
		}
		if c.Gateway.Sandbox.MaxScriptBytes <= 0 {
			return fmt.Errorf("gateway.sandbox.max_script_bytes must be positive when the sandbox is enabled")
		}
	}

	if c.OAuth.AccessTokenTTL <= 0 || c.OAuth.RefreshTokenTTL <= 0 || c.OAuth.CodeTTL <= 0 {
		return fmt.Errorf("oauth token lifetimes must be positive")
	}

	if c.Events.BatchSize < 1 {
		return fmt.Errorf("events.batch_size must be positive")
	}
	if c.Events.RetentionDays < 1 {
		return fmt.Errorf("events.retention_days must be at least 1")
	}

	if c.Domains.PlatformLabel == "" {
		return fmt.Errorf("domains.platform_label is required")
	}

	validBackends := map[string]bool{"azure": true, "s3": true, "gcs": true, "local": true}
	if !validBackends[c.Storage.DefaultBackend] {
		return fmt.Errorf("invalid storage backend: %s (must be azure, s3, gcs, or local)", c.Storage.DefaultBackend)
	}
	switch c.Storage.DefaultBackend {
	case "azure":
		if c.Storage.Azure.AccountName == "" || c.Storage.Azure.AccountKey == "" || c.Storage.Azure.ContainerName == "" {
			return fmt.Errorf("storage.azure.account_name, account_key and container_name are required when using Azure backend")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when using S3 backend")
		}
		if c.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when using S3 backend")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required when using GCS backend")
		}
	case "local":
		if c.Storage.Local.BasePath == "" {
			return fmt.Errorf("storage.local.base_path is required when using local backend")
		}
	}

	if c.Auth.OIDC.Enabled {
		if c.Auth.OIDC.IssuerURL == "" {
			return fmt.Errorf("auth.oidc.issuer_url is required when OIDC is enabled")
		}
		if c.Auth.OIDC.ClientID == "" {
			return fmt.Errorf("auth.oidc.client_id is required when OIDC is enabled")
		}
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
