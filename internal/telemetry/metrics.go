// Package telemetry provides application-level observability for the module platform.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served on the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<MPF_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template)
//   - Gateway requests by module and outcome, rate limit decisions, sandbox runs
//   - OAuth token issuance and refresh-token reuse detections
//   - Cross-module mediator calls, event bus throughput, provisioning results
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/modules/:moduleId/*path)
// rather than the raw request URL. Gateway metrics are labelled by module id,
// which is bounded by the number of published modules.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Gateway metrics.
//
// GatewayRequestsTotal has labels {module_id, auth_type, outcome}; outcome is
// one of ok, unauthenticated, not_found, forbidden, rate_limited, handler_error.
//
// RateLimitDecisionsTotal has labels {backend, result} where result is
// allowed, denied or error. A rising error series means the limiter is
// degraded and requests are passing (fail_open) or being rejected.
//
// Example PromQL queries:
//   - Denials by module:       sum by (module_id) (rate(gateway_requests_total{outcome="rate_limited"}[5m]))
//   - Limiter degraded alert:  increase(rate_limit_decisions_total{result="error"}[5m]) > 0
var (
	GatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of module gateway requests, by module, auth type, and outcome.",
		},
		[]string{"module_id", "auth_type", "outcome"},
	)

	GatewayHandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_handler_duration_seconds",
			Help:    "Duration of module route handler execution, by handler type.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler_type"},
	)

	RateLimitDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_decisions_total",
			Help: "Total number of rate limit decisions, by backend and result.",
		},
		[]string{"backend", "result"},
	)

	SandboxExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_executions_total",
			Help: "Total number of sandboxed legacy handler executions, by result (ok, error, timeout).",
		},
		[]string{"result"},
	)
)

// OAuth metrics.
//
// RefreshTokenReuseTotal counts presentations of an already-rotated refresh
// token. Each one revokes the token family; any non-zero rate deserves an alert.
var (
	OAuthTokensIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oauth_tokens_issued_total",
			Help: "Total number of OAuth token pairs issued, by grant type.",
		},
		[]string{"grant_type"},
	)

	RefreshTokenReuseTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oauth_refresh_token_reuse_total",
			Help: "Total number of revoked refresh tokens presented again (possible compromise).",
		},
	)
)

// Module data plane metrics: mediator calls, events, provisioning.
var (
	CrossModuleCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crossmodule_calls_total",
			Help: "Total number of cross-module mediator calls, by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	AccessLogFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "access_log_write_failures_total",
			Help: "Total number of best-effort access or request log writes that failed.",
		},
	)

	EventsEmittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "module_events_emitted_total",
			Help: "Total number of module events emitted.",
		},
	)

	EventsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "module_events_processed_total",
			Help: "Total number of module events drained by the dispatcher, by result (ok, handler_error).",
		},
		[]string{"result"},
	)

	SideEffectPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "side_effect_panics_total",
			Help: "Total number of panics recovered in asynchronous side effects (logs, audit shipping).",
		},
	)

	ProvisionedTablesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioned_tables_total",
			Help: "Total number of module tables processed by the provisioner, by result (created, failed).",
		},
		[]string{"result"},
	)
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool. It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits when the database becomes unreachable, which happens when
// the application shuts down and closes the pool.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
