// Package models - audit_log.go defines AuditLog for administrative actions,
// and the two best-effort operational logs: cross-module access and gateway requests.
package models

import "time"

// AuditLog represents an audit log entry for an administrative action
type AuditLog struct {
	ID           string
	UserID       *string                // Nullable for system actions
	Action       string                 // "POST /api/admin/modules", "module.provision"
	ResourceType *string                // "module", "oauth_client", "domain"
	ResourceID   *string                // id of the affected resource
	Metadata     map[string]interface{} // JSONB: additional context
	IPAddress    *string
	CreatedAt    time.Time
}

// AccessLogEntry is an append-only record of one cross-module mediator call.
type AccessLogEntry struct {
	SourceModule string    `json:"source_module"`
	TargetModule string    `json:"target_module"`
	TableName    string    `json:"table_name"`
	Operation    string    `json:"operation"`
	RecordCount  int       `json:"record_count"`
	SiteID       string    `json:"site_id"`
	AgencyID     *string   `json:"agency_id,omitempty"`
	UserID       *string   `json:"user_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// GatewayRequestLog records one module gateway call regardless of outcome.
type GatewayRequestLog struct {
	ModuleID   string    `json:"module_id"`
	SiteID     *string   `json:"site_id,omitempty"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	AuthType   string    `json:"auth_type"`
	Identity   *string   `json:"identity,omitempty"`
	StatusCode int       `json:"status_code"`
	LatencyMS  int64     `json:"latency_ms"`
	IPAddress  string    `json:"ip_address"`
	UserAgent  string    `json:"user_agent"`
	CreatedAt  time.Time `json:"created_at"`
}
