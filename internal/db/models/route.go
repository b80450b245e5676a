// Package models - route.go defines RegisteredRoute, a runtime-registered
// module HTTP endpoint served through the gateway.
package models

import "time"

// Handler types a route can dispatch to.
const (
	HandlerTypeFunction = "function"
	HandlerTypeProxy    = "proxy"
	HandlerTypeEdge     = "edge"
)

// RegisteredRoute maps (module, method, path pattern) onto a handler.
type RegisteredRoute struct {
	ID          string `json:"id"`
	ModuleID    string `json:"module_id"`
	Path        string `json:"path"`
	Method      string `json:"method"`
	HandlerType string `json:"handler_type"`
	// HandlerID names a compiled handler in the gateway's handler registry.
	HandlerID *string `json:"handler_id,omitempty"`
	// HandlerCode is legacy inline source; it only runs when the sandbox is enabled.
	HandlerCode *string `json:"handler_code,omitempty"`
	// HandlerURL is the proxy target or the edge function name.
	HandlerURL *string `json:"handler_url,omitempty"`
	// ProxyHeadersEnc holds upstream headers sealed with the token cipher.
	ProxyHeadersEnc    *string   `json:"-"`
	RequiredScopes     []string  `json:"required_scopes"`
	RateLimitPerMinute *int      `json:"rate_limit_per_minute,omitempty"`
	IsActive           bool      `json:"is_active"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}
