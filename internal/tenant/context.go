// Package tenant is the data access layer module code uses against its own
// tables. Every Store operation is scoped to one site: reads filter on
// site_id, writes stamp it, and a write that names a different site is
// rejected. Reaching another module's tables goes through the crossmodule
// mediator instead.
package tenant

import "github.com/agencyos/module-platform/internal/apperr"

// Context identifies the tenant an operation runs for.
type Context struct {
	AgencyID string `json:"agency_id"`
	SiteID   string `json:"site_id"`
	UserID   string `json:"user_id,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Validate rejects a context without a site.
func (c Context) Validate() error {
	if c.SiteID == "" {
		return apperr.New(apperr.CodeValidationFailed, "tenant context requires a site id")
	}
	return nil
}

// Record is one row as a JSON-serializable column map.
type Record map[string]interface{}
