// Package models - site.go defines Site (a tenant) and the page and navigation
// records lifecycle hooks create on a site.
package models

import "time"

// Site is an isolated customer website; its id scopes all tenant data.
type Site struct {
	ID        string    `json:"id"`
	AgencyID  string    `json:"agency_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// SitePage is a page a module created on a site.
type SitePage struct {
	ID        string                 `json:"id"`
	SiteID    string                 `json:"site_id"`
	ModuleID  string                 `json:"module_id"`
	Slug      string                 `json:"slug"`
	Title     string                 `json:"title"`
	Content   map[string]interface{} `json:"content"`
	CreatedAt time.Time              `json:"created_at"`
}

// SiteNavItem is a navigation entry a module added to a site.
type SiteNavItem struct {
	ID        string    `json:"id"`
	SiteID    string    `json:"site_id"`
	ModuleID  string    `json:"module_id"`
	Label     string    `json:"label"`
	Href      string    `json:"href"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}
