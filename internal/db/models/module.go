// Package models defines the database model types for the module platform.
// Models are pure data types: business logic belongs in the component
// packages, query logic belongs in the repositories layer.
package models

import "time"

// Module is a published, installable unit of functionality. It is owned by the
// platform: created on publish, updated on republish, never mutated by tenant actions.
type Module struct {
	ID            string          `json:"id"`
	ShortID       string          `json:"short_id"`
	Slug          string          `json:"slug"`
	Name          string          `json:"name"`
	Version       string          `json:"version"`
	Capabilities  []string        `json:"capabilities"`
	IsolationMode string          `json:"isolation_mode"`
	Resources     ModuleResources `json:"resources"`
	SchemaName    *string         `json:"schema_name,omitempty"`
	ProvisionedAt *time.Time      `json:"provisioned_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ModuleResources declares everything a module needs provisioned for it.
type ModuleResources struct {
	Tables         []ModuleTable       `json:"tables"`
	EdgeFunctions  []string            `json:"edgeFunctions,omitempty"`
	ScheduledJobs  []ScheduledJob      `json:"scheduledJobs,omitempty"`
	Webhooks       []WebhookDefinition `json:"webhooks,omitempty"`
	StorageBuckets []StorageBucket     `json:"storageBuckets,omitempty"`
	// PhysicalTables is written back by the provisioner: logical → physical name.
	PhysicalTables map[string]string `json:"physicalTables,omitempty"`
}

// ModuleTable declares one module-owned table.
type ModuleTable struct {
	Name        string                      `json:"name"`
	Schema      map[string]ColumnDefinition `json:"schema"`
	RLSPolicies []RLSPolicy                 `json:"rlsPolicies"`
	Indexes     []IndexDefinition           `json:"indexes,omitempty"`
}

// ColumnDefinition declares a single column of a module table.
type ColumnDefinition struct {
	Type       string  `json:"type"`
	Nullable   bool    `json:"nullable"`
	Default    *string `json:"default,omitempty"`
	Unique     bool    `json:"unique,omitempty"`
	References *string `json:"references,omitempty"` // "table" or "table(column)"
}

// RLSPolicy declares a row-level security policy. Using and WithCheck are SQL
// boolean expressions evaluated per row.
type RLSPolicy struct {
	Name      string `json:"name"`
	Command   string `json:"command"` // ALL, SELECT, INSERT, UPDATE, DELETE
	Using     string `json:"using,omitempty"`
	WithCheck string `json:"withCheck,omitempty"`
}

// IndexDefinition declares an index over one or more columns.
type IndexDefinition struct {
	Name    string   `json:"name,omitempty"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique,omitempty"`
}

// ScheduledJob declares a recurring edge function invocation.
type ScheduledJob struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Function string `json:"function"`
}

// WebhookDefinition subscribes an external URL to a module event.
type WebhookDefinition struct {
	Event string `json:"event"`
	URL   string `json:"url"`
}

// StorageBucket declares a blob storage area owned by the module.
type StorageBucket struct {
	Name   string `json:"name"`
	Public bool   `json:"public,omitempty"`
}

// ModuleTableRecord is one row of the physical-name registry.
type ModuleTableRecord struct {
	ModuleID     string    `json:"module_id"`
	LogicalName  string    `json:"logical_name"`
	PhysicalName string    `json:"physical_name"`
	CreatedAt    time.Time `json:"created_at"`
}

// ModuleInstallation records a module installed into a site.
type ModuleInstallation struct {
	ID          string                 `json:"id"`
	ModuleID    string                 `json:"module_id"`
	SiteID      string                 `json:"site_id"`
	Enabled     bool                   `json:"enabled"`
	Settings    map[string]interface{} `json:"settings"`
	InstalledBy *string                `json:"installed_by,omitempty"`
	InstalledAt time.Time              `json:"installed_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}
