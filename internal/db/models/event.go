// Package models - event.go defines ModuleEvent, a transient queue entry for
// inter-module pub/sub. Rows are not an event log of record.
package models

import (
	"encoding/json"
	"time"
)

// ModuleEvent is created on emit, mutated only to flip Processed, and
// deleted by retention cleanup.
type ModuleEvent struct {
	ID             string          `json:"id"`
	EventName      string          `json:"event_name"`
	SourceModuleID string          `json:"source_module_id"`
	TargetModuleID *string         `json:"target_module_id,omitempty"`
	SiteID         string          `json:"site_id"`
	Payload        json.RawMessage `json:"payload"`
	Processed      bool            `json:"processed"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
