// Package audit records administrative actions on the platform: module
// publish and provisioning, installs, OAuth client and domain changes, and
// cross-module permission edits. Entries are written to the audit_logs table
// and optionally shipped to external destinations (a webhook or an
// append-only JSON lines file) so they can reach a SIEM independently of the
// application logs.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/agencyos/module-platform/internal/config"
	"github.com/agencyos/module-platform/internal/db/models"
)

// LogEntry is the shipped form of an audit record.
type LogEntry struct {
	Timestamp    time.Time              `json:"timestamp"`
	Action       string                 `json:"action"`
	UserID       string                 `json:"user_id,omitempty"`
	AgencyID     string                 `json:"agency_id,omitempty"`
	SiteID       string                 `json:"site_id,omitempty"`
	ModuleID     string                 `json:"module_id,omitempty"`
	ResourceType string                 `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	AuthMethod   string                 `json:"auth_method,omitempty"`
	StatusCode   int                    `json:"status_code,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Shipper sends entries to one destination.
type Shipper interface {
	Ship(ctx context.Context, entry *LogEntry) error
	Close() error
}

// MultiShipper fans an entry out to every configured destination.
type MultiShipper struct {
	mu       sync.RWMutex
	shippers []Shipper
}

// NewMultiShipper builds the enabled shippers from cfgs.
func NewMultiShipper(cfgs []config.AuditShipperConfig) (*MultiShipper, error) {
	ms := &MultiShipper{}
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		var (
			s   Shipper
			err error
		)
		switch cfg.Type {
		case "webhook":
			if cfg.Webhook == nil {
				return nil, fmt.Errorf("webhook config is required for webhook shipper")
			}
			s, err = NewWebhookShipper(cfg.Webhook)
		case "file":
			if cfg.File == nil {
				return nil, fmt.Errorf("file config is required for file shipper")
			}
			s, err = NewFileShipper(cfg.File.Path)
		default:
			return nil, fmt.Errorf("unknown audit shipper type: %s", cfg.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create %s shipper: %w", cfg.Type, err)
		}
		ms.shippers = append(ms.shippers, s)
	}
	return ms, nil
}

// Len returns the number of active destinations.
func (ms *MultiShipper) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.shippers)
}

// Ship sends entry to every destination and returns the last error. One
// failing destination does not stop the others.
func (ms *MultiShipper) Ship(ctx context.Context, entry *LogEntry) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var lastErr error
	for _, s := range ms.shippers {
		if err := s.Ship(ctx, entry); err != nil {
			slog.Warn("audit shipper failed", "action", entry.Action, "error", err)
			lastErr = err
		}
	}
	return lastErr
}

// Close closes every destination.
func (ms *MultiShipper) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var lastErr error
	for _, s := range ms.shippers {
		if err := s.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// WebhookShipper POSTs each entry as JSON.
type WebhookShipper struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookShipper creates a WebhookShipper. The timeout defaults to 10s.
func NewWebhookShipper(cfg *config.AuditWebhookConfig) (*WebhookShipper, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookShipper{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Ship implements Shipper.
func (ws *WebhookShipper) Ship(ctx context.Context, entry *LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ws.headers {
		req.Header.Set(k, v)
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send audit webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("audit webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Close implements Shipper.
func (ws *WebhookShipper) Close() error { return nil }

// FileShipper appends entries as JSON lines.
type FileShipper struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileShipper opens path for appending.
func NewFileShipper(path string) (*FileShipper, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	return &FileShipper{file: f}, nil
}

// Ship implements Shipper.
func (fs *FileShipper) Ship(_ context.Context, entry *LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, err := fs.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// Close implements Shipper.
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}

// Store persists audit records. *repositories.AuditRepository satisfies it.
type Store interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// Recorder writes entries to the store and ships them. Either may be nil.
type Recorder struct {
	store   Store
	shipper Shipper
}

// NewRecorder creates a Recorder.
func NewRecorder(store Store, shipper Shipper) *Recorder {
	return &Recorder{store: store, shipper: shipper}
}

// Record persists and ships entry. A store failure is returned; shipping
// failures are only logged.
func (r *Recorder) Record(ctx context.Context, entry *LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	var err error
	if r.store != nil {
		err = r.store.CreateAuditLog(ctx, toModel(entry))
	}
	if r.shipper != nil {
		_ = r.shipper.Ship(ctx, entry)
	}
	return err
}

func toModel(e *LogEntry) *models.AuditLog {
	meta := make(map[string]interface{}, len(e.Metadata)+5)
	for k, v := range e.Metadata {
		meta[k] = v
	}
	for k, v := range map[string]string{
		"agency_id":   e.AgencyID,
		"site_id":     e.SiteID,
		"module_id":   e.ModuleID,
		"auth_method": e.AuthMethod,
	} {
		if v != "" {
			meta[k] = v
		}
	}
	if e.StatusCode != 0 {
		meta["status_code"] = e.StatusCode
	}
	l := &models.AuditLog{Action: e.Action, Metadata: meta, CreatedAt: e.Timestamp}
	if e.UserID != "" {
		l.UserID = &e.UserID
	}
	if e.ResourceType != "" {
		l.ResourceType = &e.ResourceType
	}
	if e.ResourceID != "" {
		l.ResourceID = &e.ResourceID
	}
	if e.IPAddress != "" {
		l.IPAddress = &e.IPAddress
	}
	return l
}
