// Package provisioner creates and drops the physical storage a module
// declares: an optional dedicated schema, one table per declared ModuleTable
// with row level security, policies, indexes and the updated_at trigger, and
// blob storage prefixes for declared buckets.
//
// Provisioning is best-effort per table by default. Each table is created in
// its own transaction; a table that fails validation or DDL is reported in
// the Result and the remaining tables still run. With Options.Atomic every
// statement runs in one transaction and the first failure rolls back all of
// them.
//
// Callers must authorize the request (platform:admin) before calling in.
package provisioner

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/agencyos/module-platform/internal/apperr"
	"github.com/agencyos/module-platform/internal/db"
	"github.com/agencyos/module-platform/internal/db/models"
	"github.com/agencyos/module-platform/internal/naming"
	"github.com/agencyos/module-platform/internal/storage"
	"github.com/agencyos/module-platform/internal/telemetry"
)

// ModuleStore is the slice of the module repository the provisioner needs
type ModuleStore interface {
	GetModule(ctx context.Context, idOrSlug string) (*models.Module, error)
	SaveProvisioning(ctx context.Context, moduleID string, resources models.ModuleResources, schemaName *string) error
	ClearProvisioning(ctx context.Context, moduleID string) error
	ListTableRecords(ctx context.Context, moduleID string) ([]models.ModuleTableRecord, error)
}

// Options tunes provisioning behavior
type Options struct {
	// Atomic runs all DDL in a single transaction
	Atomic bool
}

// Provisioner creates and drops module storage
type Provisioner struct {
	db      *sqlx.DB
	modules ModuleStore
	blobs   storage.Storage
	opts    Options

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Provisioner. blobs may be nil, in which case declared
// storage buckets are reported as errors rather than created.
func New(db *sqlx.DB, modules ModuleStore, blobs storage.Storage, opts Options) *Provisioner {
	return &Provisioner{
		db:      db,
		modules: modules,
		blobs:   blobs,
		opts:    opts,
		locks:   make(map[string]*sync.Mutex),
	}
}

// ResourceError describes one table or bucket that could not be provisioned
type ResourceError struct {
	Resource string `json:"resource"`
	Error    string `json:"error"`
}

// Result reports what Provision created
type Result struct {
	ModuleID       string            `json:"module_id"`
	Schema         string            `json:"schema,omitempty"`
	TablesCreated  []string          `json:"tables_created"`
	PhysicalTables map[string]string `json:"physical_tables"`
	BucketsCreated []string          `json:"buckets_created"`
	Errors         []ResourceError   `json:"errors,omitempty"`
}

// DeprovisionResult reports what Deprovision removed
type DeprovisionResult struct {
	ModuleID       string          `json:"module_id"`
	SchemaDropped  string          `json:"schema_dropped,omitempty"`
	TablesDropped  []string        `json:"tables_dropped"`
	ObjectsRemoved int             `json:"objects_removed"`
	Errors         []ResourceError `json:"errors,omitempty"`
	// ModuleMissing is set when the module no longer exists; nothing was done
	ModuleMissing bool `json:"module_missing,omitempty"`
}

// lock serializes provision and deprovision calls for one module
func (p *Provisioner) lock(moduleID string) func() {
	p.mu.Lock()
	l, ok := p.locks[moduleID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[moduleID] = l
	}
	p.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Provision creates the schema, tables and buckets declared in resources and
// records the resolved physical names on the module.
func (p *Provisioner) Provision(ctx context.Context, moduleID string, resources models.ModuleResources, mode naming.IsolationMode) (*Result, error) {
	unlock := p.lock(moduleID)
	defer unlock()

	mod, err := p.modules.GetModule(ctx, moduleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load module: %w", err)
	}
	if mod == nil {
		return nil, apperr.New(apperr.CodeNotFound, "module %s not found", moduleID)
	}
	if err := naming.ValidateShortID(mod.ShortID); err != nil {
		return nil, apperr.Wrap(apperr.CodeValidationFailed, "provision", "", err)
	}

	result := &Result{
		ModuleID:       mod.ID,
		TablesCreated:  []string{},
		PhysicalTables: map[string]string{},
		BucketsCreated: []string{},
	}

	siblings := make(map[string]bool, len(resources.Tables))
	for _, t := range resources.Tables {
		siblings[t.Name] = true
	}

	var plans []*tablePlan
	for _, t := range resources.Tables {
		plan, err := planTable(t, mod.ShortID, mode, siblings)
		if err != nil {
			if p.opts.Atomic {
				return nil, apperr.Wrap(apperr.CodeValidationFailed, "provision", t.Name, err)
			}
			slog.Warn("provisioner: table rejected", "module_id", mod.ID, "table", t.Name, "error", err)
			telemetry.ProvisionedTablesTotal.WithLabelValues("failed").Inc()
			result.Errors = append(result.Errors, ResourceError{Resource: t.Name, Error: err.Error()})
			continue
		}
		plans = append(plans, plan)
	}

	var schemaName *string
	var prelude []string
	if mode == naming.IsolationSchema {
		s := naming.SchemaName(mod.ShortID)
		schemaName = &s
		result.Schema = s
		prelude = append(prelude, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", naming.Quote(s)))
	}

	if p.opts.Atomic {
		if err := p.provisionAtomic(ctx, prelude, plans, result); err != nil {
			return nil, err
		}
	} else {
		for _, stmt := range prelude {
			if _, err := p.db.ExecContext(ctx, stmt); err != nil {
				return nil, apperr.Query("create_schema", result.Schema, err)
			}
		}
		for _, plan := range plans {
			if err := p.runPlan(ctx, plan); err != nil {
				slog.Error("provisioner: table failed", "module_id", mod.ID, "table", plan.logical, "error", err)
				telemetry.ProvisionedTablesTotal.WithLabelValues("failed").Inc()
				result.Errors = append(result.Errors, ResourceError{Resource: plan.logical, Error: err.Error()})
				continue
			}
			telemetry.ProvisionedTablesTotal.WithLabelValues("created").Inc()
			result.TablesCreated = append(result.TablesCreated, plan.physical)
			result.PhysicalTables[plan.logical] = plan.physical
		}
	}

	p.createBuckets(ctx, mod, resources.StorageBuckets, result)

	resources.PhysicalTables = result.PhysicalTables
	if err := p.modules.SaveProvisioning(ctx, mod.ID, resources, schemaName); err != nil {
		return result, fmt.Errorf("failed to record provisioning: %w", err)
	}

	slog.Info("module provisioned",
		"module_id", mod.ID,
		"mode", string(mode),
		"tables", len(result.TablesCreated),
		"failed", len(result.Errors))
	return result, nil
}

// runPlan executes one table's statements in its own transaction
func (p *Provisioner) runPlan(ctx context.Context, plan *tablePlan) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range plan.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *Provisioner) provisionAtomic(ctx context.Context, prelude []string, plans []*tablePlan, result *Result) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range prelude {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return apperr.Query("create_schema", result.Schema, err)
		}
	}
	for _, plan := range plans {
		for _, stmt := range plan.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				telemetry.ProvisionedTablesTotal.WithLabelValues("failed").Inc()
				return apperr.Query("create_table", plan.logical, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit provisioning: %w", err)
	}

	for _, plan := range plans {
		telemetry.ProvisionedTablesTotal.WithLabelValues("created").Inc()
		result.TablesCreated = append(result.TablesCreated, plan.physical)
		result.PhysicalTables[plan.logical] = plan.physical
	}
	return nil
}

// createBuckets writes a .keep marker under each declared bucket prefix
func (p *Provisioner) createBuckets(ctx context.Context, mod *models.Module, buckets []models.StorageBucket, result *Result) {
	for _, b := range buckets {
		if err := naming.ValidateIdentifier(b.Name); err != nil {
			result.Errors = append(result.Errors, ResourceError{Resource: "bucket:" + b.Name, Error: err.Error()})
			continue
		}
		if p.blobs == nil {
			result.Errors = append(result.Errors, ResourceError{Resource: "bucket:" + b.Name, Error: "no storage backend configured"})
			continue
		}
		key := storage.BucketPrefix(mod.ShortID, b.Name) + storage.KeepMarker
		if _, err := p.blobs.Upload(ctx, key, bytes.NewReader(nil), 0); err != nil {
			slog.Error("provisioner: bucket failed", "module_id", mod.ID, "bucket", b.Name, "error", err)
			result.Errors = append(result.Errors, ResourceError{Resource: "bucket:" + b.Name, Error: err.Error()})
			continue
		}
		result.BucketsCreated = append(result.BucketsCreated, b.Name)
	}
}

// Deprovision drops everything Provision created for a module. A module
// that no longer exists is a successful no-op.
func (p *Provisioner) Deprovision(ctx context.Context, moduleID string) (*DeprovisionResult, error) {
	unlock := p.lock(moduleID)
	defer unlock()

	result := &DeprovisionResult{ModuleID: moduleID, TablesDropped: []string{}}

	mod, err := p.modules.GetModule(ctx, moduleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load module: %w", err)
	}
	if mod == nil {
		result.ModuleMissing = true
		return result, nil
	}
	result.ModuleID = mod.ID

	mode, err := naming.ParseMode(mod.IsolationMode)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidationFailed, "deprovision", "", err)
	}

	if mode == naming.IsolationSchema {
		schema := naming.SchemaName(mod.ShortID)
		if mod.SchemaName != nil && naming.ValidateIdentifier(*mod.SchemaName) == nil {
			schema = *mod.SchemaName
		}
		if _, err := p.db.ExecContext(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", naming.Quote(schema))); err != nil {
			return nil, apperr.Query("drop_schema", schema, err)
		}
		result.SchemaDropped = schema
	} else {
		physical, err := p.knownTables(ctx, mod)
		if err != nil {
			return nil, err
		}
		for _, name := range physical {
			if err := naming.ValidatePhysical(name); err != nil {
				result.Errors = append(result.Errors, ResourceError{Resource: name, Error: err.Error()})
				continue
			}
			_, err := p.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", naming.Quote(name)))
			if err != nil && !db.IsUndefinedObject(err) {
				slog.Error("deprovision: drop failed", "module_id", mod.ID, "table", name, "error", err)
				result.Errors = append(result.Errors, ResourceError{Resource: name, Error: err.Error()})
				continue
			}
			result.TablesDropped = append(result.TablesDropped, name)
		}
	}

	if p.blobs != nil && len(mod.Resources.StorageBuckets) > 0 {
		n, err := p.blobs.DeletePrefix(ctx, storage.ModulePrefix(mod.ShortID))
		result.ObjectsRemoved = n
		if err != nil {
			result.Errors = append(result.Errors, ResourceError{Resource: "buckets", Error: err.Error()})
		}
	}

	if err := p.modules.ClearProvisioning(ctx, mod.ID); err != nil {
		return result, fmt.Errorf("failed to clear provisioning: %w", err)
	}

	slog.Info("module deprovisioned",
		"module_id", mod.ID,
		"schema", result.SchemaDropped,
		"tables", len(result.TablesDropped))
	return result, nil
}

// knownTables merges the registry rows with the physical names recorded on
// the module so a partially recorded provisioning is still fully dropped
func (p *Provisioner) knownTables(ctx context.Context, mod *models.Module) ([]string, error) {
	records, err := p.modules.ListTableRecords(ctx, mod.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list module tables: %w", err)
	}
	seen := map[string]bool{}
	var out []string
	for _, r := range records {
		if !seen[r.PhysicalName] {
			seen[r.PhysicalName] = true
			out = append(out, r.PhysicalName)
		}
	}
	for _, name := range sortedValues(mod.Resources.PhysicalTables) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out, nil
}
