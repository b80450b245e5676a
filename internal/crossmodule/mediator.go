package crossmodule

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agencyos/module-platform/internal/apperr"
	"github.com/agencyos/module-platform/internal/db/models"
	"github.com/agencyos/module-platform/internal/safego"
	"github.com/agencyos/module-platform/internal/telemetry"
	"github.com/agencyos/module-platform/internal/tenant"
)

// TableResolver maps a module's logical table to the physical name recorded
// by the provisioner. An unregistered table resolves to "".
type TableResolver interface {
	LookupPhysicalTable(ctx context.Context, moduleRef, logical string) (string, error)
}

// AccessLogger persists access log entries.
type AccessLogger interface {
	InsertAccessLog(ctx context.Context, e *models.AccessLogEntry) error
}

// WriteOp is a mutation performed through WriteTo.
type WriteOp string

const (
	WriteInsert WriteOp = "insert"
	WriteUpdate WriteOp = "update"
	WriteDelete WriteOp = "delete"
)

// WriteResult is the outcome of WriteTo. Records holds the inserted or
// updated rows; Affected is the row count for every operation.
type WriteResult struct {
	Records  []tenant.Record `json:"records,omitempty"`
	Affected int64           `json:"affected"`
}

const accessLogTimeout = 5 * time.Second

// Mediator performs cross-module calls on behalf of one source module.
type Mediator struct {
	db     sqlx.ExtContext
	perms  *Registry
	tables TableResolver
	logs   AccessLogger
	source string

	// async runs access log writes; safego.Go outside tests
	async func(func())
}

// NewMediator creates a Mediator acting as source.
func NewMediator(db sqlx.ExtContext, perms *Registry, tables TableResolver, logs AccessLogger, source string) *Mediator {
	return &Mediator{
		db:     db,
		perms:  perms,
		tables: tables,
		logs:   logs,
		source: source,
		async:  safego.Go,
	}
}

// Source returns the module this mediator acts for.
func (m *Mediator) Source() string {
	return m.source
}

// open checks the permission and resolves the target table.
func (m *Mediator) open(ctx context.Context, tc tenant.Context, target, table string, op Operation, metricOp string) (*tenant.Table, error) {
	if !m.perms.Check(m.source, target, table, op) {
		telemetry.CrossModuleCallsTotal.WithLabelValues(metricOp, "denied").Inc()
		slog.Warn("crossmodule: access denied",
			"source", m.source, "target", target, "table", table, "operation", string(op), "site_id", tc.SiteID)
		return nil, apperr.New(apperr.CodeAccessDenied, "module %s may not %s %s.%s", m.source, op, target, table)
	}

	physical, err := m.tables.LookupPhysicalTable(ctx, target, table)
	if err != nil {
		telemetry.CrossModuleCallsTotal.WithLabelValues(metricOp, "error").Inc()
		return nil, apperr.Query("resolve_table", table, err)
	}
	if physical == "" {
		telemetry.CrossModuleCallsTotal.WithLabelValues(metricOp, "table_not_found").Inc()
		return nil, apperr.New(apperr.CodeTableNotFound, "table %s.%s is not registered", target, table)
	}

	t, err := tenant.OpenTable(m.db, physical, tc)
	if err != nil {
		telemetry.CrossModuleCallsTotal.WithLabelValues(metricOp, "error").Inc()
		return nil, err
	}
	return t, nil
}

// ReadFrom returns rows of target's table visible to the caller's site.
func (m *Mediator) ReadFrom(ctx context.Context, tc tenant.Context, target, table string, filters []tenant.Filter, opts tenant.Options) ([]tenant.Record, error) {
	t, err := m.open(ctx, tc, target, table, OpRead, "read")
	if err != nil {
		return nil, err
	}
	rows, err := t.Find(ctx, filters, opts)
	if err != nil {
		telemetry.CrossModuleCallsTotal.WithLabelValues("read", "error").Inc()
		return nil, err
	}
	telemetry.CrossModuleCallsTotal.WithLabelValues("read", "ok").Inc()
	m.logAccess(tc, target, table, "read", len(rows))
	return rows, nil
}

// CountIn counts rows of target's table visible to the caller's site.
func (m *Mediator) CountIn(ctx context.Context, tc tenant.Context, target, table string, filters []tenant.Filter) (int64, error) {
	t, err := m.open(ctx, tc, target, table, OpRead, "count")
	if err != nil {
		return 0, err
	}
	n, err := t.Count(ctx, filters)
	if err != nil {
		telemetry.CrossModuleCallsTotal.WithLabelValues("count", "error").Inc()
		return 0, err
	}
	telemetry.CrossModuleCallsTotal.WithLabelValues("count", "ok").Inc()
	m.logAccess(tc, target, table, "count", int(n))
	return n, nil
}

// WriteTo inserts, updates or deletes rows of target's table in the caller's
// site. Update and delete address a single row by id.
func (m *Mediator) WriteTo(ctx context.Context, tc tenant.Context, target, table string, op WriteOp, data tenant.Record, id string) (*WriteResult, error) {
	switch op {
	case WriteInsert:
	case WriteUpdate, WriteDelete:
		if id == "" {
			return nil, apperr.New(apperr.CodeValidationFailed, "%s requires an id", op)
		}
	default:
		return nil, apperr.New(apperr.CodeValidationFailed, "unknown write operation %q", op)
	}

	metricOp := string(op)
	t, err := m.open(ctx, tc, target, table, OpWrite, metricOp)
	if err != nil {
		return nil, err
	}

	result := &WriteResult{}
	switch op {
	case WriteInsert:
		rec, err := t.Create(ctx, data)
		if err != nil {
			telemetry.CrossModuleCallsTotal.WithLabelValues(metricOp, "error").Inc()
			return nil, err
		}
		if rec != nil {
			result.Records = []tenant.Record{rec}
			result.Affected = 1
		}
	case WriteUpdate:
		set := make(tenant.Record, len(data)+2)
		for k, v := range data {
			set[k] = v
		}
		if tc.UserID != "" {
			set[tenant.ColumnUpdatedBy] = tc.UserID
		}
		set[tenant.ColumnUpdatedAt] = time.Now().UTC()
		rows, err := t.Update(ctx, []tenant.Filter{tenant.Eq(tenant.ColumnID, id)}, set)
		if err != nil {
			telemetry.CrossModuleCallsTotal.WithLabelValues(metricOp, "error").Inc()
			return nil, err
		}
		result.Records = rows
		result.Affected = int64(len(rows))
	case WriteDelete:
		n, err := t.Delete(ctx, []tenant.Filter{tenant.Eq(tenant.ColumnID, id)})
		if err != nil {
			telemetry.CrossModuleCallsTotal.WithLabelValues(metricOp, "error").Inc()
			return nil, err
		}
		result.Affected = n
	}

	telemetry.CrossModuleCallsTotal.WithLabelValues(metricOp, "ok").Inc()
	m.logAccess(tc, target, table, metricOp, int(result.Affected))
	return result, nil
}

// logAccess appends the access log entry off the request path. A failed
// write is logged and counted, never returned.
func (m *Mediator) logAccess(tc tenant.Context, target, table, operation string, count int) {
	if m.logs == nil {
		return
	}
	entry := &models.AccessLogEntry{
		SourceModule: m.source,
		TargetModule: target,
		TableName:    table,
		Operation:    operation,
		RecordCount:  count,
		SiteID:       tc.SiteID,
		Timestamp:    time.Now().UTC(),
	}
	if tc.AgencyID != "" {
		agency := tc.AgencyID
		entry.AgencyID = &agency
	}
	if tc.UserID != "" {
		user := tc.UserID
		entry.UserID = &user
	}

	m.async(func() {
		ctx, cancel := context.WithTimeout(context.Background(), accessLogTimeout)
		defer cancel()
		if err := m.logs.InsertAccessLog(ctx, entry); err != nil {
			telemetry.AccessLogFailuresTotal.Inc()
			slog.Warn("crossmodule: access log write failed",
				"source", entry.SourceModule, "target", entry.TargetModule, "table", entry.TableName, "error", err)
		}
	})
}
