package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/agencyos/module-platform/internal/apperr"
	"github.com/agencyos/module-platform/internal/naming"
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// Platform-managed columns.
const (
	ColumnID        = "id"
	ColumnSiteID    = "site_id"
	ColumnAgencyID  = "agency_id"
	ColumnCreatedBy = "created_by"
	ColumnUpdatedBy = "updated_by"
	ColumnUpdatedAt = "updated_at"
)

// Module identifies the module whose tables a Store resolves.
type Module struct {
	ShortID string
	Mode    naming.IsolationMode
}

// Store is a module's site-scoped view of its own tables.
type Store struct {
	db     sqlx.ExtContext
	module Module
	tc     Context
	admin  bool
}

// NewStore binds a module's tables to one tenant.
func NewStore(db sqlx.ExtContext, module Module, tc Context) (*Store, error) {
	if err := naming.ValidateShortID(module.ShortID); err != nil {
		return nil, apperr.New(apperr.CodeValidationFailed, "%v", err)
	}
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	return &Store{db: db, module: module, tc: tc}, nil
}

// NewAdminStore returns a Store that does not filter by site. It exists for
// platform maintenance such as bulk export or site deletion and must only be
// constructed by server-side code, never from a request-supplied identity.
func NewAdminStore(db sqlx.ExtContext, module Module) (*Store, error) {
	if err := naming.ValidateShortID(module.ShortID); err != nil {
		return nil, apperr.New(apperr.CodeValidationFailed, "%v", err)
	}
	return &Store{db: db, module: module, admin: true}, nil
}

// PhysicalName resolves a logical table of the store's module.
func (s *Store) PhysicalName(table string) (string, error) {
	if err := naming.ValidateTableName(table); err != nil {
		return "", apperr.New(apperr.CodeValidationFailed, "%v", err)
	}
	return naming.Resolve(s.module.ShortID, table, s.module.Mode), nil
}

// Table returns a handle on one logical table.
func (s *Store) Table(table string) (*Table, error) {
	physical, err := s.PhysicalName(table)
	if err != nil {
		return nil, err
	}
	return &Table{db: s.db, name: table, physical: physical, tc: s.tc, admin: s.admin}, nil
}

func (s *Store) Find(ctx context.Context, table string, filters []Filter, opts Options) ([]Record, error) {
	t, err := s.Table(table)
	if err != nil {
		return nil, err
	}
	return t.Find(ctx, filters, opts)
}

func (s *Store) FindOne(ctx context.Context, table string, filters []Filter) (Record, error) {
	t, err := s.Table(table)
	if err != nil {
		return nil, err
	}
	return t.FindOne(ctx, filters)
}

func (s *Store) FindByID(ctx context.Context, table, id string) (Record, error) {
	t, err := s.Table(table)
	if err != nil {
		return nil, err
	}
	return t.FindByID(ctx, id)
}

func (s *Store) Create(ctx context.Context, table string, data Record) (Record, error) {
	t, err := s.Table(table)
	if err != nil {
		return nil, err
	}
	return t.Create(ctx, data)
}

func (s *Store) Update(ctx context.Context, table string, filters []Filter, data Record) ([]Record, error) {
	t, err := s.Table(table)
	if err != nil {
		return nil, err
	}
	return t.Update(ctx, filters, data)
}

func (s *Store) Upsert(ctx context.Context, table string, data Record, conflictColumns ...string) (Record, error) {
	t, err := s.Table(table)
	if err != nil {
		return nil, err
	}
	return t.Upsert(ctx, data, conflictColumns...)
}

func (s *Store) Delete(ctx context.Context, table string, filters []Filter) (int64, error) {
	t, err := s.Table(table)
	if err != nil {
		return 0, err
	}
	return t.Delete(ctx, filters)
}

func (s *Store) Count(ctx context.Context, table string, filters []Filter) (int64, error) {
	t, err := s.Table(table)
	if err != nil {
		return 0, err
	}
	return t.Count(ctx, filters)
}

func (s *Store) Exists(ctx context.Context, table string, filters []Filter) (bool, error) {
	t, err := s.Table(table)
	if err != nil {
		return false, err
	}
	return t.Exists(ctx, filters)
}

// Table is a site-scoped handle on one physical table.
type Table struct {
	db       sqlx.ExtContext
	name     string
	physical string
	tc       Context
	admin    bool
}

// OpenTable opens a handle on an already-resolved physical name, such as one
// read from the module table registry.
func OpenTable(db sqlx.ExtContext, physical string, tc Context) (*Table, error) {
	if err := naming.ValidatePhysical(physical); err != nil {
		return nil, apperr.New(apperr.CodeValidationFailed, "%v", err)
	}
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	return &Table{db: db, name: physical, physical: physical, tc: tc}, nil
}

// Physical returns the resolved physical name.
func (t *Table) Physical() string {
	return t.physical
}

func (t *Table) quoted() string {
	return naming.Quote(t.physical)
}

// where combines the site predicate with the caller's filters.
func (t *Table) where(filters []Filter) (squirrel.And, error) {
	conds, err := buildWhere(filters)
	if err != nil {
		return nil, err
	}
	if t.admin {
		return conds, nil
	}
	return append(squirrel.And{squirrel.Eq{naming.Quote(ColumnSiteID): t.tc.SiteID}}, conds...), nil
}

// Find returns the rows matching filters.
func (t *Table) Find(ctx context.Context, filters []Filter, opts Options) ([]Record, error) {
	where, err := t.where(filters)
	if err != nil {
		return nil, err
	}
	cols := []string{"*"}
	if len(opts.Columns) > 0 {
		cols = cols[:0]
		for _, c := range opts.Columns {
			q, err := quoteColumn(c)
			if err != nil {
				return nil, err
			}
			cols = append(cols, q)
		}
	}
	q := psql.Select(cols...).From(t.quoted()).Where(where)
	if opts.OrderBy != "" {
		col, err := quoteColumn(opts.OrderBy)
		if err != nil {
			return nil, err
		}
		dir := "DESC"
		if opts.Ascending {
			dir = "ASC"
		}
		q = q.OrderBy(col + " " + dir)
	}
	if opts.Limit > 0 {
		q = q.Limit(uint64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Offset(uint64(opts.Offset))
	}
	return t.query(ctx, "find", q)
}

// FindOne returns the first matching row, or nil.
func (t *Table) FindOne(ctx context.Context, filters []Filter) (Record, error) {
	rows, err := t.Find(ctx, filters, Options{Limit: 1})
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// FindByID returns the row with the given id, or nil.
func (t *Table) FindByID(ctx context.Context, id string) (Record, error) {
	if id == "" {
		return nil, apperr.New(apperr.CodeValidationFailed, "id is required")
	}
	return t.FindOne(ctx, []Filter{Eq(ColumnID, id)})
}

// stamp fills tenant columns absent from data and rejects a foreign site_id.
func (t *Table) stamp(data Record) (Record, error) {
	out := make(Record, len(data)+3)
	for k, v := range data {
		out[k] = v
	}
	if t.admin {
		return out, nil
	}
	if v, ok := out[ColumnSiteID]; ok && v != nil {
		if fmt.Sprint(v) != t.tc.SiteID {
			return nil, apperr.New(apperr.CodeAccessDenied, "cannot write rows for another site")
		}
	}
	out[ColumnSiteID] = t.tc.SiteID
	if _, ok := out[ColumnAgencyID]; !ok && t.tc.AgencyID != "" {
		out[ColumnAgencyID] = t.tc.AgencyID
	}
	if _, ok := out[ColumnCreatedBy]; !ok && t.tc.UserID != "" {
		out[ColumnCreatedBy] = t.tc.UserID
	}
	return out, nil
}

// sortedColumns returns validated, quoted column names and the matching values
// in a stable order.
func sortedColumns(data Record) ([]string, []interface{}, error) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	cols := make([]string, len(keys))
	vals := make([]interface{}, len(keys))
	for i, k := range keys {
		q, err := quoteColumn(k)
		if err != nil {
			return nil, nil, err
		}
		cols[i] = q
		vals[i] = encodeValue(data[k])
	}
	return cols, vals, nil
}

// Create inserts one row and returns it as stored.
func (t *Table) Create(ctx context.Context, data Record) (Record, error) {
	if len(data) == 0 && t.admin {
		return nil, apperr.New(apperr.CodeValidationFailed, "create requires data")
	}
	row, err := t.stamp(data)
	if err != nil {
		return nil, err
	}
	cols, vals, err := sortedColumns(row)
	if err != nil {
		return nil, err
	}
	q := psql.Insert(t.quoted()).Columns(cols...).Values(vals...).Suffix("RETURNING *")
	rows, err := t.query(ctx, "create", q)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// Update applies data to the matching rows. An empty filter list is rejected
// before any SQL runs.
func (t *Table) Update(ctx context.Context, filters []Filter, data Record) ([]Record, error) {
	if len(filters) == 0 {
		return nil, apperr.New(apperr.CodeValidationFailed, "update requires at least one filter")
	}
	set := make(Record, len(data))
	for k, v := range data {
		set[k] = v
	}
	if v, ok := set[ColumnSiteID]; ok && !t.admin {
		if v == nil || fmt.Sprint(v) != t.tc.SiteID {
			return nil, apperr.New(apperr.CodeAccessDenied, "cannot move rows to another site")
		}
		delete(set, ColumnSiteID)
	}
	if len(set) == 0 {
		return nil, apperr.New(apperr.CodeValidationFailed, "update requires data")
	}
	where, err := t.where(filters)
	if err != nil {
		return nil, err
	}
	cols, vals, err := sortedColumns(set)
	if err != nil {
		return nil, err
	}
	q := psql.Update(t.quoted()).Where(where).Suffix("RETURNING *")
	for i, c := range cols {
		q = q.Set(c, vals[i])
	}
	return t.query(ctx, "update", q)
}

// Upsert inserts data or updates the row conflicting on conflictColumns
// (default id). The update never touches a row owned by another site.
func (t *Table) Upsert(ctx context.Context, data Record, conflictColumns ...string) (Record, error) {
	if len(conflictColumns) == 0 {
		conflictColumns = []string{ColumnID}
	}
	row, err := t.stamp(data)
	if err != nil {
		return nil, err
	}
	cols, vals, err := sortedColumns(row)
	if err != nil {
		return nil, err
	}
	conflict := make([]string, len(conflictColumns))
	isConflict := map[string]bool{}
	for i, c := range conflictColumns {
		q, err := quoteColumn(c)
		if err != nil {
			return nil, err
		}
		conflict[i] = q
		isConflict[q] = true
	}

	var sets []string
	for _, c := range cols {
		if isConflict[c] {
			continue
		}
		sets = append(sets, c+" = EXCLUDED."+c)
	}
	action := "DO NOTHING"
	if len(sets) > 0 {
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
		if !t.admin {
			action += " WHERE t." + naming.Quote(ColumnSiteID) + " = EXCLUDED." + naming.Quote(ColumnSiteID)
		}
	}
	suffix := "ON CONFLICT (" + strings.Join(conflict, ", ") + ") " + action + " RETURNING *"

	q := psql.Insert(t.quoted() + " AS t").Columns(cols...).Values(vals...).Suffix(suffix)
	rows, err := t.query(ctx, "upsert", q)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		// The conflicting row belongs to another site or DO NOTHING fired.
		return nil, apperr.New(apperr.CodeAccessDenied, "conflicting row is not writable")
	}
	return rows[0], nil
}

// Delete removes the matching rows. An empty filter list is rejected before
// any SQL runs.
func (t *Table) Delete(ctx context.Context, filters []Filter) (int64, error) {
	if len(filters) == 0 {
		return 0, apperr.New(apperr.CodeValidationFailed, "delete requires at least one filter")
	}
	where, err := t.where(filters)
	if err != nil {
		return 0, err
	}
	query, args, err := psql.Delete(t.quoted()).Where(where).ToSql()
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeValidationFailed, "delete", t.name, err)
	}
	res, err := t.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperr.Query("delete", t.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Query("delete", t.name, err)
	}
	return n, nil
}

// Count returns the number of matching rows.
func (t *Table) Count(ctx context.Context, filters []Filter) (int64, error) {
	where, err := t.where(filters)
	if err != nil {
		return 0, err
	}
	query, args, err := psql.Select("COUNT(*)").From(t.quoted()).Where(where).ToSql()
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeValidationFailed, "count", t.name, err)
	}
	var n int64
	if err := t.db.QueryRowxContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, apperr.Query("count", t.name, err)
	}
	return n, nil
}

// Exists reports whether at least one row matches.
func (t *Table) Exists(ctx context.Context, filters []Filter) (bool, error) {
	where, err := t.where(filters)
	if err != nil {
		return false, err
	}
	inner, args, err := psql.Select("1").From(t.quoted()).Where(where).Limit(1).ToSql()
	if err != nil {
		return false, apperr.Wrap(apperr.CodeValidationFailed, "exists", t.name, err)
	}
	var ok bool
	if err := t.db.QueryRowxContext(ctx, "SELECT EXISTS ("+inner+")", args...).Scan(&ok); err != nil {
		return false, apperr.Query("exists", t.name, err)
	}
	return ok, nil
}

func (t *Table) query(ctx context.Context, op string, q squirrel.Sqlizer) ([]Record, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidationFailed, op, t.name, err)
	}
	rows, err := t.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Query(op, t.name, err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		m := map[string]interface{}{}
		if err := rows.MapScan(m); err != nil {
			return nil, apperr.Query(op, t.name, err)
		}
		out = append(out, normalize(m))
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Query(op, t.name, err)
	}
	return out, nil
}

// normalize turns driver byte slices into JSON values or strings.
func normalize(m map[string]interface{}) Record {
	rec := make(Record, len(m))
	for k, v := range m {
		if b, ok := v.([]byte); ok {
			var decoded interface{}
			if json.Valid(b) && json.Unmarshal(b, &decoded) == nil {
				rec[k] = decoded
			} else {
				rec[k] = string(b)
			}
			continue
		}
		rec[k] = v
	}
	return rec
}

// encodeValue marshals maps and slices for JSONB columns.
func encodeValue(v interface{}) interface{} {
	switch v.(type) {
	case map[string]interface{}, []interface{}, Record:
		b, err := json.Marshal(v)
		if err != nil {
			return v
		}
		return b
	}
	return v
}
