package gateway

import (
	"context"
	"net/http"
	"sort"
	"strconv"

	"github.com/agencyos/module-platform/internal/apperr"
	"github.com/agencyos/module-platform/internal/crossmodule"
	"github.com/agencyos/module-platform/internal/tenant"
)

// Built-in handler ids. Routes select the table with a :table path segment
// and a row with :id; modules.* handlers also take a :target module slug.
// files.* handlers take :bucket and :name.
const (
	BuiltinRecordsList   = "records.list"
	BuiltinRecordsGet    = "records.get"
	BuiltinRecordsCreate = "records.create"
	BuiltinRecordsUpdate = "records.update"
	BuiltinRecordsDelete = "records.delete"
	BuiltinModulesRead   = "modules.read"
	BuiltinModulesCount  = "modules.count"
	BuiltinFilesGet      = "files.get"
	BuiltinFilesPut      = "files.put"
	BuiltinFilesDelete   = "files.delete"

	maxBuiltinLimit = 500
)

// reserved query parameters that shape a read instead of filtering it
var readOptionParams = map[string]bool{
	"limit":   true,
	"offset":  true,
	"order":   true,
	"asc":     true,
	"site_id": true,
}

// RegisterBuiltins adds generic record and file handlers so a module can
// expose its tables and buckets without compiled code.
func RegisterBuiltins(r *HandlerRegistry) {
	r.Register(BuiltinRecordsList, recordsList)
	r.Register(BuiltinRecordsGet, recordsGet)
	r.Register(BuiltinRecordsCreate, recordsCreate)
	r.Register(BuiltinRecordsUpdate, recordsUpdate)
	r.Register(BuiltinRecordsDelete, recordsDelete)
	r.Register(BuiltinModulesRead, modulesRead)
	r.Register(BuiltinModulesCount, modulesCount)
	r.Register(BuiltinFilesGet, filesGet)
	r.Register(BuiltinFilesPut, filesPut)
	r.Register(BuiltinFilesDelete, filesDelete)
}

func requireStore(req *Request) error {
	if req.DB == nil {
		return apperr.New(apperr.CodeValidationFailed, "a site is required for data access")
	}
	return nil
}

func tableParam(req *Request) (string, error) {
	table := req.Params["table"]
	if table == "" {
		return "", apperr.New(apperr.CodeValidationFailed, "route has no :table parameter")
	}
	return table, nil
}

// readOptions turns query parameters into equality filters and read options.
func readOptions(query map[string]string) ([]tenant.Filter, tenant.Options, error) {
	opts := tenant.Options{Limit: 50}
	if v, ok := query["limit"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, opts, apperr.New(apperr.CodeValidationFailed, "limit must be a positive integer")
		}
		if n > maxBuiltinLimit {
			n = maxBuiltinLimit
		}
		opts.Limit = n
	}
	if v, ok := query["offset"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, opts, apperr.New(apperr.CodeValidationFailed, "offset must be a non-negative integer")
		}
		opts.Offset = n
	}
	opts.OrderBy = query["order"]
	opts.Ascending = query["asc"] == "true"

	keys := make([]string, 0, len(query))
	for k := range query {
		if !readOptionParams[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	filters := make([]tenant.Filter, 0, len(keys))
	for _, k := range keys {
		filters = append(filters, tenant.Eq(k, query[k]))
	}
	return filters, opts, nil
}

func bodyRecord(req *Request) (tenant.Record, error) {
	m, ok := req.Body.(map[string]interface{})
	if !ok {
		return nil, apperr.New(apperr.CodeValidationFailed, "request body must be a JSON object")
	}
	return tenant.Record(m), nil
}

func recordsList(ctx context.Context, req *Request) (*Response, error) {
	if err := requireStore(req); err != nil {
		return nil, err
	}
	table, err := tableParam(req)
	if err != nil {
		return nil, err
	}
	filters, opts, err := readOptions(req.Query)
	if err != nil {
		return nil, err
	}
	rows, err := req.DB.Find(ctx, table, filters, opts)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []tenant.Record{}
	}
	return &Response{Body: map[string]interface{}{"data": rows, "limit": opts.Limit, "offset": opts.Offset}}, nil
}

func recordsGet(ctx context.Context, req *Request) (*Response, error) {
	if err := requireStore(req); err != nil {
		return nil, err
	}
	table, err := tableParam(req)
	if err != nil {
		return nil, err
	}
	rec, err := req.DB.FindByID(ctx, table, req.Params["id"])
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperr.New(apperr.CodeNotFound, "record not found")
	}
	return &Response{Body: rec}, nil
}

func recordsCreate(ctx context.Context, req *Request) (*Response, error) {
	if err := requireStore(req); err != nil {
		return nil, err
	}
	table, err := tableParam(req)
	if err != nil {
		return nil, err
	}
	data, err := bodyRecord(req)
	if err != nil {
		return nil, err
	}
	rec, err := req.DB.Create(ctx, table, data)
	if err != nil {
		return nil, err
	}
	return &Response{Status: http.StatusCreated, Body: rec}, nil
}

func recordsUpdate(ctx context.Context, req *Request) (*Response, error) {
	if err := requireStore(req); err != nil {
		return nil, err
	}
	table, err := tableParam(req)
	if err != nil {
		return nil, err
	}
	id := req.Params["id"]
	if id == "" {
		return nil, apperr.New(apperr.CodeValidationFailed, "id is required")
	}
	data, err := bodyRecord(req)
	if err != nil {
		return nil, err
	}
	rows, err := req.DB.Update(ctx, table, []tenant.Filter{tenant.Eq(tenant.ColumnID, id)}, data)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperr.New(apperr.CodeNotFound, "record not found")
	}
	return &Response{Body: rows[0]}, nil
}

func recordsDelete(ctx context.Context, req *Request) (*Response, error) {
	if err := requireStore(req); err != nil {
		return nil, err
	}
	table, err := tableParam(req)
	if err != nil {
		return nil, err
	}
	id := req.Params["id"]
	if id == "" {
		return nil, apperr.New(apperr.CodeValidationFailed, "id is required")
	}
	n, err := req.DB.Delete(ctx, table, []tenant.Filter{tenant.Eq(tenant.ColumnID, id)})
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, apperr.New(apperr.CodeNotFound, "record not found")
	}
	return &Response{Status: http.StatusNoContent}, nil
}

func crossModuleTarget(req *Request) (*crossmodule.Mediator, string, string, error) {
	if req.Modules == nil {
		return nil, "", "", apperr.New(apperr.CodeAccessDenied, "cross-module access is not available for this request")
	}
	target, table := req.Params["target"], req.Params["table"]
	if target == "" || table == "" {
		return nil, "", "", apperr.New(apperr.CodeValidationFailed, "route needs :target and :table parameters")
	}
	return req.Modules, target, table, nil
}

func modulesRead(ctx context.Context, req *Request) (*Response, error) {
	m, target, table, err := crossModuleTarget(req)
	if err != nil {
		return nil, err
	}
	filters, opts, err := readOptions(req.Query)
	if err != nil {
		return nil, err
	}
	rows, err := m.ReadFrom(ctx, req.Tenant, target, table, filters, opts)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []tenant.Record{}
	}
	return &Response{Body: map[string]interface{}{"data": rows, "module": target, "table": table}}, nil
}

func modulesCount(ctx context.Context, req *Request) (*Response, error) {
	m, target, table, err := crossModuleTarget(req)
	if err != nil {
		return nil, err
	}
	filters, _, err := readOptions(req.Query)
	if err != nil {
		return nil, err
	}
	n, err := m.CountIn(ctx, req.Tenant, target, table, filters)
	if err != nil {
		return nil, err
	}
	return &Response{Body: map[string]interface{}{"count": n}}, nil
}
