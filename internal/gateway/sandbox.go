package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/agencyos/module-platform/internal/apperr"
	"github.com/agencyos/module-platform/internal/config"
	"github.com/agencyos/module-platform/internal/telemetry"
	"github.com/agencyos/module-platform/internal/tenant"
)

const (
	defaultSandboxTimeout  = 5 * time.Second
	defaultMaxScriptBytes  = 64 << 10
	defaultMaxDBCalls      = 50
	maxCachedPrograms      = 512
	sandboxInterruptReason = "execution timeout"
)

// Sandbox runs legacy inline route handlers in an isolated JavaScript
// runtime. Each invocation gets a fresh runtime that sees only the injected
// ctx object: no globals beyond the language built-ins, no network, no
// environment and no credentials.
type Sandbox struct {
	timeout    time.Duration
	maxBytes   int
	maxDBCalls int

	mu       sync.Mutex
	programs map[string]*goja.Program
}

// NewSandbox creates a Sandbox from cfg, filling unset limits with defaults.
func NewSandbox(cfg config.SandboxConfig) *Sandbox {
	s := &Sandbox{
		timeout:    cfg.Timeout,
		maxBytes:   cfg.MaxScriptBytes,
		maxDBCalls: cfg.MaxDBCalls,
		programs:   make(map[string]*goja.Program),
	}
	if s.timeout <= 0 {
		s.timeout = defaultSandboxTimeout
	}
	if s.maxBytes <= 0 {
		s.maxBytes = defaultMaxScriptBytes
	}
	if s.maxDBCalls <= 0 {
		s.maxDBCalls = defaultMaxDBCalls
	}
	return s
}

// compile returns the cached program for code. The source is wrapped as a
// function of ctx so a bare "return" works at top level.
func (s *Sandbox) compile(code string) (*goja.Program, error) {
	sum := sha256.Sum256([]byte(code))
	key := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.programs[key]; ok {
		return p, nil
	}
	p, err := goja.Compile("handler.js", "(function(ctx) {\n"+code+"\n})", true)
	if err != nil {
		return nil, err
	}
	if len(s.programs) >= maxCachedPrograms {
		s.programs = make(map[string]*goja.Program)
	}
	s.programs[key] = p
	return p, nil
}

// Run executes code for req and converts its return value into a Response.
func (s *Sandbox) Run(ctx context.Context, code string, req *Request) (*Response, error) {
	resp, result, err := s.run(ctx, code, req)
	telemetry.SandboxExecutionsTotal.WithLabelValues(result).Inc()
	return resp, err
}

func (s *Sandbox) run(ctx context.Context, code string, req *Request) (*Response, string, error) {
	if len(code) > s.maxBytes {
		return nil, "error", apperr.New(apperr.CodeHandlerFailed, "handler source exceeds %d bytes", s.maxBytes)
	}
	prog, err := s.compile(code)
	if err != nil {
		slog.Warn("legacy handler failed to compile", "error", err)
		return nil, "error", apperr.New(apperr.CodeHandlerFailed, "handler failed to compile")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vm := goja.New()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(sandboxInterruptReason)
		case <-done:
		}
	}()

	fnVal, err := vm.RunProgram(prog)
	if err != nil {
		result, err := classify(err)
		return nil, result, err
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, "error", apperr.New(apperr.CodeHandlerFailed, "handler is not callable")
	}

	hctx, err := s.newContext(ctx, vm, req)
	if err != nil {
		return nil, "error", err
	}
	out, err := fn(goja.Undefined(), hctx)
	if err != nil {
		result, err := classify(err)
		return nil, result, err
	}

	if p, ok := out.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			out = p.Result()
		case goja.PromiseStateRejected:
			return nil, "error", apperr.New(apperr.CodeHandlerFailed, "handler rejected: %v", p.Result())
		default:
			return nil, "error", apperr.New(apperr.CodeHandlerFailed, "handler did not settle")
		}
	}
	return toResponse(out), "ok", nil
}

// classify maps a runtime error onto the metric label and a taxonomy error.
func classify(err error) (string, error) {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return "timeout", apperr.New(apperr.CodeHandlerFailed, "handler timed out")
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		slog.Warn("legacy handler threw", "error", ex.Error())
		return "error", apperr.New(apperr.CodeHandlerFailed, "handler failed: %s", ex.Value().String())
	}
	return "error", apperr.Wrap(apperr.CodeHandlerFailed, "handle", "", err)
}

// toResponse reads {status, body, headers} from a handler result; any other
// value is returned as a 200 JSON body.
func toResponse(v goja.Value) *Response {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	exported := v.Export()
	m, ok := exported.(map[string]interface{})
	if !ok {
		return &Response{Status: 200, Body: exported}
	}
	status, hasStatus := m["status"]
	if !hasStatus {
		return &Response{Status: 200, Body: m}
	}
	resp := &Response{Body: m["body"]}
	switch n := status.(type) {
	case int64:
		resp.Status = int(n)
	case float64:
		resp.Status = int(n)
	}
	if h, ok := m["headers"].(map[string]interface{}); ok {
		resp.Headers = make(map[string]string, len(h))
		for k, val := range h {
			resp.Headers[k] = fmt.Sprint(val)
		}
	}
	return resp
}

// newContext builds the ctx object: params, query, body, user, site and a
// db facade over the module's site-scoped tables.
func (s *Sandbox) newContext(ctx context.Context, vm *goja.Runtime, req *Request) (*goja.Object, error) {
	obj := vm.NewObject()
	set := func(name string, v interface{}) error {
		return obj.Set(name, v)
	}
	if err := set("params", req.Params); err != nil {
		return nil, err
	}
	if err := set("query", req.Query); err != nil {
		return nil, err
	}
	if err := set("body", req.Body); err != nil {
		return nil, err
	}
	if err := set("method", req.Method); err != nil {
		return nil, err
	}
	if req.User != nil {
		user := map[string]interface{}{
			"id":        req.User.UserID,
			"auth_type": req.User.AuthType,
			"scopes":    req.User.Scopes,
		}
		if err := set("user", user); err != nil {
			return nil, err
		}
	}
	if req.Site != nil {
		site := map[string]interface{}{
			"id":        req.Site.ID,
			"agency_id": req.Site.AgencyID,
			"name":      req.Site.Name,
		}
		if err := set("site", site); err != nil {
			return nil, err
		}
	}
	if req.DB != nil {
		if err := set("db", s.dbObject(ctx, vm, req.DB)); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

// dbObject exposes the tenant store to scripts. Calls are synchronous and
// capped at maxDBCalls per invocation.
func (s *Sandbox) dbObject(ctx context.Context, vm *goja.Runtime, store *tenant.Store) *goja.Object {
	calls := 0
	guard := func() {
		calls++
		if calls > s.maxDBCalls {
			panic(vm.NewGoError(fmt.Errorf("db call limit of %d exceeded", s.maxDBCalls)))
		}
	}
	throw := func(err error) {
		panic(vm.NewGoError(errors.New(apperr.PublicMessage(err))))
	}
	str := func(call goja.FunctionCall, i int) string {
		return call.Argument(i).String()
	}
	filters := func(call goja.FunctionCall, i int) []tenant.Filter {
		return whereFilters(call.Argument(i).Export())
	}
	record := func(call goja.FunctionCall, i int) tenant.Record {
		m, _ := call.Argument(i).Export().(map[string]interface{})
		return tenant.Record(m)
	}

	db := vm.NewObject()
	_ = db.Set("find", func(call goja.FunctionCall) goja.Value {
		guard()
		opts := tenant.Options{}
		if o, ok := call.Argument(2).Export().(map[string]interface{}); ok {
			opts = findOptions(o)
		}
		rows, err := store.Find(ctx, str(call, 0), filters(call, 1), opts)
		if err != nil {
			throw(err)
		}
		return vm.ToValue(recordsToMaps(rows))
	})
	_ = db.Set("findOne", func(call goja.FunctionCall) goja.Value {
		guard()
		row, err := store.FindOne(ctx, str(call, 0), filters(call, 1))
		if err != nil {
			throw(err)
		}
		if row == nil {
			return goja.Null()
		}
		return vm.ToValue(map[string]interface{}(row))
	})
	_ = db.Set("findById", func(call goja.FunctionCall) goja.Value {
		guard()
		row, err := store.FindByID(ctx, str(call, 0), str(call, 1))
		if err != nil {
			throw(err)
		}
		if row == nil {
			return goja.Null()
		}
		return vm.ToValue(map[string]interface{}(row))
	})
	_ = db.Set("create", func(call goja.FunctionCall) goja.Value {
		guard()
		row, err := store.Create(ctx, str(call, 0), record(call, 1))
		if err != nil {
			throw(err)
		}
		return vm.ToValue(map[string]interface{}(row))
	})
	_ = db.Set("update", func(call goja.FunctionCall) goja.Value {
		guard()
		rows, err := store.Update(ctx, str(call, 0), filters(call, 1), record(call, 2))
		if err != nil {
			throw(err)
		}
		return vm.ToValue(recordsToMaps(rows))
	})
	_ = db.Set("delete", func(call goja.FunctionCall) goja.Value {
		guard()
		n, err := store.Delete(ctx, str(call, 0), filters(call, 1))
		if err != nil {
			throw(err)
		}
		return vm.ToValue(n)
	})
	_ = db.Set("count", func(call goja.FunctionCall) goja.Value {
		guard()
		n, err := store.Count(ctx, str(call, 0), filters(call, 1))
		if err != nil {
			throw(err)
		}
		return vm.ToValue(n)
	})
	return db
}

// whereFilters turns a script's where object into equality filters. An array
// of {column, op, value} objects is accepted for other operators.
func whereFilters(v interface{}) []tenant.Filter {
	switch w := v.(type) {
	case map[string]interface{}:
		out := make([]tenant.Filter, 0, len(w))
		for col, val := range w {
			out = append(out, tenant.Eq(col, val))
		}
		return out
	case []interface{}:
		out := make([]tenant.Filter, 0, len(w))
		for _, item := range w {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			col, _ := m["column"].(string)
			op, _ := m["op"].(string)
			if op == "" {
				op = string(tenant.OpEq)
			}
			out = append(out, tenant.Filter{Column: col, Op: tenant.Op(op), Value: m["value"]})
		}
		return out
	default:
		return nil
	}
}

func findOptions(o map[string]interface{}) tenant.Options {
	opts := tenant.Options{}
	if s, ok := o["orderBy"].(string); ok {
		opts.OrderBy = s
	}
	if b, ok := o["ascending"].(bool); ok {
		opts.Ascending = b
	}
	opts.Limit = toInt(o["limit"])
	opts.Offset = toInt(o["offset"])
	return opts
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func recordsToMaps(rows []tenant.Record) []interface{} {
	out := make([]interface{}, len(rows))
	for i, r := range rows {
		out[i] = map[string]interface{}(r)
	}
	return out
}
