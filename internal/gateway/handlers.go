package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/agencyos/module-platform/internal/apperr"
	"github.com/agencyos/module-platform/internal/crossmodule"
	"github.com/agencyos/module-platform/internal/db/models"
	"github.com/agencyos/module-platform/internal/naming"
	"github.com/agencyos/module-platform/internal/tenant"
)

// Request is what a route handler sees of the inbound call.
type Request struct {
	Method   string
	Path     string
	Params   map[string]string
	Query    map[string]string
	Headers  http.Header
	ClientIP string
	// Body is the decoded JSON body, nil when the body is empty or not JSON.
	Body    interface{}
	RawBody []byte
	User    *Identity
	Site    *models.Site
	Module  *models.Module
	// DB is the module's site-scoped data access layer; nil without a site.
	DB *tenant.Store
	// Modules reaches other modules' tables under the permission registry;
	// nil without a site or when cross-module access is not configured.
	Modules *crossmodule.Mediator
	Tenant  tenant.Context
	// Files reaches the module's declared buckets for this site; nil without
	// a site or storage backend.
	Files *SiteFiles
}

// Response is a handler result. Body is JSON-encoded unless RawBody is set.
type Response struct {
	Status  int
	Headers map[string]string
	Body    interface{}
	RawBody []byte
}

// HandlerFunc serves a function route.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// HandlerRegistry maps handler ids referenced by routes onto compiled handlers.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]HandlerFunc)}
}

// Register adds or replaces the handler for id.
func (r *HandlerRegistry) Register(id string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[id] = fn
}

// Lookup returns the handler for id.
func (r *HandlerRegistry) Lookup(id string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[id]
	return fn, ok
}

// IDs lists the registered handler ids.
func (r *HandlerRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	return ids
}

// buildRequest reads the body and binds the module's tables to the caller's site.
func (g *Gateway) buildRequest(c *gin.Context, cl *call, path string, params map[string]string) (*Request, error) {
	var raw []byte
	if c.Request.Body != nil {
		var err error
		raw, err = io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, g.cfg.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, apperr.New(apperr.CodeValidationFailed, "request body exceeds %d bytes", g.cfg.MaxBodyBytes)
			}
			return nil, apperr.New(apperr.CodeValidationFailed, "failed to read request body")
		}
	}

	var body interface{}
	if len(raw) > 0 && strings.Contains(c.ContentType(), "json") {
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, apperr.New(apperr.CodeValidationFailed, "request body is not valid JSON")
		}
	}

	query := make(map[string]string)
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}

	req := &Request{
		Method:   c.Request.Method,
		Path:     path,
		Params:   params,
		Query:    query,
		Headers:  c.Request.Header.Clone(),
		ClientIP: c.ClientIP(),
		Body:     body,
		RawBody:  raw,
		User:     cl.identity,
		Site:     cl.site,
		Module:   cl.module,
	}

	if cl.site != nil && g.deps.Blobs != nil {
		req.Files = NewSiteFiles(g.deps.Blobs, cl.module, cl.site.ID)
	}

	if cl.site != nil && g.deps.DB != nil {
		mode, err := naming.ParseMode(cl.module.IsolationMode)
		if err != nil {
			return nil, apperr.New(apperr.CodeValidationFailed, "%v", err)
		}
		tc := tenant.Context{AgencyID: cl.site.AgencyID, SiteID: cl.site.ID, UserID: cl.identity.UserID}
		store, err := tenant.NewStore(g.deps.DB, tenant.Module{ShortID: cl.module.ShortID, Mode: mode}, tc)
		if err != nil {
			return nil, err
		}
		req.DB = store
		req.Tenant = tc
		if g.deps.Permissions != nil && g.deps.Tables != nil {
			req.Modules = crossmodule.NewMediator(g.deps.DB, g.deps.Permissions, g.deps.Tables, g.deps.AccessLogs, cl.module.Slug)
		}
	}
	return req, nil
}

// dispatch runs the handler a route points at.
func (g *Gateway) dispatch(ctx context.Context, route *models.RegisteredRoute, req *Request) (*Response, error) {
	switch route.HandlerType {
	case models.HandlerTypeFunction:
		return g.runFunction(ctx, route, req)
	case models.HandlerTypeProxy:
		return g.proxy(ctx, route, req)
	case models.HandlerTypeEdge:
		return g.callEdge(ctx, route, req)
	default:
		return nil, apperr.New(apperr.CodeHandlerFailed, "unsupported handler type %q", route.HandlerType)
	}
}

func (g *Gateway) runFunction(ctx context.Context, route *models.RegisteredRoute, req *Request) (*Response, error) {
	if route.HandlerID != nil && *route.HandlerID != "" {
		fn, ok := g.deps.Handlers.Lookup(*route.HandlerID)
		if !ok {
			return nil, apperr.New(apperr.CodeHandlerFailed, "handler %q is not registered", *route.HandlerID)
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, handlerError(err)
		}
		return resp, nil
	}

	if route.HandlerCode != nil && *route.HandlerCode != "" {
		if g.sandbox == nil {
			return nil, apperr.New(apperr.CodeHandlerFailed, "inline handlers are disabled")
		}
		return g.sandbox.Run(ctx, *route.HandlerCode, req)
	}
	return nil, apperr.New(apperr.CodeHandlerFailed, "route has no handler")
}

// handlerError keeps taxonomy errors raised by handlers and wraps the rest.
func handlerError(err error) error {
	if apperr.CodeOf(err) != "" {
		return err
	}
	return apperr.Wrap(apperr.CodeHandlerFailed, "handle", "", err)
}

// writeResponse renders a handler response. A nil response is 204.
func writeResponse(c *gin.Context, resp *Response) {
	if resp == nil {
		c.Status(http.StatusNoContent)
		return
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	for k, v := range resp.Headers {
		c.Header(k, v)
	}
	if resp.RawBody != nil {
		ct := c.Writer.Header().Get("Content-Type")
		if ct == "" {
			ct = "application/octet-stream"
		}
		c.Data(status, ct, resp.RawBody)
		return
	}
	if resp.Body == nil {
		c.Status(status)
		return
	}
	c.JSON(status, resp.Body)
}
