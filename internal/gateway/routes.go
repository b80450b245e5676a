package gateway

import (
	"context"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/agencyos/module-platform/internal/apperr"
	"github.com/agencyos/module-platform/internal/db/models"
)

// normalizePath returns p with a single leading slash and no trailing slash.
func normalizePath(p string) string {
	return "/" + strings.Trim(p, "/")
}

// matchPath matches path against a route pattern whose ":name" segments
// capture one non-empty segment each. It returns the captured params.
func matchPath(pattern, path string) (map[string]string, bool) {
	ps := strings.Split(strings.Trim(pattern, "/"), "/")
	xs := strings.Split(strings.Trim(path, "/"), "/")
	if len(ps) != len(xs) {
		return nil, false
	}
	params := map[string]string{}
	for i, seg := range ps {
		if strings.HasPrefix(seg, ":") && len(seg) > 1 {
			if xs[i] == "" {
				return nil, false
			}
			params[seg[1:]] = xs[i]
			continue
		}
		if seg != xs[i] {
			return nil, false
		}
	}
	return params, true
}

// pickRoute returns the exact match for path if any, else the first pattern
// match in the order routes are given.
func pickRoute(routes []*models.RegisteredRoute, path string) (*models.RegisteredRoute, map[string]string) {
	for _, r := range routes {
		if normalizePath(r.Path) == path {
			return r, map[string]string{}
		}
	}
	for _, r := range routes {
		if !strings.Contains(r.Path, ":") {
			continue
		}
		if params, ok := matchPath(r.Path, path); ok {
			return r, params
		}
	}
	return nil, nil
}

// resolveRoute finds the route serving method and path, consulting the
// legacy route table only when no registered route matches.
func (g *Gateway) resolveRoute(ctx context.Context, module *models.Module, method, path string) (*models.RegisteredRoute, map[string]string, error) {
	routes, err := g.deps.Routes.ListActiveRoutes(ctx, module.ID, method)
	if err != nil {
		return nil, nil, apperr.Query("select", "module_routes", err)
	}
	if r, params := pickRoute(routes, path); r != nil {
		return r, params, nil
	}

	raw, err := g.deps.Routes.GetLegacyRoutes(ctx, module.ID)
	if err != nil {
		return nil, nil, apperr.Query("select", "module_source", err)
	}
	if r, params := pickRoute(parseLegacyRoutes(module.ID, method, raw), path); r != nil {
		return r, params, nil
	}
	return nil, nil, apperr.New(apperr.CodeNotFound, "route not found: %s %s", method, path)
}

// parseLegacyRoutes converts a legacy api_routes JSON array into active routes
// for method. An entry naming "handler" or "function" calls the edge runtime,
// "code" is inline source and "url" is a proxy target.
func parseLegacyRoutes(moduleID, method string, raw []byte) []*models.RegisteredRoute {
	if len(raw) == 0 {
		return nil
	}
	if !gjson.ValidBytes(raw) {
		slog.Warn("ignoring malformed legacy route table", "module_id", moduleID)
		return nil
	}
	doc := gjson.ParseBytes(raw)
	if doc.IsObject() && doc.Get("routes").IsArray() {
		doc = doc.Get("routes")
	}

	var routes []*models.RegisteredRoute
	doc.ForEach(func(_, v gjson.Result) bool {
		m := strings.ToUpper(v.Get("method").String())
		if m == "" {
			m = "GET"
		}
		path := v.Get("path").String()
		if path == "" || (m != method && m != "*" && m != "ANY") {
			return true
		}
		r := &models.RegisteredRoute{
			ModuleID: moduleID,
			Path:     path,
			Method:   method,
			IsActive: true,
		}
		switch {
		case v.Get("handler").Exists() || v.Get("function").Exists():
			name := v.Get("handler").String()
			if name == "" {
				name = v.Get("function").String()
			}
			r.HandlerType = models.HandlerTypeEdge
			r.HandlerURL = &name
		case v.Get("code").Exists():
			code := v.Get("code").String()
			r.HandlerType = models.HandlerTypeFunction
			r.HandlerCode = &code
		case v.Get("url").Exists():
			url := v.Get("url").String()
			r.HandlerType = models.HandlerTypeProxy
			r.HandlerURL = &url
		default:
			return true
		}
		for _, key := range []string{"scopes", "requiredScopes", "required_scopes"} {
			v.Get(key).ForEach(func(_, s gjson.Result) bool {
				r.RequiredScopes = append(r.RequiredScopes, s.String())
				return true
			})
		}
		for _, key := range []string{"rateLimit", "rate_limit_per_minute"} {
			if n := v.Get(key); n.Exists() && n.Int() > 0 {
				limit := int(n.Int())
				r.RateLimitPerMinute = &limit
				break
			}
		}
		routes = append(routes, r)
		return true
	})
	return routes
}
