package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/agencyos/module-platform/internal/apperr"
	"github.com/agencyos/module-platform/internal/db/models"
)

const maxUpstreamBodyBytes = 10 << 20

// hopHeaders are not forwarded to or from an upstream (RFC 7230 §6.1), and
// neither are the caller's own credentials.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Authorization",
	"Cookie",
	HeaderAPIKey,
}

// upstreamError marks a failure of a proxy target or the edge runtime.
type upstreamError struct {
	cause error
}

func (e *upstreamError) Error() string { return e.cause.Error() }
func (e *upstreamError) Unwrap() error { return e.cause }

func newUpstreamError(msg string, err error) error {
	return &upstreamError{cause: &apperr.Error{Code: apperr.CodeHandlerFailed, Message: msg, Err: err}}
}

// proxy forwards the request to the route's handler URL.
func (g *Gateway) proxy(ctx context.Context, route *models.RegisteredRoute, req *Request) (*Response, error) {
	if route.HandlerURL == nil || *route.HandlerURL == "" {
		return nil, apperr.New(apperr.CodeHandlerFailed, "proxy route has no target")
	}
	target, err := url.Parse(*route.HandlerURL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		return nil, apperr.New(apperr.CodeHandlerFailed, "proxy target is not a valid URL")
	}
	q := target.Query()
	for k, v := range req.Query {
		q.Set(k, v)
	}
	target.RawQuery = q.Encode()

	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), bytes.NewReader(req.RawBody))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeHandlerFailed, "proxy", "", err)
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			out.Header.Add(k, v)
		}
	}
	removeHopHeaders(out.Header)

	if route.ProxyHeadersEnc != nil && *route.ProxyHeadersEnc != "" {
		headers, err := g.openProxyHeaders(*route.ProxyHeadersEnc, route.ModuleID)
		if err != nil {
			return nil, err
		}
		for k, v := range headers {
			out.Header.Set(k, v)
		}
	}
	g.identify(out.Header, req)
	if req.ClientIP != "" {
		out.Header.Set("X-Forwarded-For", req.ClientIP)
	}

	return g.roundTrip(out, "proxy target")
}

// openProxyHeaders decrypts a route's sealed upstream headers.
func (g *Gateway) openProxyHeaders(sealed, moduleID string) (map[string]string, error) {
	if g.deps.Cipher == nil {
		return nil, apperr.New(apperr.CodeHandlerFailed, "proxy headers cannot be decrypted")
	}
	headers, err := g.deps.Cipher.OpenHeaders(sealed, moduleID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeHandlerFailed, "decrypt", "module_routes", err)
	}
	return headers, nil
}

// edgeRequest is the body posted to the edge runtime.
type edgeRequest struct {
	Method   string            `json:"method"`
	Path     string            `json:"path"`
	Params   map[string]string `json:"params"`
	Query    map[string]string `json:"query"`
	Body     interface{}       `json:"body,omitempty"`
	ModuleID string            `json:"module_id"`
	SiteID   string            `json:"site_id,omitempty"`
	User     *Identity         `json:"user,omitempty"`
}

// callEdge invokes the named serverless function with the module's identity.
func (g *Gateway) callEdge(ctx context.Context, route *models.RegisteredRoute, req *Request) (*Response, error) {
	if g.cfg.Edge.BaseURL == "" {
		return nil, apperr.New(apperr.CodeHandlerFailed, "edge runtime is not configured")
	}
	if route.HandlerURL == nil || *route.HandlerURL == "" {
		return nil, apperr.New(apperr.CodeHandlerFailed, "edge route names no function")
	}
	name := strings.Trim(*route.HandlerURL, "/")

	payload := edgeRequest{
		Method:   req.Method,
		Path:     req.Path,
		Params:   req.Params,
		Query:    req.Query,
		Body:     req.Body,
		ModuleID: req.Module.ID,
		User:     req.User,
	}
	if req.Site != nil {
		payload.SiteID = req.Site.ID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeHandlerFailed, "encode", "", err)
	}

	if g.cfg.Edge.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Edge.Timeout)
		defer cancel()
	}
	endpoint := strings.TrimRight(g.cfg.Edge.BaseURL, "/") + "/" + url.PathEscape(name)
	out, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeHandlerFailed, "edge", "", err)
	}
	out.Header.Set("Content-Type", "application/json")
	if g.cfg.Edge.ServiceToken != "" {
		out.Header.Set("Authorization", "Bearer "+g.cfg.Edge.ServiceToken)
	}
	g.identify(out.Header, req)

	return g.roundTrip(out, "edge function")
}

// identify attaches the module and site a call runs for.
func (g *Gateway) identify(h http.Header, req *Request) {
	h.Set(HeaderModuleID, req.Module.ID)
	if req.Site != nil {
		h.Set(HeaderSiteID, req.Site.ID)
	} else {
		h.Del(HeaderSiteID)
	}
}

func (g *Gateway) roundTrip(out *http.Request, what string) (*Response, error) {
	res, err := g.client.Do(out)
	if err != nil {
		return nil, newUpstreamError(what+" unreachable", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxUpstreamBodyBytes))
	if err != nil {
		return nil, newUpstreamError(what+" response could not be read", err)
	}

	removeHopHeaders(res.Header)
	headers := make(map[string]string, len(res.Header))
	for k := range res.Header {
		if k == "Content-Length" || strings.HasPrefix(k, "X-Ratelimit") {
			continue
		}
		headers[k] = res.Header.Get(k)
	}
	if _, ok := headers["Content-Type"]; !ok {
		headers["Content-Type"] = "application/octet-stream"
	}
	if data == nil {
		data = []byte{}
	}
	return &Response{Status: res.StatusCode, Headers: headers, RawBody: data}, nil
}

func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			h.Del(strings.TrimSpace(name))
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}
