package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

	"github.com/agencyos/module-platform/internal/config"
	"github.com/agencyos/module-platform/internal/storage"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// ---------------------------------------------------------------------------
// minimal storage.Storage mock for readiness tests
// ---------------------------------------------------------------------------

type readinessMockStorage struct{ existsErr error }

func (m *readinessMockStorage) Upload(_ context.Context, _ string, _ io.Reader, _ int64) (*storage.UploadResult, error) {
	return nil, nil
}
func (m *readinessMockStorage) Download(_ context.Context, _ string) (io.ReadCloser, error) {
	return nil, nil
}
func (m *readinessMockStorage) Delete(_ context.Context, _ string) error { return nil }
func (m *readinessMockStorage) Exists(_ context.Context, _ string) (bool, error) {
	return m.existsErr == nil, m.existsErr
}
func (m *readinessMockStorage) DeletePrefix(_ context.Context, _ string) (int, error) {
	return 0, nil
}

func newHealthDB(t *testing.T, pingOK bool) *sql.DB {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if pingOK {
		mock.ExpectPing()
	} else {
		mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	}
	return db
}

func getJSON(t *testing.T, h gin.HandlerFunc, path string) (int, map[string]interface{}) {
	t.Helper()
	r := gin.New()
	r.GET(path, h)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return w.Code, body
}

// ---------------------------------------------------------------------------
// healthCheckHandler
// ---------------------------------------------------------------------------

func TestHealthCheckHandler_Healthy(t *testing.T) {
	code, body := getJSON(t, healthCheckHandler(newHealthDB(t, true)), "/health")
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
}

func TestHealthCheckHandler_Unhealthy(t *testing.T) {
	code, body := getJSON(t, healthCheckHandler(newHealthDB(t, false)), "/health")
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
	if body["status"] != "unhealthy" {
		t.Errorf("status = %v, want unhealthy", body["status"])
	}
}

// ---------------------------------------------------------------------------
// readinessHandler
// ---------------------------------------------------------------------------

func TestReadinessHandler_Ready(t *testing.T) {
	code, body := getJSON(t, readinessHandler(newHealthDB(t, true), &readinessMockStorage{}), "/ready")
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if body["ready"] != true {
		t.Errorf("ready = %v, want true", body["ready"])
	}
}

func TestReadinessHandler_DatabaseDown(t *testing.T) {
	code, body := getJSON(t, readinessHandler(newHealthDB(t, false), &readinessMockStorage{}), "/ready")
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
	if body["ready"] != false {
		t.Errorf("ready = %v, want false", body["ready"])
	}
}

func TestReadinessHandler_StorageDown(t *testing.T) {
	blobs := &readinessMockStorage{existsErr: errors.New("access denied")}
	code, body := getJSON(t, readinessHandler(newHealthDB(t, true), blobs), "/ready")
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
	checks, _ := body["checks"].(map[string]interface{})
	if checks["database"] != "healthy" || checks["storage"] != "unhealthy" {
		t.Errorf("checks = %v", checks)
	}
}

// ---------------------------------------------------------------------------
// versionHandler
// ---------------------------------------------------------------------------

func TestVersionHandler(t *testing.T) {
	code, body := getJSON(t, versionHandler(), "/version")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body["version"] != Version {
		t.Errorf("version = %v, want %s", body["version"], Version)
	}
	surfaces, _ := body["surfaces"].(map[string]interface{})
	if surfaces["gateway"] != "v1" {
		t.Errorf("surfaces = %v", surfaces)
	}
}

// ---------------------------------------------------------------------------
// CORSMiddleware
// ---------------------------------------------------------------------------

func corsRouter(origins ...string) *gin.Engine {
	cfg := &config.Config{}
	cfg.Security.CORS.AllowedOrigins = origins
	r := gin.New()
	r.Use(CORSMiddleware(cfg))
	r.GET("/api/admin/modules", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.Any("/api/modules/:moduleId/*path", func(c *gin.Context) { c.Status(http.StatusTeapot) })
	return r
}

func doCORS(r http.Handler, method, path, origin string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestCORSMiddleware_AllowedOrigin(t *testing.T) {
	w := doCORS(corsRouter("https://example.com"), http.MethodGet, "/api/admin/modules", "https://example.com")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q, want https://example.com", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, PUT, DELETE, OPTIONS" {
		t.Errorf("Access-Control-Allow-Methods = %q", got)
	}
	if w.Header().Get("Vary") != "Origin" {
		t.Error("Vary: Origin missing")
	}
}

func TestCORSMiddleware_ConfiguredMethods(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security.CORS.AllowedOrigins = []string{"*"}
	cfg.Security.CORS.AllowedMethods = []string{"GET", "POST"}
	r := gin.New()
	r.Use(CORSMiddleware(cfg))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := doCORS(r, http.MethodGet, "/", "https://anything.example")
	if got := w.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST" {
		t.Errorf("Access-Control-Allow-Methods = %q", got)
	}
}

func TestCORSMiddleware_DisallowedOrigin(t *testing.T) {
	w := doCORS(corsRouter("https://allowed.com"), http.MethodGet, "/api/admin/modules", "https://evil.com")
	// Request passes through but no CORS header set
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Errorf("expected no Access-Control-Allow-Origin header for disallowed origin")
	}
}

func TestCORSMiddleware_PreflightOptions(t *testing.T) {
	w := doCORS(corsRouter("*"), http.MethodOptions, "/api/admin/modules", "https://example.com")
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204 for OPTIONS preflight", w.Code)
	}
}

func TestCORSMiddleware_WildcardNoOriginHeader(t *testing.T) {
	w := doCORS(corsRouter("*"), http.MethodGet, "/api/admin/modules", "")
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", w.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestCORSMiddleware_SkipsGateway(t *testing.T) {
	w := doCORS(corsRouter("*"), http.MethodOptions, "/api/modules/crm/contacts", "https://example.com")
	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, gateway preflight must reach the gateway", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("admin CORS headers leaked onto a gateway route")
	}
}

// ---------------------------------------------------------------------------
// BackgroundServices
// ---------------------------------------------------------------------------

type fakeJob struct {
	started chan struct{}
	stopped bool
}

func (j *fakeJob) Start(ctx context.Context) {
	close(j.started)
	<-ctx.Done()
}

func (j *fakeJob) Stop() { j.stopped = true }

type fakeCloser struct{ closed bool }

func (c *fakeCloser) Close() error {
	c.closed = true
	return nil
}

func TestBackgroundServices_Shutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	closer := &fakeCloser{}
	bg := &BackgroundServices{cancel: cancel, closers: []io.Closer{closer}}
	job := &fakeJob{started: make(chan struct{})}
	bg.start(ctx, job)
	<-job.started

	bg.Shutdown()

	if !job.stopped {
		t.Error("job not stopped")
	}
	if !closer.closed {
		t.Error("closer not closed")
	}
	if ctx.Err() == nil {
		t.Error("context not cancelled")
	}
}
