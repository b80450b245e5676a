package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agencyos/module-platform/internal/apperr"
	"github.com/agencyos/module-platform/internal/config"
	"github.com/agencyos/module-platform/internal/db/models"
	"github.com/agencyos/module-platform/internal/storage"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    error
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{}}
}

func (m *memBlobs) Upload(_ context.Context, path string, r io.Reader, _ int64) (*storage.UploadResult, error) {
	if m.fail != nil {
		return nil, m.fail
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = data
	sum := sha256.Sum256(data)
	return &storage.UploadResult{Path: path, Size: int64(len(data)), Checksum: hex.EncodeToString(sum[:])}, nil
}

func (m *memBlobs) Download(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[path]
	if !ok {
		return nil, errors.New("file not found")
	}
	return io.NopCloser(strings.NewReader(string(data))), nil
}

func (m *memBlobs) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	return nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	if m.fail != nil {
		return false, m.fail
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

func (m *memBlobs) DeletePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			delete(m.objects, k)
			n++
		}
	}
	return n, nil
}

func (m *memBlobs) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func filesHarness(t *testing.T, blobs storage.Storage) *harness {
	t.Helper()
	h := newHarness(t, config.GatewayConfig{}, func(d *Deps) {
		d.Blobs = blobs
	})
	RegisterBuiltins(h.handlers)
	h.modules.modules[testModuleID].Resources.StorageBuckets = []models.StorageBucket{{Name: "attachments"}}
	h.routes.routes = []*models.RegisteredRoute{
		builtinRoute("GET", "/files/:bucket/:name", BuiltinFilesGet),
		builtinRoute("PUT", "/files/:bucket/:name", BuiltinFilesPut),
		builtinRoute("DELETE", "/files/:bucket/:name", BuiltinFilesDelete),
	}
	return h
}

// ---------------------------------------------------------------------------
// File handlers
// ---------------------------------------------------------------------------

func TestFiles_PutGetDeleteRoundTrip(t *testing.T) {
	blobs := newMemBlobs()
	h := filesHarness(t, blobs)

	w := h.do("PUT", "/api/modules/mod-1/files/attachments/invoice.txt", strings.NewReader("paid in full"), apiKeyHeader)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var put map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &put))
	assert.Equal(t, "attachments", put["bucket"])
	assert.Equal(t, "invoice.txt", put["name"])
	assert.EqualValues(t, 12, put["size"])
	assert.Equal(t, []string{"modules/abc123/attachments/sites/site-1/invoice.txt"}, blobs.keys())

	w = h.do("GET", "/api/modules/mod-1/files/attachments/invoice.txt", nil, apiKeyHeader)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "paid in full", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")

	w = h.do("DELETE", "/api/modules/mod-1/files/attachments/invoice.txt", nil, apiKeyHeader)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, blobs.keys())

	w = h.do("GET", "/api/modules/mod-1/files/attachments/invoice.txt", nil, apiKeyHeader)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errorBody(t, w)["code"])
}

func TestFiles_UndeclaredBucket(t *testing.T) {
	blobs := newMemBlobs()
	h := filesHarness(t, blobs)

	w := h.do("PUT", "/api/modules/mod-1/files/secrets/a.txt", strings.NewReader("x"), apiKeyHeader)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errorBody(t, w)["code"])
	assert.Empty(t, blobs.keys())
}

func TestFiles_StorageFailureIsUnavailable(t *testing.T) {
	blobs := newMemBlobs()
	blobs.fail = errors.New("connection reset")
	h := filesHarness(t, blobs)

	w := h.do("GET", "/api/modules/mod-1/files/attachments/a.txt", nil, apiKeyHeader)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "UNAVAILABLE", errorBody(t, w)["code"])
}

func TestFiles_NoBackendConfigured(t *testing.T) {
	h := filesHarness(t, nil)

	w := h.do("GET", "/api/modules/mod-1/files/attachments/a.txt", nil, apiKeyHeader)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_FAILED", errorBody(t, w)["code"])
}

func TestSiteFiles_KeyIsolatesSites(t *testing.T) {
	mod := &models.Module{ShortID: "abc123", Slug: "crm", Resources: models.ModuleResources{
		StorageBuckets: []models.StorageBucket{{Name: "attachments"}},
	}}
	one := NewSiteFiles(newMemBlobs(), mod, "site-1")
	two := NewSiteFiles(newMemBlobs(), mod, "site-2")

	k1, err := one.Key("attachments", "a.txt")
	require.NoError(t, err)
	k2, err := two.Key("attachments", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "modules/abc123/attachments/sites/site-1/a.txt", k1)
	assert.NotEqual(t, k1, k2)
}

func TestSiteFiles_RejectsUnsafeNames(t *testing.T) {
	mod := &models.Module{ShortID: "abc123", Slug: "crm", Resources: models.ModuleResources{
		StorageBuckets: []models.StorageBucket{{Name: "attachments"}},
	}}
	f := NewSiteFiles(newMemBlobs(), mod, "site-1")

	for _, name := range []string{"", ".", "..", "../site-2/a.txt", `..\a`, "a/b", strings.Repeat("x", maxFileNameLen+1)} {
		_, err := f.Key("attachments", name)
		assert.Equal(t, apperr.CodeValidationFailed, apperr.CodeOf(err), name)
	}
}
