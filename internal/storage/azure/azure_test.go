package azure

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/agencyos/module-platform/internal/config"
)

type blobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	meta  map[string]map[string]string
}

// newTestStorage points an AzureStorage at a handler that speaks just enough
// of the Blob REST API (put, get, head, delete, list, create container).
func newTestStorage(t *testing.T) (*AzureStorage, *blobStore) {
	t.Helper()

	bs := &blobStore{blobs: map[string][]byte{}, meta: map[string]map[string]string{}}
	const containerName = "modules"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("restype") == "container" {
			switch {
			case r.Method == http.MethodPut:
				w.WriteHeader(http.StatusCreated)
			case q.Get("comp") == "list":
				prefix := q.Get("prefix")
				bs.mu.Lock()
				var names []string
				for k := range bs.blobs {
					if strings.HasPrefix(k, prefix) {
						names = append(names, k)
					}
				}
				bs.mu.Unlock()
				sort.Strings(names)
				w.Header().Set("Content-Type", "application/xml")
				w.WriteHeader(http.StatusOK)
				fmt.Fprintf(w, `<?xml version="1.0" encoding="utf-8"?><EnumerationResults ContainerName="%s"><Blobs>`, containerName)
				for _, n := range names {
					fmt.Fprintf(w, `<Blob><Name>%s</Name><Properties></Properties></Blob>`, n)
				}
				fmt.Fprint(w, `</Blobs><NextMarker /></EnumerationResults>`)
			default:
				w.WriteHeader(http.StatusBadRequest)
			}
			return
		}

		key := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/"), containerName+"/")
		bs.mu.Lock()
		defer bs.mu.Unlock()

		switch r.Method {
		case http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			meta := map[string]string{}
			for k, v := range r.Header {
				if lk := strings.ToLower(k); strings.HasPrefix(lk, "x-ms-meta-") && len(v) > 0 {
					meta[strings.TrimPrefix(lk, "x-ms-meta-")] = v[0]
				}
			}
			bs.blobs[key] = data
			bs.meta[key] = meta
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			data, ok := bs.blobs[key]
			if !ok {
				w.Header().Set("x-ms-error-code", "BlobNotFound")
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
			w.WriteHeader(http.StatusOK)
			w.Write(data)
		case http.MethodHead:
			data, ok := bs.blobs[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
			w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
			w.WriteHeader(http.StatusOK)
		case http.MethodDelete:
			if _, ok := bs.blobs[key]; !ok {
				w.Header().Set("x-ms-error-code", "BlobNotFound")
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(bs.blobs, key)
			delete(bs.meta, key)
			w.WriteHeader(http.StatusAccepted)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)

	client, err := azblob.NewClientWithNoCredential(srv.URL, nil)
	if err != nil {
		t.Fatalf("failed to create azblob client: %v", err)
	}
	return &AzureStorage{client: client, containerName: containerName}, bs
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

func TestUploadDownloadDeleteAndExists(t *testing.T) {
	s, bs := newTestStorage(t)
	ctx := context.Background()
	data := []byte("hello azure")

	res, err := s.Upload(ctx, "modules/crm01/files/a.txt", bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if res.Size != int64(len(data)) {
		t.Fatalf("unexpected size: got %d want %d", res.Size, len(data))
	}
	if got := bs.meta["modules/crm01/files/a.txt"]["sha256"]; got != res.Checksum {
		t.Errorf("sha256 metadata = %q, want %q", got, res.Checksum)
	}

	rc, err := s.Download(ctx, "modules/crm01/files/a.txt")
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(got, data) {
		t.Fatalf("download content mismatch: %q", got)
	}

	if exists, err := s.Exists(ctx, "modules/crm01/files/a.txt"); err != nil || !exists {
		t.Fatalf("Exists = %v, %v; want true, nil", exists, err)
	}
	if err := s.Delete(ctx, "modules/crm01/files/a.txt"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if exists, err := s.Exists(ctx, "modules/crm01/files/a.txt"); err != nil || exists {
		t.Fatalf("Exists after delete = %v, %v; want false, nil", exists, err)
	}
}

func TestDelete_MissingBlobIsNotAnError(t *testing.T) {
	s, _ := newTestStorage(t)
	if err := s.Delete(context.Background(), "modules/none/.keep"); err != nil {
		t.Errorf("Delete() = %v, want nil", err)
	}
}

func TestDeletePrefix(t *testing.T) {
	s, bs := newTestStorage(t)
	ctx := context.Background()
	for _, k := range []string{"modules/crm01/files/.keep", "modules/crm01/files/b.txt", "modules/crm01/files-old/.keep"} {
		if _, err := s.Upload(ctx, k, bytes.NewReader(nil), 0); err != nil {
			t.Fatalf("Upload(%q): %v", k, err)
		}
	}

	n, err := s.DeletePrefix(ctx, "modules/crm01/files/")
	if err != nil {
		t.Fatalf("DeletePrefix failed: %v", err)
	}
	if n != 2 {
		t.Errorf("DeletePrefix() = %d, want 2", n)
	}
	if _, ok := bs.blobs["modules/crm01/files-old/.keep"]; !ok {
		t.Error("sibling prefix must survive")
	}
}

func TestEnsureContainer(t *testing.T) {
	s, _ := newTestStorage(t)
	if err := s.EnsureContainer(context.Background()); err != nil {
		t.Errorf("EnsureContainer() = %v", err)
	}
}

// ---------------------------------------------------------------------------
// New() validation
// ---------------------------------------------------------------------------

func TestNew_Validation(t *testing.T) {
	for _, cfg := range []config.AzureStorageConfig{
		{AccountKey: "a2V5", ContainerName: "modules"},
		{AccountName: "acct", ContainerName: "modules"},
		{AccountName: "acct", AccountKey: "a2V5"},
	} {
		cfg := cfg
		if _, err := New(&cfg); err == nil {
			t.Errorf("New(%+v) = nil error, want validation error", cfg)
		}
	}
}

func TestNew_Valid(t *testing.T) {
	s, err := New(&config.AzureStorageConfig{AccountName: "acct", AccountKey: "a2V5", ContainerName: "modules"})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if s.containerName != "modules" {
		t.Errorf("containerName = %q", s.containerName)
	}
}
