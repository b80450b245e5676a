package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	appconfig "github.com/agencyos/module-platform/internal/config"
	"github.com/agencyos/module-platform/internal/storage"
)

// ---------------------------------------------------------------------------
// New() credential selection, no AWS connection required
// ---------------------------------------------------------------------------

func TestNew_RejectsIncompleteConfig(t *testing.T) {
	const role = "arn:aws:iam::123456789012:role/module-buckets"
	base := func(mut func(*appconfig.S3StorageConfig)) appconfig.S3StorageConfig {
		c := appconfig.S3StorageConfig{Bucket: "module-buckets", Region: "us-east-1"}
		mut(&c)
		return c
	}
	cases := map[string]appconfig.S3StorageConfig{
		"no bucket":            base(func(c *appconfig.S3StorageConfig) { c.Bucket = "" }),
		"no region":            base(func(c *appconfig.S3StorageConfig) { c.Region = "" }),
		"static, no keys":      base(func(c *appconfig.S3StorageConfig) { c.AuthMethod = "static" }),
		"unsupported method":   base(func(c *appconfig.S3StorageConfig) { c.AuthMethod = "kerberos" }),
		"oidc, no role":        base(func(c *appconfig.S3StorageConfig) { c.AuthMethod = "oidc" }),
		"oidc, no token file":  base(func(c *appconfig.S3StorageConfig) { c.AuthMethod, c.RoleARN = "oidc", role }),
		"assume_role, no role": base(func(c *appconfig.S3StorageConfig) { c.AuthMethod = "assume_role" }),
	}
	for name, cfg := range cases {
		cfg := cfg
		t.Run(name, func(t *testing.T) {
			if _, err := New(&cfg); err == nil {
				t.Error("expected a configuration error")
			}
		})
	}
}

func TestNew_AcceptedCredentialModes(t *testing.T) {
	cases := []appconfig.S3StorageConfig{
		{Bucket: "module-buckets", Region: "us-east-1"},
		{Bucket: "module-buckets", Region: "us-east-1", AuthMethod: "assume_role",
			RoleARN: "arn:aws:iam::123456789012:role/module-buckets", ExternalID: "platform"},
		{Bucket: "minio-buckets", Region: "eu-west-1", AccessKeyID: "AKID", SecretAccessKey: "secret",
			Endpoint: "http://localhost:9000"},
	}
	for _, cfg := range cases {
		cfg := cfg
		s, err := New(&cfg)
		if err != nil {
			t.Fatalf("New(auth=%q): %v", cfg.AuthMethod, err)
		}
		if s.bucket != cfg.Bucket {
			t.Errorf("bucket = %q, want %q", s.bucket, cfg.Bucket)
		}
	}
}

// ---------------------------------------------------------------------------
// fakeS3: an in-memory, path-style S3 endpoint
// ---------------------------------------------------------------------------

const fakeBucket = "module-buckets"

var objectKeyRe = regexp.MustCompile(`<Key>([^<]+)</Key>`)

type fakeS3 struct {
	mu            sync.Mutex
	objects       map[string][]byte
	meta          map[string]map[string]string
	deleteBatches []int
}

func (f *fakeS3) put(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
}

func (f *fakeS3) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/"), fakeBucket)
	key := strings.TrimPrefix(rest, "/")
	if key == "" {
		f.serveBucket(w, r)
		return
	}
	f.serveObject(w, r, key)
}

func (f *fakeS3) serveBucket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case r.Method == http.MethodHead, r.Method == http.MethodPut:
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && q.Get("list-type") == "2":
		f.mu.Lock()
		var b strings.Builder
		b.WriteString(`<?xml version="1.0"?><ListBucketResult>`)
		for k := range f.objects {
			if strings.HasPrefix(k, q.Get("prefix")) {
				fmt.Fprintf(&b, `<Contents><Key>%s</Key></Contents>`, k)
			}
		}
		b.WriteString(`</ListBucketResult>`)
		f.mu.Unlock()
		writeXML(w, http.StatusOK, b.String())
	case r.Method == http.MethodPost && q.Has("delete"):
		body, _ := io.ReadAll(r.Body)
		matches := objectKeyRe.FindAllStringSubmatch(string(body), -1)
		f.mu.Lock()
		for _, m := range matches {
			delete(f.objects, m[1])
			delete(f.meta, m[1])
		}
		f.deleteBatches = append(f.deleteBatches, len(matches))
		f.mu.Unlock()
		writeXML(w, http.StatusOK, `<?xml version="1.0"?><DeleteResult></DeleteResult>`)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) serveObject(w http.ResponseWriter, r *http.Request, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, exists := f.objects[key]
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		meta := map[string]string{}
		for name, values := range r.Header {
			if field, ok := strings.CutPrefix(strings.ToLower(name), "x-amz-meta-"); ok && len(values) > 0 {
				meta[field] = values[0]
			}
		}
		f.objects[key], f.meta[key] = body, meta
		w.Header().Set("ETag", `"fake"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		if !exists {
			writeXML(w, http.StatusNotFound, `<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>no such key</Message></Error>`)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	case http.MethodHead:
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		for field, v := range f.meta[key] {
			w.Header().Set("x-amz-meta-"+field, v)
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(f.objects, key)
		delete(f.meta, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeXML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func newFakeBackend(t *testing.T) (*S3Storage, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: map[string][]byte{}, meta: map[string]map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := New(&appconfig.S3StorageConfig{
		Bucket:          fakeBucket,
		Region:          "us-east-1",
		AuthMethod:      "static",
		AccessKeyID:     "test-access-key",
		SecretAccessKey: "test-secret-key",
		Endpoint:        srv.URL,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, fake
}

// ---------------------------------------------------------------------------
// Module bucket operations
// ---------------------------------------------------------------------------

func TestS3_UploadRecordsChecksum(t *testing.T) {
	s, fake := newFakeBackend(t)
	key := storage.BucketPrefix("crm01", "attachments") + "invoice.pdf"
	data := []byte("%PDF-1.7 invoice")

	res, err := s.Upload(context.Background(), key, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.Size != int64(len(data)) || len(res.Checksum) != 64 {
		t.Errorf("result = %+v", res)
	}
	fake.mu.Lock()
	stored := fake.meta[key]["sha256"]
	fake.mu.Unlock()
	if stored != res.Checksum {
		t.Errorf("sha256 metadata = %q, want %q", stored, res.Checksum)
	}
}

func TestS3_DownloadRoundTrip(t *testing.T) {
	s, _ := newFakeBackend(t)
	key := storage.BucketPrefix("crm01", "attachments") + "note.txt"
	if _, err := s.Upload(context.Background(), key, strings.NewReader("call back monday"), 16); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	rc, err := s.Download(context.Background(), key)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != "call back monday" {
		t.Errorf("Download = %q", got)
	}

	if _, err := s.Download(context.Background(), key+".missing"); err == nil {
		t.Error("missing key downloaded without error")
	}
}

func TestS3_ExistsAndDelete(t *testing.T) {
	s, fake := newFakeBackend(t)
	marker := storage.BucketPrefix("crm01", "avatars") + storage.KeepMarker
	ctx := context.Background()

	if ok, err := s.Exists(ctx, marker); err != nil || ok {
		t.Fatalf("Exists before upload = %v, %v", ok, err)
	}
	if _, err := s.Upload(ctx, marker, bytes.NewReader(nil), 0); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if ok, err := s.Exists(ctx, marker); err != nil || !ok {
		t.Fatalf("Exists after upload = %v, %v", ok, err)
	}
	if err := s.Delete(ctx, marker); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if fake.has(marker) {
		t.Error("marker survived Delete")
	}
}

func TestS3_DeletePrefixStaysInsideBucket(t *testing.T) {
	s, fake := newFakeBackend(t)
	files := storage.BucketPrefix("crm01", "files")
	archive := storage.BucketPrefix("crm01", "files-archive")
	fake.put(files+storage.KeepMarker, nil)
	fake.put(files+"a.txt", []byte("a"))
	fake.put(archive+storage.KeepMarker, nil)

	n, err := s.DeletePrefix(context.Background(), files)
	if err != nil {
		t.Fatalf("DeletePrefix: %v", err)
	}
	if n != 2 {
		t.Errorf("removed %d objects, want 2", n)
	}
	if fake.has(files + storage.KeepMarker) {
		t.Error("bucket marker survived")
	}
	if !fake.has(archive + storage.KeepMarker) {
		t.Error("sibling bucket was touched")
	}
}

func TestS3_DeletePrefixBatches(t *testing.T) {
	s, fake := newFakeBackend(t)
	prefix := storage.ModulePrefix("bulk01")
	for i := 0; i < deleteBatchSize+5; i++ {
		fake.put(fmt.Sprintf("%srows/%04d.json", prefix, i), []byte("{}"))
	}

	n, err := s.DeletePrefix(context.Background(), prefix)
	if err != nil {
		t.Fatalf("DeletePrefix: %v", err)
	}
	if n != deleteBatchSize+5 {
		t.Errorf("removed %d, want %d", n, deleteBatchSize+5)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.deleteBatches) != 2 || fake.deleteBatches[0] != deleteBatchSize || fake.deleteBatches[1] != 5 {
		t.Errorf("delete batches = %v", fake.deleteBatches)
	}
}

func TestS3_DeletePrefixNothingToDo(t *testing.T) {
	s, fake := newFakeBackend(t)
	n, err := s.DeletePrefix(context.Background(), storage.ModulePrefix("ghost1"))
	if err != nil || n != 0 {
		t.Errorf("DeletePrefix = %d, %v", n, err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.deleteBatches) != 0 {
		t.Error("DeleteObjects sent for an empty prefix")
	}
}

func TestS3_EnsureContainerExistingBucket(t *testing.T) {
	s, _ := newFakeBackend(t)
	if err := s.EnsureContainer(context.Background()); err != nil {
		t.Fatalf("EnsureContainer: %v", err)
	}
}
