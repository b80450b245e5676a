package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/agencyos/module-platform/internal/apperr"
	"github.com/agencyos/module-platform/internal/db/models"
	"github.com/agencyos/module-platform/internal/storage"
)

const maxFileNameLen = 255

// SiteFiles reads and writes objects in the module's declared buckets.
// Every key lives under modules/{shortId}/{bucket}/sites/{siteId}/ so one
// site never sees another site's objects.
type SiteFiles struct {
	blobs   storage.Storage
	module  *models.Module
	siteID  string
	buckets map[string]bool
}

// NewSiteFiles binds blobs to one module installation.
func NewSiteFiles(blobs storage.Storage, module *models.Module, siteID string) *SiteFiles {
	buckets := make(map[string]bool, len(module.Resources.StorageBuckets))
	for _, b := range module.Resources.StorageBuckets {
		buckets[b.Name] = true
	}
	return &SiteFiles{blobs: blobs, module: module, siteID: siteID, buckets: buckets}
}

// Key returns the object key for name in bucket.
func (f *SiteFiles) Key(bucket, name string) (string, error) {
	if !f.buckets[bucket] {
		return "", apperr.New(apperr.CodeNotFound, "module %s declares no bucket %q", f.module.Slug, bucket)
	}
	if err := validFileName(name); err != nil {
		return "", err
	}
	return fmt.Sprintf("%ssites/%s/%s", storage.BucketPrefix(f.module.ShortID, bucket), f.siteID, name), nil
}

func validFileName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return apperr.New(apperr.CodeValidationFailed, "invalid file name %q", name)
	case len(name) > maxFileNameLen:
		return apperr.New(apperr.CodeValidationFailed, "file name exceeds %d characters", maxFileNameLen)
	case strings.ContainsAny(name, "/\\\x00"):
		return apperr.New(apperr.CodeValidationFailed, "file name must not contain path separators")
	}
	return nil
}

// Put stores data under name.
func (f *SiteFiles) Put(ctx context.Context, bucket, name string, data []byte) (*storage.UploadResult, error) {
	key, err := f.Key(bucket, name)
	if err != nil {
		return nil, err
	}
	res, err := f.blobs.Upload(ctx, key, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeUnavailable, "upload", bucket, err)
	}
	return res, nil
}

// Get returns the object stored under name, or NOT_FOUND.
func (f *SiteFiles) Get(ctx context.Context, bucket, name string) ([]byte, error) {
	key, err := f.Key(bucket, name)
	if err != nil {
		return nil, err
	}
	ok, err := f.blobs.Exists(ctx, key)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeUnavailable, "stat", bucket, err)
	}
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "file %q not found in bucket %q", name, bucket)
	}
	rc, err := f.blobs.Download(ctx, key)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeUnavailable, "download", bucket, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeUnavailable, "download", bucket, err)
	}
	return data, nil
}

// Remove deletes the object stored under name. A missing object is not an error.
func (f *SiteFiles) Remove(ctx context.Context, bucket, name string) error {
	key, err := f.Key(bucket, name)
	if err != nil {
		return err
	}
	if err := f.blobs.Delete(ctx, key); err != nil {
		return apperr.Wrap(apperr.CodeUnavailable, "delete", bucket, err)
	}
	return nil
}

func requireFiles(req *Request) (*SiteFiles, string, string, error) {
	if req.Files == nil {
		return nil, "", "", apperr.New(apperr.CodeValidationFailed, "file handlers need a site-scoped request and a storage backend")
	}
	bucket, name := req.Params["bucket"], req.Params["name"]
	if bucket == "" || name == "" {
		return nil, "", "", apperr.New(apperr.CodeValidationFailed, "route needs :bucket and :name parameters")
	}
	return req.Files, bucket, name, nil
}

func filesGet(ctx context.Context, req *Request) (*Response, error) {
	files, bucket, name, err := requireFiles(req)
	if err != nil {
		return nil, err
	}
	data, err := files.Get(ctx, bucket, name)
	if err != nil {
		return nil, err
	}
	return &Response{
		Headers: map[string]string{"Content-Type": http.DetectContentType(data)},
		RawBody: data,
	}, nil
}

func filesPut(ctx context.Context, req *Request) (*Response, error) {
	files, bucket, name, err := requireFiles(req)
	if err != nil {
		return nil, err
	}
	res, err := files.Put(ctx, bucket, name, req.RawBody)
	if err != nil {
		return nil, err
	}
	return &Response{Status: http.StatusCreated, Body: map[string]interface{}{
		"bucket":   bucket,
		"name":     name,
		"size":     res.Size,
		"checksum": res.Checksum,
	}}, nil
}

func filesDelete(ctx context.Context, req *Request) (*Response, error) {
	files, bucket, name, err := requireFiles(req)
	if err != nil {
		return nil, err
	}
	if err := files.Remove(ctx, bucket, name); err != nil {
		return nil, err
	}
	return &Response{Status: http.StatusNoContent}, nil
}
