// Package storage defines the blob Backend used for module storage buckets.
//
// A module bucket is not a cloud bucket of its own: every bucket a module
// declares is a key prefix, modules/{shortId}/{bucket}/, inside the single
// container configured for the platform. The provisioner materializes a
// bucket by writing a .keep marker under its prefix and removes it with
// DeletePrefix.
//
// Backends register themselves with the factory from an init() function in
// their own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.Storage, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
//
// cmd/server blank-imports each backend package so its init() runs.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Storage is implemented by every blob backend
type Storage interface {
	// Upload stores an object and returns its path, size and SHA-256 checksum
	Upload(ctx context.Context, path string, reader io.Reader, size int64) (*UploadResult, error)

	// Download opens an object for reading
	Download(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error

	// Exists reports whether an object is stored at path
	Exists(ctx context.Context, path string) (bool, error)

	// DeletePrefix removes every object whose key starts with prefix and
	// returns how many were removed
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// UploadResult contains information about an uploaded object
type UploadResult struct {
	Path     string
	Size     int64
	Checksum string
}

// KeepMarker is the placeholder object that makes an empty bucket visible
const KeepMarker = ".keep"

// BucketPrefix returns the key prefix that holds a module bucket. The result
// always ends in a slash so that DeletePrefix never reaches a sibling bucket
// sharing a name prefix (files vs files-archive).
func BucketPrefix(shortID, bucket string) string {
	return fmt.Sprintf("modules/%s/%s/", shortID, strings.Trim(bucket, "/"))
}

// ModulePrefix returns the key prefix that holds every bucket of a module
func ModulePrefix(shortID string) string {
	return fmt.Sprintf("modules/%s/", shortID)
}

// ContainerEnsurer is implemented by backends that can create their
// container (S3 bucket, Azure container) at startup
type ContainerEnsurer interface {
	EnsureContainer(ctx context.Context) error
}
