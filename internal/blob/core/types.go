// Package core defines the storage abstractions the archive drivers
// implement. Keys are slash-separated paths of the form
// databaseID/runName/fileName.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Driver identifies a concrete archive backend.
type Driver string

const (
	// DriverFilesystem stores archived outputs under a local directory.
	DriverFilesystem Driver = "fs"
	// DriverS3 stores archived outputs in an S3 or MinIO bucket.
	DriverS3 Driver = "s3"
	// DriverMemory keeps archived outputs in process memory (tests).
	DriverMemory Driver = "memory"
)

// PutOptions carries optional write parameters.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Info describes one archived object.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

// Store is the archive contract. Put overwrites, Get streams, Delete
// reports whether anything was removed, List returns every object under a
// key prefix.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Head(ctx context.Context, key string) (Info, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	Driver() Driver
}

// ErrNotFound reports a missing archive object.
var ErrNotFound = errors.New("archive: object not found")

// ValidateKey rejects keys that could escape the archive root or collide
// with driver bookkeeping.
func ValidateKey(key string) error {
	if key == "" {
		return errors.New("archive: empty key")
	}
	if key[0] == '/' {
		return errors.New("archive: key must be relative")
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("archive: invalid key %q", key)
		}
	}
	return nil
}
