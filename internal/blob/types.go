// Package blob is the storage facade the run cache archives finished study
// outputs through. It re-exports the core abstractions and wraps the
// infra-backed implementations so call sites depend on the Store interface
// only.
package blob

import (
	"ixstudy/internal/blob/core"
)

type (
	// Driver identifies an archive backend driver.
	Driver = core.Driver
	// PutOptions configures an archive write.
	PutOptions = core.PutOptions
	// Info describes stored object metadata.
	Info = core.Info
	// Store is the interface archive backends implement.
	Store = core.Store
)

const (
	// DriverFilesystem is the local filesystem driver.
	DriverFilesystem = core.DriverFilesystem
	// DriverS3 is the S3-compatible driver.
	DriverS3 = core.DriverS3
	// DriverMemory is the in-memory test driver.
	DriverMemory = core.DriverMemory
)

// ErrNotFound reports a missing archive object.
var ErrNotFound = core.ErrNotFound
