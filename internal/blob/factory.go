package blob

import (
	"context"
	"fmt"
	"os"
)

const (
	driverEnv = "IXSTUDY_BLOB_DRIVER"
	fsRootEnv = "IXSTUDY_BLOB_FS_ROOT"
)

// Open builds the archive selected by IXSTUDY_BLOB_DRIVER (fs, s3 or
// memory; fs when unset). The fs driver roots at IXSTUDY_BLOB_FS_ROOT,
// defaulting to ./archive; the s3 driver reads the IXSTUDY_S3_* variables
// documented in s3.go.
func Open(ctx context.Context) (Store, error) {
	switch driver := Driver(os.Getenv(driverEnv)); driver {
	case DriverFilesystem, "":
		return NewFilesystem(os.Getenv(fsRootEnv))
	case DriverS3:
		return OpenFromEnv(ctx)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("archive: unknown driver %q", driver)
	}
}
