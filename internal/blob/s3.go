package blob

import (
	"context"

	infraS3 "ixstudy/internal/infra/blob/s3"
)

// S3Config aliases the driver configuration so call sites outside the
// facade never import the infra package directly.
type S3Config = infraS3.Config

// NewS3 returns an archive on the configured bucket.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) {
	return infraS3.New(ctx, cfg)
}

// OpenFromEnv builds the S3 archive from IXSTUDY_S3_* environment variables.
func OpenFromEnv(ctx context.Context) (Store, error) {
	return infraS3.OpenFromEnv(ctx)
}

// NewMockS3ForTests returns the S3 archive over an in-memory client.
func NewMockS3ForTests() Store { return infraS3.NewMockForTests() }
