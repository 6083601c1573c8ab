// Package s3 implements the archive store on an S3 or MinIO bucket using
// the AWS SDK v2.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"ixstudy/internal/blob/core"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsS3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config selects the bucket and endpoint for an archive store.
type Config struct {
	Endpoint        string // empty for AWS, set for MinIO or another gateway
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	UsePathStyle    bool // required by most non-AWS endpoints
}

// Client is the subset of the SDK S3 client the store calls, extracted for
// tests.
type Client interface {
	PutObject(ctx context.Context, in *awsS3.PutObjectInput, opts ...func(*awsS3.Options)) (*awsS3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *awsS3.GetObjectInput, opts ...func(*awsS3.Options)) (*awsS3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *awsS3.HeadObjectInput, opts ...func(*awsS3.Options)) (*awsS3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *awsS3.DeleteObjectInput, opts ...func(*awsS3.Options)) (*awsS3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *awsS3.ListObjectsV2Input, opts ...func(*awsS3.Options)) (*awsS3.ListObjectsV2Output, error)
}

// Store archives run outputs in one bucket.
type Store struct {
	client Client
	bucket string
}

var _ core.Store = (*Store)(nil)

// New builds a store from explicit configuration.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive: s3 bucket not configured")
	}
	var loadOpts []func(*awscfg.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awscfg.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsConf, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := awsS3.NewFromConfig(awsConf, func(o *awsS3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// OpenFromEnv builds a store from IXSTUDY_S3_* environment variables
// (ENDPOINT, REGION, BUCKET, ACCESS_KEY, SECRET_KEY, SESSION_TOKEN,
// PATH_STYLE).
func OpenFromEnv(ctx context.Context) (*Store, error) {
	pathStyle, _ := strconv.ParseBool(os.Getenv("IXSTUDY_S3_PATH_STYLE"))
	return New(ctx, Config{
		Endpoint:        os.Getenv("IXSTUDY_S3_ENDPOINT"),
		Region:          os.Getenv("IXSTUDY_S3_REGION"),
		Bucket:          os.Getenv("IXSTUDY_S3_BUCKET"),
		AccessKeyID:     os.Getenv("IXSTUDY_S3_ACCESS_KEY"),
		SecretAccessKey: os.Getenv("IXSTUDY_S3_SECRET_KEY"),
		SessionToken:    os.Getenv("IXSTUDY_S3_SESSION_TOKEN"),
		UsePathStyle:    pathStyle,
	})
}

// NewWithClient wires a prebuilt client; the mock uses it.
func NewWithClient(client Client, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

// Driver identifies the backend.
func (s *Store) Driver() core.Driver { return core.DriverS3 }

// Put uploads the object.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	if err := core.ValidateKey(key); err != nil {
		return core.Info{}, err
	}
	in := &awsS3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if opts.ContentType != "" {
		in.ContentType = aws.String(opts.ContentType)
	}
	if len(opts.Metadata) > 0 {
		in.Metadata = opts.Metadata
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return core.Info{}, fmt.Errorf("put s3 object: %w", err)
	}
	return s.Head(ctx, key)
}

// Get downloads the object.
func (s *Store) Get(ctx context.Context, key string) (core.Info, io.ReadCloser, error) {
	if err := core.ValidateKey(key); err != nil {
		return core.Info{}, nil, err
	}
	out, err := s.client.GetObject(ctx, &awsS3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isMissing(err) {
			return core.Info{}, nil, core.ErrNotFound
		}
		return core.Info{}, nil, fmt.Errorf("get s3 object: %w", err)
	}
	info := core.Info{
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		Metadata:    out.Metadata,
	}
	if out.LastModified != nil {
		info.LastModified = out.LastModified.UTC()
	}
	return info, out.Body, nil
}

// Head fetches object metadata.
func (s *Store) Head(ctx context.Context, key string) (core.Info, error) {
	if err := core.ValidateKey(key); err != nil {
		return core.Info{}, err
	}
	out, err := s.client.HeadObject(ctx, &awsS3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isMissing(err) {
			return core.Info{}, core.ErrNotFound
		}
		return core.Info{}, fmt.Errorf("head s3 object: %w", err)
	}
	info := core.Info{
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		Metadata:    out.Metadata,
	}
	if out.LastModified != nil {
		info.LastModified = out.LastModified.UTC()
	}
	return info, nil
}

// Delete removes the object. S3 deletes are idempotent, so a best-effort
// Head decides the removed flag.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	if err := core.ValidateKey(key); err != nil {
		return false, err
	}
	existed := true
	if _, err := s.Head(ctx, key); errors.Is(err, core.ErrNotFound) {
		existed = false
	}
	_, err := s.client.DeleteObject(ctx, &awsS3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, fmt.Errorf("delete s3 object: %w", err)
	}
	return existed, nil
}

// List pages through the bucket under the prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]core.Info, error) {
	var out []core.Info
	var token *string
	for {
		page, err := s.client.ListObjectsV2(ctx, &awsS3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list s3 objects: %w", err)
		}
		for _, obj := range page.Contents {
			info := core.Info{Key: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				info.LastModified = obj.LastModified.UTC()
			}
			out = append(out, info)
		}
		if !aws.ToBool(page.IsTruncated) {
			break
		}
		token = page.NextContinuationToken
	}
	return out, nil
}

func isMissing(err error) bool {
	var noKey *s3types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	// Some gateways report plain 404 text.
	return strings.Contains(err.Error(), "StatusCode: 404") || strings.Contains(err.Error(), "NoSuchKey")
}
