package s3

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awsS3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// mockClient is an in-memory Client for tests that need the s3-backed
// archive without a bucket.
type mockClient struct {
	mu      sync.RWMutex
	objects map[string]mockObject
}

type mockObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
	modified    time.Time
}

// NewMockForTests returns a Store backed by an in-memory client.
func NewMockForTests() *Store {
	return NewWithClient(&mockClient{objects: map[string]mockObject{}}, "mock-bucket")
}

func (m *mockClient) PutObject(_ context.Context, in *awsS3.PutObjectInput, _ ...func(*awsS3.Options)) (*awsS3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.objects[aws.ToString(in.Key)] = mockObject{
		data:        data,
		contentType: aws.ToString(in.ContentType),
		metadata:    in.Metadata,
		modified:    time.Now().UTC(),
	}
	m.mu.Unlock()
	return &awsS3.PutObjectOutput{}, nil
}

func (m *mockClient) GetObject(_ context.Context, in *awsS3.GetObjectInput, _ ...func(*awsS3.Options)) (*awsS3.GetObjectOutput, error) {
	m.mu.RLock()
	obj, ok := m.objects[aws.ToString(in.Key)]
	m.mu.RUnlock()
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &awsS3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.data)),
		ContentLength: aws.Int64(int64(len(obj.data))),
		ContentType:   aws.String(obj.contentType),
		Metadata:      obj.metadata,
		LastModified:  aws.Time(obj.modified),
	}, nil
}

func (m *mockClient) HeadObject(_ context.Context, in *awsS3.HeadObjectInput, _ ...func(*awsS3.Options)) (*awsS3.HeadObjectOutput, error) {
	m.mu.RLock()
	obj, ok := m.objects[aws.ToString(in.Key)]
	m.mu.RUnlock()
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &awsS3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		ContentType:   aws.String(obj.contentType),
		Metadata:      obj.metadata,
		LastModified:  aws.Time(obj.modified),
	}, nil
}

func (m *mockClient) DeleteObject(_ context.Context, in *awsS3.DeleteObjectInput, _ ...func(*awsS3.Options)) (*awsS3.DeleteObjectOutput, error) {
	m.mu.Lock()
	delete(m.objects, aws.ToString(in.Key))
	m.mu.Unlock()
	return &awsS3.DeleteObjectOutput{}, nil
}

func (m *mockClient) ListObjectsV2(_ context.Context, in *awsS3.ListObjectsV2Input, _ ...func(*awsS3.Options)) (*awsS3.ListObjectsV2Output, error) {
	prefix := aws.ToString(in.Prefix)
	m.mu.RLock()
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := &awsS3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, key := range keys {
		obj := m.objects[key]
		out.Contents = append(out.Contents, s3types.Object{
			Key:          aws.String(key),
			Size:         aws.Int64(int64(len(obj.data))),
			LastModified: aws.Time(obj.modified),
		})
	}
	m.mu.RUnlock()
	return out, nil
}
