package adapters

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore reads objects from a MinIO bucket
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore creates a MinIO store
func NewMinioStore(endpoint, bucket, accessKey, secretKey string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

// Get opens the whole object
func (m *MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return m.open(ctx, key, minio.GetObjectOptions{})
}

// GetRange opens a byte range of the object
func (m *MinioStore) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	if length <= 0 {
		return io.NopCloser(&emptyReader{}), nil
	}
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(offset, offset+length-1); err != nil {
		return nil, fmt.Errorf("minio: %s: %w", key, err)
	}
	return m.open(ctx, key, opts)
}

// Size returns the object size
func (m *MinioStore) Size(ctx context.Context, key string) (int64, error) {
	info, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, translateMinioError(err, key)
	}
	return info.Size, nil
}

// Type names the backend
func (m *MinioStore) Type() string {
	return "minio"
}

// open issues the GET and forces the response so a missing key fails here
// rather than on first read
func (m *MinioStore) open(ctx context.Context, key string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, opts)
	if err != nil {
		return nil, translateMinioError(err, key)
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, translateMinioError(err, key)
	}
	return obj, nil
}

func translateMinioError(err error, key string) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return fmt.Errorf("minio: %s: %w", key, err)
}
