package adapters

import (
	"context"
	"fmt"

	"github.com/otcheredev/ris-dicom-retrieve/internal/config"
)

// NewObjectStore creates the object store selected by cfg.Backend
func NewObjectStore(ctx context.Context, cfg config.BlobConfig) (ObjectStore, error) {
	var (
		store ObjectStore
		err   error
	)

	switch cfg.Backend {
	case "s3":
		store, err = NewS3Store(ctx, cfg.Endpoint, cfg.Region, cfg.Bucket, cfg.AccessKey, cfg.SecretKey)
	case "minio":
		store, err = NewMinioStore(cfg.Endpoint, cfg.Bucket, cfg.AccessKey, cfg.SecretKey, cfg.UseSSL)
	case "memory":
		store = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unsupported blob backend: %s", cfg.Backend)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create %s object store: %w", cfg.Backend, err)
	}
	return store, nil
}
