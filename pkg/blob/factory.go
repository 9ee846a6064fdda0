package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Backend names a blob storage implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendFS     Backend = "fs"
	BackendS3     Backend = "s3"
	BackendGCS    Backend = "gcs"
)

// NewStoreFromEnv creates a blob store from environment variables.
//
//   - VERACT_BLOB_BACKEND: "fs" (default), "memory", "s3", or "gcs"
//   - VERACT_DATA_DIR: base directory for the fs backend (default "data")
//
// For S3:
//   - VERACT_S3_BUCKET (required)
//   - VERACT_S3_REGION or AWS_REGION (default "us-east-1")
//   - VERACT_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - VERACT_S3_PREFIX (optional)
//
// For GCS (requires a build with -tags gcp):
//   - VERACT_GCS_BUCKET (required)
//   - VERACT_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	backend := Backend(os.Getenv("VERACT_BLOB_BACKEND"))
	if backend == "" {
		backend = BackendFS
	}

	switch backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendFS:
		return newFileStoreFromEnv()
	case BackendS3:
		return newS3StoreFromEnv(ctx)
	case BackendGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported blob backend: %s", backend)
	}
}

func newFileStoreFromEnv() (Store, error) {
	dataDir := os.Getenv("VERACT_DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	return NewFileStore(filepath.Join(dataDir, "blobs"))
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("VERACT_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("VERACT_S3_BUCKET is required for S3 storage")
	}

	region := os.Getenv("VERACT_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Store(ctx, S3StoreConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("VERACT_S3_ENDPOINT"),
		Prefix:   os.Getenv("VERACT_S3_PREFIX"),
	})
}
