package storage

import (
	"context"
)

// ObjectStorage defines the object storage operations the plugin
// artifact flow needs: fetch a worker payload, check it before
// fetching, and publish one. Intentionally small so MinIO and AWS-S3
// implementations stay swappable.
type ObjectStorage interface {
	// GetObject opens a reader for an object.
	// Caller must close the returned reader.
	GetObject(ctx context.Context, bucket, objectKey string) (ObjectReader, error)

	// StatObject returns size and ETag for an object without reading it.
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)

	// PutObject uploads an object of a known size.
	PutObject(ctx context.Context, bucket, objectKey string, reader ObjectReader, sizeBytes int64, contentType string) error
}

// ObjectReader is a streaming reader for object data.
type ObjectReader interface {
	Read(p []byte) (int, error)
	Close() error
}

// ObjectStat contains object metadata used for validation.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}
