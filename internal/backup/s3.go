package backup

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tinytelemetry/sluice/internal/objstore"
)

type objectPutter interface {
	FPut(ctx context.Context, bucket, key, localPath, contentType string) error
}

// S3Uploader uploads snapshot files under a bucket prefix.
type S3Uploader struct {
	bucket    string
	keyPrefix string
	client    objectPutter
}

// NewS3Uploader constructs an uploader from an S3 bucket URL and static credentials.
// BucketURL format: s3://bucket/prefix (prefix optional).
func NewS3Uploader(bucketURL string, cfg objstore.Config) (*S3Uploader, error) {
	bucket, prefix, err := objstore.ParseURL(bucketURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.AccessKey) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, fmt.Errorf("s3: access key and secret key are required")
	}
	client, err := objstore.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &S3Uploader{bucket: bucket, keyPrefix: prefix, client: client}, nil
}

// UploadFile uploads localPath to the configured bucket and key prefix.
func (u *S3Uploader) UploadFile(ctx context.Context, localPath string) error {
	key := objstore.JoinKey(u.keyPrefix, filepath.Base(localPath))
	if err := u.client.FPut(ctx, u.bucket, key, localPath, "application/octet-stream"); err != nil {
		return fmt.Errorf("s3 upload s3://%s/%s: %w", u.bucket, key, err)
	}
	return nil
}
