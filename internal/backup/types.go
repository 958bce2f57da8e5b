package backup

import (
	"context"
	"time"

	"github.com/tinytelemetry/sluice/internal/objstore"
)

// Config controls periodic DuckDB snapshots.
type Config struct {
	Enabled   bool
	Interval  time.Duration
	LocalDir  string
	KeepLast  int
	BucketURL string // s3://bucket/prefix; empty keeps snapshots local

	// Label goes into snapshot file names, normally the destination table,
	// so loaders sharing a backup dir prune only their own files.
	Label string

	S3       objstore.Config
	Observer Observer
}

// Snapshot outcomes reported to an Observer.
const (
	StatusCreated  = "created"
	StatusUploaded = "uploaded"
	StatusFailed   = "failed"
)

// Observer counts snapshot outcomes.
type Observer interface {
	ObserveSnapshot(status string)
}

type nopObserver struct{}

func (nopObserver) ObserveSnapshot(string) {}

// Snapshotter is the minimal DB snapshot contract used by Manager.
type Snapshotter interface {
	DBPath() string
	SnapshotTo(ctx context.Context, dstPath string) error
}

// Uploader uploads one backup artifact.
type Uploader interface {
	UploadFile(ctx context.Context, localPath string) error
}
