package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader inspects object storage.
type BlobReader interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// ArchivedBatch describes one archive object and the snapshot ids it holds.
type ArchivedBatch struct {
	Path    string
	FirstID int64
	LastID  int64
	Rows    int
	Cutoff  time.Time
}

// ArchiveManifest records where archived snapshot ranges were written.
type ArchiveManifest interface {
	RecordBatch(ctx context.Context, b ArchivedBatch) error
}

// Archiver moves old price snapshots from the database to object storage.
type Archiver interface {
	ArchiveSnapshots(ctx context.Context, before time.Time) (int64, error)
}
