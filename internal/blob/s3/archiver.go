package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/predictindexer/internal/domain"
	"github.com/alanyoungcy/predictindexer/internal/observability"
)

// DefaultBatchSize is the number of snapshots written per archive object.
const DefaultBatchSize = 10_000

// SnapshotArchiver implements domain.Archiver. Snapshots older than the
// cutoff are written to object storage as JSONL in id order, one object per
// batch, and deleted from the database only after their object is stored.
//
// Objects are keyed by the id range they hold, so a run interrupted between
// upload and delete finds the object on retry and only prunes.
type SnapshotArchiver struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	snapshots domain.SnapshotStore
	manifest  domain.ArchiveManifest
	metrics   *observability.Metrics
	batchSize int
	logger    *slog.Logger
}

// NewArchiver creates a SnapshotArchiver. manifest and metrics may be nil.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	snapshots domain.SnapshotStore,
	manifest domain.ArchiveManifest,
	metrics *observability.Metrics,
	batchSize int,
	logger *slog.Logger,
) *SnapshotArchiver {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &SnapshotArchiver{
		writer:    writer,
		reader:    reader,
		snapshots: snapshots,
		manifest:  manifest,
		metrics:   metrics,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveSnapshots moves every snapshot older than before to object storage
// and returns how many were archived.
func (a *SnapshotArchiver) ArchiveSnapshots(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		batch, err := a.snapshots.ListBefore(ctx, before, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: list snapshots: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		n, err := a.archiveBatch(ctx, before, batch)
		total += n
		if err != nil {
			return total, err
		}
		if len(batch) < a.batchSize {
			break
		}
	}
	return total, nil
}

func (a *SnapshotArchiver) archiveBatch(ctx context.Context, before time.Time, batch []domain.PriceSnapshot) (int64, error) {
	first, last := batch[0].ID, batch[len(batch)-1].ID
	path := archivePath(batch[0].Timestamp, first, last)

	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return 0, err
	}
	if !exists {
		buf, err := marshalJSONL(batch)
		if err != nil {
			return 0, fmt.Errorf("s3blob: encode snapshots %d-%d: %w", first, last, err)
		}
		if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return 0, err
		}
	}

	if a.manifest != nil {
		err := a.manifest.RecordBatch(ctx, domain.ArchivedBatch{
			Path:    path,
			FirstID: first,
			LastID:  last,
			Rows:    len(batch),
			Cutoff:  before,
		})
		if err != nil {
			return 0, fmt.Errorf("s3blob: record %s: %w", path, err)
		}
	}

	deleted, err := a.snapshots.DeleteUpTo(ctx, before, last)
	if err != nil {
		return 0, fmt.Errorf("s3blob: prune snapshots up to %d: %w", last, err)
	}
	if a.metrics != nil {
		a.metrics.SnapshotsArchived.Add(float64(deleted))
	}
	a.logger.InfoContext(ctx, "archived snapshots",
		slog.String("path", path),
		slog.Int("rows", len(batch)),
		slog.Int64("deleted", deleted),
		slog.Bool("reused", exists),
	)
	return deleted, nil
}

// archivePath partitions objects by the day of their oldest snapshot.
//
//	archive/price_snapshots/2025-01-31/00000000000000000001-00000000000000010000.jsonl
func archivePath(oldest time.Time, firstID, lastID int64) string {
	return fmt.Sprintf("archive/price_snapshots/%s/%020d-%020d.jsonl",
		oldest.UTC().Format(time.DateOnly), firstID, lastID)
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
