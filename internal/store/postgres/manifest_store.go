package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/predictindexer/internal/domain"
)

// ManifestStore implements domain.ArchiveManifest. One row per archive
// object maps a snapshot id range to the object that holds it.
type ManifestStore struct {
	pool *pgxpool.Pool
}

// NewManifestStore creates a ManifestStore.
func NewManifestStore(pool *pgxpool.Pool) *ManifestStore {
	return &ManifestStore{pool: pool}
}

// RecordBatch upserts the manifest row for b.Path. A retried batch that
// reuses an uploaded object refreshes the row instead of duplicating it.
func (s *ManifestStore) RecordBatch(ctx context.Context, b domain.ArchivedBatch) error {
	const query = `
		INSERT INTO snapshot_archive (object_path, first_id, last_id, row_count, cutoff)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (object_path) DO UPDATE SET
			row_count   = EXCLUDED.row_count,
			cutoff      = EXCLUDED.cutoff,
			archived_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, b.Path, b.FirstID, b.LastID, b.Rows, b.Cutoff); err != nil {
		return fmt.Errorf("postgres: record archive %s: %w", b.Path, err)
	}
	return nil
}

var _ domain.ArchiveManifest = (*ManifestStore)(nil)
