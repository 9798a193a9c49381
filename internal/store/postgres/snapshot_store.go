package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/predictindexer/internal/domain"
)

// SnapshotStore implements domain.SnapshotStore using PostgreSQL.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a new SnapshotStore backed by the given connection pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

const snapshotCols = `id, market_id, yes_price, no_price, total_collateral, slot, timestamp`

func scanSnapshots(rows pgx.Rows) ([]domain.PriceSnapshot, error) {
	defer rows.Close()
	out := []domain.PriceSnapshot{}
	for rows.Next() {
		var p domain.PriceSnapshot
		if err := rows.Scan(
			&p.ID, &p.MarketID, &p.YesPrice, &p.NoPrice,
			&p.TotalCollateral, &p.Slot, &p.Timestamp,
		); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// History returns a market's snapshots in ascending time order within the
// optional Since/Until window. With a limit, the most recent points are kept.
func (s *SnapshotStore) History(ctx context.Context, marketID uint64, opts domain.ListOpts) ([]domain.PriceSnapshot, error) {
	inner := `SELECT ` + snapshotCols + ` FROM price_snapshots WHERE market_id = $1`
	args := []any{marketID}
	argIdx := 2

	if opts.Since != nil {
		inner += fmt.Sprintf(" AND timestamp >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		inner += fmt.Sprintf(" AND timestamp <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query := inner + " ORDER BY timestamp ASC, id ASC"
	if opts.Limit > 0 {
		inner += fmt.Sprintf(" ORDER BY timestamp DESC, id DESC LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		query = `SELECT ` + snapshotCols + ` FROM (` + inner + `) recent ORDER BY timestamp ASC, id ASC`
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: snapshot history %d: %w", marketID, err)
	}
	out, err := scanSnapshots(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan snapshot history %d: %w", marketID, err)
	}
	return out, nil
}

// ListBefore returns up to limit snapshots older than before, oldest first.
func (s *SnapshotStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.PriceSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+snapshotCols+` FROM price_snapshots WHERE timestamp < $1 ORDER BY id ASC LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list snapshots before %s: %w", before.Format(time.RFC3339), err)
	}
	out, err := scanSnapshots(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan snapshots: %w", err)
	}
	return out, nil
}

// DeleteUpTo removes the archived prefix of the time series.
func (s *SnapshotStore) DeleteUpTo(ctx context.Context, before time.Time, maxID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM price_snapshots WHERE timestamp < $1 AND id <= $2`, before, maxID)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}
