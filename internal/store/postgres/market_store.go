package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/predictindexer/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketCols = `market_id, pubkey, creator, title, description,
	category, status, collateral_mint, yes_mint, no_mint, vault,
	oracle_source, oracle_feed, oracle_threshold,
	start_timestamp, lock_timestamp, end_timestamp,
	total_yes_shares, total_no_shares, total_collateral,
	resolved_outcome, resolution_price, resolved_at,
	volume_24h, participant_count, min_bet, max_bet, fee_bps,
	indexed_slot, created_at, updated_at`

// scanMarket scans a single market row into a domain.Market.
func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m               domain.Market
		category        string
		status          string
		oracle          string
		outcome         *string
		resolutionPrice *int64
		resolvedAt      *time.Time
		feeBps          int32
	)
	err := row.Scan(
		&m.MarketID, &m.Address, &m.Creator, &m.Title, &m.Description,
		&category, &status, &m.CollateralMint, &m.YesMint, &m.NoMint, &m.Vault,
		&oracle, &m.OracleFeed, &m.OracleThreshold,
		&m.StartAt, &m.LockAt, &m.EndAt,
		&m.Pools.YesShares, &m.Pools.NoShares, &m.Pools.Collateral,
		&outcome, &resolutionPrice, &resolvedAt,
		&m.Volume24h, &m.ParticipantCount, &m.MinBet, &m.MaxBet, &feeBps,
		&m.IndexedSlot, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Category = domain.Category(category)
	m.Status = domain.MarketStatus(status)
	m.OracleSource = domain.OracleSource(oracle)
	if outcome != nil {
		m.ResolvedOutcome = domain.Some(domain.Outcome(*outcome))
	}
	m.ResolutionPrice = domain.FromPtr(resolutionPrice)
	m.ResolvedAt = domain.FromPtr(resolvedAt)
	m.FeeBps = uint16(feeBps)
	return m, nil
}

// GetByID retrieves a market by its on-chain id.
func (s *MarketStore) GetByID(ctx context.Context, marketID uint64) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE market_id = $1`, marketID)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %d: %w", marketID, err)
	}
	return m, nil
}

// GetByAddress retrieves a market by its account address.
func (s *MarketStore) GetByAddress(ctx context.Context, address string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE pubkey = $1`, address)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", address, err)
	}
	return m, nil
}

// List returns one page of markets, newest first, and the total number of
// markets matching the filter.
func (s *MarketStore) List(ctx context.Context, filter domain.MarketFilter) ([]domain.Market, int64, error) {
	where := ` WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.Category != "" {
		where += fmt.Sprintf(" AND category = $%d", argIdx)
		args = append(args, string(filter.Category))
		argIdx++
	}

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM markets`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres: count markets: %w", err)
	}

	query := `SELECT ` + marketCols + ` FROM markets` + where + ` ORDER BY created_at DESC, market_id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	markets := []domain.Market{}
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("postgres: list markets rows: %w", err)
	}
	return markets, total, nil
}
