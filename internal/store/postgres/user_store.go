package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/predictindexer/internal/domain"
)

// UserStore implements domain.UserStore using PostgreSQL.
type UserStore struct {
	pool *pgxpool.Pool
}

// NewUserStore creates a new UserStore backed by the given connection pool.
func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

const userCols = `wallet, total_bets, total_volume, total_pnl, win_rate, rank_score, created_at, updated_at`

func scanUser(row pgx.Row) (domain.UserAggregate, error) {
	var u domain.UserAggregate
	err := row.Scan(
		&u.Wallet, &u.TotalBets, &u.TotalVolume, &u.TotalPnL,
		&u.WinRate, &u.RankScore, &u.CreatedAt, &u.UpdatedAt,
	)
	return u, err
}

// Get returns a wallet's aggregate.
func (s *UserStore) Get(ctx context.Context, wallet string) (domain.UserAggregate, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userCols+` FROM users WHERE wallet = $1`, wallet))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.UserAggregate{}, domain.ErrNotFound
		}
		return domain.UserAggregate{}, fmt.Errorf("postgres: get user %s: %w", wallet, err)
	}
	return u, nil
}

// Leaderboard ranks wallets with at least minBets bets by score. Ties share
// a rank.
func (s *UserStore) Leaderboard(ctx context.Context, limit int, minBets int64) ([]domain.LeaderboardEntry, error) {
	const query = `
		SELECT RANK() OVER (ORDER BY rank_score DESC) AS rank, ` + userCols + `
		FROM users
		WHERE total_bets >= $1
		ORDER BY rank_score DESC, wallet ASC
		LIMIT $2`
	rows, err := s.pool.Query(ctx, query, minBets, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: leaderboard: %w", err)
	}
	defer rows.Close()

	entries := []domain.LeaderboardEntry{}
	for rows.Next() {
		var e domain.LeaderboardEntry
		if err := rows.Scan(
			&e.Rank,
			&e.Wallet, &e.TotalBets, &e.TotalVolume, &e.TotalPnL,
			&e.WinRate, &e.RankScore, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan leaderboard entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: leaderboard rows: %w", err)
	}
	return entries, nil
}

// ListBets returns a wallet's bets, most recent slot first.
func (s *UserStore) ListBets(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.Bet, error) {
	query, args := activityQuery(
		`SELECT tx_signature, market_id, user_wallet, outcome, amount, shares, slot, timestamp FROM bets`,
		wallet, opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets %s: %w", wallet, err)
	}
	defer rows.Close()

	bets := []domain.Bet{}
	for rows.Next() {
		var b domain.Bet
		var outcome string
		if err := rows.Scan(
			&b.Signature, &b.MarketID, &b.User, &outcome,
			&b.Amount, &b.Shares, &b.Slot, &b.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan bet: %w", err)
		}
		b.Outcome = domain.Outcome(outcome)
		bets = append(bets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list bets rows: %w", err)
	}
	return bets, nil
}

// ListClaims returns a wallet's claims, most recent slot first.
func (s *UserStore) ListClaims(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.Claim, error) {
	query, args := activityQuery(
		`SELECT tx_signature, market_id, user_wallet, amount, shares_burned, slot, timestamp FROM claims`,
		wallet, opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list claims %s: %w", wallet, err)
	}
	defer rows.Close()

	claims := []domain.Claim{}
	for rows.Next() {
		var c domain.Claim
		if err := rows.Scan(
			&c.Signature, &c.MarketID, &c.User,
			&c.Amount, &c.SharesBurned, &c.Slot, &c.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan claim: %w", err)
		}
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list claims rows: %w", err)
	}
	return claims, nil
}

func activityQuery(base, wallet string, opts domain.ListOpts) (string, []any) {
	query := base + ` WHERE user_wallet = $1`
	args := []any{wallet}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND timestamp >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND timestamp <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY slot DESC, id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}
