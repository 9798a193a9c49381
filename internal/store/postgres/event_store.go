package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/predictindexer/internal/domain"
)

// EventStore implements domain.EventStore. Every indexing unit of work runs
// in one read-committed transaction; row locks on users and markets
// serialise concurrent writers touching the same rows.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// InTx runs fn inside a transaction.
func (s *EventStore) InTx(ctx context.Context, fn func(tx domain.IndexTx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&indexTx{tx: tx})
	})
}

type indexTx struct {
	tx pgx.Tx
}

func (t *indexTx) InsertBet(ctx context.Context, b domain.Bet) (bool, error) {
	const query = `
		INSERT INTO bets (tx_signature, market_id, user_wallet, outcome, amount, shares, slot, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tx_signature) DO NOTHING`
	tag, err := t.tx.Exec(ctx, query,
		b.Signature, b.MarketID, b.User, string(b.Outcome),
		b.Amount, b.Shares, b.Slot, b.Timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: insert bet %s: %w", b.Signature, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *indexTx) InsertClaim(ctx context.Context, c domain.Claim) (bool, error) {
	const query = `
		INSERT INTO claims (tx_signature, market_id, user_wallet, amount, shares_burned, slot, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tx_signature) DO NOTHING`
	tag, err := t.tx.Exec(ctx, query,
		c.Signature, c.MarketID, c.User, c.Amount, c.SharesBurned, c.Slot, c.Timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: insert claim %s: %w", c.Signature, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *indexTx) CountBets(ctx context.Context, marketID uint64, wallet string) (int64, error) {
	var n int64
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM bets WHERE market_id = $1 AND user_wallet = $2`,
		marketID, wallet,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count bets: %w", err)
	}
	return n, nil
}

func (t *indexTx) SumWagered(ctx context.Context, marketID uint64, wallet string) (uint64, error) {
	var sum uint64
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::BIGINT FROM bets WHERE market_id = $1 AND user_wallet = $2`,
		marketID, wallet,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum wagered: %w", err)
	}
	return sum, nil
}

func (t *indexTx) AddMarketActivity(ctx context.Context, marketID, volume uint64, newParticipant bool) (bool, error) {
	var joined int64
	if newParticipant {
		joined = 1
	}
	const query = `
		UPDATE markets
		SET volume_24h = volume_24h + $2,
		    participant_count = participant_count + $3,
		    updated_at = NOW()
		WHERE market_id = $1`
	tag, err := t.tx.Exec(ctx, query, marketID, volume, joined)
	if err != nil {
		return false, fmt.Errorf("postgres: market %d activity: %w", marketID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *indexTx) LockUser(ctx context.Context, wallet string) (domain.UserAggregate, error) {
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO users (wallet) VALUES ($1) ON CONFLICT (wallet) DO NOTHING`, wallet,
	); err != nil {
		return domain.UserAggregate{}, fmt.Errorf("postgres: ensure user %s: %w", wallet, err)
	}
	u, err := scanUser(t.tx.QueryRow(ctx,
		`SELECT `+userCols+` FROM users WHERE wallet = $1 FOR UPDATE`, wallet))
	if err != nil {
		return domain.UserAggregate{}, fmt.Errorf("postgres: lock user %s: %w", wallet, err)
	}
	return u, nil
}

func (t *indexTx) SaveUser(ctx context.Context, u domain.UserAggregate) error {
	const query = `
		UPDATE users
		SET total_bets = $2, total_volume = $3, total_pnl = $4,
		    win_rate = $5, rank_score = $6, updated_at = NOW()
		WHERE wallet = $1`
	_, err := t.tx.Exec(ctx, query,
		u.Wallet, u.TotalBets, u.TotalVolume, u.TotalPnL, u.WinRate, u.RankScore,
	)
	if err != nil {
		return fmt.Errorf("postgres: save user %s: %w", u.Wallet, err)
	}
	return nil
}

func (t *indexTx) ResolveMarket(ctx context.Context, ev domain.MarketResolved, at time.Time) (bool, error) {
	const query = `
		UPDATE markets
		SET status = 'resolved',
		    resolved_outcome = $2,
		    resolution_price = $3,
		    resolved_at = $4,
		    total_collateral = $5,
		    updated_at = NOW()
		WHERE market_id = $1`
	tag, err := t.tx.Exec(ctx, query,
		ev.MarketID, string(ev.Outcome), ev.ResolutionPrice, at, ev.TotalCollateral,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: resolve market %d: %w", ev.MarketID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *indexTx) ApplyPools(ctx context.Context, marketID uint64, pools domain.PoolState, slot uint64) (bool, error) {
	const query = `
		UPDATE markets
		SET total_yes_shares = $2, total_no_shares = $3, total_collateral = $4,
		    indexed_slot = $5, updated_at = NOW()
		WHERE market_id = $1 AND indexed_slot <= $5`
	tag, err := t.tx.Exec(ctx, query,
		marketID, pools.YesShares, pools.NoShares, pools.Collateral, slot,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: apply pools %d: %w", marketID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpsertMarket inserts a reconciled account or refreshes the snapshot fields
// of an existing row observed at an older slot. A resolved row never leaves
// the resolved state. New rows fold in bets recorded before the market was
// first seen.
func (t *indexTx) UpsertMarket(ctx context.Context, a domain.MarketAccount) error {
	const query = `
		INSERT INTO markets (
			market_id, pubkey, creator, title, description,
			category, status, collateral_mint, yes_mint, no_mint, vault,
			oracle_source, oracle_feed, oracle_threshold,
			start_timestamp, lock_timestamp, end_timestamp,
			total_yes_shares, total_no_shares, total_collateral,
			resolved_outcome, resolution_price, resolved_at,
			min_bet, max_bet, fee_bps, indexed_slot,
			volume_24h, participant_count
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14,
			$15, $16, $17,
			$18, $19, $20,
			$21, $22, $23,
			$24, $25, $26, $27,
			(SELECT COALESCE(SUM(amount), 0)::BIGINT FROM bets WHERE market_id = $1),
			(SELECT COUNT(DISTINCT user_wallet) FROM bets WHERE market_id = $1)
		)
		ON CONFLICT (market_id) DO UPDATE SET
			pubkey           = EXCLUDED.pubkey,
			creator          = EXCLUDED.creator,
			title            = EXCLUDED.title,
			description      = EXCLUDED.description,
			category         = EXCLUDED.category,
			status           = CASE WHEN markets.status = 'resolved'
			                        THEN markets.status ELSE EXCLUDED.status END,
			collateral_mint  = EXCLUDED.collateral_mint,
			yes_mint         = EXCLUDED.yes_mint,
			no_mint          = EXCLUDED.no_mint,
			vault            = EXCLUDED.vault,
			oracle_source    = EXCLUDED.oracle_source,
			oracle_feed      = EXCLUDED.oracle_feed,
			oracle_threshold = EXCLUDED.oracle_threshold,
			start_timestamp  = EXCLUDED.start_timestamp,
			lock_timestamp   = EXCLUDED.lock_timestamp,
			end_timestamp    = EXCLUDED.end_timestamp,
			total_yes_shares = EXCLUDED.total_yes_shares,
			total_no_shares  = EXCLUDED.total_no_shares,
			total_collateral = EXCLUDED.total_collateral,
			resolved_outcome = CASE WHEN EXCLUDED.status = 'resolved'
			                        THEN EXCLUDED.resolved_outcome ELSE markets.resolved_outcome END,
			resolution_price = CASE WHEN EXCLUDED.status = 'resolved'
			                        THEN COALESCE(EXCLUDED.resolution_price, markets.resolution_price)
			                        ELSE markets.resolution_price END,
			resolved_at      = CASE WHEN EXCLUDED.status = 'resolved'
			                        THEN COALESCE(EXCLUDED.resolved_at, markets.resolved_at)
			                        ELSE markets.resolved_at END,
			min_bet          = EXCLUDED.min_bet,
			max_bet          = EXCLUDED.max_bet,
			fee_bps          = EXCLUDED.fee_bps,
			indexed_slot     = EXCLUDED.indexed_slot,
			updated_at       = NOW()
		WHERE markets.indexed_slot <= EXCLUDED.indexed_slot`

	var outcome *string
	if o, ok := a.ResolvedOutcome.Get(); ok {
		s := string(o)
		outcome = &s
	}
	_, err := t.tx.Exec(ctx, query,
		a.MarketID, a.Address, a.Creator, a.Title, a.Description,
		string(a.Category), string(a.Status), a.CollateralMint, a.YesMint, a.NoMint, a.Vault,
		string(a.OracleSource), a.OracleFeed, a.OracleThreshold,
		a.StartAt, a.LockAt, a.EndAt,
		a.Pools.YesShares, a.Pools.NoShares, a.Pools.Collateral,
		outcome, a.ResolutionPrice.Ptr(), a.ResolvedAt.Ptr(),
		a.MinBet, a.MaxBet, int32(a.FeeBps), a.Slot,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert market %d: %w", a.MarketID, err)
	}
	return nil
}

func (t *indexTx) InsertSnapshot(ctx context.Context, s domain.PriceSnapshot) error {
	var ts *time.Time
	if !s.Timestamp.IsZero() {
		ts = &s.Timestamp
	}
	const query = `
		INSERT INTO price_snapshots (market_id, yes_price, no_price, total_collateral, slot, timestamp)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`
	_, err := t.tx.Exec(ctx, query,
		s.MarketID, s.YesPrice, s.NoPrice, s.TotalCollateral, s.Slot, ts,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert snapshot %d: %w", s.MarketID, err)
	}
	return nil
}
