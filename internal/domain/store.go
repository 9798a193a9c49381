package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// EventStore runs indexing work inside a single database transaction.
type EventStore interface {
	// InTx commits when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(tx IndexTx) error) error
}

// IndexTx is the set of writes available inside an indexing transaction.
type IndexTx interface {
	// InsertBet returns false when the signature was already recorded.
	InsertBet(ctx context.Context, bet Bet) (bool, error)
	// InsertClaim returns false when the signature was already recorded.
	InsertClaim(ctx context.Context, claim Claim) (bool, error)
	CountBets(ctx context.Context, marketID uint64, wallet string) (int64, error)
	SumWagered(ctx context.Context, marketID uint64, wallet string) (uint64, error)
	// AddMarketActivity returns false when the market row does not exist.
	AddMarketActivity(ctx context.Context, marketID uint64, volume uint64, newParticipant bool) (bool, error)
	// LockUser returns the wallet's aggregate, creating an empty row if
	// needed, and holds a row lock until the transaction ends.
	LockUser(ctx context.Context, wallet string) (UserAggregate, error)
	SaveUser(ctx context.Context, user UserAggregate) error
	// ResolveMarket returns false when the market row does not exist.
	ResolveMarket(ctx context.Context, ev MarketResolved, at time.Time) (bool, error)
	// ApplyPools writes pool state observed at slot unless a newer slot has
	// already been applied. It returns false when nothing was written.
	ApplyPools(ctx context.Context, marketID uint64, pools PoolState, slot uint64) (bool, error)
	// UpsertMarket writes a reconciled account. On conflict only snapshot
	// fields are updated; accumulators are left untouched.
	UpsertMarket(ctx context.Context, account MarketAccount) error
	InsertSnapshot(ctx context.Context, snap PriceSnapshot) error
}

// MarketStore reads markets.
type MarketStore interface {
	GetByID(ctx context.Context, marketID uint64) (Market, error)
	GetByAddress(ctx context.Context, address string) (Market, error)
	List(ctx context.Context, filter MarketFilter) ([]Market, int64, error)
}

// SnapshotStore reads and prunes the price time series.
type SnapshotStore interface {
	History(ctx context.Context, marketID uint64, opts ListOpts) ([]PriceSnapshot, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]PriceSnapshot, error)
	// DeleteUpTo removes snapshots older than before with id <= maxID.
	DeleteUpTo(ctx context.Context, before time.Time, maxID int64) (int64, error)
}

// UserStore reads user aggregates and their activity.
type UserStore interface {
	Get(ctx context.Context, wallet string) (UserAggregate, error)
	Leaderboard(ctx context.Context, limit int, minBets int64) ([]LeaderboardEntry, error)
	ListBets(ctx context.Context, wallet string, opts ListOpts) ([]Bet, error)
	ListClaims(ctx context.Context, wallet string, opts ListOpts) ([]Claim, error)
}
