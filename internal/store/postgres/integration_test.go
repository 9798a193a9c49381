package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predictindexer/internal/domain"
)

// These tests run the store SQL against a live database. They are skipped
// unless PREDICT_TEST_POSTGRES_DSN points at a disposable PostgreSQL.
const testDSNEnv = "PREDICT_TEST_POSTGRES_DSN"

func liveClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv(testDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", testDSNEnv)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.RunMigrations(ctx))
	return c
}

// seedMarket inserts an active market with a unique id and removes it and its
// bets when the test ends.
func seedMarket(t *testing.T, c *Client, slot uint64) domain.MarketAccount {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	a := domain.MarketAccount{
		Market: domain.Market{
			MarketID:       uint64(time.Now().UnixNano() & 0x3fffffffffffffff),
			Address:        uuid.NewString(),
			Creator:        "creator",
			Title:          "BTC above 100k",
			Category:       domain.CategoryCrypto,
			Status:         domain.MarketStatusActive,
			CollateralMint: "mint",
			YesMint:        "yes",
			NoMint:         "no",
			Vault:          "vault",
			OracleSource:   domain.OracleSourcePyth,
			OracleFeed:     "feed",
			StartAt:        now,
			LockAt:         now.Add(time.Hour),
			EndAt:          now.Add(2 * time.Hour),
			Pools:          domain.PoolState{YesShares: 1000, NoShares: 1000, Collateral: 2000},
		},
		Slot: slot,
	}
	store := NewEventStore(c.Pool())
	require.NoError(t, store.InTx(context.Background(), func(tx domain.IndexTx) error {
		return tx.UpsertMarket(context.Background(), a)
	}))
	t.Cleanup(func() {
		ctx := context.Background()
		_, _ = c.Pool().Exec(ctx, `DELETE FROM bets WHERE market_id = $1`, a.MarketID)
		_, _ = c.Pool().Exec(ctx, `DELETE FROM markets WHERE market_id = $1`, a.MarketID)
	})
	return a
}

func TestLive_InsertBetIgnoresDuplicateSignature(t *testing.T) {
	c := liveClient(t)
	ctx := context.Background()
	m := seedMarket(t, c, 10)
	store := NewEventStore(c.Pool())

	bet := domain.Bet{
		Signature: uuid.NewString(),
		MarketID:  m.MarketID,
		User:      "wallet-1",
		Outcome:   domain.OutcomeYes,
		Amount:    100,
		Shares:    90,
		Slot:      11,
		Timestamp: time.Now().UTC(),
	}
	var inserted []bool
	for range 2 {
		require.NoError(t, store.InTx(ctx, func(tx domain.IndexTx) error {
			ok, err := tx.InsertBet(ctx, bet)
			inserted = append(inserted, ok)
			return err
		}))
	}
	assert.Equal(t, []bool{true, false}, inserted)

	var n int
	require.NoError(t, c.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM bets WHERE tx_signature = $1`, bet.Signature).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestLive_UpsertNeverLeavesResolved(t *testing.T) {
	c := liveClient(t)
	ctx := context.Background()
	m := seedMarket(t, c, 10)
	store := NewEventStore(c.Pool())

	require.NoError(t, store.InTx(ctx, func(tx domain.IndexTx) error {
		_, err := tx.ResolveMarket(ctx, domain.MarketResolved{
			MarketID: m.MarketID, Outcome: domain.OutcomeNo, ResolutionPrice: 42, TotalCollateral: 2000,
		}, time.Now().UTC())
		return err
	}))

	// A newer account read that still reports the market as active.
	m.Slot = 20
	m.Pools = domain.PoolState{YesShares: 900, NoShares: 1100, Collateral: 2000}
	require.NoError(t, store.InTx(ctx, func(tx domain.IndexTx) error {
		return tx.UpsertMarket(ctx, m)
	}))

	got, err := NewMarketStore(c.Pool()).GetByID(ctx, m.MarketID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, got.Status)
	outcome, ok := got.ResolvedOutcome.Get()
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeNo, outcome)
	assert.Equal(t, uint64(900), got.Pools.YesShares)
	assert.Equal(t, uint64(20), got.IndexedSlot)

	// An older read does not touch the row.
	m.Slot = 15
	m.Pools = domain.PoolState{YesShares: 1, NoShares: 1, Collateral: 2}
	require.NoError(t, store.InTx(ctx, func(tx domain.IndexTx) error {
		return tx.UpsertMarket(ctx, m)
	}))
	got, err = NewMarketStore(c.Pool()).GetByID(ctx, m.MarketID)
	require.NoError(t, err)
	assert.Equal(t, uint64(900), got.Pools.YesShares)
}

func TestLive_ResolvedStatusRequiresOutcome(t *testing.T) {
	c := liveClient(t)
	ctx := context.Background()
	m := seedMarket(t, c, 10)

	_, err := c.Pool().Exec(ctx,
		`UPDATE markets SET status = 'resolved' WHERE market_id = $1`, m.MarketID)
	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "23514", pgErr.Code)
	assert.Equal(t, "markets_resolution_consistent", pgErr.ConstraintName)
}
