package indexer_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predictindexer/internal/domain"
	"github.com/alanyoungcy/predictindexer/internal/indexer"
	"github.com/alanyoungcy/predictindexer/internal/platform/solana"
)

const marketAddr = "MarketA"

type processorFixture struct {
	store  *memStore
	ledger *fakeLedger
	bus    *fakeBus
	proc   *indexer.Processor
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()
	store := newMemStore()
	store.putMarket(domain.Market{
		MarketID:    7,
		Address:     marketAddr,
		Status:      domain.MarketStatusActive,
		Pools:       domain.PoolState{YesShares: 1000, NoShares: 1000, Collateral: 2000},
		FeeBps:      200,
		IndexedSlot: 10,
	})

	ledger := newFakeLedger()
	ledger.accounts[marketAddr] = marketAccount(marketAddr, accountSpec{
		id: 7, status: 1, mint: solana.WrappedSOLMint, yes: 910, no: 1098, collateral: 2100,
	})

	bus := newFakeBus()
	proc := indexer.NewProcessor(indexer.ProcessorDeps{
		Store:   store,
		Markets: store,
		Ledger:  ledger,
		Bus:     bus,
		Metrics: newMetrics(),
	}, domain.DefaultRankWeights(), time.Second, discardLogger())

	return &processorFixture{store: store, ledger: ledger, bus: bus, proc: proc}
}

func (f *processorFixture) process(t *testing.T, sig string, slot uint64, lines ...string) indexer.Result {
	t.Helper()
	res, err := f.proc.ProcessLogs(context.Background(), sig, slot, domain.None[time.Time](), lines, indexer.SourceWebhook)
	require.NoError(t, err)
	return res
}

func defaultBet(user solana.PublicKey) betSpec {
	return betSpec{market: 7, user: user, amount: 100, shares: 90, newYes: 910, newNo: 1098, timestamp: 1700000100}
}

func TestProcessor_BetPlaced(t *testing.T) {
	f := newProcessorFixture(t)
	alice := wallet(1)

	res := f.process(t, "sig-1", 500, betLine(defaultBet(alice)))
	assert.Equal(t, indexer.Result{Applied: 1}, res)

	st := f.store.snapshot()
	require.Len(t, st.bets, 1)
	bet := st.bets["sig-1"]
	assert.Equal(t, alice.String(), bet.User)
	assert.Equal(t, domain.OutcomeYes, bet.Outcome)
	assert.Equal(t, uint64(500), bet.Slot)
	assert.Equal(t, time.Unix(1700000100, 0).UTC(), bet.Timestamp)

	mk := st.markets[7]
	assert.Equal(t, uint64(100), mk.Volume24h)
	assert.Equal(t, int64(1), mk.ParticipantCount)
	assert.Equal(t, domain.PoolState{YesShares: 910, NoShares: 1098, Collateral: 2100}, mk.Pools)
	assert.Equal(t, uint64(1000), mk.IndexedSlot)

	u := st.users[alice.String()]
	assert.Equal(t, int64(1), u.TotalBets)
	assert.Equal(t, uint64(100), u.TotalVolume)
	assert.InDelta(t, 30.0, u.RankScore, 1e-9)

	require.Len(t, st.snapshots, 1)
	assert.Equal(t, uint64(546_812), st.snapshots[0].YesPrice)
	assert.Equal(t, uint64(453_188), st.snapshots[0].NoPrice)
	assert.Equal(t, uint64(2100), st.snapshots[0].TotalCollateral)

	require.Len(t, f.bus.published["events:bet_placed"], 1)
	require.Len(t, f.bus.stream, 1)
	var envelope map[string]any
	require.NoError(t, json.Unmarshal(f.bus.stream[0], &envelope))
	assert.Equal(t, "bet_placed", envelope["kind"])
	assert.Equal(t, "sig-1", envelope["signature"])
}

func TestProcessor_DuplicateSignatureHasNoSideEffects(t *testing.T) {
	f := newProcessorFixture(t)
	line := betLine(defaultBet(wallet(1)))

	f.process(t, "sig-1", 500, line)
	before := f.store.snapshot()

	res := f.process(t, "sig-1", 500, line)
	assert.Equal(t, indexer.Result{Duplicates: 1}, res)

	after := f.store.snapshot()
	assert.Equal(t, before.markets, after.markets)
	assert.Equal(t, before.users, after.users)
	assert.Len(t, after.snapshots, len(before.snapshots))
	assert.Len(t, f.bus.stream, 1)
}

func TestProcessor_ParticipantsCountDistinctWallets(t *testing.T) {
	f := newProcessorFixture(t)
	alice, bob := wallet(1), wallet(2)

	f.process(t, "a1", 500, betLine(defaultBet(alice)))
	f.process(t, "a2", 501, betLine(defaultBet(alice)))
	f.process(t, "b1", 502, betLine(defaultBet(bob)))

	mk := f.store.snapshot().markets[7]
	assert.Equal(t, int64(2), mk.ParticipantCount)
	assert.Equal(t, uint64(300), mk.Volume24h)
}

func TestProcessor_FallsBackToEventTotals(t *testing.T) {
	f := newProcessorFixture(t)
	f.ledger.accountErr = errors.New("rpc down")

	bet := defaultBet(wallet(1))
	bet.newYes, bet.newNo = 905, 1100
	f.process(t, "sig-1", 600, betLine(bet))

	mk := f.store.snapshot().markets[7]
	assert.Equal(t, domain.PoolState{YesShares: 905, NoShares: 1100, Collateral: 2100}, mk.Pools)
	assert.Equal(t, uint64(600), mk.IndexedSlot)
}

func TestProcessor_LaggingAccountReadKeepsEventTotals(t *testing.T) {
	f := newProcessorFixture(t)
	f.ledger.slot = 400
	f.ledger.accounts[marketAddr] = marketAccount(marketAddr, accountSpec{
		id: 7, status: 1, mint: solana.WrappedSOLMint, yes: 1000, no: 1000, collateral: 2000,
	})

	f.process(t, "sig-1", 500, betLine(defaultBet(wallet(1))))

	st := f.store.snapshot()
	mk := st.markets[7]
	assert.Equal(t, domain.PoolState{YesShares: 910, NoShares: 1098, Collateral: 2100}, mk.Pools)
	assert.Equal(t, uint64(500), mk.IndexedSlot)

	require.Len(t, st.snapshots, 1)
	assert.Equal(t, uint64(546_812), st.snapshots[0].YesPrice)
	assert.Equal(t, uint64(453_188), st.snapshots[0].NoPrice)
	assert.Equal(t, uint64(500), st.snapshots[0].Slot)
}

func TestProcessor_StalePoolsAreNotApplied(t *testing.T) {
	f := newProcessorFixture(t)
	mk, _ := f.store.GetByID(context.Background(), 7)
	mk.IndexedSlot = 5000
	f.store.putMarket(mk)

	f.process(t, "sig-1", 600, betLine(defaultBet(wallet(1))))

	st := f.store.snapshot()
	assert.Equal(t, uint64(1000), st.markets[7].Pools.YesShares)
	assert.Equal(t, uint64(5000), st.markets[7].IndexedSlot)
	assert.Empty(t, st.snapshots)
	assert.Equal(t, uint64(100), st.markets[7].Volume24h)
}

func TestProcessor_FailedTransactionRollsBackAndCanRetry(t *testing.T) {
	f := newProcessorFixture(t)
	line := betLine(defaultBet(wallet(1)))

	f.store.failOn = "SaveUser"
	_, err := f.proc.ProcessLogs(context.Background(), "sig-1", 500, domain.None[time.Time](), []string{line}, indexer.SourceWebhook)
	require.ErrorIs(t, err, errInjected)

	st := f.store.snapshot()
	assert.Empty(t, st.bets)
	assert.Zero(t, st.markets[7].Volume24h)

	f.store.failOn = ""
	res := f.process(t, "sig-1", 500, line)
	assert.Equal(t, 1, res.Applied)
}

func TestProcessor_BetForUnknownMarket(t *testing.T) {
	f := newProcessorFixture(t)
	bet := defaultBet(wallet(1))
	bet.market = 99

	res := f.process(t, "sig-x", 500, betLine(bet))
	assert.Equal(t, 1, res.Applied)

	st := f.store.snapshot()
	assert.Len(t, st.bets, 1)
	assert.Equal(t, int64(1), st.users[wallet(1).String()].TotalBets)
	assert.Empty(t, st.snapshots)
}

func TestProcessor_MarketResolved(t *testing.T) {
	f := newProcessorFixture(t)

	res := f.process(t, "res-1", 700, resolvedLine(7, 0, 2100))
	assert.Equal(t, 1, res.Applied)

	mk := f.store.snapshot().markets[7]
	assert.Equal(t, domain.MarketStatusResolved, mk.Status)
	assert.Equal(t, domain.Some(domain.OutcomeYes), mk.ResolvedOutcome)
	assert.Equal(t, int64(101_000), mk.ResolutionPrice.OrElse(0))
	assert.True(t, mk.ResolvedAt.IsSome())
	assert.Equal(t, uint64(2100), mk.Pools.Collateral)

	res = f.process(t, "res-2", 701, resolvedLine(404, 1, 10))
	assert.Equal(t, indexer.Result{Duplicates: 1}, res)
}

func TestProcessor_PayoutClaimed(t *testing.T) {
	f := newProcessorFixture(t)
	alice := wallet(1)

	b1 := defaultBet(alice)
	b2 := defaultBet(alice)
	b2.amount = 200
	f.process(t, "b1", 500, betLine(b1))
	f.process(t, "b2", 501, betLine(b2))
	f.process(t, "r", 600, resolvedLine(7, 0, 2100))

	blockTime := time.Unix(1700009999, 0)
	res, err := f.proc.ProcessLogs(context.Background(), "c1", 700, domain.Some(blockTime),
		[]string{claimLine(7, alice, 700, 300)}, indexer.SourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)

	st := f.store.snapshot()
	assert.Equal(t, blockTime.UTC(), st.claims["c1"].Timestamp)

	u := st.users[alice.String()]
	assert.Equal(t, int64(400), u.TotalPnL)
	assert.InDelta(t, 50.0, u.WinRate, 1e-9)
	assert.InDelta(t, 400*0.5+300*0.3+50*2*200, u.RankScore, 1e-9)

	// Replaying the claim changes nothing.
	res = f.process(t, "c1", 700, claimLine(7, alice, 700, 300))
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, u, f.store.snapshot().users[alice.String()])
}

func TestProcessor_LosingClaimLowersPnL(t *testing.T) {
	f := newProcessorFixture(t)
	alice := wallet(1)

	b := defaultBet(alice)
	b.amount = 500
	f.process(t, "b1", 500, betLine(b))
	f.process(t, "c1", 600, claimLine(7, alice, 200, 100))

	u := f.store.snapshot().users[alice.String()]
	assert.Equal(t, int64(-300), u.TotalPnL)
	assert.Zero(t, u.WinRate)
}

func TestProcessor_UndecodableLinesDoNotBlockOthers(t *testing.T) {
	f := newProcessorFixture(t)

	res := f.process(t, "sig-1", 500,
		"Program data: ????",
		betLine(defaultBet(wallet(1))),
	)
	assert.Equal(t, 1, res.Applied)
}

func TestProcessor_IncrementalRankMatchesReplay(t *testing.T) {
	f := newProcessorFixture(t)
	f.ledger.accountErr = errors.New("offline")
	for id := uint64(1); id <= 3; id++ {
		f.store.putMarket(domain.Market{MarketID: id, Address: "M" + string(rune('0'+id)), FeeBps: 100,
			Pools: domain.PoolState{YesShares: 1000, NoShares: 1000}})
	}

	users := []solana.PublicKey{wallet(1), wallet(50), wallet(100)}
	rng := rand.New(rand.NewPCG(42, 1))
	slot := uint64(100)
	for i := 0; i < 300; i++ {
		slot++
		user := users[rng.IntN(len(users))]
		market := uint64(rng.IntN(3) + 1)
		sig := "s" + string(rune('a'+i%26)) + string(rune('a'+i/26))

		if rng.IntN(4) == 0 {
			f.process(t, sig, slot, claimLine(market, user, rng.Uint64N(5_000), 1))
			continue
		}
		b := defaultBet(user)
		b.market = market
		b.amount = rng.Uint64N(2_000) + 1
		b.no = rng.IntN(2) == 1
		f.process(t, sig, slot, betLine(b))
	}

	st := f.store.snapshot()
	for _, user := range users {
		w := user.String()
		var bets []domain.Bet
		var claims []domain.Claim
		for _, b := range st.bets {
			if b.User == w {
				bets = append(bets, b)
			}
		}
		for _, c := range st.claims {
			if c.User == w {
				claims = append(claims, c)
			}
		}

		want := domain.ReplayUser(w, bets, claims, domain.DefaultRankWeights())
		got := st.users[w]
		assert.Equal(t, want.TotalBets, got.TotalBets, w)
		assert.Equal(t, want.TotalVolume, got.TotalVolume, w)
		assert.Equal(t, want.TotalPnL, got.TotalPnL, w)
		assert.InDelta(t, want.WinRate, got.WinRate, 1e-9, w)
		assert.InDelta(t, want.RankScore, got.RankScore, 1e-6, w)
	}
}
