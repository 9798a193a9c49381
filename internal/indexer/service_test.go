package indexer_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predictindexer/internal/domain"
	"github.com/alanyoungcy/predictindexer/internal/indexer"
	"github.com/alanyoungcy/predictindexer/internal/platform/solana"
)

// fakeStream replays notifications once and then blocks until cancelled.
type fakeStream struct {
	notes     []domain.LogNotification
	delivered chan struct{}
}

func (s *fakeStream) Run(ctx context.Context, handle solana.LogHandler) error {
	for _, n := range s.notes {
		handle(ctx, n)
	}
	close(s.delivered)
	<-ctx.Done()
	return nil
}

type serviceFixture struct {
	store  *memStore
	ledger *fakeLedger
	locks  *fakeLocks
	svc    *indexer.Service
}

func newServiceFixture(t *testing.T, stream indexer.LogStream) *serviceFixture {
	t.Helper()
	return newServiceFixtureWith(t, stream, nil)
}

func newServiceFixtureWith(t *testing.T, stream indexer.LogStream, tune func(*indexer.Config)) *serviceFixture {
	t.Helper()
	store := newMemStore()
	ledger := newFakeLedger()
	ledger.accounts[marketAddr] = marketAccount(marketAddr, accountSpec{
		id: 7, status: 1, mint: solana.WrappedSOLMint, yes: 910, no: 1098, collateral: 2100,
	})
	locks := &fakeLocks{}

	cfg := indexer.Config{
		ProgramID:      testProgram,
		CollateralMint: solana.WrappedSOLMint,
		SyncInterval:   time.Hour,
		ResyncDelay:    time.Millisecond,
		FetchTimeout:   time.Second,
		Subscribe:      stream != nil,
		RankWeights:    domain.DefaultRankWeights(),
	}
	if tune != nil {
		tune(&cfg)
	}
	svc := indexer.NewService(cfg, indexer.Deps{
		Ledger:  ledger,
		Store:   store,
		Markets: store,
		Stream:  stream,
		Bus:     newFakeBus(),
		Locks:   locks,
		Metrics: newMetrics(),
	}, discardLogger())

	return &serviceFixture{store: store, ledger: ledger, locks: locks, svc: svc}
}

func (f *serviceFixture) addBetTx(sig string, slot uint64, user solana.PublicKey) {
	f.ledger.txs[sig] = domain.TransactionLogs{
		Signature:   sig,
		Slot:        slot,
		Logs:        []string{"Program log: Instruction: PlaceBet", betLine(defaultBet(user))},
		AccountKeys: []string{user.String(), marketAddr},
	}
}

func TestService_WebhookDuplicateDeliveryAppliesOnce(t *testing.T) {
	f := newServiceFixture(t, nil)
	_, err := f.svc.SyncOnce(context.Background())
	require.NoError(t, err)
	f.addBetTx("sig-1", 1500, wallet(1))

	f.svc.HandleWebhook(context.Background(), []string{"sig-1"})
	f.svc.HandleWebhook(context.Background(), []string{"sig-1", ""})

	st := f.store.snapshot()
	assert.Len(t, st.bets, 1)
	assert.Equal(t, uint64(100), st.markets[7].Volume24h)
	assert.Equal(t, int64(1), st.users[wallet(1).String()].TotalBets)
}

func TestService_ConcurrentIntakesApplyOnce(t *testing.T) {
	f := newServiceFixture(t, nil)
	_, err := f.svc.SyncOnce(context.Background())
	require.NoError(t, err)
	f.addBetTx("sig-1", 1500, wallet(1))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				f.svc.HandleWebhook(context.Background(), []string{"sig-1"})
				return
			}
			_, _ = f.svc.IndexSignature(context.Background(), "sig-1", indexer.SourceIndexTx)
		}(i)
	}
	wg.Wait()

	st := f.store.snapshot()
	assert.Len(t, st.bets, 1)
	assert.Equal(t, uint64(100), st.markets[7].Volume24h)
}

func TestService_WebhookBatchStaysWithinBudget(t *testing.T) {
	f := newServiceFixtureWith(t, nil, func(c *indexer.Config) {
		c.WebhookBudget = 300 * time.Millisecond
	})
	_, err := f.svc.SyncOnce(context.Background())
	require.NoError(t, err)

	sigs := make([]string, 12)
	for i := range sigs {
		sigs[i] = fmt.Sprintf("sig-%02d", i)
		f.addBetTx(sigs[i], 1500, wallet(byte(i+1)))
	}
	f.ledger.txDelay = 200 * time.Millisecond

	start := time.Now()
	f.svc.HandleWebhook(context.Background(), sigs)
	elapsed := time.Since(start)

	// One at a time this batch needs 2.4s of fetches.
	assert.Less(t, elapsed, 1500*time.Millisecond)
	bets := len(f.store.snapshot().bets)
	assert.GreaterOrEqual(t, bets, 4, "the first wave runs concurrently")
	assert.Less(t, bets, len(sigs), "signatures past the budget are skipped")

	// Redelivery picks up the rest.
	f.ledger.txDelay = 0
	f.svc.HandleWebhook(context.Background(), sigs)
	assert.Len(t, f.store.snapshot().bets, len(sigs))
}

func TestService_WebhookSkipsSignatureHeldByAnotherIntake(t *testing.T) {
	f := newServiceFixture(t, nil)
	f.addBetTx("sig-1", 1500, wallet(1))
	unlock, err := f.locks.Acquire(context.Background(), "intake:sig-1", time.Second)
	require.NoError(t, err)
	defer unlock()

	f.svc.HandleWebhook(context.Background(), []string{"sig-1"})
	assert.Empty(t, f.store.snapshot().bets)
}

func TestService_LockBackendErrorFailsOpen(t *testing.T) {
	f := newServiceFixture(t, nil)
	f.addBetTx("sig-1", 1500, wallet(1))
	f.locks.err = errors.New("redis down")

	f.svc.HandleWebhook(context.Background(), []string{"sig-1"})
	assert.Len(t, f.store.snapshot().bets, 1)
}

func TestService_WebhookUnknownSignatureIsLogged(t *testing.T) {
	f := newServiceFixture(t, nil)
	assert.NotPanics(t, func() {
		f.svc.HandleWebhook(context.Background(), []string{"nope"})
	})
	_, err := f.svc.IndexSignature(context.Background(), "nope", indexer.SourceWebhook)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestService_ResyncIndexesAndRefreshesMarket(t *testing.T) {
	f := newServiceFixture(t, nil)
	f.addBetTx("sig-1", 1500, wallet(1))

	f.svc.Resync(context.Background(), "sig-1")

	st := f.store.snapshot()
	assert.Len(t, st.bets, 1)
	require.Contains(t, st.markets, uint64(7))
	assert.Equal(t, uint64(910), st.markets[7].Pools.YesShares)
	// The bet arrived before the market row and is folded in on insert.
	assert.Equal(t, uint64(100), st.markets[7].Volume24h)
	assert.Equal(t, int64(1), st.markets[7].ParticipantCount)
}

func TestService_ResyncHonoursCancellation(t *testing.T) {
	f := newServiceFixture(t, nil)
	f.addBetTx("sig-1", 1500, wallet(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.svc.Resync(ctx, "sig-1")

	assert.Zero(t, f.ledger.fetches)
	assert.Empty(t, f.store.snapshot().bets)
}

func TestService_StartStopLifecycle(t *testing.T) {
	stream := &fakeStream{
		delivered: make(chan struct{}),
		notes: []domain.LogNotification{
			{Signature: "failed", Slot: 1, Failed: true, Logs: []string{betLine(defaultBet(wallet(9)))}},
			{Signature: "live-1", Slot: 1600, Logs: []string{betLine(defaultBet(wallet(1)))}},
		},
	}
	f := newServiceFixture(t, stream)

	require.NoError(t, f.svc.Start(context.Background()))
	assert.ErrorIs(t, f.svc.Start(context.Background()), domain.ErrAlreadyStarted)

	select {
	case <-stream.delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("subscription never ran")
	}

	require.NoError(t, f.svc.Stop())
	select {
	case <-f.svc.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	st := f.store.snapshot()
	assert.Contains(t, st.markets, uint64(7), "initial sync did not run")
	assert.Len(t, st.bets, 1)
	assert.Contains(t, st.bets, "live-1")
	assert.Zero(t, f.ledger.fetches, "subscription events must not refetch transactions")
}

func TestService_StopBeforeStart(t *testing.T) {
	f := newServiceFixture(t, nil)
	assert.NoError(t, f.svc.Stop())
}
