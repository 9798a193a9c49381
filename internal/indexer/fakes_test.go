package indexer_test

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alanyoungcy/predictindexer/internal/decoder"
	"github.com/alanyoungcy/predictindexer/internal/domain"
	"github.com/alanyoungcy/predictindexer/internal/observability"
	"github.com/alanyoungcy/predictindexer/internal/platform/solana"
)

const (
	testProgram = "Prog111111111111111111111111111111111111111"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMetrics() *observability.Metrics {
	return observability.NewMetrics(prometheus.NewRegistry())
}

func wallet(seed byte) solana.PublicKey {
	var pk solana.PublicKey
	for i := range pk {
		pk[i] = seed + byte(i)
	}
	return pk
}

// --------------------------------------------------------------------------
// Store
// --------------------------------------------------------------------------

type memState struct {
	markets   map[uint64]domain.Market
	bets      map[string]domain.Bet
	claims    map[string]domain.Claim
	users     map[string]domain.UserAggregate
	snapshots []domain.PriceSnapshot
}

func (s memState) clone() memState {
	return memState{
		markets:   maps.Clone(s.markets),
		bets:      maps.Clone(s.bets),
		claims:    maps.Clone(s.claims),
		users:     maps.Clone(s.users),
		snapshots: append([]domain.PriceSnapshot(nil), s.snapshots...),
	}
}

// memStore is a serialising in-memory EventStore and MarketStore. InTx works
// on a copy of the state and publishes it only on success.
type memStore struct {
	mu     sync.Mutex
	state  memState
	failOn string
}

func newMemStore() *memStore {
	return &memStore{state: memState{
		markets: map[uint64]domain.Market{},
		bets:    map[string]domain.Bet{},
		claims:  map[string]domain.Claim{},
		users:   map[string]domain.UserAggregate{},
	}}
}

func (m *memStore) InTx(ctx context.Context, fn func(tx domain.IndexTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{state: m.state.clone(), failOn: m.failOn}
	if err := fn(tx); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

func (m *memStore) putMarket(mk domain.Market) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.markets[mk.MarketID] = mk
}

func (m *memStore) snapshot() memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

func (m *memStore) GetByID(ctx context.Context, id uint64) (domain.Market, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mk, ok := m.state.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return mk, nil
}

func (m *memStore) GetByAddress(ctx context.Context, address string) (domain.Market, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mk := range m.state.markets {
		if mk.Address == address {
			return mk, nil
		}
	}
	return domain.Market{}, domain.ErrNotFound
}

func (m *memStore) List(ctx context.Context, f domain.MarketFilter) ([]domain.Market, int64, error) {
	return nil, 0, errors.New("not implemented")
}

var errInjected = errors.New("injected failure")

type memTx struct {
	state  memState
	failOn string
}

func (t *memTx) fail(op string) error {
	if t.failOn == op {
		return errInjected
	}
	return nil
}

func (t *memTx) InsertBet(ctx context.Context, bet domain.Bet) (bool, error) {
	if err := t.fail("InsertBet"); err != nil {
		return false, err
	}
	if _, ok := t.state.bets[bet.Signature]; ok {
		return false, nil
	}
	t.state.bets[bet.Signature] = bet
	return true, nil
}

func (t *memTx) InsertClaim(ctx context.Context, c domain.Claim) (bool, error) {
	if _, ok := t.state.claims[c.Signature]; ok {
		return false, nil
	}
	t.state.claims[c.Signature] = c
	return true, nil
}

func (t *memTx) CountBets(ctx context.Context, marketID uint64, w string) (int64, error) {
	var n int64
	for _, b := range t.state.bets {
		if b.MarketID == marketID && b.User == w {
			n++
		}
	}
	return n, nil
}

func (t *memTx) SumWagered(ctx context.Context, marketID uint64, w string) (uint64, error) {
	var sum uint64
	for _, b := range t.state.bets {
		if b.MarketID == marketID && b.User == w {
			sum += b.Amount
		}
	}
	return sum, nil
}

func (t *memTx) AddMarketActivity(ctx context.Context, id, volume uint64, newParticipant bool) (bool, error) {
	mk, ok := t.state.markets[id]
	if !ok {
		return false, nil
	}
	mk.Volume24h += volume
	if newParticipant {
		mk.ParticipantCount++
	}
	t.state.markets[id] = mk
	return true, nil
}

func (t *memTx) LockUser(ctx context.Context, w string) (domain.UserAggregate, error) {
	u, ok := t.state.users[w]
	if !ok {
		u = domain.UserAggregate{Wallet: w}
		t.state.users[w] = u
	}
	return u, nil
}

func (t *memTx) SaveUser(ctx context.Context, u domain.UserAggregate) error {
	if err := t.fail("SaveUser"); err != nil {
		return err
	}
	t.state.users[u.Wallet] = u
	return nil
}

func (t *memTx) ResolveMarket(ctx context.Context, ev domain.MarketResolved, at time.Time) (bool, error) {
	mk, ok := t.state.markets[ev.MarketID]
	if !ok {
		return false, nil
	}
	mk.Status = domain.MarketStatusResolved
	mk.ResolvedOutcome = domain.Some(ev.Outcome)
	mk.ResolutionPrice = domain.Some(ev.ResolutionPrice)
	mk.ResolvedAt = domain.Some(at)
	mk.Pools.Collateral = ev.TotalCollateral
	t.state.markets[ev.MarketID] = mk
	return true, nil
}

func (t *memTx) ApplyPools(ctx context.Context, id uint64, pools domain.PoolState, slot uint64) (bool, error) {
	mk, ok := t.state.markets[id]
	if !ok || mk.IndexedSlot > slot {
		return false, nil
	}
	mk.Pools = pools
	mk.IndexedSlot = slot
	t.state.markets[id] = mk
	return true, nil
}

func (t *memTx) UpsertMarket(ctx context.Context, a domain.MarketAccount) error {
	if err := t.fail("UpsertMarket"); err != nil {
		return err
	}
	existing, ok := t.state.markets[a.MarketID]
	if !ok {
		mk := a.Market
		users := map[string]struct{}{}
		for _, b := range t.state.bets {
			if b.MarketID == a.MarketID {
				mk.Volume24h += b.Amount
				users[b.User] = struct{}{}
			}
		}
		mk.ParticipantCount = int64(len(users))
		t.state.markets[a.MarketID] = mk
		return nil
	}
	if existing.IndexedSlot > a.Slot {
		return nil
	}
	if existing.Status != domain.MarketStatusResolved {
		existing.Status = a.Status
	}
	if a.Status == domain.MarketStatusResolved {
		existing.ResolvedOutcome = a.ResolvedOutcome
		existing.ResolutionPrice = a.ResolutionPrice
		existing.ResolvedAt = a.ResolvedAt
	}
	existing.Pools = a.Pools
	existing.IndexedSlot = a.Slot
	t.state.markets[a.MarketID] = existing
	return nil
}

func (t *memTx) InsertSnapshot(ctx context.Context, s domain.PriceSnapshot) error {
	s.ID = int64(len(t.state.snapshots) + 1)
	t.state.snapshots = append(t.state.snapshots, s)
	return nil
}

// --------------------------------------------------------------------------
// Ledger
// --------------------------------------------------------------------------

type fakeLedger struct {
	mu           sync.Mutex
	txs          map[string]domain.TransactionLogs
	accounts     map[string]domain.AccountData
	slot         uint64
	accountErr   error
	listErr      error
	fetches      int
	programCalls int
	// txDelay slows GetTransaction down; the wait honours ctx.
	txDelay time.Duration
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		txs:      map[string]domain.TransactionLogs{},
		accounts: map[string]domain.AccountData{},
		slot:     1000,
	}
}

func (l *fakeLedger) GetTransaction(ctx context.Context, sig string) (domain.TransactionLogs, error) {
	if l.txDelay > 0 {
		select {
		case <-ctx.Done():
			return domain.TransactionLogs{}, ctx.Err()
		case <-time.After(l.txDelay):
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fetches++
	tx, ok := l.txs[sig]
	if !ok {
		return domain.TransactionLogs{}, domain.ErrNotFound
	}
	return tx, nil
}

func (l *fakeLedger) GetProgramAccounts(ctx context.Context, program string, filters ...solana.MemcmpFilter) ([]domain.AccountData, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.programCalls++
	if l.listErr != nil {
		return nil, 0, l.listErr
	}
	var out []domain.AccountData
	for _, a := range l.accounts {
		if a.Owner != program {
			continue
		}
		ok := true
		for _, f := range filters {
			end := int(f.Offset) + len(f.Bytes)
			if end > len(a.Data) || string(a.Data[f.Offset:end]) != string(f.Bytes) {
				ok = false
			}
		}
		if ok {
			out = append(out, a)
		}
	}
	return out, l.slot, nil
}

func (l *fakeLedger) GetAccount(ctx context.Context, address string) (domain.Optional[domain.AccountData], uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.accountErr != nil {
		return domain.None[domain.AccountData](), 0, l.accountErr
	}
	a, ok := l.accounts[address]
	if !ok {
		return domain.None[domain.AccountData](), l.slot, nil
	}
	return domain.Some(a), l.slot, nil
}

func (l *fakeLedger) GetMultipleAccounts(ctx context.Context, addresses []string) ([]domain.AccountData, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.AccountData
	for _, addr := range addresses {
		if a, ok := l.accounts[addr]; ok {
			out = append(out, a)
		}
	}
	return out, l.slot, nil
}

// --------------------------------------------------------------------------
// Bus and locks
// --------------------------------------------------------------------------

type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	stream    [][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: map[string][][]byte{}}
}

func (b *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return nil, errors.New("not implemented")
}

func (b *fakeBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stream = append(b.stream, payload)
	return nil
}

func (b *fakeBus) StreamRead(ctx context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type fakeLocks struct {
	mu   sync.Mutex
	held map[string]bool
	err  error
}

func (f *fakeLocks) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.held == nil {
		f.held = map[string]bool{}
	}
	if f.held[key] {
		return nil, domain.ErrLockHeld
	}
	f.held[key] = true
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.held, key)
	}, nil
}

// --------------------------------------------------------------------------
// Payload builders
// --------------------------------------------------------------------------

type enc struct{ b []byte }

func (e *enc) raw(b ...byte) *enc { e.b = append(e.b, b...); return e }
func (e *enc) u8(v uint8) *enc    { return e.raw(v) }
func (e *enc) u16(v uint16) *enc {
	e.b = binary.LittleEndian.AppendUint16(e.b, v)
	return e
}
func (e *enc) u64(v uint64) *enc {
	e.b = binary.LittleEndian.AppendUint64(e.b, v)
	return e
}
func (e *enc) i64(v int64) *enc             { return e.u64(uint64(v)) }
func (e *enc) key(pk solana.PublicKey) *enc { return e.raw(pk[:]...) }
func (e *enc) str(s string) *enc {
	e.b = binary.LittleEndian.AppendUint32(e.b, uint32(len(s)))
	return e.raw([]byte(s)...)
}

func dataLine(b []byte) string {
	return decoder.ProgramDataPrefix + base64.StdEncoding.EncodeToString(b)
}

type betSpec struct {
	market    uint64
	user      solana.PublicKey
	no        bool
	amount    uint64
	shares    uint64
	newYes    uint64
	newNo     uint64
	timestamp int64
}

func betLine(b betSpec) string {
	outcome := uint8(0)
	if b.no {
		outcome = 1
	}
	e := (&enc{}).raw(decoder.BetPlacedDiscriminator[:]...).
		u64(b.market).key(b.user).u8(outcome).
		u64(b.amount).u64(b.shares).u64(b.newYes).u64(b.newNo).i64(b.timestamp)
	return dataLine(e.b)
}

func resolvedLine(market uint64, outcome uint8, collateral uint64) string {
	e := (&enc{}).raw(decoder.MarketResolvedDiscriminator[:]...).
		u64(market).u8(outcome).i64(101_000).u64(collateral)
	return dataLine(e.b)
}

func claimLine(market uint64, user solana.PublicKey, amount, burned uint64) string {
	e := (&enc{}).raw(decoder.PayoutClaimedDiscriminator[:]...).
		u64(market).key(user).u64(amount).u64(burned)
	return dataLine(e.b)
}

type accountSpec struct {
	id         uint64
	status     uint8
	mint       string
	yes, no    uint64
	collateral uint64
	outcome    domain.Optional[uint8]
}

func marketAccountData(a accountSpec) []byte {
	mint, err := solana.ParsePublicKey(a.mint)
	if err != nil {
		panic(err)
	}
	creator := wallet(200)
	e := (&enc{}).raw(decoder.MarketDiscriminator[:]...).
		u64(a.id).key(creator).str("Will it rain?").str("").
		u8(4).u8(a.status).
		key(mint).key(wallet(10)).key(wallet(20)).key(wallet(30)).
		u64(a.yes).u64(a.no).u64(a.collateral).
		u8(2).key(wallet(40)).i64(0).
		i64(1700000000).i64(1700003600).i64(1700007200)
	if o, ok := a.outcome.Get(); ok {
		e.u8(1).u8(o).u8(0).u8(1).i64(1700007300)
	} else {
		e.u8(0).u8(0).u8(0)
	}
	e.u64(1).u64(1_000_000_000_000).u16(200).u8(0).u8(0).u64(0).u8(254)
	return e.b
}

func marketAccount(address string, a accountSpec) domain.AccountData {
	return domain.AccountData{Address: address, Owner: testProgram, Data: marketAccountData(a)}
}
