package decoder_test

import (
	"encoding/base64"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predictindexer/internal/decoder"
	"github.com/alanyoungcy/predictindexer/internal/domain"
	"github.com/alanyoungcy/predictindexer/internal/platform/solana"
)

var testUser = func() solana.PublicKey {
	var pk solana.PublicKey
	for i := range pk {
		pk[i] = byte(i + 1)
	}
	return pk
}()

type writer struct{ b []byte }

func (w *writer) raw(b ...byte) *writer { w.b = append(w.b, b...); return w }
func (w *writer) u8(v uint8) *writer    { return w.raw(v) }
func (w *writer) u16(v uint16) *writer {
	w.b = binary.LittleEndian.AppendUint16(w.b, v)
	return w
}
func (w *writer) u64(v uint64) *writer {
	w.b = binary.LittleEndian.AppendUint64(w.b, v)
	return w
}
func (w *writer) i64(v int64) *writer             { return w.u64(uint64(v)) }
func (w *writer) key(pk solana.PublicKey) *writer { return w.raw(pk[:]...) }
func (w *writer) str(s string) *writer {
	w.b = binary.LittleEndian.AppendUint32(w.b, uint32(len(s)))
	return w.raw([]byte(s)...)
}

func line(b []byte) string {
	return decoder.ProgramDataPrefix + base64.StdEncoding.EncodeToString(b)
}

func betPlaced(outcome uint8) []byte {
	w := &writer{}
	w.raw(decoder.BetPlacedDiscriminator[:]...).
		u64(7).key(testUser).u8(outcome).
		u64(100).u64(90).u64(910).u64(1098).i64(1700000000)
	return w.b
}

func TestDecodeLogs_AllEvents(t *testing.T) {
	resolved := (&writer{}).raw(decoder.MarketResolvedDiscriminator[:]...).
		u64(7).u8(2).i64(-5).u64(2100).b
	claimed := (&writer{}).raw(decoder.PayoutClaimedDiscriminator[:]...).
		u64(7).key(testUser).u64(700).u64(300).b

	events, errs := decoder.DecodeLogs([]string{
		"Program log: Instruction: PlaceBet",
		line(betPlaced(0)),
		line(resolved),
		line(claimed),
		"Program consumed 1234 compute units",
	})
	require.Empty(t, errs)
	require.Len(t, events, 3)

	bet := events[0].(domain.BetPlaced)
	assert.Equal(t, domain.BetPlaced{
		MarketID:    7,
		User:        testUser.String(),
		Outcome:     domain.OutcomeYes,
		Amount:      100,
		Shares:      90,
		NewYesTotal: 910,
		NewNoTotal:  1098,
		Timestamp:   1700000000,
	}, bet)

	res := events[1].(domain.MarketResolved)
	assert.Equal(t, domain.OutcomeInvalid, res.Outcome)
	assert.Equal(t, int64(-5), res.ResolutionPrice)
	assert.Equal(t, uint64(2100), res.TotalCollateral)

	claim := events[2].(domain.PayoutClaimed)
	assert.Equal(t, uint64(700), claim.Amount)
	assert.Equal(t, uint64(300), claim.SharesBurned)
	assert.Equal(t, testUser.String(), claim.User)
	assert.Equal(t, domain.EventPayoutClaimed, claim.Kind())
	assert.Equal(t, uint64(7), claim.Market())
}

func TestDecodeLogs_UnknownDiscriminatorIsSkipped(t *testing.T) {
	marketCreated := append([]byte{0x58, 0x1b, 0x1e, 0x2a, 0x01, 0x02, 0x03, 0x04}, make([]byte, 40)...)

	events, errs := decoder.DecodeLogs([]string{line(marketCreated), line(betPlaced(1))})
	assert.Empty(t, errs)
	require.Len(t, events, 1)
	assert.Equal(t, domain.OutcomeNo, events[0].(domain.BetPlaced).Outcome)
}

func TestDecodeLogs_MalformedLineDoesNotAbortOthers(t *testing.T) {
	short := betPlaced(0)[:60]
	badTag := betPlaced(2)

	events, errs := decoder.DecodeLogs([]string{
		line(short),
		decoder.ProgramDataPrefix + "!!!not base64",
		line(badTag),
		line(betPlaced(0)),
	})
	require.Len(t, events, 1)
	require.Len(t, errs, 3)
	for _, err := range errs {
		assert.ErrorIs(t, err, domain.ErrMalformedEvent)
	}
}

func TestDecodeEvent_UnknownIsSentinel(t *testing.T) {
	_, err := decoder.DecodeEvent(make([]byte, 16))
	assert.ErrorIs(t, err, domain.ErrUnknownEvent)

	_, err = decoder.DecodeEvent([]byte{1, 2})
	assert.ErrorIs(t, err, domain.ErrMalformedEvent)
}

type marketFixture struct {
	status   uint8
	resolved bool
	outcome  uint8
}

func marketBytes(f marketFixture) []byte {
	mint, _ := solana.ParsePublicKey(solana.WrappedSOLMint)
	w := &writer{}
	w.raw(decoder.MarketDiscriminator[:]...).
		u64(42).key(testUser).str("BTC above 100k?").str("Resolves on Pyth").
		u8(0).u8(f.status).
		key(mint).key(testUser).key(testUser).key(testUser).
		u64(1000).u64(1000).u64(2000).
		u8(0).key(testUser).i64(100_000).
		i64(1700000000).i64(1700003600).i64(1700007200)
	if f.resolved {
		w.u8(1).u8(f.outcome).u8(1).i64(101_000).u8(1).i64(1700007300)
	} else {
		w.u8(0).u8(0).u8(0)
	}
	w.u64(1_000_000).u64(1_000_000_000).u16(200).u8(1).u8(1).i64(3600).u64(3).u8(255)
	return w.b
}

func TestDecodeMarketAccount(t *testing.T) {
	acc := domain.AccountData{Address: "MarketAddr", Data: marketBytes(marketFixture{status: 1})}

	m, err := decoder.DecodeMarketAccount(acc, 555)
	require.NoError(t, err)

	assert.Equal(t, uint64(42), m.MarketID)
	assert.Equal(t, "MarketAddr", m.Address)
	assert.Equal(t, "BTC above 100k?", m.Title)
	assert.Equal(t, "Resolves on Pyth", m.Description)
	assert.Equal(t, domain.CategoryCrypto, m.Category)
	assert.Equal(t, domain.MarketStatusActive, m.Status)
	assert.Equal(t, solana.WrappedSOLMint, m.CollateralMint)
	assert.Equal(t, domain.PoolState{YesShares: 1000, NoShares: 1000, Collateral: 2000}, m.Pools)
	assert.Equal(t, domain.OracleSourcePyth, m.OracleSource)
	assert.Equal(t, int64(100_000), m.OracleThreshold)
	assert.Equal(t, time.Unix(1700003600, 0).UTC(), m.LockAt)
	assert.False(t, m.ResolvedOutcome.IsSome())
	assert.Equal(t, uint16(200), m.FeeBps)
	assert.True(t, m.IsRecurring)
	assert.Equal(t, int64(3600), m.RoundDuration.OrElse(0))
	assert.Equal(t, uint64(3), m.CurrentRound)
	assert.Equal(t, uint64(555), m.Slot)
	assert.Equal(t, uint64(555), m.IndexedSlot)
}

func TestDecodeMarketAccount_Resolved(t *testing.T) {
	acc := domain.AccountData{Address: "M", Data: marketBytes(marketFixture{status: 4, resolved: true, outcome: 1})}

	m, err := decoder.DecodeMarketAccount(acc, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, m.Status)
	assert.Equal(t, domain.Some(domain.OutcomeNo), m.ResolvedOutcome)
	assert.Equal(t, int64(101_000), m.ResolutionPrice.OrElse(0))
	assert.True(t, m.ResolvedAt.IsSome())
}

func TestDecodeMarketAccount_Errors(t *testing.T) {
	good := marketBytes(marketFixture{status: 1})

	_, err := decoder.DecodeMarketAccount(domain.AccountData{Data: good[:100]}, 1)
	assert.Error(t, err)

	badStatus := marketBytes(marketFixture{status: 9})
	_, err = decoder.DecodeMarketAccount(domain.AccountData{Data: badStatus}, 1)
	assert.ErrorContains(t, err, "status tag 9")

	notMarket := append([]byte{}, good...)
	notMarket[0] ^= 0xff
	_, err = decoder.DecodeMarketAccount(domain.AccountData{Data: notMarket}, 1)
	assert.ErrorContains(t, err, "not a market account")
	assert.False(t, decoder.IsMarketAccount(notMarket))
}

func TestNormalize_ResolvedWithoutOutcome(t *testing.T) {
	m, err := decoder.DecodeMarketAccount(domain.AccountData{Data: marketBytes(marketFixture{status: 4})}, 1)
	require.NoError(t, err)

	m.Normalize()
	assert.Equal(t, domain.MarketStatusResolving, m.Status)
	assert.False(t, m.ResolvedOutcome.IsSome())
}

func TestNormalize_ClearsResolutionUnlessResolved(t *testing.T) {
	m, err := decoder.DecodeMarketAccount(domain.AccountData{Data: marketBytes(marketFixture{status: 5, resolved: true})}, 1)
	require.NoError(t, err)
	require.True(t, m.ResolvedOutcome.IsSome())

	m.Normalize()
	assert.Equal(t, domain.MarketStatusDisputed, m.Status)
	assert.False(t, m.ResolvedOutcome.IsSome())
	assert.False(t, m.ResolutionPrice.IsSome())
	assert.False(t, m.ResolvedAt.IsSome())
}
