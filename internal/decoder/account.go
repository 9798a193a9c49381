package decoder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/alanyoungcy/predictindexer/internal/domain"
	"github.com/alanyoungcy/predictindexer/internal/platform/solana"
)

// MarketDiscriminator prefixes every market account.
var MarketDiscriminator = [8]byte{219, 190, 213, 55, 0, 227, 198, 154}

// maxStringLen bounds Borsh string lengths so corrupt data cannot force a
// huge allocation.
const maxStringLen = 4096

// IsMarketAccount reports whether data starts with the market discriminator.
func IsMarketAccount(data []byte) bool {
	return len(data) >= 8 && bytes.Equal(data[:8], MarketDiscriminator[:])
}

// DecodeMarketAccount decodes a Borsh-serialised market account observed at
// slot. The result is not normalised.
func DecodeMarketAccount(acc domain.AccountData, slot uint64) (domain.MarketAccount, error) {
	if !IsMarketAccount(acc.Data) {
		return domain.MarketAccount{}, fmt.Errorf("decoder: account %s: not a market account", acc.Address)
	}
	r := &borshReader{buf: acc.Data, off: 8}

	var m domain.MarketAccount
	m.Address = acc.Address
	m.Slot = slot
	m.IndexedSlot = slot

	m.MarketID = r.u64()
	m.Creator = r.pubkey()
	m.Title = r.string()
	m.Description = r.string()
	m.Category = enum(r, "category", domain.CategoryFromTag)
	m.Status = enum(r, "status", domain.MarketStatusFromTag)
	m.CollateralMint = r.pubkey()
	m.YesMint = r.pubkey()
	m.NoMint = r.pubkey()
	m.Vault = r.pubkey()
	m.Pools = domain.PoolState{
		YesShares:  r.u64(),
		NoShares:   r.u64(),
		Collateral: r.u64(),
	}
	m.OracleSource = enum(r, "oracle_source", domain.OracleSourceFromTag)
	m.OracleFeed = r.pubkey()
	m.OracleThreshold = r.i64()
	m.StartAt = unix(r.i64())
	m.LockAt = unix(r.i64())
	m.EndAt = unix(r.i64())

	if r.option() {
		tag := r.u8()
		if out, ok := domain.OutcomeFromTag(tag, true); ok {
			m.ResolvedOutcome = domain.Some(out)
		} else {
			r.fail(fmt.Errorf("resolved_outcome tag %d", tag))
		}
	}
	if r.option() {
		m.ResolutionPrice = domain.Some(r.i64())
	}
	if r.option() {
		m.ResolvedAt = domain.Some(unix(r.i64()))
	}

	m.MinBet = r.u64()
	m.MaxBet = r.u64()
	m.FeeBps = r.u16()
	m.IsRecurring = r.bool()
	if r.option() {
		m.RoundDuration = domain.Some(r.i64())
	}
	m.CurrentRound = r.u64()
	_ = r.u8() // bump

	if r.err != nil {
		return domain.MarketAccount{}, fmt.Errorf("decoder: account %s: %w", acc.Address, r.err)
	}
	return m, nil
}

func enum[T any](r *borshReader, field string, fromTag func(uint8) (T, bool)) T {
	tag := r.u8()
	v, ok := fromTag(tag)
	if !ok {
		r.fail(fmt.Errorf("%s tag %d out of range", field, tag))
	}
	return v
}

func unix(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// borshReader reads little-endian Borsh values. The first error sticks and
// every later read returns a zero value.
type borshReader struct {
	buf []byte
	off int
	err error
}

func (r *borshReader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *borshReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.fail(fmt.Errorf("%w: need %d bytes at offset %d, have %d", domain.ErrMalformedEvent, n, r.off, len(r.buf)))
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *borshReader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *borshReader) bool() bool {
	v := r.u8()
	if v > 1 {
		r.fail(fmt.Errorf("bool byte %d", v))
	}
	return v == 1
}

func (r *borshReader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *borshReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *borshReader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *borshReader) i64() int64 {
	return int64(r.u64())
}

func (r *borshReader) pubkey() string {
	b := r.take(solana.PublicKeyLength)
	if b == nil {
		return ""
	}
	return solana.PublicKeyFromBytes(b).String()
}

func (r *borshReader) string() string {
	n := r.u32()
	if n > maxStringLen {
		r.fail(fmt.Errorf("string length %d exceeds %d", n, maxStringLen))
		return ""
	}
	b := r.take(int(n))
	if b == nil {
		return ""
	}
	if !utf8.Valid(b) {
		r.fail(fmt.Errorf("string at offset %d is not valid utf-8", r.off-int(n)))
		return ""
	}
	return string(b)
}

// option reads a Borsh Option tag.
func (r *borshReader) option() bool {
	switch tag := r.u8(); tag {
	case 0:
		return false
	case 1:
		return true
	default:
		r.fail(fmt.Errorf("option tag %d", tag))
		return false
	}
}
