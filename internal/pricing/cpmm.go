// Package pricing implements the constant-product market maker arithmetic
// used by prediction markets.
//
// All quantities are unsigned integers. Pool balances, amounts and shares are
// collateral base units (lamports for wSOL). Prices are expressed in parts
// per million of one unit: PriceScale means certainty, 0 means impossibility.
// Products are computed in 256 bits so no intermediate value can overflow
// or lose precision.
package pricing

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

const (
	// BpsDenominator is the basis-point denominator for fees and slippage.
	BpsDenominator = 10_000

	// PriceScale is the fixed-point scale of every price in this package.
	PriceScale = 1_000_000
)

var (
	ErrInvalidFee  = errors.New("pricing: fee exceeds 10000 bps")
	ErrInvalidSide = errors.New("pricing: invalid side")
	ErrOverflow    = errors.New("pricing: pool balance overflows uint64")
)

// Side is the outcome being bought.
type Side uint8

const (
	SideYes Side = iota
	SideNo
)

// ParseSide accepts "yes" or "no".
func ParseSide(s string) (Side, error) {
	switch s {
	case "yes", "YES", "Yes":
		return SideYes, nil
	case "no", "NO", "No":
		return SideNo, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidSide, s)
}

func (s Side) String() string {
	if s == SideNo {
		return "no"
	}
	return "yes"
}

// Pools is the pair of outcome share balances held by the market maker.
type Pools struct {
	Yes uint64
	No  uint64
}

// Quote is the result of pricing a purchase against a pool.
type Quote struct {
	Side      Side
	AmountIn  uint64
	Fee       uint64
	Net       uint64
	SharesOut uint64

	// Before and After are the pool balances around the trade.
	Before Pools
	After  Pools

	// K is the invariant used for the quote and KAfter the product of the
	// post-trade pools. Truncation guarantees KAfter <= K.
	K      *uint256.Int
	KAfter *uint256.Int

	// PriceBefore and PriceAfter are the implied price of the bought side.
	PriceBefore uint64
	PriceAfter  uint64
}

// QuoteBuy prices spending amountIn on side with a fee of feeBps.
//
// fee = amountIn*feeBps/10000 and net = amountIn-fee. Buying YES adds net to
// the NO pool and withdraws YES shares until the product returns to k:
// newNo = no+net, newYes = k/newNo, shares = yes-newYes. NO is symmetric.
//
// An empty pool is the degenerate 0/1 price edge: no shares can be withdrawn
// and the quote returns zero shares with unchanged pools.
func QuoteBuy(pools Pools, amountIn uint64, side Side, feeBps uint32) (Quote, error) {
	if feeBps > BpsDenominator {
		return Quote{}, ErrInvalidFee
	}
	if side != SideYes && side != SideNo {
		return Quote{}, ErrInvalidSide
	}

	fee := mulDiv(amountIn, uint64(feeBps), BpsDenominator)
	net := amountIn - fee

	yes := uint256.NewInt(pools.Yes)
	no := uint256.NewInt(pools.No)
	k := new(uint256.Int).Mul(yes, no)

	q := Quote{
		Side:     side,
		AmountIn: amountIn,
		Fee:      fee,
		Net:      net,
		Before:   pools,
		After:    pools,
		K:        k,
		KAfter:   k.Clone(),
	}
	q.PriceBefore = sidePrice(pools, side)
	q.PriceAfter = q.PriceBefore

	if k.IsZero() {
		return q, nil
	}

	// in is the pool receiving collateral, out the pool paying shares.
	in, out := no, yes
	if side == SideNo {
		in, out = yes, no
	}

	newIn := new(uint256.Int).Add(in, uint256.NewInt(net))
	if !newIn.IsUint64() {
		return Quote{}, ErrOverflow
	}
	newOut := new(uint256.Int).Div(k, newIn)
	shares := new(uint256.Int).Sub(out, newOut)

	q.SharesOut = shares.Uint64()
	q.KAfter = new(uint256.Int).Mul(newIn, newOut)
	if side == SideYes {
		q.After = Pools{Yes: newOut.Uint64(), No: newIn.Uint64()}
	} else {
		q.After = Pools{Yes: newIn.Uint64(), No: newOut.Uint64()}
	}
	q.PriceAfter = sidePrice(q.After, side)
	return q, nil
}

// MinSharesOut applies a slippage tolerance to an expected share amount:
// max(1, expected*(10000-slippageBps)/10000). The floor of one share keeps
// the protection threshold satisfiable. slippageBps is clamped to 10000.
func MinSharesOut(expected uint64, slippageBps uint32) uint64 {
	if slippageBps > BpsDenominator {
		slippageBps = BpsDenominator
	}
	minOut := mulDiv(expected, uint64(BpsDenominator-slippageBps), BpsDenominator)
	if minOut < 1 {
		return 1
	}
	return minOut
}

// Payout is a winner's pro-rata share of the collateral:
// userWinning*totalCollateral/totalWinning, truncated, or 0 when nobody holds
// the winning side. A holder cannot own more than the total, so userWinning
// is capped at totalWinning and the result never exceeds totalCollateral.
func Payout(userWinning, totalWinning, totalCollateral uint64) uint64 {
	if totalWinning == 0 {
		return 0
	}
	if userWinning > totalWinning {
		userWinning = totalWinning
	}
	return mulDiv(userWinning, totalCollateral, totalWinning)
}

// ImpliedPrice returns the YES and NO prices implied by the pool ratio:
// yes = no/(yes+no) and no = yes/(yes+no), scaled by PriceScale. Both empty
// pools price at one half; a single empty pool pins its side to 0. The two
// prices always sum to PriceScale.
func ImpliedPrice(yesPool, noPool uint64) (yesPrice, noPrice uint64) {
	switch {
	case yesPool == 0 && noPool == 0:
		return PriceScale / 2, PriceScale / 2
	case yesPool == 0:
		return 0, PriceScale
	case noPool == 0:
		return PriceScale, 0
	}
	total := new(uint256.Int).Add(uint256.NewInt(yesPool), uint256.NewInt(noPool))
	num := new(uint256.Int).Mul(uint256.NewInt(noPool), uint256.NewInt(PriceScale))
	yesPrice = new(uint256.Int).Div(num, total).Uint64()
	return yesPrice, PriceScale - yesPrice
}

func sidePrice(p Pools, side Side) uint64 {
	yes, no := ImpliedPrice(p.Yes, p.No)
	if side == SideNo {
		return no
	}
	return yes
}

// mulDiv returns a*b/d in 256-bit precision. The caller guarantees the
// result fits in 64 bits.
func mulDiv(a, b, d uint64) uint64 {
	if d == 0 {
		return 0
	}
	r := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	return new(uint256.Int).Div(r, uint256.NewInt(d)).Uint64()
}
