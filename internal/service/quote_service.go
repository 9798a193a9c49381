package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictindexer/internal/pricing"
)

// QuoteView is a buy quote against a market's stored pools.
type QuoteView struct {
	MarketID     uint64          `json:"market_id"`
	Side         string          `json:"side"`
	AmountIn     uint64          `json:"amount_in"`
	Fee          uint64          `json:"fee"`
	Net          uint64          `json:"net"`
	SharesOut    uint64          `json:"shares_out"`
	MinSharesOut uint64          `json:"min_shares_out"`
	SlippageBps  uint32          `json:"slippage_bps"`
	PriceBefore  decimal.Decimal `json:"price_before"`
	PriceAfter   decimal.Decimal `json:"price_after"`
	// EffectivePrice is collateral paid per share received.
	EffectivePrice decimal.Decimal `json:"effective_price"`
	K              string          `json:"k"`
	KAfter         string          `json:"k_after"`
	IndexedSlot    uint64          `json:"indexed_slot"`
}

// PayoutView estimates a redemption against a market's stored pools.
type PayoutView struct {
	MarketID        uint64          `json:"market_id"`
	Side            string          `json:"side"`
	Shares          uint64          `json:"shares"`
	TotalWinning    uint64          `json:"total_winning_shares"`
	TotalCollateral uint64          `json:"total_collateral"`
	Payout          uint64          `json:"payout"`
	PayoutSOL       decimal.Decimal `json:"payout_sol"`
}

// Quote prices spending amount on side in the referenced market. The quote
// uses the pools and fee as last indexed, not live ledger state.
func (s *QueryService) Quote(ctx context.Context, ref string, side pricing.Side, amount uint64, slippageBps uint32) (QuoteView, error) {
	m, err := s.GetMarket(ctx, ref)
	if err != nil {
		return QuoteView{}, err
	}
	q, err := pricing.QuoteBuy(
		pricing.Pools{Yes: m.Pools.YesShares, No: m.Pools.NoShares},
		amount, side, uint32(m.FeeBps),
	)
	if err != nil {
		return QuoteView{}, fmt.Errorf("query: quote %d: %w", m.MarketID, err)
	}

	effective := decimal.Zero
	if q.SharesOut > 0 {
		effective = units(q.AmountIn).Div(units(q.SharesOut)).Round(6)
	}
	return QuoteView{
		MarketID:       m.MarketID,
		Side:           side.String(),
		AmountIn:       q.AmountIn,
		Fee:            q.Fee,
		Net:            q.Net,
		SharesOut:      q.SharesOut,
		MinSharesOut:   pricing.MinSharesOut(q.SharesOut, slippageBps),
		SlippageBps:    min(slippageBps, pricing.BpsDenominator),
		PriceBefore:    Probability(q.PriceBefore),
		PriceAfter:     Probability(q.PriceAfter),
		EffectivePrice: effective,
		K:              q.K.Dec(),
		KAfter:         q.KAfter.Dec(),
		IndexedSlot:    m.IndexedSlot,
	}, nil
}

// PayoutEstimate computes what shares of side would redeem for if side won,
// using the stored share totals and collateral.
func (s *QueryService) PayoutEstimate(ctx context.Context, ref string, side pricing.Side, shares uint64) (PayoutView, error) {
	m, err := s.GetMarket(ctx, ref)
	if err != nil {
		return PayoutView{}, err
	}
	winning := m.Pools.YesShares
	if side == pricing.SideNo {
		winning = m.Pools.NoShares
	}
	payout := pricing.Payout(shares, winning, m.Pools.Collateral)
	return PayoutView{
		MarketID:        m.MarketID,
		Side:            side.String(),
		Shares:          shares,
		TotalWinning:    winning,
		TotalCollateral: m.Pools.Collateral,
		Payout:          payout,
		PayoutSOL:       SOL(payout),
	}, nil
}
