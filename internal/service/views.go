package service

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictindexer/internal/domain"
	"github.com/alanyoungcy/predictindexer/internal/pricing"
)

// LamportsPerSOL is the base-unit scale of the native collateral.
const LamportsPerSOL = 1_000_000_000

// solDecimals is the exponent applied to lamport amounts for display.
const solDecimals = -9

func units(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// SOL formats a lamport amount in SOL.
func SOL(lamports uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(lamports), solDecimals)
}

// SignedSOL formats a signed lamport amount, such as PnL, in SOL.
func SignedSOL(lamports int64) decimal.Decimal {
	return decimal.New(lamports, solDecimals)
}

// Probability formats a parts-per-million price as a fraction of one.
func Probability(ppm uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(ppm), -6)
}

// MarketView is a market row with its implied prices.
type MarketView struct {
	domain.Market
	YesPrice       uint64          `json:"yes_price_ppm"`
	NoPrice        uint64          `json:"no_price_ppm"`
	YesProbability decimal.Decimal `json:"yes_price"`
	NoProbability  decimal.Decimal `json:"no_price"`
	CollateralSOL  decimal.Decimal `json:"total_collateral_sol"`
	Volume24hSOL   decimal.Decimal `json:"volume_24h_sol"`
}

// NewMarketView derives the display fields of m.
func NewMarketView(m domain.Market) MarketView {
	yes, no := pricing.ImpliedPrice(m.Pools.YesShares, m.Pools.NoShares)
	return MarketView{
		Market:         m,
		YesPrice:       yes,
		NoPrice:        no,
		YesProbability: Probability(yes),
		NoProbability:  Probability(no),
		CollateralSOL:  SOL(m.Pools.Collateral),
		Volume24hSOL:   SOL(m.Volume24h),
	}
}

// MarketPage is one page of the market listing.
type MarketPage struct {
	Markets []MarketView `json:"markets"`
	Total   int64        `json:"total"`
	Page    int          `json:"page"`
	Limit   int          `json:"limit"`
}

// HistoryPoint is one charted price. Timestamp is in unix milliseconds.
type HistoryPoint struct {
	Timestamp int64           `json:"timestamp"`
	YesPrice  decimal.Decimal `json:"yes_price"`
	NoPrice   decimal.Decimal `json:"no_price"`
	Slot      uint64          `json:"slot"`
}

// NewHistoryPoint converts a stored snapshot for charting.
func NewHistoryPoint(p domain.PriceSnapshot) HistoryPoint {
	return HistoryPoint{
		Timestamp: p.Timestamp.UnixMilli(),
		YesPrice:  Probability(p.YesPrice),
		NoPrice:   Probability(p.NoPrice),
		Slot:      p.Slot,
	}
}

// UserView is a wallet aggregate with amounts in SOL.
type UserView struct {
	Wallet      string          `json:"wallet"`
	TotalBets   int64           `json:"total_bets"`
	TotalVolume decimal.Decimal `json:"total_volume"`
	TotalPnL    decimal.Decimal `json:"total_pnl"`
	WinRate     decimal.Decimal `json:"win_rate"`
	RankScore   float64         `json:"rank_score"`
}

// NewUserView formats an aggregate for display.
func NewUserView(u domain.UserAggregate) UserView {
	return UserView{
		Wallet:      u.Wallet,
		TotalBets:   u.TotalBets,
		TotalVolume: SOL(u.TotalVolume),
		TotalPnL:    SignedSOL(u.TotalPnL),
		WinRate:     decimal.NewFromFloat(u.WinRate).Round(2),
		RankScore:   u.RankScore,
	}
}

// LeaderboardRow is a ranked UserView.
type LeaderboardRow struct {
	Rank int64 `json:"rank"`
	UserView
}

// NewLeaderboardRow formats a ranked aggregate.
func NewLeaderboardRow(e domain.LeaderboardEntry) LeaderboardRow {
	return LeaderboardRow{Rank: e.Rank, UserView: NewUserView(e.UserAggregate)}
}

// UserProfile is a wallet's aggregate and most recent activity.
type UserProfile struct {
	User         UserView       `json:"user"`
	RecentBets   []domain.Bet   `json:"recent_bets"`
	RecentClaims []domain.Claim `json:"recent_claims"`
}
