package domain

import (
	"math"
	"sort"
	"time"
)

// RankWeights are the coefficients of the leaderboard score.
type RankWeights struct {
	PnL     float64
	Volume  float64
	WinRate float64
}

// DefaultRankWeights returns the production weights.
func DefaultRankWeights() RankWeights {
	return RankWeights{PnL: 0.5, Volume: 0.3, WinRate: 200}
}

// Score computes pnl*W_pnl + volume*W_volume + win_rate*total_bets*W_winrate.
func (w RankWeights) Score(u UserAggregate) float64 {
	return float64(u.TotalPnL)*w.PnL +
		float64(u.TotalVolume)*w.Volume +
		u.WinRate*float64(u.TotalBets)*w.WinRate
}

// UserAggregate holds running totals for one wallet. Amounts are collateral
// base units; WinRate is a percentage in [0, 100].
type UserAggregate struct {
	Wallet      string    `json:"wallet"`
	TotalBets   int64     `json:"total_bets"`
	TotalVolume uint64    `json:"total_volume"`
	TotalPnL    int64     `json:"total_pnl"`
	WinRate     float64   `json:"win_rate"`
	RankScore   float64   `json:"rank_score"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ApplyBet folds one placed bet into the aggregate. PnL and win rate are
// carried over unchanged.
func (u UserAggregate) ApplyBet(amount uint64, w RankWeights) UserAggregate {
	u.TotalBets++
	u.TotalVolume += amount
	u.RankScore = w.Score(u)
	return u
}

// ApplyClaim folds one payout into the aggregate. contribution is the payout
// minus the amount the wallet wagered on that market.
func (u UserAggregate) ApplyClaim(contribution int64, w RankWeights) UserAggregate {
	wins := math.Round(u.WinRate * float64(u.TotalBets) / 100)
	if contribution > 0 {
		wins++
	}
	if u.TotalBets > 0 {
		u.WinRate = wins / float64(u.TotalBets) * 100
	} else {
		u.WinRate = 0
	}
	u.TotalPnL += contribution
	u.RankScore = w.Score(u)
	return u
}

// ReplayUser recomputes a wallet's aggregate from its raw bet and claim
// history. Records are applied in slot order, bets before claims within a
// slot, and each claim's wager is the sum of the wallet's bets on that market
// seen so far.
func ReplayUser(wallet string, bets []Bet, claims []Claim, w RankWeights) UserAggregate {
	type step struct {
		slot  uint64
		order int
		bet   *Bet
		claim *Claim
	}
	steps := make([]step, 0, len(bets)+len(claims))
	for i := range bets {
		steps = append(steps, step{slot: bets[i].Slot, order: 0, bet: &bets[i]})
	}
	for i := range claims {
		steps = append(steps, step{slot: claims[i].Slot, order: 1, claim: &claims[i]})
	}
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].slot != steps[j].slot {
			return steps[i].slot < steps[j].slot
		}
		return steps[i].order < steps[j].order
	})

	agg := UserAggregate{Wallet: wallet}
	wagered := make(map[uint64]uint64)
	for _, s := range steps {
		if s.bet != nil {
			wagered[s.bet.MarketID] += s.bet.Amount
			agg = agg.ApplyBet(s.bet.Amount, w)
			continue
		}
		contribution := int64(s.claim.Amount) - int64(wagered[s.claim.MarketID])
		agg = agg.ApplyClaim(contribution, w)
	}
	return agg
}

// LeaderboardEntry is a ranked user aggregate.
type LeaderboardEntry struct {
	Rank int64 `json:"rank"`
	UserAggregate
}
