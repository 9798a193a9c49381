package domain

import (
	"encoding/json"
	"time"
)

// EventKind names one of the ledger events the indexer understands.
type EventKind string

const (
	EventBetPlaced      EventKind = "bet_placed"
	EventMarketResolved EventKind = "market_resolved"
	EventPayoutClaimed  EventKind = "payout_claimed"
)

// Event is the closed set of decoded ledger events. Only the types in this
// file implement it.
type Event interface {
	Kind() EventKind
	Market() uint64
	sealed()
}

// BetPlaced is emitted when a user buys outcome shares.
type BetPlaced struct {
	MarketID    uint64  `json:"market_id"`
	User        string  `json:"user"`
	Outcome     Outcome `json:"outcome"`
	Amount      uint64  `json:"amount"`
	Shares      uint64  `json:"shares"`
	NewYesTotal uint64  `json:"new_yes_total"`
	NewNoTotal  uint64  `json:"new_no_total"`
	Timestamp   int64   `json:"timestamp"`
}

// MarketResolved is emitted when a market's outcome is settled.
type MarketResolved struct {
	MarketID        uint64  `json:"market_id"`
	Outcome         Outcome `json:"outcome"`
	ResolutionPrice int64   `json:"resolution_price"`
	TotalCollateral uint64  `json:"total_collateral"`
}

// PayoutClaimed is emitted when a winner redeems shares for collateral.
type PayoutClaimed struct {
	MarketID     uint64 `json:"market_id"`
	User         string `json:"user"`
	Amount       uint64 `json:"amount"`
	SharesBurned uint64 `json:"shares_burned"`
}

func (BetPlaced) Kind() EventKind      { return EventBetPlaced }
func (MarketResolved) Kind() EventKind { return EventMarketResolved }
func (PayoutClaimed) Kind() EventKind  { return EventPayoutClaimed }

func (e BetPlaced) Market() uint64      { return e.MarketID }
func (e MarketResolved) Market() uint64 { return e.MarketID }
func (e PayoutClaimed) Market() uint64  { return e.MarketID }

func (BetPlaced) sealed()      {}
func (MarketResolved) sealed() {}
func (PayoutClaimed) sealed()  {}

// IndexedEvent is a decoded event with the transaction it came from.
// BlockTime is absent for events delivered by the log subscription.
type IndexedEvent struct {
	Signature string
	Slot      uint64
	BlockTime Optional[time.Time]
	Event     Event
}

// MarshalJSON flattens the envelope for the event bus.
func (e IndexedEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind      EventKind `json:"kind"`
		Signature string    `json:"signature"`
		Slot      uint64    `json:"slot"`
		MarketID  uint64    `json:"market_id"`
		Data      Event     `json:"data"`
	}{
		Kind:      e.Event.Kind(),
		Signature: e.Signature,
		Slot:      e.Slot,
		MarketID:  e.Event.Market(),
		Data:      e.Event,
	})
}

// Bet is the append-only record of a BetPlaced event.
type Bet struct {
	Signature string    `json:"tx_signature"`
	MarketID  uint64    `json:"market_id"`
	User      string    `json:"user_wallet"`
	Outcome   Outcome   `json:"outcome"`
	Amount    uint64    `json:"amount"`
	Shares    uint64    `json:"shares"`
	Slot      uint64    `json:"slot"`
	Timestamp time.Time `json:"timestamp"`
}

// Claim is the append-only record of a PayoutClaimed event.
type Claim struct {
	Signature    string    `json:"tx_signature"`
	MarketID     uint64    `json:"market_id"`
	User         string    `json:"user_wallet"`
	Amount       uint64    `json:"amount"`
	SharesBurned uint64    `json:"shares_burned"`
	Slot         uint64    `json:"slot"`
	Timestamp    time.Time `json:"timestamp"`
}

// PriceSnapshot is one point of a market's probability time series. Prices
// are in parts per million of one collateral unit.
type PriceSnapshot struct {
	ID              int64     `json:"id"`
	MarketID        uint64    `json:"market_id"`
	YesPrice        uint64    `json:"yes_price"`
	NoPrice         uint64    `json:"no_price"`
	TotalCollateral uint64    `json:"total_collateral"`
	Slot            uint64    `json:"slot"`
	Timestamp       time.Time `json:"timestamp"`
}
