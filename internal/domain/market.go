package domain

import "time"

// MarketStatus represents the lifecycle state of a market as reported by the
// ledger program.
type MarketStatus string

const (
	MarketStatusPending   MarketStatus = "pending"
	MarketStatusActive    MarketStatus = "active"
	MarketStatusLocked    MarketStatus = "locked"
	MarketStatusResolving MarketStatus = "resolving"
	MarketStatusResolved  MarketStatus = "resolved"
	MarketStatusDisputed  MarketStatus = "disputed"
	MarketStatusCancelled MarketStatus = "cancelled"
	MarketStatusPaused    MarketStatus = "paused"
)

// marketStatuses is indexed by the on-chain enum tag.
var marketStatuses = [...]MarketStatus{
	MarketStatusPending,
	MarketStatusActive,
	MarketStatusLocked,
	MarketStatusResolving,
	MarketStatusResolved,
	MarketStatusDisputed,
	MarketStatusCancelled,
	MarketStatusPaused,
}

// MarketStatusFromTag maps an on-chain enum tag to a MarketStatus.
func MarketStatusFromTag(tag uint8) (MarketStatus, bool) {
	if int(tag) >= len(marketStatuses) {
		return "", false
	}
	return marketStatuses[tag], true
}

// Category is the market's topical category.
type Category string

const (
	CategoryCrypto        Category = "crypto"
	CategorySports        Category = "sports"
	CategoryPolitics      Category = "politics"
	CategoryEntertainment Category = "entertainment"
	CategoryWeather       Category = "weather"
	CategoryCustom        Category = "custom"
)

var categories = [...]Category{
	CategoryCrypto,
	CategorySports,
	CategoryPolitics,
	CategoryEntertainment,
	CategoryWeather,
	CategoryCustom,
}

// CategoryFromTag maps an on-chain enum tag to a Category.
func CategoryFromTag(tag uint8) (Category, bool) {
	if int(tag) >= len(categories) {
		return "", false
	}
	return categories[tag], true
}

// OracleSource identifies the resolution oracle configured for a market.
type OracleSource string

const (
	OracleSourcePyth        OracleSource = "pyth"
	OracleSourceSwitchboard OracleSource = "switchboard"
	OracleSourceManualAdmin OracleSource = "manualAdmin"
)

var oracleSources = [...]OracleSource{
	OracleSourcePyth,
	OracleSourceSwitchboard,
	OracleSourceManualAdmin,
}

// OracleSourceFromTag maps an on-chain enum tag to an OracleSource.
func OracleSourceFromTag(tag uint8) (OracleSource, bool) {
	if int(tag) >= len(oracleSources) {
		return "", false
	}
	return oracleSources[tag], true
}

// Outcome is a market side or a resolution result.
type Outcome string

const (
	OutcomeYes     Outcome = "yes"
	OutcomeNo      Outcome = "no"
	OutcomeInvalid Outcome = "invalid"
)

// OutcomeFromTag maps an on-chain enum tag (0 yes, 1 no, 2 invalid) to an
// Outcome. Bets only carry yes/no, so allowInvalid is false for them.
func OutcomeFromTag(tag uint8, allowInvalid bool) (Outcome, bool) {
	switch tag {
	case 0:
		return OutcomeYes, true
	case 1:
		return OutcomeNo, true
	case 2:
		if allowInvalid {
			return OutcomeInvalid, true
		}
	}
	return "", false
}

// PoolState is the CPMM pool of a market, in collateral base units.
type PoolState struct {
	YesShares  uint64 `json:"total_yes_shares"`
	NoShares   uint64 `json:"total_no_shares"`
	Collateral uint64 `json:"total_collateral"`
}

// Market is the relational mirror of one on-chain market account plus the
// accumulators maintained by the event processors.
type Market struct {
	MarketID        uint64       `json:"market_id"`
	Address         string       `json:"pubkey"`
	Creator         string       `json:"creator"`
	Title           string       `json:"title"`
	Description     string       `json:"description"`
	Category        Category     `json:"category"`
	Status          MarketStatus `json:"status"`
	CollateralMint  string       `json:"collateral_mint"`
	YesMint         string       `json:"yes_mint"`
	NoMint          string       `json:"no_mint"`
	Vault           string       `json:"vault"`
	OracleSource    OracleSource `json:"oracle_source"`
	OracleFeed      string       `json:"oracle_feed"`
	OracleThreshold int64        `json:"oracle_threshold"`
	StartAt         time.Time    `json:"start_timestamp"`
	LockAt          time.Time    `json:"lock_timestamp"`
	EndAt           time.Time    `json:"end_timestamp"`
	Pools           PoolState    `json:"pools"`

	ResolvedOutcome Optional[Outcome]   `json:"resolved_outcome"`
	ResolutionPrice Optional[int64]     `json:"resolution_price"`
	ResolvedAt      Optional[time.Time] `json:"resolved_at"`

	// Owned by the event processors; reconciliation never overwrites them.
	Volume24h        uint64 `json:"volume_24h"`
	ParticipantCount int64  `json:"participant_count"`

	MinBet      uint64    `json:"min_bet"`
	MaxBet      uint64    `json:"max_bet"`
	FeeBps      uint16    `json:"fee_bps"`
	IndexedSlot uint64    `json:"indexed_slot"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// MarketAccount is a decoded on-chain market account together with the slot
// it was observed at.
type MarketAccount struct {
	Market
	IsRecurring   bool
	RoundDuration Optional[int64]
	CurrentRound  uint64
	Slot          uint64
}

// Normalize keeps the resolution fields consistent with the status: they are
// cleared unless the market is resolved, and a resolved market without an
// outcome is reported as resolving until the outcome becomes visible.
func (a *MarketAccount) Normalize() {
	if a.Status == MarketStatusResolved && !a.ResolvedOutcome.IsSome() {
		a.Status = MarketStatusResolving
	}
	if a.Status != MarketStatusResolved {
		a.ResolvedOutcome = None[Outcome]()
		a.ResolutionPrice = None[int64]()
		a.ResolvedAt = None[time.Time]()
	}
}

// MarketFilter selects markets for paginated listing.
type MarketFilter struct {
	Category Category
	Limit    int
	Offset   int
}
