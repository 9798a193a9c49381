// Package indexer applies ledger events to the relational store and keeps it
// reconciled with on-chain market accounts.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/predictindexer/internal/decoder"
	"github.com/alanyoungcy/predictindexer/internal/domain"
	"github.com/alanyoungcy/predictindexer/internal/observability"
	"github.com/alanyoungcy/predictindexer/internal/platform/solana"
	"github.com/alanyoungcy/predictindexer/internal/pricing"
)

// Intake sources, used as metric labels and log fields.
const (
	SourceSubscription = "subscription"
	SourceWebhook      = "webhook"
	SourceIndexTx      = "index_tx"
)

// EventStream is the channel name prefix and stream key of the event bus.
const EventStream = "events"

// EventChannelPattern matches every per-kind event channel.
const EventChannelPattern = EventStream + ":*"

// Ledger is the subset of the ledger client used by the indexer.
type Ledger interface {
	GetTransaction(ctx context.Context, signature string) (domain.TransactionLogs, error)
	GetProgramAccounts(ctx context.Context, program string, filters ...solana.MemcmpFilter) ([]domain.AccountData, uint64, error)
	GetAccount(ctx context.Context, address string) (domain.Optional[domain.AccountData], uint64, error)
	GetMultipleAccounts(ctx context.Context, addresses []string) ([]domain.AccountData, uint64, error)
}

// Result summarises the events of one transaction.
type Result struct {
	Applied    int
	Duplicates int
	Failed     int
}

// Processor applies decoded events. Each event runs in its own store
// transaction; a duplicate signature commits without side effects.
type Processor struct {
	store        domain.EventStore
	markets      domain.MarketStore
	ledger       Ledger
	bus          domain.SignalBus
	metrics      *observability.Metrics
	weights      domain.RankWeights
	fetchTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// ProcessorDeps are the collaborators of a Processor. Bus may be nil.
type ProcessorDeps struct {
	Store   domain.EventStore
	Markets domain.MarketStore
	Ledger  Ledger
	Bus     domain.SignalBus
	Metrics *observability.Metrics
}

// NewProcessor creates a Processor.
func NewProcessor(deps ProcessorDeps, weights domain.RankWeights, fetchTimeout time.Duration, logger *slog.Logger) *Processor {
	if fetchTimeout <= 0 {
		fetchTimeout = 10 * time.Second
	}
	return &Processor{
		store:        deps.Store,
		markets:      deps.Markets,
		ledger:       deps.Ledger,
		bus:          deps.Bus,
		metrics:      deps.Metrics,
		weights:      weights,
		fetchTimeout: fetchTimeout,
		logger:       logger.With(slog.String("component", "processor")),
		now:          time.Now,
	}
}

// ProcessTransaction decodes and applies every event in a fetched
// transaction. Failed transactions carry no events and are ignored.
func (p *Processor) ProcessTransaction(ctx context.Context, tx domain.TransactionLogs, source string) (Result, error) {
	if tx.Failed {
		return Result{}, nil
	}
	return p.ProcessLogs(ctx, tx.Signature, tx.Slot, tx.BlockTime, tx.Logs, source)
}

// ProcessLogs decodes log lines and applies the events in order. A failure
// on one event does not stop the others; all failures are joined.
func (p *Processor) ProcessLogs(ctx context.Context, sig string, slot uint64, blockTime domain.Optional[time.Time], logs []string, source string) (Result, error) {
	events, decodeErrs := decoder.DecodeLogs(logs)
	for _, err := range decodeErrs {
		p.metrics.DecodeErrors.Inc()
		p.logger.WarnContext(ctx, "skipping undecodable event",
			slog.String("signature", sig),
			slog.String("error", err.Error()),
		)
	}

	var (
		res  Result
		errs []error
	)
	for _, ev := range events {
		applied, err := p.Apply(ctx, domain.IndexedEvent{
			Signature: sig,
			Slot:      slot,
			BlockTime: blockTime,
			Event:     ev,
		}, source)
		switch {
		case err != nil:
			res.Failed++
			errs = append(errs, err)
		case applied:
			res.Applied++
		default:
			res.Duplicates++
		}
	}
	return res, errors.Join(errs...)
}

// Apply applies a single event. It reports false when the event had no
// effect, either because its signature was already recorded or because the
// market it refers to is not indexed yet.
func (p *Processor) Apply(ctx context.Context, ie domain.IndexedEvent, source string) (bool, error) {
	kind := string(ie.Event.Kind())
	start := time.Now()

	var (
		applied bool
		err     error
	)
	switch ev := ie.Event.(type) {
	case domain.BetPlaced:
		applied, err = p.applyBet(ctx, ie, ev)
	case domain.MarketResolved:
		applied, err = p.applyResolved(ctx, ev)
	case domain.PayoutClaimed:
		applied, err = p.applyClaim(ctx, ie, ev)
	default:
		return false, fmt.Errorf("indexer: %w: %T", domain.ErrUnknownEvent, ie.Event)
	}

	p.metrics.EventDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		p.metrics.EventsFailed.WithLabelValues(kind).Inc()
		return false, fmt.Errorf("indexer: apply %s %s: %w", kind, ie.Signature, err)
	}
	if !applied {
		p.metrics.EventsDuplicate.WithLabelValues(kind).Inc()
		return false, nil
	}

	p.metrics.EventsApplied.WithLabelValues(kind, source).Inc()
	p.metrics.LastIndexedSlot.Set(float64(ie.Slot))
	p.logger.InfoContext(ctx, "event applied",
		slog.String("kind", kind),
		slog.String("signature", ie.Signature),
		slog.Uint64("market_id", ie.Event.Market()),
		slog.String("source", source),
	)
	p.publish(ctx, ie)
	return true, nil
}

func (p *Processor) applyBet(ctx context.Context, ie domain.IndexedEvent, ev domain.BetPlaced) (bool, error) {
	// Pre-trade view of the market, read before the transaction so the
	// account fetch below never runs while a transaction is open.
	market, err := p.markets.GetByID(ctx, ev.MarketID)
	known := err == nil
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return false, fmt.Errorf("load market %d: %w", ev.MarketID, err)
	}

	bet := domain.Bet{
		Signature: ie.Signature,
		MarketID:  ev.MarketID,
		User:      ev.User,
		Outcome:   ev.Outcome,
		Amount:    ev.Amount,
		Shares:    ev.Shares,
		Slot:      ie.Slot,
		Timestamp: time.Unix(ev.Timestamp, 0).UTC(),
	}

	inserted := false
	err = p.store.InTx(ctx, func(tx domain.IndexTx) error {
		ok, err := tx.InsertBet(ctx, bet)
		if err != nil || !ok {
			return err
		}
		inserted = true

		// The user row lock serialises concurrent bets by one wallet, so the
		// count below sees every earlier committed bet.
		user, err := tx.LockUser(ctx, ev.User)
		if err != nil {
			return err
		}
		n, err := tx.CountBets(ctx, ev.MarketID, ev.User)
		if err != nil {
			return err
		}
		if _, err := tx.AddMarketActivity(ctx, ev.MarketID, ev.Amount, n == 1); err != nil {
			return err
		}
		return tx.SaveUser(ctx, user.ApplyBet(ev.Amount, p.weights))
	})
	if err != nil || !inserted {
		return false, err
	}

	if !known {
		p.logger.WarnContext(ctx, "bet for unindexed market, pools left to reconciliation",
			slog.Uint64("market_id", ev.MarketID),
			slog.String("signature", ie.Signature),
		)
		return true, nil
	}

	p.checkQuote(ctx, market, ev)
	p.refreshPools(ctx, market, ie, ev)
	return true, nil
}

// checkQuote compares the event's shares with a local quote on the stored
// pre-trade pools. Drift is expected when the stored pools lag the ledger.
func (p *Processor) checkQuote(ctx context.Context, market domain.Market, ev domain.BetPlaced) {
	side := pricing.SideYes
	if ev.Outcome == domain.OutcomeNo {
		side = pricing.SideNo
	}
	q, err := pricing.QuoteBuy(pricing.Pools{Yes: market.Pools.YesShares, No: market.Pools.NoShares},
		ev.Amount, side, uint32(market.FeeBps))
	if err != nil || q.SharesOut == ev.Shares {
		return
	}
	p.metrics.QuoteDrift.Inc()
	p.logger.DebugContext(ctx, "quote drift",
		slog.Uint64("market_id", ev.MarketID),
		slog.Uint64("event_shares", ev.Shares),
		slog.Uint64("quoted_shares", q.SharesOut),
	)
}

// refreshPools stores the post-trade pools and a price snapshot. The account
// is read from the ledger and used only when it was read at or after the
// event's slot; otherwise the event's running totals are used. Failures are
// logged and never undo the committed bet.
func (p *Processor) refreshPools(ctx context.Context, market domain.Market, ie domain.IndexedEvent, ev domain.BetPlaced) {
	pools := domain.PoolState{
		YesShares:  ev.NewYesTotal,
		NoShares:   ev.NewNoTotal,
		Collateral: market.Pools.Collateral + ev.Amount,
	}
	slot := ie.Slot

	if acc, accSlot, err := p.fetchMarket(ctx, market.Address); err != nil {
		p.logger.WarnContext(ctx, "market fetch failed, using event totals",
			slog.Uint64("market_id", ev.MarketID),
			slog.String("error", err.Error()),
		)
	} else if acc.MarketID == ev.MarketID && accSlot >= ie.Slot {
		pools = acc.Pools
		slot = accSlot
	} else if acc.MarketID == ev.MarketID {
		p.logger.DebugContext(ctx, "market read lags event, using event totals",
			slog.Uint64("market_id", ev.MarketID),
			slog.Uint64("read_slot", accSlot),
			slog.Uint64("event_slot", ie.Slot),
		)
	}

	yes, no := pricing.ImpliedPrice(pools.YesShares, pools.NoShares)
	err := p.store.InTx(ctx, func(tx domain.IndexTx) error {
		ok, err := tx.ApplyPools(ctx, ev.MarketID, pools, slot)
		if err != nil {
			return err
		}
		if !ok {
			p.metrics.PoolRefreshStale.Inc()
			return nil
		}
		return tx.InsertSnapshot(ctx, domain.PriceSnapshot{
			MarketID:        ev.MarketID,
			YesPrice:        yes,
			NoPrice:         no,
			TotalCollateral: pools.Collateral,
			Slot:            slot,
			Timestamp:       p.now().UTC(),
		})
	})
	if err != nil {
		p.logger.WarnContext(ctx, "pool refresh failed",
			slog.Uint64("market_id", ev.MarketID),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Processor) fetchMarket(ctx context.Context, address string) (domain.MarketAccount, uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	opt, slot, err := p.ledger.GetAccount(ctx, address)
	if err != nil {
		return domain.MarketAccount{}, 0, err
	}
	acc, ok := opt.Get()
	if !ok {
		return domain.MarketAccount{}, 0, fmt.Errorf("market account %s: %w", address, domain.ErrNotFound)
	}
	m, err := decoder.DecodeMarketAccount(acc, slot)
	if err != nil {
		return domain.MarketAccount{}, 0, err
	}
	return m, slot, nil
}

func (p *Processor) applyResolved(ctx context.Context, ev domain.MarketResolved) (bool, error) {
	found := false
	err := p.store.InTx(ctx, func(tx domain.IndexTx) error {
		ok, err := tx.ResolveMarket(ctx, ev, p.now().UTC())
		found = ok
		return err
	})
	if err != nil {
		return false, err
	}
	if !found {
		p.logger.WarnContext(ctx, "resolution for unindexed market skipped",
			slog.Uint64("market_id", ev.MarketID),
		)
	}
	return found, nil
}

func (p *Processor) applyClaim(ctx context.Context, ie domain.IndexedEvent, ev domain.PayoutClaimed) (bool, error) {
	claim := domain.Claim{
		Signature:    ie.Signature,
		MarketID:     ev.MarketID,
		User:         ev.User,
		Amount:       ev.Amount,
		SharesBurned: ev.SharesBurned,
		Slot:         ie.Slot,
		Timestamp:    ie.BlockTime.OrElse(p.now()).UTC(),
	}

	inserted := false
	err := p.store.InTx(ctx, func(tx domain.IndexTx) error {
		ok, err := tx.InsertClaim(ctx, claim)
		if err != nil || !ok {
			return err
		}
		inserted = true

		user, err := tx.LockUser(ctx, ev.User)
		if err != nil {
			return err
		}
		wagered, err := tx.SumWagered(ctx, ev.MarketID, ev.User)
		if err != nil {
			return err
		}
		contribution := int64(ev.Amount) - int64(wagered)
		return tx.SaveUser(ctx, user.ApplyClaim(contribution, p.weights))
	})
	return inserted, err
}

// publish pushes an applied event to the bus. Delivery is best effort.
func (p *Processor) publish(ctx context.Context, ie domain.IndexedEvent) {
	if p.bus == nil {
		return
	}
	payload, err := json.Marshal(ie)
	if err != nil {
		p.logger.ErrorContext(ctx, "marshal event", slog.String("error", err.Error()))
		return
	}
	channel := EventStream + ":" + string(ie.Event.Kind())
	if err := p.bus.Publish(ctx, channel, payload); err != nil {
		p.metrics.BusPublishErrors.Inc()
		p.logger.WarnContext(ctx, "event publish failed", slog.String("error", err.Error()))
	}
	if err := p.bus.StreamAppend(ctx, EventStream, payload); err != nil {
		p.metrics.BusPublishErrors.Inc()
		p.logger.WarnContext(ctx, "event stream append failed", slog.String("error", err.Error()))
	}
}
