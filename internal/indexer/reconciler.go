package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/predictindexer/internal/decoder"
	"github.com/alanyoungcy/predictindexer/internal/domain"
	"github.com/alanyoungcy/predictindexer/internal/observability"
	"github.com/alanyoungcy/predictindexer/internal/platform/solana"
	"github.com/alanyoungcy/predictindexer/internal/pricing"
)

// Reconciler mirrors on-chain market accounts into the store. Snapshot
// fields are overwritten; event accumulators are never touched.
type Reconciler struct {
	ledger         Ledger
	store          domain.EventStore
	metrics        *observability.Metrics
	programID      string
	collateralMint string
	interval       time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// NewReconciler creates a Reconciler for programID that keeps only markets
// collateralised by collateralMint.
func NewReconciler(ledger Ledger, store domain.EventStore, metrics *observability.Metrics,
	programID, collateralMint string, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		ledger:         ledger,
		store:          store,
		metrics:        metrics,
		programID:      programID,
		collateralMint: collateralMint,
		interval:       interval,
		logger:         logger.With(slog.String("component", "reconciler")),
		now:            time.Now,
	}
}

// Run calls SyncAll every interval until ctx is cancelled. A failed cycle is
// logged and the next one runs on schedule.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.SyncAll(ctx); err != nil && ctx.Err() == nil {
				r.logger.ErrorContext(ctx, "reconciliation cycle failed", slog.String("error", err.Error()))
			}
		}
	}
}

// SyncAll lists every market account of the program and upserts them in a
// single transaction. It returns the number of markets written.
func (r *Reconciler) SyncAll(ctx context.Context) (int, error) {
	start := time.Now()
	accounts, slot, err := r.ledger.GetProgramAccounts(ctx, r.programID,
		solana.MemcmpFilter{Offset: 0, Bytes: decoder.MarketDiscriminator[:]})
	if err != nil {
		r.metrics.SyncRuns.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("indexer: list market accounts: %w", err)
	}

	n, err := r.upsert(ctx, accounts, slot)
	if err != nil {
		r.metrics.SyncRuns.WithLabelValues("error").Inc()
		return 0, err
	}

	r.metrics.SyncRuns.WithLabelValues("ok").Inc()
	r.metrics.SyncDuration.Observe(time.Since(start).Seconds())
	r.metrics.MarketsReconciled.Set(float64(n))
	r.logger.InfoContext(ctx, "markets reconciled",
		slog.Int("accounts", len(accounts)),
		slog.Int("upserted", n),
		slog.Uint64("slot", slot),
		slog.Duration("elapsed", time.Since(start)),
	)
	return n, nil
}

// SyncFromTransaction refreshes only the market accounts referenced by one
// transaction.
func (r *Reconciler) SyncFromTransaction(ctx context.Context, signature string) (int, error) {
	tx, err := r.ledger.GetTransaction(ctx, signature)
	if err != nil {
		return 0, fmt.Errorf("indexer: fetch transaction %s: %w", signature, err)
	}
	if len(tx.AccountKeys) == 0 {
		return 0, nil
	}

	accounts, slot, err := r.ledger.GetMultipleAccounts(ctx, dedupe(tx.AccountKeys))
	if err != nil {
		return 0, fmt.Errorf("indexer: fetch accounts of %s: %w", signature, err)
	}

	owned := accounts[:0]
	for _, acc := range accounts {
		if acc.Owner == r.programID && decoder.IsMarketAccount(acc.Data) {
			owned = append(owned, acc)
		}
	}
	return r.upsert(ctx, owned, slot)
}

func (r *Reconciler) upsert(ctx context.Context, accounts []domain.AccountData, slot uint64) (int, error) {
	markets := make([]domain.MarketAccount, 0, len(accounts))
	for _, acc := range accounts {
		m, err := decoder.DecodeMarketAccount(acc, slot)
		if err != nil {
			r.logger.WarnContext(ctx, "skipping undecodable market account",
				slog.String("address", acc.Address),
				slog.String("error", err.Error()),
			)
			continue
		}
		if m.CollateralMint != r.collateralMint {
			continue
		}
		m.Normalize()
		markets = append(markets, m)
	}
	if len(markets) == 0 {
		return 0, nil
	}

	now := r.now().UTC()
	err := r.store.InTx(ctx, func(tx domain.IndexTx) error {
		for _, m := range markets {
			if err := tx.UpsertMarket(ctx, m); err != nil {
				return fmt.Errorf("upsert market %d: %w", m.MarketID, err)
			}
			yes, no := pricing.ImpliedPrice(m.Pools.YesShares, m.Pools.NoShares)
			if err := tx.InsertSnapshot(ctx, domain.PriceSnapshot{
				MarketID:        m.MarketID,
				YesPrice:        yes,
				NoPrice:         no,
				TotalCollateral: m.Pools.Collateral,
				Slot:            slot,
				Timestamp:       now,
			}); err != nil {
				return fmt.Errorf("snapshot market %d: %w", m.MarketID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("indexer: reconcile %d markets: %w", len(markets), err)
	}
	return len(markets), nil
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
