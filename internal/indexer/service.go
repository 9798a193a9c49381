package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/predictindexer/internal/domain"
	"github.com/alanyoungcy/predictindexer/internal/observability"
	"github.com/alanyoungcy/predictindexer/internal/platform/solana"
)

// intakeLockTTL bounds how long a signature is claimed by one HTTP intake.
const intakeLockTTL = 10 * time.Second

const (
	// defaultWebhookBudget keeps a delivery under the server's write timeout.
	defaultWebhookBudget = 20 * time.Second

	// webhookWorkers is the number of signatures of one delivery indexed at
	// once.
	webhookWorkers = 4
)

// LogStream delivers program log notifications until ctx is cancelled.
type LogStream interface {
	Run(ctx context.Context, handle solana.LogHandler) error
}

// Config configures a Service.
type Config struct {
	ProgramID      string
	CollateralMint string
	SyncInterval   time.Duration
	ResyncDelay    time.Duration
	FetchTimeout   time.Duration
	// WebhookBudget bounds the time one webhook delivery may spend indexing.
	// Signatures not started within it are skipped and left to redelivery or
	// reconciliation. Zero means 20s.
	WebhookBudget time.Duration
	Subscribe     bool
	RankWeights   domain.RankWeights
}

// Deps are the collaborators of a Service. Stream, Bus and Locks may be nil.
type Deps struct {
	Ledger  Ledger
	Store   domain.EventStore
	Markets domain.MarketStore
	Stream  LogStream
	Bus     domain.SignalBus
	Locks   domain.LockManager
	Metrics *observability.Metrics
}

// Service owns the indexer's background work: the reconciliation loop and
// the log subscription. HTTP intakes call into it directly.
type Service struct {
	cfg        Config
	processor  *Processor
	reconciler *Reconciler
	ledger     Ledger
	stream     LogStream
	locks      domain.LockManager
	metrics    *observability.Metrics
	logger     *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
}

// NewService wires a Service. Nothing runs until Start.
func NewService(cfg Config, deps Deps, logger *slog.Logger) *Service {
	if cfg.ResyncDelay < 0 {
		cfg.ResyncDelay = 0
	}
	if cfg.WebhookBudget <= 0 {
		cfg.WebhookBudget = defaultWebhookBudget
	}
	return &Service{
		cfg: cfg,
		processor: NewProcessor(ProcessorDeps{
			Store:   deps.Store,
			Markets: deps.Markets,
			Ledger:  deps.Ledger,
			Bus:     deps.Bus,
			Metrics: deps.Metrics,
		}, cfg.RankWeights, cfg.FetchTimeout, logger),
		reconciler: NewReconciler(deps.Ledger, deps.Store, deps.Metrics,
			cfg.ProgramID, cfg.CollateralMint, cfg.SyncInterval, logger),
		ledger:  deps.Ledger,
		stream:  deps.Stream,
		locks:   deps.Locks,
		metrics: deps.Metrics,
		logger:  logger.With(slog.String("component", "indexer")),
	}
}

// Start runs the initial reconciliation and then launches the periodic
// reconciler and, when enabled, the log subscription. A Service can be
// started once.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("indexer: %w", domain.ErrAlreadyStarted)
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	if _, err := s.reconciler.SyncAll(runCtx); err != nil {
		s.logger.ErrorContext(ctx, "initial reconciliation failed", slog.String("error", err.Error()))
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.reconciler.Run(gctx) })
	if s.cfg.Subscribe && s.stream != nil {
		g.Go(func() error { return s.stream.Run(gctx, s.handleNotification) })
	}

	go func() {
		err := g.Wait()
		s.mu.Lock()
		s.runErr = err
		s.mu.Unlock()
		close(s.done)
	}()

	s.logger.InfoContext(ctx, "indexer started",
		slog.String("program", s.cfg.ProgramID),
		slog.Bool("subscribe", s.cfg.Subscribe && s.stream != nil),
	)
	return nil
}

// Stop cancels the background loops and waits for them to exit.
func (s *Service) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	if errors.Is(s.runErr, context.Canceled) {
		return nil
	}
	return s.runErr
}

// Done is closed once the background loops have exited. It is nil before
// Start.
func (s *Service) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// SyncOnce runs one full reconciliation pass.
func (s *Service) SyncOnce(ctx context.Context) (int, error) {
	return s.reconciler.SyncAll(ctx)
}

// IndexSignature fetches a transaction and applies its events.
func (s *Service) IndexSignature(ctx context.Context, signature, source string) (Result, error) {
	tx, err := s.ledger.GetTransaction(ctx, signature)
	if err != nil {
		s.metrics.IntakeRequests.WithLabelValues(source, "fetch_error").Inc()
		return Result{}, fmt.Errorf("indexer: fetch %s: %w", signature, err)
	}
	res, err := s.processor.ProcessTransaction(ctx, tx, source)
	if err != nil {
		s.metrics.IntakeRequests.WithLabelValues(source, "error").Inc()
		return res, err
	}
	s.metrics.IntakeRequests.WithLabelValues(source, "ok").Inc()
	return res, nil
}

// HandleWebhook indexes the signatures of a webhook delivery, a few at a
// time, within the webhook budget. Failures are logged per signature and
// never returned.
func (s *Service) HandleWebhook(ctx context.Context, signatures []string) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WebhookBudget)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(webhookWorkers)
	skipped := 0
	for _, sig := range signatures {
		if sig == "" {
			continue
		}
		if ctx.Err() != nil {
			skipped++
			continue
		}
		g.Go(func() error {
			s.indexWebhookSignature(ctx, sig)
			return nil
		})
	}
	_ = g.Wait()

	if skipped > 0 {
		s.logger.WarnContext(ctx, "webhook budget exhausted",
			slog.Int("skipped", skipped),
			slog.Int("signatures", len(signatures)),
			slog.Duration("budget", s.cfg.WebhookBudget),
		)
	}
}

func (s *Service) indexWebhookSignature(ctx context.Context, sig string) {
	unlock, ok := s.claim(ctx, sig)
	if !ok {
		return
	}
	defer unlock()

	res, err := s.IndexSignature(ctx, sig, SourceWebhook)
	if err != nil {
		s.logger.WarnContext(ctx, "webhook signature not indexed",
			slog.String("signature", sig),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.DebugContext(ctx, "webhook signature indexed",
		slog.String("signature", sig),
		slog.Int("applied", res.Applied),
		slog.Int("duplicates", res.Duplicates),
	)
}

// Resync waits for the configured delay so the transaction is visible at the
// configured commitment, then indexes it and refreshes the markets it
// touched. Errors are logged.
func (s *Service) Resync(ctx context.Context, signature string) {
	if s.cfg.ResyncDelay > 0 {
		t := time.NewTimer(s.cfg.ResyncDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	if unlock, ok := s.claim(ctx, signature); ok {
		_, err := s.IndexSignature(ctx, signature, SourceIndexTx)
		unlock()
		if err != nil {
			s.logger.WarnContext(ctx, "resync index failed",
				slog.String("signature", signature),
				slog.String("error", err.Error()),
			)
		}
	}

	if _, err := s.reconciler.SyncFromTransaction(ctx, signature); err != nil {
		s.logger.WarnContext(ctx, "resync market refresh failed",
			slog.String("signature", signature),
			slog.String("error", err.Error()),
		)
	}
}

// claim takes the short intake lock for a signature. It reports false only
// when another intake holds it; lock backend errors fail open.
func (s *Service) claim(ctx context.Context, signature string) (func(), bool) {
	if s.locks == nil {
		return func() {}, true
	}
	unlock, err := s.locks.Acquire(ctx, "intake:"+signature, intakeLockTTL)
	switch {
	case err == nil:
		return unlock, true
	case errors.Is(err, domain.ErrLockHeld):
		s.logger.DebugContext(ctx, "signature already being indexed", slog.String("signature", signature))
		return nil, false
	default:
		s.logger.WarnContext(ctx, "intake lock unavailable, continuing", slog.String("error", err.Error()))
		return func() {}, true
	}
}
