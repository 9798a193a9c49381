package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/predictindexer/internal/indexer"
	"github.com/alanyoungcy/predictindexer/internal/pipeline"
	"github.com/alanyoungcy/predictindexer/internal/server"
	"github.com/alanyoungcy/predictindexer/internal/server/handler"
	"github.com/alanyoungcy/predictindexer/internal/server/ws"
	"github.com/alanyoungcy/predictindexer/internal/service"
)

// shutdownTimeout bounds the HTTP server drain.
const shutdownTimeout = 10 * time.Second

// FullMode runs the indexer, the HTTP API and, when enabled, the snapshot
// archiver until ctx is cancelled.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	svc := indexerService(a.cfg, deps, true, a.logger)
	g, ctx := errgroup.WithContext(ctx)

	a.runIndexer(ctx, g, svc)
	a.startHTTPServer(ctx, g, deps, svc)
	if deps.Archiver != nil {
		archiver := pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
		g.Go(func() error {
			err := archiver.RunCron(ctx, a.cfg.Archive.Cron)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	return g.Wait()
}

// IndexMode runs only the indexer: reconciliation and the log subscription.
func (a *App) IndexMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting index mode")

	g, ctx := errgroup.WithContext(ctx)
	a.runIndexer(ctx, g, indexerService(a.cfg, deps, true, a.logger))
	return g.Wait()
}

// ServeMode runs the HTTP API with its intake endpoints but no reconciler or
// subscription; another process is expected to run the indexer.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, indexerService(a.cfg, deps, false, a.logger))
	return g.Wait()
}

// SyncMode runs one reconciliation pass and returns.
func (a *App) SyncMode(ctx context.Context, deps *Dependencies) error {
	start := time.Now()
	n, err := indexerService(a.cfg, deps, false, a.logger).SyncOnce(ctx)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	a.logger.InfoContext(ctx, "sync complete",
		slog.Int("markets", n),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// runIndexer starts svc and stops it when ctx ends. An indexer whose loops
// exit on their own fails the group.
func (a *App) runIndexer(ctx context.Context, g *errgroup.Group, svc *indexer.Service) {
	g.Go(func() error {
		if err := svc.Start(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return svc.Stop()
		case <-svc.Done():
			if err := svc.Stop(); err != nil {
				return fmt.Errorf("indexer: %w", err)
			}
			if ctx.Err() != nil {
				return nil
			}
			return errors.New("indexer: stopped unexpectedly")
		}
	})
}

// startHTTPServer adds the API server and the WebSocket relay to g. The
// server is shut down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *indexer.Service) {
	qcfg := service.DefaultQueryConfig()
	qcfg.MarketTTL = a.cfg.Redis.MarketTTL.Duration
	qcfg.HistoryTTL = a.cfg.Redis.HistoryTTL.Duration
	qcfg.LeaderboardTTL = a.cfg.Redis.LeaderboardTTL.Duration
	qcfg.MinBets = a.cfg.Indexer.LeaderboardMinBets
	queries := service.NewQueryService(qcfg,
		deps.MarketStore, deps.SnapshotStore, deps.UserStore,
		deps.ReadCache, deps.SignalBus, deps.Metrics, a.logger)

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Pattern:   indexer.EventChannelPattern,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error { return hub.Run(ctx) })

	srv := server.NewServer(server.Config{
		Addr:         net.JoinHostPort("", strconv.Itoa(a.cfg.Server.Port)),
		CORSOrigins:  a.cfg.Server.CORSOrigins,
		APIKey:       a.cfg.Server.APIKey,
		IntakeLimit:  a.cfg.Server.IndexTxRateLimit,
		IntakeWindow: time.Minute,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(deps.Checks, deps.Ledger, a.logger),
		Markets: handler.NewMarketHandler(queries, a.logger),
		Users:   handler.NewUserHandler(queries, a.logger),
		Events:  handler.NewEventHandler(queries, a.logger),
		Intake:  handler.NewIntakeHandler(svc, a.cfg.Indexer.WebhookSecret, a.logger),
		Metrics: promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{Registry: deps.Registry}),
	}, hub, deps.RateLimiter, deps.Metrics, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
