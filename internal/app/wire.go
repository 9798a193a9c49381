package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	s3blob "github.com/alanyoungcy/predictindexer/internal/blob/s3"
	"github.com/alanyoungcy/predictindexer/internal/cache/redis"
	"github.com/alanyoungcy/predictindexer/internal/config"
	"github.com/alanyoungcy/predictindexer/internal/domain"
	"github.com/alanyoungcy/predictindexer/internal/indexer"
	"github.com/alanyoungcy/predictindexer/internal/observability"
	"github.com/alanyoungcy/predictindexer/internal/platform/solana"
	"github.com/alanyoungcy/predictindexer/internal/server/handler"
	"github.com/alanyoungcy/predictindexer/internal/store/postgres"
)

// Dependencies bundles every concrete collaborator the modes run on. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Registry *prometheus.Registry
	Metrics  *observability.Metrics

	Ledger *solana.Client

	// Stores
	EventStore    domain.EventStore
	MarketStore   domain.MarketStore
	SnapshotStore domain.SnapshotStore
	UserStore     domain.UserStore
	Manifest      domain.ArchiveManifest

	// Redis
	ReadCache   domain.ReadCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Archiver is nil unless the archive is enabled in full mode.
	Archiver domain.Archiver

	// Health checks, by dependency name.
	Checks map[string]handler.Check
}

// Wire constructs every dependency from cfg. On error, whatever was already
// opened is closed before returning.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deps := &Dependencies{
		Registry: reg,
		Metrics:  observability.NewMetrics(reg),
		Checks:   make(map[string]handler.Check),
	}

	// --- Ledger RPC ---
	ledger, err := solana.NewClient(ctx, solana.ClientConfig{
		URL:        cfg.Ledger.RPCURL,
		Commitment: cfg.Ledger.Commitment,
		Timeout:    cfg.Ledger.RequestTimeout.Duration,
		RPS:        cfg.Ledger.RPS,
		Burst:      cfg.Ledger.Burst,
		Observer:   deps.Metrics.ObserveRPC,
	})
	if err != nil {
		return fail("ledger", err)
	}
	closers = append(closers, ledger.Close)
	deps.Ledger = ledger

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:              cfg.Postgres.DSN,
		Host:             cfg.Postgres.Host,
		Port:             cfg.Postgres.Port,
		Database:         cfg.Postgres.Database,
		User:             cfg.Postgres.User,
		Password:         cfg.Postgres.Password,
		SSLMode:          cfg.Postgres.SSLMode,
		MaxConns:         cfg.Postgres.PoolMaxConns,
		MinConns:         cfg.Postgres.PoolMinConns,
		StatementTimeout: cfg.Postgres.StatementTimeout.Duration,
	})
	if err != nil {
		return fail("postgres", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail("postgres migrations", err)
		}
	}

	pool := pgClient.Pool()
	deps.EventStore = postgres.NewEventStore(pool)
	deps.MarketStore = postgres.NewMarketStore(pool)
	deps.SnapshotStore = postgres.NewSnapshotStore(pool)
	deps.UserStore = postgres.NewUserStore(pool)
	deps.Manifest = postgres.NewManifestStore(pool)
	deps.Checks["postgres"] = func(ctx context.Context) error { return pool.Ping(ctx) }

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		KeyPrefix:  cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return fail("redis", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.ReadCache = redis.NewReadCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.Checks["redis"] = redisClient.Ping

	// --- S3 snapshot archive ---
	if cfg.RunsArchive() {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.SnapshotStore,
			deps.Manifest,
			deps.Metrics,
			cfg.Archive.BatchSize,
			logger,
		)
		deps.Checks["s3"] = s3Client.Health
		logger.InfoContext(ctx, "snapshot archive enabled",
			slog.String("bucket", s3Client.Bucket()),
			slog.Int("retention_days", cfg.Archive.RetentionDays),
		)
	}

	return deps, cleanup, nil
}

// indexerService builds the indexer over deps. The log subscription is only
// attached when stream is set.
func indexerService(cfg *config.Config, deps *Dependencies, stream bool, logger *slog.Logger) *indexer.Service {
	var ls indexer.LogStream
	if stream && cfg.Indexer.Subscribe {
		ls = indexer.NewSubscription(cfg.Ledger.WSURL, cfg.Ledger.ProgramID, cfg.Ledger.Commitment, deps.Metrics, logger)
	}
	return indexer.NewService(indexer.Config{
		ProgramID:      cfg.Ledger.ProgramID,
		CollateralMint: cfg.Indexer.CollateralMint,
		SyncInterval:   cfg.Indexer.SyncInterval.Duration,
		ResyncDelay:    cfg.Indexer.ResyncDelay.Duration,
		FetchTimeout:   cfg.Ledger.RequestTimeout.Duration,
		WebhookBudget:  cfg.Indexer.WebhookBudget.Duration,
		Subscribe:      stream && cfg.Indexer.Subscribe,
		RankWeights: domain.RankWeights{
			PnL:     cfg.Indexer.RankWeightPnL,
			Volume:  cfg.Indexer.RankWeightVolume,
			WinRate: cfg.Indexer.RankWeightWinRate,
		},
	}, indexer.Deps{
		Ledger:  deps.Ledger,
		Store:   deps.EventStore,
		Markets: deps.MarketStore,
		Stream:  ls,
		Bus:     deps.SignalBus,
		Locks:   deps.LockManager,
		Metrics: deps.Metrics,
	}, logger)
}
