// Package config defines the indexer configuration and its validation.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/alanyoungcy/predictindexer/internal/platform/solana"
)

// Config is the root configuration. Fields are populated from a TOML file and
// then optionally overridden by PREDICT_* environment variables.
type Config struct {
	Ledger   LedgerConfig   `toml:"ledger"`
	Indexer  IndexerConfig  `toml:"indexer"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// LedgerConfig points at the chain RPC node.
type LedgerConfig struct {
	RPCURL         string   `toml:"rpc_url"`
	WSURL          string   `toml:"ws_url"`
	ProgramID      string   `toml:"program_id"`
	Commitment     string   `toml:"commitment"`
	RequestTimeout duration `toml:"request_timeout"`
	RPS            float64  `toml:"rps"`
	Burst          int      `toml:"burst"`
}

// IndexerConfig tunes event intake and reconciliation.
type IndexerConfig struct {
	CollateralMint string   `toml:"collateral_mint"`
	SyncInterval   duration `toml:"sync_interval"`
	ResyncDelay    duration `toml:"resync_delay"`
	// WebhookBudget bounds the indexing time of one webhook delivery. It must
	// stay under the HTTP write timeout so the provider sees the 200.
	WebhookBudget duration `toml:"webhook_budget"`
	WebhookSecret string   `toml:"webhook_secret"`
	Subscribe     bool     `toml:"subscribe"`

	RankWeightPnL     float64 `toml:"rank_weight_pnl"`
	RankWeightVolume  float64 `toml:"rank_weight_volume"`
	RankWeightWinRate float64 `toml:"rank_weight_win_rate"`
	// LeaderboardMinBets hides wallets with fewer bets from the leaderboard.
	LeaderboardMinBets int64 `toml:"leaderboard_min_bets"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN              string   `toml:"dsn"`
	Host             string   `toml:"host"`
	Port             int      `toml:"port"`
	Database         string   `toml:"database"`
	User             string   `toml:"user"`
	Password         string   `toml:"password"`
	SSLMode          string   `toml:"ssl_mode"`
	PoolMaxConns     int      `toml:"pool_max_conns"`
	PoolMinConns     int      `toml:"pool_min_conns"`
	StatementTimeout duration `toml:"statement_timeout"`
	RunMigrations    bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters and read-cache lifetimes.
type RedisConfig struct {
	Addr           string   `toml:"addr"`
	Password       string   `toml:"password"`
	DB             int      `toml:"db"`
	PoolSize       int      `toml:"pool_size"`
	MaxRetries     int      `toml:"max_retries"`
	TLSEnabled     bool     `toml:"tls_enabled"`
	KeyPrefix      string   `toml:"key_prefix"`
	MarketTTL      duration `toml:"market_ttl"`
	HistoryTTL     duration `toml:"history_ttl"`
	LeaderboardTTL duration `toml:"leaderboard_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig schedules the price snapshot archive.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
	BatchSize     int    `toml:"batch_size"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// IndexTxRateLimit is the per-IP request budget of the index-tx endpoint
	// per minute. Zero disables limiting.
	IndexTxRateLimit int `toml:"index_tx_rate_limit"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the production defaults.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			RPCURL:         "https://api.devnet.solana.com",
			WSURL:          "wss://api.devnet.solana.com",
			Commitment:     "confirmed",
			RequestTimeout: duration{30 * time.Second},
			RPS:            10,
			Burst:          20,
		},
		Indexer: IndexerConfig{
			SyncInterval:       duration{60 * time.Second},
			ResyncDelay:        duration{2 * time.Second},
			WebhookBudget:      duration{20 * time.Second},
			Subscribe:          true,
			RankWeightPnL:      0.5,
			RankWeightVolume:   0.3,
			RankWeightWinRate:  200,
			LeaderboardMinBets: 1,
		},
		Postgres: PostgresConfig{
			Host:             "localhost",
			Port:             5432,
			Database:         "predict",
			User:             "postgres",
			SSLMode:          "disable",
			PoolMaxConns:     10,
			PoolMinConns:     1,
			StatementTimeout: duration{30 * time.Second},
			RunMigrations:    true,
		},
		Redis: RedisConfig{
			Addr:           "localhost:6379",
			PoolSize:       10,
			MaxRetries:     3,
			KeyPrefix:      "predict:",
			MarketTTL:      duration{5 * time.Second},
			HistoryTTL:     duration{10 * time.Second},
			LeaderboardTTL: duration{30 * time.Second},
		},
		S3: S3Config{
			Region: "us-east-1",
			UseSSL: true,
		},
		Archive: ArchiveConfig{
			RetentionDays: 90,
			Cron:          "0 3 * * *",
			BatchSize:     10_000,
		},
		Server: ServerConfig{
			Port:             3001,
			IndexTxRateLimit: 30,
		},
		Mode:     ModeFull,
		LogLevel: "info",
	}
}

// MaxWebhookBudget leaves headroom under the server's 30s write timeout.
const MaxWebhookBudget = 25 * time.Second

// Operating modes.
const (
	// ModeFull runs the indexer, the HTTP API and the snapshot archiver.
	ModeFull = "full"
	// ModeIndex runs the subscription and reconciliation scheduler only.
	ModeIndex = "index"
	// ModeServe runs the read API and intake endpoints without a scheduler.
	ModeServe = "serve"
	// ModeSync runs one reconciliation pass and exits.
	ModeSync = "sync"
)

// Modes lists every accepted value of Config.Mode.
var Modes = []string{ModeFull, ModeIndex, ModeServe, ModeSync}

// NormalizedMode returns Mode trimmed and lower-cased.
func (c *Config) NormalizedMode() string {
	return strings.ToLower(strings.TrimSpace(c.Mode))
}

// RunsIndexer reports whether the mode keeps a live subscription and
// reconciliation loop.
func (c *Config) RunsIndexer() bool {
	m := c.NormalizedMode()
	return m == ModeFull || m == ModeIndex
}

// ServesHTTP reports whether the mode listens for API and intake requests.
func (c *Config) ServesHTTP() bool {
	m := c.NormalizedMode()
	return m == ModeFull || m == ModeServe
}

// RunsArchive reports whether the snapshot archiver is scheduled.
func (c *Config) RunsArchive() bool {
	return c.Archive.Enabled && c.NormalizedMode() == ModeFull
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validCommitments = map[string]bool{
	"processed": true,
	"confirmed": true,
	"finalized": true,
}

// Validate checks Config for invalid or missing values and returns a combined
// error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	if !slices.Contains(Modes, c.NormalizedMode()) {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: %s)", c.Mode, strings.Join(Modes, ", ")))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Ledger
	if c.Ledger.RPCURL == "" {
		errs = append(errs, "ledger: rpc_url must not be empty")
	}
	if _, err := solana.ParsePublicKey(c.Ledger.ProgramID); err != nil {
		errs = append(errs, fmt.Sprintf("ledger: program_id: %v", err))
	}
	if !validCommitments[c.Ledger.Commitment] {
		errs = append(errs, fmt.Sprintf("ledger: unknown commitment %q", c.Ledger.Commitment))
	}
	if c.Ledger.RPS <= 0 || c.Ledger.Burst < 1 {
		errs = append(errs, "ledger: rps must be > 0 and burst >= 1")
	}
	if c.Indexer.Subscribe && c.RunsIndexer() && c.Ledger.WSURL == "" {
		errs = append(errs, "ledger: ws_url is required when indexer.subscribe is set")
	}

	// Indexer
	if c.Indexer.CollateralMint != "" {
		if _, err := solana.ParsePublicKey(c.Indexer.CollateralMint); err != nil {
			errs = append(errs, fmt.Sprintf("indexer: collateral_mint: %v", err))
		}
	}
	if c.Indexer.SyncInterval.Duration <= 0 {
		errs = append(errs, "indexer: sync_interval must be > 0")
	}
	if c.Indexer.ResyncDelay.Duration < 0 {
		errs = append(errs, "indexer: resync_delay must be >= 0")
	}
	if b := c.Indexer.WebhookBudget.Duration; b <= 0 || b > MaxWebhookBudget {
		errs = append(errs, fmt.Sprintf("indexer: webhook_budget must be in (0, %s], got %s", MaxWebhookBudget, b))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Archive
	if c.RunsArchive() {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if len(strings.Fields(c.Archive.Cron)) != 5 {
			errs = append(errs, fmt.Sprintf("archive: cron must have 5 fields, got %q", c.Archive.Cron))
		}
	}

	// Server
	if c.ServesHTTP() {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}
	if c.Server.IndexTxRateLimit < 0 {
		errs = append(errs, "server: index_tx_rate_limit must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
