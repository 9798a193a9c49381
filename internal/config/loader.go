package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path over the built-in defaults, loads a .env
// file from the working directory when present, and applies PREDICT_*
// environment overrides. An empty path skips the file. The result is not
// validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose PREDICT_* variable is set and
// non-empty, so secrets can be injected at deploy time.
func applyEnvOverrides(cfg *Config) {
	// ── Ledger ──
	setStr(&cfg.Ledger.RPCURL, "PREDICT_LEDGER_RPC_URL")
	setStr(&cfg.Ledger.WSURL, "PREDICT_LEDGER_WS_URL")
	setStr(&cfg.Ledger.ProgramID, "PREDICT_LEDGER_PROGRAM_ID")
	setStr(&cfg.Ledger.Commitment, "PREDICT_LEDGER_COMMITMENT")
	setDuration(&cfg.Ledger.RequestTimeout, "PREDICT_LEDGER_REQUEST_TIMEOUT")
	setFloat64(&cfg.Ledger.RPS, "PREDICT_LEDGER_RPS")
	setInt(&cfg.Ledger.Burst, "PREDICT_LEDGER_BURST")

	// ── Indexer ──
	setStr(&cfg.Indexer.CollateralMint, "PREDICT_INDEXER_COLLATERAL_MINT")
	setDuration(&cfg.Indexer.SyncInterval, "PREDICT_INDEXER_SYNC_INTERVAL")
	setDuration(&cfg.Indexer.ResyncDelay, "PREDICT_INDEXER_RESYNC_DELAY")
	setDuration(&cfg.Indexer.WebhookBudget, "PREDICT_INDEXER_WEBHOOK_BUDGET")
	setStr(&cfg.Indexer.WebhookSecret, "PREDICT_INDEXER_WEBHOOK_SECRET")
	setStr(&cfg.Indexer.WebhookSecret, "HELIUS_WEBHOOK_SECRET") // compatibility alias
	setBool(&cfg.Indexer.Subscribe, "PREDICT_INDEXER_SUBSCRIBE")
	setFloat64(&cfg.Indexer.RankWeightPnL, "PREDICT_INDEXER_RANK_WEIGHT_PNL")
	setFloat64(&cfg.Indexer.RankWeightVolume, "PREDICT_INDEXER_RANK_WEIGHT_VOLUME")
	setFloat64(&cfg.Indexer.RankWeightWinRate, "PREDICT_INDEXER_RANK_WEIGHT_WIN_RATE")
	setInt64(&cfg.Indexer.LeaderboardMinBets, "PREDICT_INDEXER_LEADERBOARD_MIN_BETS")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PREDICT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "PREDICT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PREDICT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PREDICT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PREDICT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PREDICT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PREDICT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PREDICT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PREDICT_POSTGRES_POOL_MIN_CONNS")
	setDuration(&cfg.Postgres.StatementTimeout, "PREDICT_POSTGRES_STATEMENT_TIMEOUT")
	setBool(&cfg.Postgres.RunMigrations, "PREDICT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PREDICT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PREDICT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PREDICT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PREDICT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PREDICT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PREDICT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "PREDICT_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.MarketTTL, "PREDICT_REDIS_MARKET_TTL")
	setDuration(&cfg.Redis.HistoryTTL, "PREDICT_REDIS_HISTORY_TTL")
	setDuration(&cfg.Redis.LeaderboardTTL, "PREDICT_REDIS_LEADERBOARD_TTL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "PREDICT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PREDICT_S3_REGION")
	setStr(&cfg.S3.Bucket, "PREDICT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PREDICT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PREDICT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PREDICT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PREDICT_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "PREDICT_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "PREDICT_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "PREDICT_ARCHIVE_CRON")
	setInt(&cfg.Archive.BatchSize, "PREDICT_ARCHIVE_BATCH_SIZE")

	// ── Server ──
	setInt(&cfg.Server.Port, "PREDICT_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT") // compatibility alias
	setStringSlice(&cfg.Server.CORSOrigins, "PREDICT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "PREDICT_SERVER_API_KEY")
	setInt(&cfg.Server.IndexTxRateLimit, "PREDICT_SERVER_INDEX_TX_RATE_LIMIT")

	// ── Top-level ──
	setStr(&cfg.Mode, "PREDICT_MODE")
	setStr(&cfg.LogLevel, "PREDICT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
