package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies CROSSARB_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known CROSSARB_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "CROSSARB_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "CROSSARB_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "CROSSARB_WALLET_KEY_PASSWORD")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "CROSSARB_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "CROSSARB_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "CROSSARB_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "CROSSARB_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "CROSSARB_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "CROSSARB_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "CROSSARB_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "CROSSARB_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "CROSSARB_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "CROSSARB_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "CROSSARB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CROSSARB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CROSSARB_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "CROSSARB_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "CROSSARB_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "CROSSARB_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "CROSSARB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "CROSSARB_S3_REGION")
	setStr(&cfg.S3.Bucket, "CROSSARB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "CROSSARB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "CROSSARB_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "CROSSARB_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "CROSSARB_S3_FORCE_PATH_STYLE")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "CROSSARB_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "CROSSARB_CHAIN_CHAIN_ID")

	// ── Venues ──
	setStr(&cfg.Venues.Sync.BaseURL, "CROSSARB_VENUES_SYNC_BASE_URL")
	setStr(&cfg.Venues.Sync.ApiKey, "CROSSARB_VENUES_SYNC_API_KEY")
	setStr(&cfg.Venues.Sync.ApiSecret, "CROSSARB_VENUES_SYNC_API_SECRET")
	setStr(&cfg.Venues.Async.BaseURL, "CROSSARB_VENUES_ASYNC_BASE_URL")
	setStr(&cfg.Venues.Async.ApiKey, "CROSSARB_VENUES_ASYNC_API_KEY")
	setStr(&cfg.Venues.Async.ApiSecret, "CROSSARB_VENUES_ASYNC_API_SECRET")
	setStr(&cfg.Venues.Lender.BaseURL, "CROSSARB_VENUES_LENDER_BASE_URL")
	setStr(&cfg.Venues.Lender.ApiKey, "CROSSARB_VENUES_LENDER_API_KEY")
	setStr(&cfg.Venues.Lender.ApiSecret, "CROSSARB_VENUES_LENDER_API_SECRET")
	setStr(&cfg.Venues.Custodian.BaseURL, "CROSSARB_VENUES_CUSTODIAN_BASE_URL")
	setStr(&cfg.Venues.Custodian.ApiKey, "CROSSARB_VENUES_CUSTODIAN_API_KEY")
	setStr(&cfg.Venues.Custodian.ApiSecret, "CROSSARB_VENUES_CUSTODIAN_API_SECRET")

	// ── Engine ──
	setStr(&cfg.Engine.AdminAddress, "CROSSARB_ENGINE_ADMIN_ADDRESS")
	setStr(&cfg.Engine.TreasuryAddress, "CROSSARB_ENGINE_TREASURY_ADDRESS")
	setStr(&cfg.Engine.CustodyAddress, "CROSSARB_ENGINE_CUSTODY_ADDRESS")
	setInt64(&cfg.Engine.SlippageCeilingBps, "CROSSARB_ENGINE_SLIPPAGE_CEILING_BPS")
	setInt64(&cfg.Engine.UserShareBps, "CROSSARB_ENGINE_USER_SHARE_BPS")
	setInt64(&cfg.Engine.MinProfitBps, "CROSSARB_ENGINE_MIN_PROFIT_BPS")
	setBool(&cfg.Engine.PrecheckEnabled, "CROSSARB_ENGINE_PRECHECK_ENABLED")
	setStringSlice(&cfg.Engine.AuthorizedKeepers, "CROSSARB_ENGINE_AUTHORIZED_KEEPERS")
	setDuration(&cfg.Engine.SolvencyAuditInterval, "CROSSARB_ENGINE_SOLVENCY_AUDIT_INTERVAL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "CROSSARB_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "CROSSARB_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "CROSSARB_ARCHIVE_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "CROSSARB_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "CROSSARB_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "CROSSARB_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.ApiKey, "CROSSARB_SERVER_API_KEY")
	setStr(&cfg.Server.ApiSecret, "CROSSARB_SERVER_API_SECRET")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "CROSSARB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "CROSSARB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "CROSSARB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "CROSSARB_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "CROSSARB_MODE")
	setStr(&cfg.LogLevel, "CROSSARB_LOG_LEVEL")
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
