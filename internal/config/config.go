// Package config defines the top-level configuration for the settlement
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by CROSSARB_* environment variables.
type Config struct {
	Wallet   WalletConfig   `toml:"wallet"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Chain    ChainConfig    `toml:"chain"`
	Venues   VenuesConfig   `toml:"venues"`
	Engine   EngineConfig   `toml:"engine"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// WalletConfig holds the service signing key used for outbound attestations.
// Either a raw private key or an encrypted keyfile plus password.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
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

// ChainConfig holds the RPC endpoint used for on-chain balance audits and the
// chain ID bound into keeper attestation signatures.
type ChainConfig struct {
	RPCURL  string `toml:"rpc_url"`
	ChainID int64  `toml:"chain_id"`
}

// VenueConfig holds the endpoint and HMAC credentials for one external venue
// service.
type VenueConfig struct {
	Name      string `toml:"name"`
	BaseURL   string `toml:"base_url"`
	ApiKey    string `toml:"api_key"`
	ApiSecret string `toml:"api_secret"`
}

// VenuesConfig groups the four external services the engine talks to: the
// synchronous swap venue, the asynchronous keeper venue, the flash advance
// lender, and the fund custodian.
type VenuesConfig struct {
	Sync      VenueConfig `toml:"sync"`
	Async     VenueConfig `toml:"async"`
	Lender    VenueConfig `toml:"lender"`
	Custodian VenueConfig `toml:"custodian"`
}

// EngineConfig holds the settlement engine's economic parameters.
type EngineConfig struct {
	AdminAddress    string `toml:"admin_address"`
	TreasuryAddress string `toml:"treasury_address"`
	// CustodyAddress is the account the custodian holds pooled funds in. The
	// solvency audit reads its on-chain balance.
	CustodyAddress     string   `toml:"custody_address"`
	SlippageCeilingBps int64    `toml:"slippage_ceiling_bps"`
	UserShareBps       int64    `toml:"user_share_bps"`
	MinProfitBps       int64    `toml:"min_profit_bps"`
	PrecheckEnabled    bool     `toml:"precheck_enabled"`
	AuthorizedKeepers  []string `toml:"authorized_keepers"`
	// SolvencyAuditInterval controls how often tracked balances are compared
	// against on-chain balances. Zero disables the loop.
	SolvencyAuditInterval duration `toml:"solvency_audit_interval"`
}

// ArchiveConfig holds cold-storage archival parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// ApiSecret signs inbound service-to-service requests. Empty disables
	// request authentication (local development only).
	ApiKey    string `toml:"api_key"`
	ApiSecret string `toml:"api_secret"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "crossarb",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "crossarb-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Chain: ChainConfig{
			RPCURL:  "http://localhost:8545",
			ChainID: 137,
		},
		Venues: VenuesConfig{
			Sync:      VenueConfig{Name: "amm"},
			Async:     VenueConfig{Name: "keeper"},
			Lender:    VenueConfig{Name: "lender"},
			Custodian: VenueConfig{Name: "custodian"},
		},
		Engine: EngineConfig{
			SlippageCeilingBps:    500,
			UserShareBps:          8000,
			MinProfitBps:          0,
			PrecheckEnabled:       false,
			SolvencyAuditInterval: duration{15 * time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Notify: NotifyConfig{
			Events: []string{"order_failed", "solvency_alert", "funds_rescued"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve":   true,
	"monitor": true,
	"archive": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, monitor, archive, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
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
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 — required only when archival is enabled.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Chain
	if c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, fmt.Sprintf("chain: chain_id must be positive, got %d", c.Chain.ChainID))
	}

	// Venues — every configured venue needs a base URL, and HMAC credentials
	// come in pairs.
	for _, v := range []struct {
		section string
		cfg     VenueConfig
	}{
		{"venues.sync", c.Venues.Sync},
		{"venues.async", c.Venues.Async},
		{"venues.lender", c.Venues.Lender},
		{"venues.custodian", c.Venues.Custodian},
	} {
		if v.cfg.BaseURL == "" {
			errs = append(errs, v.section+": base_url must not be empty")
		}
		if (v.cfg.ApiKey != "") != (v.cfg.ApiSecret != "") {
			errs = append(errs, v.section+": api_key and api_secret must be set together")
		}
	}

	// Engine
	if !common.IsHexAddress(c.Engine.AdminAddress) {
		errs = append(errs, fmt.Sprintf("engine: admin_address %q is not a valid address", c.Engine.AdminAddress))
	}
	if !common.IsHexAddress(c.Engine.TreasuryAddress) {
		errs = append(errs, fmt.Sprintf("engine: treasury_address %q is not a valid address", c.Engine.TreasuryAddress))
	}
	if !common.IsHexAddress(c.Engine.CustodyAddress) {
		errs = append(errs, fmt.Sprintf("engine: custody_address %q is not a valid address", c.Engine.CustodyAddress))
	}
	if c.Engine.SlippageCeilingBps <= 0 || c.Engine.SlippageCeilingBps > 1000 {
		errs = append(errs, fmt.Sprintf("engine: slippage_ceiling_bps must be 1-1000, got %d", c.Engine.SlippageCeilingBps))
	}
	if c.Engine.UserShareBps < 0 || c.Engine.UserShareBps > 10000 {
		errs = append(errs, fmt.Sprintf("engine: user_share_bps must be 0-10000, got %d", c.Engine.UserShareBps))
	}
	if c.Engine.MinProfitBps < 0 {
		errs = append(errs, "engine: min_profit_bps must be >= 0")
	}
	for _, k := range c.Engine.AuthorizedKeepers {
		if !common.IsHexAddress(k) {
			errs = append(errs, fmt.Sprintf("engine: authorized keeper %q is not a valid address", k))
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if (c.Server.ApiKey != "") != (c.Server.ApiSecret != "") {
			errs = append(errs, "server: api_key and api_secret must be set together")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
