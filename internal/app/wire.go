package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/alephtrade/crossarb/internal/blob/s3"
	"github.com/alephtrade/crossarb/internal/cache/redis"
	"github.com/alephtrade/crossarb/internal/chain"
	"github.com/alephtrade/crossarb/internal/config"
	"github.com/alephtrade/crossarb/internal/crypto"
	"github.com/alephtrade/crossarb/internal/custody"
	"github.com/alephtrade/crossarb/internal/domain"
	"github.com/alephtrade/crossarb/internal/engine"
	"github.com/alephtrade/crossarb/internal/ledger"
	"github.com/alephtrade/crossarb/internal/notify"
	"github.com/alephtrade/crossarb/internal/store/postgres"
	"github.com/alephtrade/crossarb/internal/venue"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	OrderStore domain.OrderStore
	AuditStore domain.AuditStore

	// Redis-backed infrastructure
	QuoteCache  domain.QuoteCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	EventStream domain.EventStream

	// Blob storage
	BlobWriter  domain.BlobWriter
	BlobReader  domain.BlobReader
	BlobDeleter domain.BlobDeleter
	Archiver    domain.Archiver

	// Settlement
	Vault   *custody.Vault
	Engine  *engine.Engine
	Auditor domain.BalanceAuditor

	// Notifications
	Notifier *notify.Notifier
}

// needsS3 returns true for modes that require object storage.
func needsS3(mode string) bool {
	switch mode {
	case "archive", "full":
		return true
	default:
		return false
	}
}

// needsEngine returns true for modes that settle orders.
func needsEngine(mode string) bool {
	switch mode {
	case "serve", "monitor", "full":
		return true
	default:
		return false
	}
}

// hmacAuth builds venue credentials, or nil when the venue is unauthenticated.
func hmacAuth(cfg config.VenueConfig) *crypto.HMACAuth {
	if cfg.ApiKey == "" {
		return nil
	}
	return &crypto.HMACAuth{Key: cfg.ApiKey, Secret: cfg.ApiSecret}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	orderStore := postgres.NewOrderStore(pool)
	deps.OrderStore = orderStore
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.QuoteCache = redis.NewQuoteCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	bus := redis.NewSignalBus(redisClient)
	deps.SignalBus = bus
	deps.EventStream = bus

	// --- S3 blob storage (only for modes that archive) ---
	if needsS3(cfg.Mode) && cfg.Archive.Enabled {
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
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		reader := s3blob.NewReader(s3Client)
		deps.BlobReader = reader
		deps.BlobDeleter = reader // same type implements BlobDeleter
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, reader, orderStore, deps.AuditStore)
	}

	// --- Chain auditor ---
	if cfg.Chain.RPCURL != "" {
		auditor, err := chain.Dial(ctx, cfg.Chain.RPCURL)
		if err != nil {
			// Solvency audits degrade to tracked balances only; not fatal.
			logger.WarnContext(ctx, "wire: chain rpc unavailable, solvency audits disabled",
				slog.String("error", err.Error()),
			)
		} else {
			closers = append(closers, auditor.Close)
			deps.Auditor = auditor
		}
	}

	// --- Settlement engine ---
	if needsEngine(cfg.Mode) {
		custodian := venue.NewCustodianClient(cfg.Venues.Custodian.BaseURL, hmacAuth(cfg.Venues.Custodian))
		syncVenue := venue.NewSyncClient(cfg.Venues.Sync.Name, cfg.Venues.Sync.BaseURL, hmacAuth(cfg.Venues.Sync), deps.QuoteCache)
		asyncVenue := venue.NewAsyncClient(cfg.Venues.Async.Name, cfg.Venues.Async.BaseURL, hmacAuth(cfg.Venues.Async), deps.QuoteCache)
		lender := venue.NewLenderClient(cfg.Venues.Lender.BaseURL, hmacAuth(cfg.Venues.Lender))

		deps.Vault = custody.New(custodian, common.HexToAddress(cfg.Engine.CustodyAddress), logger)
		deps.Engine = engine.New(
			ledger.New(),
			deps.Vault,
			syncVenue,
			asyncVenue,
			lender,
			deps.OrderStore,
			deps.AuditStore,
			deps.SignalBus,
			deps.LockManager,
			deps.RateLimiter,
			engine.Config{
				Admin:              common.HexToAddress(cfg.Engine.AdminAddress),
				Treasury:           common.HexToAddress(cfg.Engine.TreasuryAddress),
				SlippageCeilingBps: cfg.Engine.SlippageCeilingBps,
				UserShareBps:       cfg.Engine.UserShareBps,
				MinProfitBps:       cfg.Engine.MinProfitBps,
				Precheck:           cfg.Engine.PrecheckEnabled,
			},
			logger,
		)

		admin := common.HexToAddress(cfg.Engine.AdminAddress)

		// When an operator key is configured, check it actually controls the
		// admin address before the service starts taking orders.
		if cfg.Wallet.PrivateKey != "" || cfg.Wallet.EncryptedKeyPath != "" {
			keyHex, err := crypto.LoadKey(crypto.KeyConfig{
				RawPrivateKey:    cfg.Wallet.PrivateKey,
				EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
				KeyPassword:      cfg.Wallet.KeyPassword,
			})
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: operator key: %w", err)
			}
			signer, err := crypto.NewSigner(keyHex, int(cfg.Chain.ChainID))
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: operator key: %w", err)
			}
			if signer.Address() != admin {
				cleanup()
				return nil, nil, fmt.Errorf("wire: operator key controls %s, admin_address is %s",
					signer.Address().Hex(), admin.Hex())
			}
		}

		for _, k := range cfg.Engine.AuthorizedKeepers {
			if err := deps.Engine.SetKeeperAuthorization(ctx, admin, common.HexToAddress(k), true); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: authorize keeper %s: %w", k, err)
			}
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
