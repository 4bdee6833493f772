package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/marginbot/internal/cache/memory"
	"github.com/alanyoungcy/marginbot/internal/cache/redis"
	"github.com/alanyoungcy/marginbot/internal/config"
	"github.com/alanyoungcy/marginbot/internal/crypto"
	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/ledger"
	"github.com/alanyoungcy/marginbot/internal/notify"
	"github.com/alanyoungcy/marginbot/internal/orchestrator"
	"github.com/alanyoungcy/marginbot/internal/platform/chain"
	"github.com/alanyoungcy/marginbot/internal/server/handler"
	"github.com/alanyoungcy/marginbot/internal/service"
	"github.com/alanyoungcy/marginbot/internal/session"
	"github.com/alanyoungcy/marginbot/internal/store/postgres"
	"github.com/alanyoungcy/marginbot/internal/synchronizer"
)

// Dependencies is everything the modes run. Built by Wire, released by the
// returned cleanup.
type Dependencies struct {
	Client  *ethclient.Client
	Session *session.Session
	Gateway *chain.Gateway
	Ledger  *ledger.Ledger

	Synchronizer *synchronizer.Synchronizer
	Orchestrator *orchestrator.Orchestrator

	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	AuditStore  domain.AuditStore

	Notifier *notify.Notifier

	Accounts *service.AccountService
	// Prices is nil when no price feed is configured.
	Prices *service.PriceService
	Probes map[string]handler.Probe
}

// Wire builds every component from cfg.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Probes: map[string]handler.Probe{}}

	// --- Keys & session ---
	keys, err := crypto.LoadKeys(crypto.KeyConfig{
		RawPrivateKeys:   cfg.Wallet.PrivateKeys,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: keys: %w", err))
	}
	ring, err := crypto.NewKeyRing(keys)
	if err != nil {
		return fail(fmt.Errorf("wire: key ring: %w", err))
	}
	deps.Session = session.New(cfg.Chain.ChainID, ring.Accounts(), logger)
	if cfg.Wallet.DefaultAccount != "" {
		if _, err := deps.Session.SetAccount(common.HexToAddress(cfg.Wallet.DefaultAccount)); err != nil {
			return fail(fmt.Errorf("wire: default account: %w", err))
		}
	}

	// --- Chain ---
	client, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return fail(fmt.Errorf("wire: dial %s: %w", cfg.Chain.RPCURL, err))
	}
	closers = append(closers, client.Close)
	deps.Client = client
	deps.Probes["chain"] = func(ctx context.Context) error {
		_, err := client.ChainID(ctx)
		return err
	}

	gasLimits := map[string]uint64{}
	if cfg.Chain.GasLimitOpen > 0 {
		gasLimits["openPosition"] = cfg.Chain.GasLimitOpen
	}
	var feed common.Address
	if cfg.Chain.PriceFeedAddress != "" {
		feed = common.HexToAddress(cfg.Chain.PriceFeedAddress)
	}
	deps.Gateway = chain.NewGateway(client, deps.Session, ring, chain.Config{
		ManagerAddress:     common.HexToAddress(cfg.Chain.ManagerAddress),
		TokenAddress:       common.HexToAddress(cfg.Chain.TokenAddress),
		PriceFeedAddress:   feed,
		ReadTimeout:        cfg.Sync.ReadTimeout.Duration,
		InclusionTimeout:   cfg.Orchestrator.InclusionTimeout.Duration,
		ReceiptPoll:        cfg.Orchestrator.ReceiptPollInterval.Duration,
		GasPriceMultiplier: cfg.Chain.GasPriceMultiplier,
		GasLimits:          gasLimits,
	}, logger)

	// --- Caches, locks, bus ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })
		deps.PriceCache = redis.NewPriceCache(rc, cfg.Price.CacheTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(rc)
		deps.LockManager = redis.NewLockManager(rc)
		deps.SignalBus = redis.NewSignalBus(rc)
		deps.Probes["redis"] = rc.Ping
	} else {
		deps.PriceCache = memory.NewPriceCache()
		deps.RateLimiter = memory.NewRateLimiter()
		deps.LockManager = memory.NewLockManager()
		deps.SignalBus = memory.NewSignalBus(0)
	}

	// --- Audit log ---
	if cfg.Supabase.Enabled {
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Supabase.DSN,
			Host:     cfg.Supabase.Host,
			Port:     cfg.Supabase.Port,
			Database: cfg.Supabase.Database,
			User:     cfg.Supabase.User,
			Password: cfg.Supabase.Password,
			SSLMode:  cfg.Supabase.SSLMode,
			MaxConns: cfg.Supabase.PoolMaxConns,
			MinConns: cfg.Supabase.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pg.Close)
		if cfg.Supabase.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		deps.AuditStore = postgres.NewAuditStore(pg.Pool())
		deps.Probes["postgres"] = pg.Pool().Ping
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	var alerter synchronizer.Alerter
	if deps.Notifier.Enabled() {
		alerter = deps.Notifier
	}

	// --- Core ---
	deps.Ledger = ledger.New(logger)
	backoffMax := cfg.Sync.BackoffMax.Duration
	if backoffMax <= 0 {
		backoffMax = cfg.Sync.Interval.Duration
	}
	deps.Synchronizer = synchronizer.New(deps.Gateway, deps.Session, deps.Ledger, deps.SignalBus, alerter, synchronizer.Config{
		Interval:           cfg.Sync.Interval.Duration,
		BackoffInitial:     cfg.Sync.BackoffInitial.Duration,
		BackoffMax:         backoffMax,
		MaxConcurrentReads: cfg.Sync.MaxConcurrentReads,
	}, logger)
	unsubscribe := deps.Session.Subscribe(deps.Synchronizer.ContextChanged)
	closers = append(closers, unsubscribe)

	deps.Orchestrator = orchestrator.New(deps.Gateway, deps.Ledger, deps.Synchronizer, deps.Session, orchestrator.Deps{
		Locks:   deps.LockManager,
		Audit:   deps.AuditStore,
		Alerter: alerter,
		History: deps.SignalBus,
	}, orchestrator.Config{
		NetworkRetryDelay: cfg.Orchestrator.NetworkRetryDelay.Duration,
		ResultTTL:         cfg.Orchestrator.ResultTTL.Duration,
		LockTTL:           cfg.Orchestrator.EffectiveLockTTL(),
	}, logger)

	var prices domain.PriceCache
	if feed != (common.Address{}) {
		prices = deps.PriceCache
		deps.Prices = service.NewPriceService(deps.Gateway, deps.PriceCache, cfg.Price.PollInterval.Duration, logger)
	}
	var history service.OperationHistory = service.NewStreamHistory(deps.SignalBus, logger)
	if deps.AuditStore != nil {
		history = service.NewAuditHistory(deps.AuditStore)
	}
	deps.Accounts = service.NewAccountService(deps.Orchestrator, deps.Synchronizer, deps.Ledger, deps.Session, prices, service.MarkFeed, history, logger)

	return deps, cleanup, nil
}
