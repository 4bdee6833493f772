// Package config defines the marginbot configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration. Fields come from a TOML file and are then
// overridden by MARGINBOT_* environment variables.
type Config struct {
	Wallet       WalletConfig       `toml:"wallet"`
	Chain        ChainConfig        `toml:"chain"`
	Sync         SyncConfig         `toml:"sync"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Price        PriceConfig        `toml:"price"`
	Supabase     SupabaseConfig     `toml:"supabase"`
	Redis        RedisConfig        `toml:"redis"`
	Server       ServerConfig       `toml:"server"`
	Notify       NotifyConfig       `toml:"notify"`
	Mode         string             `toml:"mode"`
	LogLevel     string             `toml:"log_level"`
}

// WalletConfig holds signing keys. Every key becomes a selectable account.
type WalletConfig struct {
	PrivateKeys      []string `toml:"private_keys"`
	EncryptedKeyPath string   `toml:"encrypted_key_path"`
	KeyPassword      string   `toml:"key_password"`
	DefaultAccount   string   `toml:"default_account"`
}

// ChainConfig holds the node endpoint and contract addresses.
type ChainConfig struct {
	RPCURL           string `toml:"rpc_url"`
	ChainID          int64  `toml:"chain_id"`
	ManagerAddress   string `toml:"manager_address"`
	TokenAddress     string `toml:"token_address"`
	PriceFeedAddress string `toml:"price_feed_address"`
	// GasLimitOpen pins the openPosition gas limit; 0 estimates.
	GasLimitOpen       uint64  `toml:"gas_limit_open"`
	GasPriceMultiplier float64 `toml:"gas_price_multiplier"`
}

// SyncConfig tunes the reconcile loop.
type SyncConfig struct {
	Interval            duration `toml:"interval"`
	ReadTimeout         duration `toml:"read_timeout"`
	BackoffInitial      duration `toml:"backoff_initial"`
	BackoffMax          duration `toml:"backoff_max"`
	MaxConcurrentReads  int      `toml:"max_concurrent_reads"`
	NetworkPollInterval duration `toml:"network_poll_interval"`
}

// OrchestratorConfig tunes workflow submission.
type OrchestratorConfig struct {
	InclusionTimeout    duration `toml:"inclusion_timeout"`
	ReceiptPollInterval duration `toml:"receipt_poll_interval"`
	NetworkRetryDelay   duration `toml:"network_retry_delay"`
	ResultTTL           duration `toml:"result_ttl"`
	LockTTL             duration `toml:"lock_ttl"`
}

// EffectiveLockTTL defaults to the inclusion timeout plus one minute.
func (c OrchestratorConfig) EffectiveLockTTL() time.Duration {
	if c.LockTTL.Duration > 0 {
		return c.LockTTL.Duration
	}
	return c.InclusionTimeout.Duration + time.Minute
}

// PriceConfig tunes the mark price poller.
type PriceConfig struct {
	PollInterval duration `toml:"poll_interval"`
	CacheTTL     duration `toml:"cache_ttl"`
}

// SupabaseConfig holds the optional PostgreSQL audit log connection.
type SupabaseConfig struct {
	Enabled       bool   `toml:"enabled"`
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

// RedisConfig holds the optional Redis connection. Disabled means in-process
// locks, bus and caches.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// duration decodes TOML strings like "15s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:             "http://localhost:8545",
			ChainID:            31337,
			GasPriceMultiplier: 1.0,
		},
		Sync: SyncConfig{
			Interval:            duration{15 * time.Second},
			ReadTimeout:         duration{15 * time.Second},
			BackoffInitial:      duration{2 * time.Second},
			BackoffMax:          duration{15 * time.Second},
			MaxConcurrentReads:  8,
			NetworkPollInterval: duration{10 * time.Second},
		},
		Orchestrator: OrchestratorConfig{
			InclusionTimeout:    duration{5 * time.Minute},
			ReceiptPollInterval: duration{2 * time.Second},
			NetworkRetryDelay:   duration{time.Second},
			ResultTTL:           duration{10 * time.Minute},
		},
		Price: PriceConfig{
			PollInterval: duration{5 * time.Second},
			CacheTTL:     duration{time.Minute},
		},
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  5,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
			KeyPrefix:  "marginbot:",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   30,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"operation_failed", "sync_failed"},
		},
		Mode:     "serve",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"serve": true,
	"watch": true,
	"once":  true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate returns one error listing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: serve, watch, once)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	if len(c.Wallet.PrivateKeys) == 0 && c.Wallet.EncryptedKeyPath == "" {
		add("wallet: either private_keys or encrypted_key_path must be set")
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		add("wallet: key_password is required when encrypted_key_path is set")
	}
	if a := c.Wallet.DefaultAccount; a != "" && !common.IsHexAddress(a) {
		add("wallet: default_account %q is not an address", a)
	}

	if c.Chain.RPCURL == "" {
		add("chain: rpc_url must not be empty")
	}
	if c.Chain.ChainID <= 0 {
		add("chain: chain_id must be positive")
	}
	if !common.IsHexAddress(c.Chain.ManagerAddress) {
		add("chain: manager_address %q is not an address", c.Chain.ManagerAddress)
	}
	if !common.IsHexAddress(c.Chain.TokenAddress) {
		add("chain: token_address %q is not an address", c.Chain.TokenAddress)
	}
	if a := c.Chain.PriceFeedAddress; a != "" && !common.IsHexAddress(a) {
		add("chain: price_feed_address %q is not an address", a)
	}
	if c.Chain.GasPriceMultiplier < 1 {
		add("chain: gas_price_multiplier must be >= 1")
	}

	if d := c.Sync.Interval.Duration; d < time.Second || d > 5*time.Minute {
		add("sync: interval must be between 1s and 5m, got %s", d)
	}
	if c.Sync.ReadTimeout.Duration <= 0 {
		add("sync: read_timeout must be > 0")
	}
	if c.Sync.BackoffInitial.Duration <= 0 {
		add("sync: backoff_initial must be > 0")
	}
	if c.Sync.MaxConcurrentReads < 1 {
		add("sync: max_concurrent_reads must be >= 1")
	}

	if c.Orchestrator.InclusionTimeout.Duration <= 0 {
		add("orchestrator: inclusion_timeout must be > 0")
	}
	if c.Orchestrator.ReceiptPollInterval.Duration <= 0 {
		add("orchestrator: receipt_poll_interval must be > 0")
	}
	if l := c.Orchestrator.LockTTL.Duration; l > 0 && l < c.Orchestrator.InclusionTimeout.Duration {
		add("orchestrator: lock_ttl must not be shorter than inclusion_timeout")
	}

	if c.Supabase.Enabled {
		if strings.TrimSpace(c.Supabase.DSN) == "" && c.Supabase.Host == "" {
			add("supabase: host must not be empty (or set supabase.dsn)")
		}
		if c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			add("supabase: pool_min_conns must not exceed pool_max_conns")
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		add("redis: addr must not be empty when enabled")
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
