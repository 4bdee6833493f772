package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (skipped when empty) over Defaults, then
// applies .env and MARGINBOT_* overrides. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	_ = godotenv.Load()
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStringSlice(&cfg.Wallet.PrivateKeys, "MARGINBOT_WALLET_PRIVATE_KEYS")
	setStr(&cfg.Wallet.EncryptedKeyPath, "MARGINBOT_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "MARGINBOT_WALLET_KEY_PASSWORD")
	setStr(&cfg.Wallet.DefaultAccount, "MARGINBOT_WALLET_DEFAULT_ACCOUNT")

	setStr(&cfg.Chain.RPCURL, "MARGINBOT_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "MARGINBOT_CHAIN_CHAIN_ID")
	setStr(&cfg.Chain.ManagerAddress, "MARGINBOT_CHAIN_MANAGER_ADDRESS")
	setStr(&cfg.Chain.TokenAddress, "MARGINBOT_CHAIN_TOKEN_ADDRESS")
	setStr(&cfg.Chain.PriceFeedAddress, "MARGINBOT_CHAIN_PRICE_FEED_ADDRESS")
	setUint64(&cfg.Chain.GasLimitOpen, "MARGINBOT_CHAIN_GAS_LIMIT_OPEN")
	setFloat64(&cfg.Chain.GasPriceMultiplier, "MARGINBOT_CHAIN_GAS_PRICE_MULTIPLIER")

	setDuration(&cfg.Sync.Interval, "MARGINBOT_SYNC_INTERVAL")
	setDuration(&cfg.Sync.ReadTimeout, "MARGINBOT_SYNC_READ_TIMEOUT")
	setDuration(&cfg.Sync.BackoffInitial, "MARGINBOT_SYNC_BACKOFF_INITIAL")
	setDuration(&cfg.Sync.BackoffMax, "MARGINBOT_SYNC_BACKOFF_MAX")
	setInt(&cfg.Sync.MaxConcurrentReads, "MARGINBOT_SYNC_MAX_CONCURRENT_READS")
	setDuration(&cfg.Sync.NetworkPollInterval, "MARGINBOT_SYNC_NETWORK_POLL_INTERVAL")

	setDuration(&cfg.Orchestrator.InclusionTimeout, "MARGINBOT_ORCHESTRATOR_INCLUSION_TIMEOUT")
	setDuration(&cfg.Orchestrator.ReceiptPollInterval, "MARGINBOT_ORCHESTRATOR_RECEIPT_POLL_INTERVAL")
	setDuration(&cfg.Orchestrator.NetworkRetryDelay, "MARGINBOT_ORCHESTRATOR_NETWORK_RETRY_DELAY")
	setDuration(&cfg.Orchestrator.ResultTTL, "MARGINBOT_ORCHESTRATOR_RESULT_TTL")
	setDuration(&cfg.Orchestrator.LockTTL, "MARGINBOT_ORCHESTRATOR_LOCK_TTL")

	setDuration(&cfg.Price.PollInterval, "MARGINBOT_PRICE_POLL_INTERVAL")

	setBool(&cfg.Supabase.Enabled, "MARGINBOT_SUPABASE_ENABLED")
	setStr(&cfg.Supabase.DSN, "MARGINBOT_SUPABASE_DSN")
	setStr(&cfg.Supabase.Host, "MARGINBOT_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "MARGINBOT_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "MARGINBOT_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "MARGINBOT_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "MARGINBOT_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "MARGINBOT_SUPABASE_SSL_MODE")
	setBool(&cfg.Supabase.RunMigrations, "MARGINBOT_SUPABASE_RUN_MIGRATIONS")

	setBool(&cfg.Redis.Enabled, "MARGINBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "MARGINBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MARGINBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MARGINBOT_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "MARGINBOT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "MARGINBOT_REDIS_KEY_PREFIX")

	setBool(&cfg.Server.Enabled, "MARGINBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "MARGINBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "MARGINBOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "MARGINBOT_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "MARGINBOT_SERVER_RATE_LIMIT")

	setStr(&cfg.Notify.TelegramToken, "MARGINBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MARGINBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MARGINBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MARGINBOT_NOTIFY_EVENTS")

	setStr(&cfg.Mode, "MARGINBOT_MODE")
	setStr(&cfg.LogLevel, "MARGINBOT_LOG_LEVEL")
}

// Each setter leaves dst alone when the variable is unset or unparsable.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		*dst = n
	}
}

func setInt64(dst *int64, key string) {
	if n, err := strconv.ParseInt(os.Getenv(key), 10, 64); err == nil {
		*dst = n
	}
}

func setUint64(dst *uint64, key string) {
	if n, err := strconv.ParseUint(os.Getenv(key), 10, 64); err == nil {
		*dst = n
	}
}

func setFloat64(dst *float64, key string) {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		*dst = f
	}
}

func setBool(dst *bool, key string) {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		*dst = b
	}
}

func setDuration(dst *duration, key string) {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		dst.Duration = d
	}
}

func setStringSlice(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
