package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
mode = "watch"

[wallet]
private_keys = ["0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"]

[chain]
rpc_url = "http://node:8545"
chain_id = 11155111
manager_address = "0x00000000000000000000000000000000000000aa"
token_address = "0x00000000000000000000000000000000000000bb"
gas_limit_open = 500000

[sync]
interval = "30s"

[orchestrator]
inclusion_timeout = "2m"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "watch", cfg.Mode)
	assert.Equal(t, int64(11155111), cfg.Chain.ChainID)
	assert.Equal(t, uint64(500000), cfg.Chain.GasLimitOpen)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval.Duration)
	assert.Equal(t, 15*time.Second, cfg.Sync.ReadTimeout.Duration)
	assert.Equal(t, 8, cfg.Sync.MaxConcurrentReads)
	assert.Equal(t, 3*time.Minute, cfg.Orchestrator.EffectiveLockTTL())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MARGINBOT_SYNC_INTERVAL", "5s")
	t.Setenv("MARGINBOT_WALLET_PRIVATE_KEYS", "aa, bb ,")
	t.Setenv("MARGINBOT_CHAIN_CHAIN_ID", "not-a-number")
	t.Setenv("MARGINBOT_REDIS_ENABLED", "true")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Sync.Interval.Duration)
	assert.Equal(t, []string{"aa", "bb"}, cfg.Wallet.PrivateKeys)
	assert.Equal(t, int64(11155111), cfg.Chain.ChainID)
	assert.True(t, cfg.Redis.Enabled)
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Sync.Interval.Duration = 10 * time.Minute
	cfg.Orchestrator.LockTTL.Duration = time.Second

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		"wallet: either private_keys",
		"chain: manager_address",
		"sync: interval must be between 1s and 5m",
		"orchestrator: lock_ttl",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.PrivateKeys = []string{"secret1", "secret2"}
	cfg.Server.APIKey = "key"

	out := RedactedConfig(&cfg)
	assert.Equal(t, []string{"***", "***"}, out.Wallet.PrivateKeys)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Equal(t, "secret1", cfg.Wallet.PrivateKeys[0])
}
