package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aptopilot/txengine/chain"
	"github.com/aptopilot/txengine/monitor"
)

const sample = `
call_timeout: 10s
chains:
  - id: "1"
    name: ethereum
    address_model: account_nonce
    fee_model: dynamic
    explorer: https://etherscan.io/tx/%s
    rpc_url: https://eth.example.org
    fee:
      min_priority_fee: 1gwei
      max_priority_fee: 5gwei
      max_fee: 300gwei
      bump_percent: 0.15
  - id: solana-mainnet
    name: solana
    address_model: slot_based
    fee_model: none
    explorer: https://explorer.solana.com/tx/%s
    rpc_url: https://sol.example.org
    fee:
      compute_limit: 200000
retry:
  max_attempts: 5
  nonce_conflict_step: 2s
  read_attempts: 3
  read_delay: 100ms
monitor:
  initial_delay: 5s
  interval: 10s
  max_interval: 80s
  max_attempts: 12
nonce:
  ttl: 2m
redis:
  addr: localhost:6379
circuit_breaker:
  enabled: true
  failure_threshold: 4
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.CallTimeout)
	require.Len(t, cfg.Chains, 2)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Nonce.TTL)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, 24*time.Hour, cfg.Redis.KeyTTL)

	descs, err := cfg.Descriptors()
	require.NoError(t, err)
	assert.Equal(t, chain.AccountNonce, descs[0].AddressModel)
	assert.Equal(t, chain.FeeDynamic, descs[0].FeeModel)
	assert.Equal(t, chain.SlotBased, descs[1].AddressModel)
	assert.Equal(t, chain.FeeNone, descs[1].FeeModel)
	assert.Equal(t, "https://etherscan.io/tx/0xabc", descs[0].ExplorerLink("0xabc"))

	fees, err := cfg.FeeConfigs()
	require.NoError(t, err)
	eth := fees["1"]
	assert.Equal(t, big.NewInt(1_000_000_000), eth.MinPriorityFee)
	assert.Equal(t, big.NewInt(5_000_000_000), eth.MaxPriorityFee)
	assert.Equal(t, new(big.Int).Mul(big.NewInt(300), big.NewInt(1_000_000_000)), eth.MaxFee)
	assert.Nil(t, eth.MinFee)
	assert.InDelta(t, 0.15, eth.BumpPercent, 1e-9)
	assert.Equal(t, uint64(200000), fees["solana-mainnet"].ComputeLimit)

	retry := cfg.RetryPolicy()
	assert.Equal(t, 5, retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, retry.NonceConflictStep)

	mp := cfg.MonitorPolicy()
	assert.Equal(t, 5*time.Second, mp.InitialDelay)
	assert.Equal(t, 12, mp.MaxAttempts)

	opts, err := cfg.EngineOptions()
	require.NoError(t, err)
	// call timeout, retry, monitor, fees, read retries, circuit breaker
	assert.Len(t, opts, 6)
	assert.Len(t, cfg.NonceOptions(), 3)

	id, err := cfg.Chains[0].EVMChainID()
	require.NoError(t, err)
	assert.Equal(t, int64(1), id.Int64())
}

func TestMonitorPolicyDefaults(t *testing.T) {
	cfg := Config{}
	assert.Equal(t, monitor.DefaultPolicy(), cfg.MonitorPolicy())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TXENGINE_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("TXENGINE_CALL_TIMEOUT", "3s")

	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 3*time.Second, cfg.CallTimeout)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txengine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Chains, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	t.Setenv(PathEnv, path)
	assert.Equal(t, path, Path("fallback.yaml"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"no chains", "call_timeout: 1s\n", ErrNoChains},
		{"missing rpc", "chains:\n  - id: \"1\"\n", ErrMissingRPC},
		{
			"duplicate",
			"chains:\n  - id: \"1\"\n    rpc_url: a\n  - id: \"1\"\n    rpc_url: b\n",
			ErrDuplicateChain,
		},
		{"empty id", "chains:\n  - rpc_url: a\n", chain.ErrEmptyChainID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := Parse([]byte("chains:\n  - id: \"1\"\n    rpc_url: a\n    fee_model: barter\n"))
	assert.ErrorContains(t, err, "unknown fee model")

	_, err = Parse([]byte("chains:\n  - id: base\n    rpc_url: a\n"))
	assert.ErrorContains(t, err, "network_id is required")

	_, err = Parse([]byte("chains:\n  - id: \"1\"\n    rpc_url: a\n    fee:\n      max_fee: lots\n"))
	assert.ErrorContains(t, err, "fee.max_fee")

	_, err = Parse([]byte("chains: [\n"))
	assert.ErrorContains(t, err, "parse config")
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want *big.Int
		err  bool
	}{
		{"", nil, false},
		{"1500", big.NewInt(1500), false},
		{"2gwei", big.NewInt(2_000_000_000), false},
		{"1.5 gwei", big.NewInt(1_500_000_000), false},
		{" 3GWEI ", big.NewInt(3_000_000_000), false},
		{"0.0000000001gwei", nil, true},
		{"abc", nil, true},
		{"xgwei", nil, true},
	}
	for _, tt := range tests {
		got, err := ParseAmount(tt.in)
		if tt.err {
			if err == nil {
				t.Errorf("ParseAmount(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAmount(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if (got == nil) != (tt.want == nil) || (got != nil && got.Cmp(tt.want) != 0) {
			t.Errorf("ParseAmount(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
