// Package config loads the engine configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/aptopilot/txengine/chain"
	"github.com/aptopilot/txengine/fee"
)

// PathEnv names the variable holding the config file path.
const PathEnv = "TXENGINE_CONFIG"

var (
	ErrNoChains       = fmt.Errorf("config: at least one chain is required")
	ErrDuplicateChain = fmt.Errorf("config: duplicate chain id")
	ErrMissingRPC     = fmt.Errorf("config: chain rpc_url is required")
)

// Config is the file layout.
type Config struct {
	CallTimeout time.Duration `yaml:"call_timeout" env:"TXENGINE_CALL_TIMEOUT"`

	Chains  []Chain `yaml:"chains"`
	Retry   Retry   `yaml:"retry"`
	Monitor Monitor `yaml:"monitor"`
	Nonce   Nonce   `yaml:"nonce"`
	Redis   Redis   `yaml:"redis"`
	Breaker Breaker `yaml:"circuit_breaker"`
}

type Chain struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	AddressModel string `yaml:"address_model"`
	FeeModel     string `yaml:"fee_model"`
	Explorer     string `yaml:"explorer"`
	RPCURL       string `yaml:"rpc_url"`

	// NetworkID is the numeric id signatures commit to on account chains.
	// Defaults to ID when ID is numeric.
	NetworkID uint64 `yaml:"network_id"`

	Fee Fee `yaml:"fee"`
}

// Fee amounts are wei/lamport integers, optionally suffixed with "gwei".
type Fee struct {
	MinPriorityFee      string  `yaml:"min_priority_fee"`
	MaxPriorityFee      string  `yaml:"max_priority_fee"`
	TargetPriorityFee   string  `yaml:"target_priority_fee"`
	MinFee              string  `yaml:"min_fee"`
	MaxFee              string  `yaml:"max_fee"`
	SafetyMultiplier    float64 `yaml:"base_fee_safety_multiplier"`
	ComputeLimit        uint64  `yaml:"compute_limit"`
	BumpPercent         float64 `yaml:"bump_percent"`
	FallbackPriorityFee string  `yaml:"fallback_priority_fee"`
	FallbackMaxFee      string  `yaml:"fallback_max_fee"`
}

type Retry struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	NonceConflictStep time.Duration `yaml:"nonce_conflict_step"`
	NonceConflictMax  time.Duration `yaml:"nonce_conflict_max"`
	FeeStep           time.Duration `yaml:"fee_step"`
	FeeMax            time.Duration `yaml:"fee_max"`
	TransientBase     time.Duration `yaml:"transient_base"`
	TransientMax      time.Duration `yaml:"transient_max"`

	// ReadAttempts retries chain reads inside a single attempt.
	ReadAttempts uint          `yaml:"read_attempts"`
	ReadDelay    time.Duration `yaml:"read_delay"`
}

type Monitor struct {
	InitialDelay     time.Duration `yaml:"initial_delay"`
	Interval         time.Duration `yaml:"interval"`
	MaxInterval      time.Duration `yaml:"max_interval"`
	MaxAttempts      int           `yaml:"max_attempts"`
	FailureThreshold int           `yaml:"failure_threshold"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
}

type Nonce struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type Redis struct {
	Addr     string        `yaml:"addr" env:"TXENGINE_REDIS_ADDR"`
	Password string        `yaml:"password" env:"TXENGINE_REDIS_PASSWORD"`
	DB       int           `yaml:"db"`
	Channel  string        `yaml:"channel"`
	KeyTTL   time.Duration `yaml:"key_ttl"`
}

// Enabled reports whether a redis server is configured.
func (r Redis) Enabled() bool { return r.Addr != "" }

type Breaker struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// Default returns the values used for everything the file leaves out.
func Default() Config {
	return Config{
		CallTimeout: 15 * time.Second,
		Redis:       Redis{KeyTTL: 24 * time.Hour},
	}
}

// Path returns the config file path from PathEnv, or fallback.
func Path(fallback string) string {
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	return fallback
}

// Load reads the file at path, applies environment overrides and validates
// the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every chain entry and collects all problems.
func (c Config) Validate() error {
	if len(c.Chains) == 0 {
		return ErrNoChains
	}
	var errs []error
	seen := make(map[string]bool)
	for i, ch := range c.Chains {
		if ch.ID == "" {
			errs = append(errs, fmt.Errorf("chains[%d]: %w", i, chain.ErrEmptyChainID))
			continue
		}
		if seen[ch.ID] {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateChain, ch.ID))
		}
		seen[ch.ID] = true
		if ch.RPCURL == "" {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingRPC, ch.ID))
		}
		d, err := ch.Descriptor()
		if err != nil {
			errs = append(errs, fmt.Errorf("chain %s: %w", ch.ID, err))
			continue
		}
		fc, err := ch.FeeConfig()
		if err != nil {
			errs = append(errs, fmt.Errorf("chain %s: %w", ch.ID, err))
			continue
		}
		if err := fc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("chain %s: %w", ch.ID, err))
		}
		if d.AddressModel == chain.AccountNonce {
			if _, err := ch.EVMChainID(); err != nil {
				errs = append(errs, fmt.Errorf("chain %s: %w", ch.ID, err))
			}
		}
	}
	if c.CallTimeout < 0 {
		errs = append(errs, fmt.Errorf("config: call_timeout must not be negative"))
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("config: retry.max_attempts must not be negative"))
	}
	if err := c.MonitorPolicy().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Chain returns the entry with the given id.
func (c Config) Chain(id string) (Chain, bool) {
	for _, ch := range c.Chains {
		if ch.ID == id {
			return ch, true
		}
	}
	return Chain{}, false
}

func (ch Chain) Descriptor() (chain.Descriptor, error) {
	am, err := chain.ParseAddressModel(ch.AddressModel)
	if err != nil {
		return chain.Descriptor{}, err
	}
	fm, err := chain.ParseFeeModel(ch.FeeModel)
	if err != nil {
		return chain.Descriptor{}, err
	}
	return chain.Descriptor{
		ID:            chain.ID(ch.ID),
		Name:          ch.Name,
		AddressModel:  am,
		FeeModel:      fm,
		ExplorerTxURL: ch.Explorer,
	}, nil
}

// EVMChainID returns the numeric network id of an account chain.
func (ch Chain) EVMChainID() (*big.Int, error) {
	if ch.NetworkID != 0 {
		return new(big.Int).SetUint64(ch.NetworkID), nil
	}
	id, ok := new(big.Int).SetString(ch.ID, 10)
	if !ok {
		return nil, fmt.Errorf("network_id is required when the chain id %q is not numeric", ch.ID)
	}
	return id, nil
}

func (ch Chain) FeeConfig() (fee.Config, error) {
	d, err := ch.Descriptor()
	if err != nil {
		return fee.Config{}, err
	}
	f := ch.Fee
	out := fee.Config{
		Model:                   d.FeeModel,
		BaseFeeSafetyMultiplier: f.SafetyMultiplier,
		ComputeLimit:            f.ComputeLimit,
		BumpPercent:             f.BumpPercent,
	}
	amounts := []struct {
		name string
		raw  string
		dst  **big.Int
	}{
		{"min_priority_fee", f.MinPriorityFee, &out.MinPriorityFee},
		{"max_priority_fee", f.MaxPriorityFee, &out.MaxPriorityFee},
		{"target_priority_fee", f.TargetPriorityFee, &out.TargetPriorityFee},
		{"min_fee", f.MinFee, &out.MinFee},
		{"max_fee", f.MaxFee, &out.MaxFee},
		{"fallback_priority_fee", f.FallbackPriorityFee, &out.FallbackPriorityFee},
		{"fallback_max_fee", f.FallbackMaxFee, &out.FallbackMaxFee},
	}
	for _, a := range amounts {
		v, err := ParseAmount(a.raw)
		if err != nil {
			return fee.Config{}, fmt.Errorf("fee.%s: %w", a.name, err)
		}
		*a.dst = v
	}
	return out, nil
}

var gwei = big.NewInt(1_000_000_000)

// ParseAmount parses "1500", "2gwei" or "1.5 gwei". Empty input is nil.
func ParseAmount(s string) (*big.Int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return nil, nil
	}
	if num, ok := strings.CutSuffix(s, "gwei"); ok {
		r, ok := new(big.Rat).SetString(strings.TrimSpace(num))
		if !ok {
			return nil, fmt.Errorf("invalid amount %q", s)
		}
		r.Mul(r, new(big.Rat).SetInt(gwei))
		if !r.IsInt() {
			return nil, fmt.Errorf("amount %q is below 1 wei precision", s)
		}
		return new(big.Int).Set(r.Num()), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}
