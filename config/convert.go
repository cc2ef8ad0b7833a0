package config

import (
	"fmt"

	"github.com/aptopilot/txengine"
	"github.com/aptopilot/txengine/chain"
	"github.com/aptopilot/txengine/fee"
	"github.com/aptopilot/txengine/monitor"
	"github.com/aptopilot/txengine/nonce"
)

// Descriptors returns the descriptor of every configured chain in file order.
func (c Config) Descriptors() ([]chain.Descriptor, error) {
	out := make([]chain.Descriptor, 0, len(c.Chains))
	for _, ch := range c.Chains {
		d, err := ch.Descriptor()
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", ch.ID, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (c Config) FeeConfigs() (map[chain.ID]fee.Config, error) {
	out := make(map[chain.ID]fee.Config, len(c.Chains))
	for _, ch := range c.Chains {
		fc, err := ch.FeeConfig()
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", ch.ID, err)
		}
		out[chain.ID(ch.ID)] = fc
	}
	return out, nil
}

// RetryPolicy returns the lifecycle retry policy. Zero fields take the engine
// defaults.
func (c Config) RetryPolicy() txengine.RetryPolicy {
	r := c.Retry
	return txengine.RetryPolicy{
		MaxAttempts:       r.MaxAttempts,
		NonceConflictStep: r.NonceConflictStep,
		NonceConflictMax:  r.NonceConflictMax,
		FeeStep:           r.FeeStep,
		FeeMax:            r.FeeMax,
		TransientBase:     r.TransientBase,
		TransientMax:      r.TransientMax,
	}
}

// MonitorPolicy returns the polling policy. An empty section yields the
// monitor defaults.
func (c Config) MonitorPolicy() monitor.Policy {
	m := c.Monitor
	if m == (Monitor{}) {
		return monitor.DefaultPolicy()
	}
	return monitor.Policy{
		InitialDelay:     m.InitialDelay,
		Interval:         m.Interval,
		MaxInterval:      m.MaxInterval,
		MaxAttempts:      m.MaxAttempts,
		FailureThreshold: m.FailureThreshold,
		CallTimeout:      m.CallTimeout,
	}
}

func (c Config) NonceOptions() []nonce.Option {
	return []nonce.Option{
		nonce.WithTTL(c.Nonce.TTL),
		nonce.WithSweepInterval(c.Nonce.SweepInterval),
		nonce.WithCallTimeout(c.CallTimeout),
	}
}

// EngineOptions translates everything the engine reads from the file. Chain
// clients, the custodian and the stores are wired by the caller.
func (c Config) EngineOptions() ([]txengine.Option, error) {
	feeConfigs, err := c.FeeConfigs()
	if err != nil {
		return nil, err
	}
	opts := []txengine.Option{
		txengine.WithCallTimeout(c.CallTimeout),
		txengine.WithRetryPolicy(c.RetryPolicy()),
		txengine.WithMonitorPolicy(c.MonitorPolicy()),
		txengine.WithFeeConfigs(feeConfigs),
	}
	if c.Retry.ReadAttempts > 0 {
		opts = append(opts, txengine.WithReadRetries(c.Retry.ReadAttempts, c.Retry.ReadDelay))
	}
	if c.Breaker.Enabled {
		opts = append(opts, txengine.WithCircuitBreaker(txengine.CircuitBreakerConfig{
			FailureThreshold: c.Breaker.FailureThreshold,
			SuccessThreshold: c.Breaker.SuccessThreshold,
			Timeout:          c.Breaker.Timeout,
		}))
	}
	return opts, nil
}
