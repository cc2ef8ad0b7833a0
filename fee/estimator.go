// Package fee computes per-chain fee parameters that always stay inside the
// chain's configured bounds.
package fee

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/benbjohnson/clock"

	"github.com/aptopilot/txengine/chain"
)

const (
	DefaultCacheTTL    = 5 * time.Second
	DefaultCallTimeout = 15 * time.Second
)

// ClientResolver returns the network a chain id is served by. *chain.Registry
// implements it.
type ClientResolver interface {
	Get(id chain.ID) (chain.Network, error)
}

type Option func(*Estimator)

func WithClock(c clock.Clock) Option {
	return func(e *Estimator) { e.clock = c }
}

// WithCacheTTL sets how long an estimated quote is reused. Zero disables the
// cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(e *Estimator) { e.cacheTTL = ttl }
}

func WithCallTimeout(d time.Duration) Option {
	return func(e *Estimator) {
		if d > 0 {
			e.callTimeout = d
		}
	}
}

type cachedQuote struct {
	quote chain.FeeQuote
	at    time.Time
}

// Estimator produces fee quotes. Fallback quotes are never cached so the next
// call reads the network again.
type Estimator struct {
	clients ClientResolver
	configs map[chain.ID]Config
	clock   clock.Clock

	cacheTTL    time.Duration
	callTimeout time.Duration

	mu    sync.Mutex
	cache map[chain.ID]cachedQuote
}

// NewEstimator validates every config and returns an estimator for them.
func NewEstimator(clients ClientResolver, configs map[chain.ID]Config, opts ...Option) (*Estimator, error) {
	e := &Estimator{
		clients:     clients,
		configs:     make(map[chain.ID]Config, len(configs)),
		clock:       clock.New(),
		cacheTTL:    DefaultCacheTTL,
		callTimeout: DefaultCallTimeout,
		cache:       make(map[chain.ID]cachedQuote),
	}
	for id, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("fee config for chain %s: %w", id, err)
		}
		e.configs[id] = cfg.withDefaults()
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the effective config of a chain.
func (e *Estimator) Config(chainID chain.ID) (Config, bool) {
	cfg, ok := e.configs[chainID]
	return cfg, ok
}

// Estimate returns a quote for chainID. Network read failures produce the
// static fallback quote instead of an error.
func (e *Estimator) Estimate(ctx context.Context, chainID chain.ID) (chain.FeeQuote, error) {
	cfg, ok := e.configs[chainID]
	if !ok {
		return chain.FeeQuote{}, fmt.Errorf("%w: %s", ErrUnknownChain, chainID)
	}

	if q, ok := e.cached(chainID); ok {
		return q, nil
	}

	if cfg.Model == chain.FeeNone {
		q := chain.FeeQuote{
			ChainID:          chainID,
			Model:            chain.FeeNone,
			PriorityFee:      new(big.Int),
			MaxFeeOrGasPrice: new(big.Int),
			ComputeLimit:     cfg.ComputeLimit,
			Estimated:        true,
		}
		e.store(chainID, q)
		return q, nil
	}

	network, err := e.clients.Get(chainID)
	if err != nil {
		return chain.FeeQuote{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	signal, err := network.Client.FeeSignal(callCtx)
	cancel()
	if err != nil {
		logger.WithFields(logger.Fields{
			"chain_id":       chainID,
			"classification": chain.KindOf(err).String(),
			"error":          err,
		}).Warn("fee estimate: signal unavailable, using fallback quote")
		return e.fallback(chainID, cfg), nil
	}

	var q chain.FeeQuote
	switch cfg.Model {
	case chain.FeeLegacy:
		if signal.GasPrice == nil {
			return e.fallback(chainID, cfg), nil
		}
		q = legacyQuote(chainID, cfg, signal)
	default:
		if signal.BaseFee == nil {
			return e.fallback(chainID, cfg), nil
		}
		q = dynamicQuote(chainID, cfg, signal)
	}

	logger.WithFields(logger.Fields{
		"chain_id":     chainID,
		"model":        cfg.Model.String(),
		"priority_fee": q.PriorityFee.String(),
		"max_fee":      q.MaxFeeOrGasPrice.String(),
	}).Debug("fee estimate: quote computed")

	e.store(chainID, q)
	return q.Copy(), nil
}

func dynamicQuote(chainID chain.ID, cfg Config, signal chain.FeeSignal) chain.FeeQuote {
	target := firstNonNil(cfg.TargetPriorityFee, signal.PriorityFee, cfg.MinPriorityFee)
	priority := clamp(target, cfg.MinPriorityFee, cfg.MaxPriorityFee)
	priority = clamp(priority, nil, cfg.MaxFee)

	maxFee := mulFloat(signal.BaseFee, cfg.BaseFeeSafetyMultiplier)
	maxFee.Add(maxFee, priority)
	maxFee = clamp(maxFee, cfg.MinFee, cfg.MaxFee)
	if maxFee.Cmp(priority) < 0 {
		maxFee.Set(priority)
	}

	return chain.FeeQuote{
		ChainID:          chainID,
		Model:            chain.FeeDynamic,
		PriorityFee:      priority,
		MaxFeeOrGasPrice: maxFee,
		ComputeLimit:     cfg.ComputeLimit,
		Estimated:        true,
	}
}

func legacyQuote(chainID chain.ID, cfg Config, signal chain.FeeSignal) chain.FeeQuote {
	price := clamp(signal.GasPrice, cfg.MinFee, cfg.MaxFee)
	return chain.FeeQuote{
		ChainID:          chainID,
		Model:            chain.FeeLegacy,
		PriorityFee:      clamp(price, cfg.MinPriorityFee, cfg.MaxPriorityFee),
		MaxFeeOrGasPrice: price,
		ComputeLimit:     cfg.ComputeLimit,
		Estimated:        true,
	}
}

func (e *Estimator) fallback(chainID chain.ID, cfg Config) chain.FeeQuote {
	priority := clamp(
		firstNonNil(cfg.FallbackPriorityFee, cfg.TargetPriorityFee, cfg.MinPriorityFee),
		cfg.MinPriorityFee, cfg.MaxPriorityFee,
	)
	maxFee := clamp(firstNonNil(cfg.FallbackMaxFee, cfg.MaxFee, cfg.MinFee), cfg.MinFee, cfg.MaxFee)
	if cfg.Model == chain.FeeDynamic && maxFee.Cmp(priority) < 0 {
		maxFee.Set(priority)
	}
	return chain.FeeQuote{
		ChainID:          chainID,
		Model:            cfg.Model,
		PriorityFee:      priority,
		MaxFeeOrGasPrice: maxFee,
		ComputeLimit:     cfg.ComputeLimit,
		Estimated:        false,
	}
}

// Bump raises a quote for a replacement after an underpriced rejection. The
// result stays inside the chain's bounds, so a quote already at the ceiling is
// returned unchanged.
func (e *Estimator) Bump(q chain.FeeQuote) (chain.FeeQuote, error) {
	cfg, ok := e.configs[q.ChainID]
	if !ok {
		return chain.FeeQuote{}, fmt.Errorf("%w: %s", ErrUnknownChain, q.ChainID)
	}
	out := q.Copy()
	factor := 1 + cfg.BumpPercent

	bump := func(v *big.Int) *big.Int {
		if v == nil {
			return nil
		}
		next := mulFloat(v, factor)
		if next.Cmp(v) <= 0 {
			next.Add(v, big.NewInt(1))
		}
		return next
	}

	switch cfg.Model {
	case chain.FeeNone:
		return out, nil
	case chain.FeeLegacy:
		out.MaxFeeOrGasPrice = clamp(bump(q.MaxFeeOrGasPrice), cfg.MinFee, cfg.MaxFee)
		out.PriorityFee = clamp(out.MaxFeeOrGasPrice, cfg.MinPriorityFee, cfg.MaxPriorityFee)
	default:
		out.PriorityFee = clamp(bump(q.PriorityFee), cfg.MinPriorityFee, cfg.MaxPriorityFee)
		out.MaxFeeOrGasPrice = clamp(bump(q.MaxFeeOrGasPrice), cfg.MinFee, cfg.MaxFee)
		if out.MaxFeeOrGasPrice.Cmp(out.PriorityFee) < 0 {
			out.MaxFeeOrGasPrice.Set(out.PriorityFee)
		}
	}

	e.Invalidate(q.ChainID)
	return out, nil
}

// Invalidate drops the cached quote of a chain.
func (e *Estimator) Invalidate(chainID chain.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cache, chainID)
}

func (e *Estimator) cached(chainID chain.ID) (chain.FeeQuote, bool) {
	if e.cacheTTL <= 0 {
		return chain.FeeQuote{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.cache[chainID]
	if !ok || e.clock.Since(c.at) >= e.cacheTTL {
		return chain.FeeQuote{}, false
	}
	return c.quote.Copy(), true
}

func (e *Estimator) store(chainID chain.ID, q chain.FeeQuote) {
	if e.cacheTTL <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache[chainID] = cachedQuote{quote: q.Copy(), at: e.clock.Now()}
}
