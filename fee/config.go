package fee

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/aptopilot/txengine/chain"
)

const (
	DefaultBaseFeeSafetyMultiplier = 2.0
	DefaultBumpPercent             = 0.2 // 20% increase
)

// Config bounds and shapes the quotes of one chain. A nil bound is open.
type Config struct {
	Model chain.FeeModel

	MinPriorityFee    *big.Int
	MaxPriorityFee    *big.Int
	TargetPriorityFee *big.Int

	// MinFee and MaxFee bound the max fee per unit on dynamic chains and the
	// gas price on legacy chains.
	MinFee *big.Int
	MaxFee *big.Int

	BaseFeeSafetyMultiplier float64

	// ComputeLimit is copied onto every quote. Zero lets the network adapter
	// estimate it.
	ComputeLimit uint64

	BumpPercent float64

	FallbackPriorityFee *big.Int
	FallbackMaxFee      *big.Int
}

func (c Config) withDefaults() Config {
	if c.BaseFeeSafetyMultiplier == 0 {
		c.BaseFeeSafetyMultiplier = DefaultBaseFeeSafetyMultiplier
	}
	if c.BumpPercent <= 0 {
		c.BumpPercent = DefaultBumpPercent
	}
	return c
}

// Validate checks that the bounds are consistent.
func (c Config) Validate() error {
	for _, v := range []*big.Int{c.MinPriorityFee, c.MaxPriorityFee, c.TargetPriorityFee, c.MinFee, c.MaxFee, c.FallbackPriorityFee, c.FallbackMaxFee} {
		if v != nil && v.Sign() < 0 {
			return ErrNegativeFee
		}
	}
	if c.MinPriorityFee != nil && c.MaxPriorityFee != nil && c.MinPriorityFee.Cmp(c.MaxPriorityFee) > 0 {
		return fmt.Errorf("%w: %s > %s", ErrInvalidPriorityFee, c.MinPriorityFee, c.MaxPriorityFee)
	}
	if c.MinFee != nil && c.MaxFee != nil && c.MinFee.Cmp(c.MaxFee) > 0 {
		return fmt.Errorf("%w: %s > %s", ErrInvalidFeeBounds, c.MinFee, c.MaxFee)
	}
	if c.Model == chain.FeeDynamic {
		if c.MaxFee != nil && c.MaxPriorityFee != nil && c.MaxFee.Cmp(c.MaxPriorityFee) < 0 {
			return fmt.Errorf("%w: %s < %s", ErrMaxFeeBelowPriority, c.MaxFee, c.MaxPriorityFee)
		}
		if c.BaseFeeSafetyMultiplier != 0 && c.BaseFeeSafetyMultiplier < 1 {
			return ErrInvalidMultiplier
		}
	}
	return nil
}

// clamp returns a copy of v limited to [lo, hi]. Nil bounds are ignored and a
// nil v is treated as zero.
func clamp(v, lo, hi *big.Int) *big.Int {
	out := new(big.Int)
	if v != nil {
		out.Set(v)
	}
	if lo != nil && out.Cmp(lo) < 0 {
		out.Set(lo)
	}
	if hi != nil && out.Cmp(hi) > 0 {
		out.Set(hi)
	}
	return out
}

// mulFloat returns v*f rounded down. f is taken at its shortest decimal
// representation so factors like 1.2 multiply exactly.
func mulFloat(v *big.Int, f float64) *big.Int {
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(f, 'f', -1, 64))
	if !ok {
		r = new(big.Rat)
	}
	r.Mul(r, new(big.Rat).SetInt(v))
	return new(big.Int).Quo(r.Num(), r.Denom())
}

func firstNonNil(vs ...*big.Int) *big.Int {
	for _, v := range vs {
		if v != nil {
			return v
		}
	}
	return nil
}
