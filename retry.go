package txengine

import (
	"time"

	"github.com/aptopilot/txengine/chain"
)

// Action is what the engine does after a failed attempt.
type Action int

const (
	ActionAbort Action = iota
	ActionRetryWithNewNonce
	ActionRetryWithHigherFee
	ActionBackoff
)

func (a Action) String() string {
	switch a {
	case ActionRetryWithNewNonce:
		return "retry_with_new_nonce"
	case ActionRetryWithHigherFee:
		return "retry_with_higher_fee"
	case ActionBackoff:
		return "backoff"
	default:
		return "abort"
	}
}

// RetryDecision is derived from a classified failure. It is never stored.
type RetryDecision struct {
	Classification chain.Kind
	Action         Action
	Delay          time.Duration
}

// RetryPolicy holds the attempt budget and the backoff steps per
// classification.
type RetryPolicy struct {
	MaxAttempts int

	NonceConflictStep time.Duration
	NonceConflictMax  time.Duration

	// FeeStep covers FeeUnderpriced and RateLimited.
	FeeStep time.Duration
	FeeMax  time.Duration

	// TransientBase doubles per attempt for NetworkUnavailable, Timeout and
	// Unknown failures.
	TransientBase time.Duration
	TransientMax  time.Duration
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       DefaultMaxAttempts,
		NonceConflictStep: 3 * time.Second,
		NonceConflictMax:  15 * time.Second,
		FeeStep:           2 * time.Second,
		FeeMax:            10 * time.Second,
		TransientBase:     time.Second,
		TransientMax:      10 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.NonceConflictStep <= 0 {
		p.NonceConflictStep = d.NonceConflictStep
	}
	if p.NonceConflictMax <= 0 {
		p.NonceConflictMax = d.NonceConflictMax
	}
	if p.FeeStep <= 0 {
		p.FeeStep = d.FeeStep
	}
	if p.FeeMax <= 0 {
		p.FeeMax = d.FeeMax
	}
	if p.TransientBase <= 0 {
		p.TransientBase = d.TransientBase
	}
	if p.TransientMax <= 0 {
		p.TransientMax = d.TransientMax
	}
	return p
}

// Decide maps the classification of the failure of attempt (1-based) onto the
// next action and its delay.
func Decide(kind chain.Kind, attempt int, p RetryPolicy) RetryDecision {
	if attempt < 1 {
		attempt = 1
	}
	d := RetryDecision{Classification: kind}
	switch kind {
	case chain.KindNonceConflict:
		d.Action = ActionRetryWithNewNonce
		d.Delay = linear(p.NonceConflictStep, attempt, p.NonceConflictMax)
	case chain.KindFeeUnderpriced:
		d.Action = ActionRetryWithHigherFee
		d.Delay = linear(p.FeeStep, attempt, p.FeeMax)
	case chain.KindRateLimited:
		d.Action = ActionBackoff
		d.Delay = linear(p.FeeStep, attempt, p.FeeMax)
	case chain.KindNetworkUnavailable, chain.KindTimeout, chain.KindUnknown:
		d.Action = ActionBackoff
		d.Delay = exponential(p.TransientBase, attempt, p.TransientMax)
	default:
		d.Action = ActionAbort
	}
	return d
}

func linear(step time.Duration, attempt int, ceiling time.Duration) time.Duration {
	return min(step*time.Duration(attempt), ceiling)
}

func exponential(base time.Duration, attempt int, ceiling time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return min(d, ceiling)
}
