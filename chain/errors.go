package chain

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the normalized classification of a failure. Adapters convert raw
// provider errors into a Kind exactly once, at the call site that talks to the
// provider; everything above works with Kind only.
type Kind int

const (
	KindUnknown Kind = iota
	KindNonceConflict
	KindFeeUnderpriced
	KindRateLimited
	KindInsufficientFunds
	KindSignerUnavailable
	KindNetworkUnavailable
	KindTimeout
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindNonceConflict:
		return "NonceConflict"
	case KindFeeUnderpriced:
		return "FeeUnderpriced"
	case KindRateLimited:
		return "RateLimited"
	case KindInsufficientFunds:
		return "InsufficientFunds"
	case KindSignerUnavailable:
		return "SignerUnavailable"
	case KindNetworkUnavailable:
		return "NetworkUnavailable"
	case KindTimeout:
		return "Timeout"
	case KindRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// Retryable reports whether a failure of this kind may succeed on a later
// attempt without the caller fixing a precondition first.
func (k Kind) Retryable() bool {
	switch k {
	case KindInsufficientFunds, KindSignerUnavailable, KindRejected:
		return false
	default:
		return true
	}
}

// Error is a classified failure of an operation against a network or the
// custody service.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a classification. A nil err still produces an error.
func NewError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the classification of err. Context deadline errors are
// reported as KindTimeout, anything unclassified as KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
