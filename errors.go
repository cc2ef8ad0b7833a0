package txengine

import (
	"fmt"
	"strings"

	"github.com/aptopilot/txengine/idempotency"
)

// Transaction execution errors
var (
	ErrOutOfRetries   = fmt.Errorf("transaction out of retries")
	ErrNonRetryable   = fmt.Errorf("transaction failed with a non-retryable error")
	ErrAborted        = fmt.Errorf("transaction aborted")
	ErrEmptySigner    = fmt.Errorf("signer address cannot be empty")
	ErrEmptyChain     = fmt.Errorf("chain id cannot be empty")
	ErrRecordNotFound = fmt.Errorf("transaction record not found")
	ErrAlreadyFinal   = fmt.Errorf("transaction record already final")
	ErrEngineClosed   = fmt.Errorf("engine closed")
	ErrNoCustodian    = fmt.Errorf("custodian cannot be nil")
	ErrNoRegistry     = fmt.Errorf("chain registry cannot be nil")
	ErrHookRejected   = fmt.Errorf("hook rejected the transaction")
	ErrInvalidCall    = fmt.Errorf("contract call cannot be encoded")

	// ErrDuplicateIdempotencyKey is returned when a request with the same key
	// is still in flight.
	ErrDuplicateIdempotencyKey = idempotency.ErrDuplicateKey
)

// AttemptsError lists every failed attempt of a record.
type AttemptsError struct {
	Failures []AttemptFailure
}

func (e *AttemptsError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d attempt(s) failed", len(e.Failures))
	for i, f := range e.Failures {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "#%d %s %s", f.Attempt, f.Stage, f.Kind)
		if f.Err != nil {
			fmt.Fprintf(&b, " (%v)", f.Err)
		}
	}
	return b.String()
}

func (e *AttemptsError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}
