package signing

import (
	"context"
	"errors"
	"fmt"

	"github.com/aptopilot/txengine/chain"
)

// Code is the error code reported by the custody service.
type Code string

const (
	CodeSignerUnavailable Code = "signer_unavailable" // no key provisioned for the handle
	CodeRejected          Code = "rejected"           // policy denied the request
	CodeTimeout           Code = "timeout"
)

// Error is a failure reported by the custody service.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("custody: %s", e.Code)
	}
	return fmt.Sprintf("custody: %s: %s", e.Code, e.Message)
}

var (
	ErrEmptyHandle      = fmt.Errorf("signer handle cannot be empty")
	ErrNilPayload       = fmt.Errorf("payload cannot be nil")
	ErrMalformedSigned  = fmt.Errorf("custody returned a malformed signed payload")
	ErrSignerMismatch   = fmt.Errorf("payload was signed by an unexpected account")
	ErrUnsupportedChain = fmt.Errorf("unsupported chain type")
)

// classify maps custody failures onto the chain taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ce *chain.Error
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return chain.NewError(chain.KindTimeout, "sign", err)
	}
	var se *Error
	if errors.As(err, &se) {
		switch se.Code {
		case CodeSignerUnavailable:
			return chain.NewError(chain.KindSignerUnavailable, "sign", err)
		case CodeRejected:
			return chain.NewError(chain.KindRejected, "sign", err)
		case CodeTimeout:
			return chain.NewError(chain.KindTimeout, "sign", err)
		}
	}
	return chain.NewError(chain.KindUnknown, "sign", err)
}
