// Package signing turns unsigned payloads into broadcastable ones by
// delegating the signature to a remote custody service. No key material ever
// passes through it.
package signing

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/mr-tron/base58"

	"github.com/aptopilot/txengine/chain"
)

const DefaultTimeout = 15 * time.Second

// Custodian is the remote custody service.
type Custodian interface {
	// Sign signs unsignedHex with the key behind handle using the scheme of
	// chainType and returns the signature or the signed transaction as hex.
	Sign(ctx context.Context, handle, unsignedHex string, chainType chain.Type) (string, error)
}

// CustodianFunc adapts a function to Custodian.
type CustodianFunc func(ctx context.Context, handle, unsignedHex string, chainType chain.Type) (string, error)

func (f CustodianFunc) Sign(ctx context.Context, handle, unsignedHex string, chainType chain.Type) (string, error) {
	return f(ctx, handle, unsignedHex, chainType)
}

// Request is a single signing request. It only lives for the duration of Sign.
type Request struct {
	Handle  string
	Payload chain.Payload

	// ExpectedSigner, when set, must match the account recovered from the
	// signed payload.
	ExpectedSigner string
}

type Option func(*Adapter)

// WithTimeout bounds every custody call.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// Adapter signs payloads through a Custodian. Nothing is retried here.
type Adapter struct {
	custodian Custodian
	timeout   time.Duration
}

func NewAdapter(custodian Custodian, opts ...Option) *Adapter {
	a := &Adapter{custodian: custodian, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// encode renders the signing bytes the way the custody service expects them
// for the chain family.
func encode(t chain.Type, b []byte) (string, error) {
	switch t {
	case chain.TypeEVM:
		return hexutil.Encode(b), nil
	case chain.TypeSlot:
		return hex.EncodeToString(b), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedChain, t)
	}
}

// decode parses what the custody service returned. Slot signatures may come
// back base58 encoded.
func decode(t chain.Type, s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	if err == nil {
		return b, nil
	}
	if t == chain.TypeSlot {
		if b, berr := base58.Decode(s); berr == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrMalformedSigned, err)
}

// Sign normalizes the payload, asks the custody service to sign it and
// re-attaches the chain framing to the result.
func (a *Adapter) Sign(ctx context.Context, req Request) (chain.SignedPayload, error) {
	if req.Handle == "" {
		return chain.SignedPayload{}, chain.NewError(chain.KindSignerUnavailable, "sign", ErrEmptyHandle)
	}
	if req.Payload == nil {
		return chain.SignedPayload{}, chain.NewError(chain.KindRejected, "sign", ErrNilPayload)
	}

	chainType := req.Payload.ChainType()
	unsigned, err := req.Payload.SigningBytes()
	if err != nil {
		return chain.SignedPayload{}, chain.NewError(chain.KindRejected, "sign", fmt.Errorf("encode payload: %w", err))
	}
	unsignedHex, err := encode(chainType, unsigned)
	if err != nil {
		return chain.SignedPayload{}, chain.NewError(chain.KindRejected, "sign", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	signedHex, err := a.custodian.Sign(callCtx, req.Handle, unsignedHex, chainType)
	if err != nil {
		cerr := classify(err)
		logger.WithFields(logger.Fields{
			"handle":         req.Handle,
			"chain_type":     chainType,
			"classification": chain.KindOf(cerr).String(),
			"elapsed":        time.Since(start).String(),
			"error":          err,
		}).Warn("sign: custody call failed")
		return chain.SignedPayload{}, cerr
	}

	sig, err := decode(chainType, signedHex)
	if err != nil {
		return chain.SignedPayload{}, chain.NewError(chain.KindUnknown, "sign", err)
	}
	signed, err := req.Payload.Attach(sig)
	if err != nil {
		return chain.SignedPayload{}, chain.NewError(chain.KindRejected, "sign", fmt.Errorf("%w: %v", ErrMalformedSigned, err))
	}

	if req.ExpectedSigner != "" {
		if err := verifySigner(req, signed); err != nil {
			return chain.SignedPayload{}, err
		}
	}

	logger.WithFields(logger.Fields{
		"handle":     req.Handle,
		"chain_type": chainType,
		"tx_hash":    signed.Hash,
		"elapsed":    time.Since(start).String(),
	}).Debug("sign: payload signed")

	return signed, nil
}

func verifySigner(req Request, signed chain.SignedPayload) error {
	recoverer, ok := req.Payload.(chain.SenderRecoverer)
	if !ok {
		return nil
	}
	sender, err := recoverer.Sender(signed)
	if err != nil {
		return chain.NewError(chain.KindRejected, "sign", fmt.Errorf("%w: %v", ErrSignerMismatch, err))
	}
	if !sameAccount(req.Payload.ChainType(), sender, req.ExpectedSigner) {
		logger.WithFields(logger.Fields{
			"handle":   req.Handle,
			"expected": req.ExpectedSigner,
			"signed":   sender,
		}).Error("sign: signed from wrong address")
		return chain.NewError(chain.KindRejected, "sign",
			fmt.Errorf("%w: signed by %s, expected %s", ErrSignerMismatch, sender, req.ExpectedSigner))
	}
	return nil
}

func sameAccount(t chain.Type, a, b string) bool {
	if t == chain.TypeEVM {
		return strings.EqualFold(a, b)
	}
	return a == b
}
