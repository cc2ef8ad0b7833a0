package slot

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/aptopilot/txengine/chain"
)

var (
	ErrSignatureLength  = errors.New("signature must be 64 bytes or a single-signer transaction")
	ErrInvalidSignature = errors.New("signature does not verify against the fee payer")
)

// Payload is an unsigned slot-chain message with a fresh blockhash.
type Payload struct {
	message   []byte
	blockhash string
}

var (
	_ chain.Payload         = (*Payload)(nil)
	_ chain.SenderRecoverer = (*Payload)(nil)
)

// NewPayload wraps a compiled message.
func NewPayload(message []byte, blockhash string) *Payload {
	return &Payload{message: message, blockhash: blockhash}
}

// Message returns the message bytes that get signed.
func (p *Payload) Message() []byte { return p.message }

// Blockhash returns the base58 recent blockhash stamped into the message.
func (p *Payload) Blockhash() string { return p.blockhash }

func (p *Payload) ChainType() chain.Type { return chain.TypeSlot }

func (p *Payload) SigningBytes() ([]byte, error) {
	return p.message, nil
}

// Attach frames the transaction as signature count, signature and message. A
// complete single-signer transaction of the same message is accepted too.
func (p *Payload) Attach(signed []byte) (chain.SignedPayload, error) {
	var sig []byte
	switch {
	case len(signed) == signatureSize:
		sig = signed
	default:
		count, size, err := decodeShortVec(signed)
		if err != nil || count != 1 || len(signed) != size+signatureSize+len(p.message) {
			return chain.SignedPayload{}, ErrSignatureLength
		}
		if !bytes.Equal(signed[size+signatureSize:], p.message) {
			return chain.SignedPayload{}, ErrSignatureLength
		}
		sig = signed[size : size+signatureSize]
	}

	raw := make([]byte, 0, 1+signatureSize+len(p.message))
	raw = append(raw, encodeShortVec(1)...)
	raw = append(raw, sig...)
	raw = append(raw, p.message...)

	return chain.SignedPayload{
		ChainType: chain.TypeSlot,
		Raw:       raw,
		Hash:      base58.Encode(sig),
	}, nil
}

// Sender verifies the signature against the fee payer and returns the fee
// payer's base58 address.
func (p *Payload) Sender(signed chain.SignedPayload) (string, error) {
	if len(signed.Raw) < 1+signatureSize {
		return "", ErrSignatureLength
	}
	payer, err := feePayer(p.message)
	if err != nil {
		return "", err
	}
	sig := signed.Raw[1 : 1+signatureSize]
	if !ed25519.Verify(ed25519.PublicKey(payer), p.message, sig) {
		return "", fmt.Errorf("%w: %s", ErrInvalidSignature, base58.Encode(payer))
	}
	return base58.Encode(payer), nil
}
