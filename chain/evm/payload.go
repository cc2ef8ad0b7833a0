package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/aptopilot/txengine/chain"
)

// Payload is an unsigned account-chain transaction.
type Payload struct {
	tx     *types.Transaction
	signer types.Signer
}

var (
	_ chain.Payload         = (*Payload)(nil)
	_ chain.SenderRecoverer = (*Payload)(nil)
)

// NewPayload wraps an unsigned transaction for chainID.
func NewPayload(tx *types.Transaction, chainID *big.Int) *Payload {
	return &Payload{tx: tx, signer: types.LatestSignerForChainID(chainID)}
}

// Tx returns the unsigned transaction.
func (p *Payload) Tx() *types.Transaction { return p.tx }

func (p *Payload) ChainType() chain.Type { return chain.TypeEVM }

// SigningBytes returns the canonical encoding of the unsigned transaction.
func (p *Payload) SigningBytes() ([]byte, error) {
	return p.tx.MarshalBinary()
}

// Attach accepts either a 65-byte r||s||v signature (v as 0/1 or 27/28) or a
// complete signed envelope of the same transaction.
func (p *Payload) Attach(signed []byte) (chain.SignedPayload, error) {
	var (
		stx *types.Transaction
		err error
	)
	if len(signed) == crypto.SignatureLength {
		sig := make([]byte, len(signed))
		copy(sig, signed)
		if sig[crypto.RecoveryIDOffset] >= 27 {
			sig[crypto.RecoveryIDOffset] -= 27
		}
		stx, err = p.tx.WithSignature(p.signer, sig)
		if err != nil {
			return chain.SignedPayload{}, fmt.Errorf("attach signature: %w", err)
		}
	} else {
		stx = new(types.Transaction)
		if err := stx.UnmarshalBinary(signed); err != nil {
			return chain.SignedPayload{}, fmt.Errorf("%w: %v", ErrSignatureLength, err)
		}
		if p.signer.Hash(stx) != p.signer.Hash(p.tx) {
			return chain.SignedPayload{}, ErrPayloadMismatch
		}
	}

	raw, err := stx.MarshalBinary()
	if err != nil {
		return chain.SignedPayload{}, fmt.Errorf("encode signed transaction: %w", err)
	}
	return chain.SignedPayload{
		ChainType: chain.TypeEVM,
		Raw:       raw,
		Hash:      stx.Hash().Hex(),
	}, nil
}

// Sender recovers the address that signed the payload.
func (p *Payload) Sender(signed chain.SignedPayload) (string, error) {
	var stx types.Transaction
	if err := stx.UnmarshalBinary(signed.Raw); err != nil {
		return "", err
	}
	from, err := types.Sender(p.signer, &stx)
	if err != nil {
		return "", err
	}
	return from.Hex(), nil
}
