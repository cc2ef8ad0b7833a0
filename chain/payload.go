package chain

import (
	"math/big"
)

// Instruction is the already-computed swap/transfer a caller wants executed.
// Account-model networks read To/Value/Data/GasLimit, slot-based networks read
// the compiled Message.
type Instruction struct {
	To       string
	Value    *big.Int
	Data     []byte
	GasLimit uint64

	Message []byte
}

// BuildParams carries everything an adapter needs to produce an unsigned payload.
type BuildParams struct {
	ChainID     ID
	From        string
	Fee         FeeQuote
	Instruction Instruction

	// Nonce is nil on slot-based networks.
	Nonce *uint64
}

// Payload is an unsigned, chain-specific transaction. Implementations form a
// closed set (one per chain family) consumed uniformly by the signing adapter.
type Payload interface {
	// ChainType names the family, which selects the custody signature scheme.
	ChainType() Type

	// SigningBytes returns the bytes the custody service signs: the raw
	// serialized unsigned transaction for account chains, the message for slot
	// chains.
	SigningBytes() ([]byte, error)

	// Attach combines what the custody service returned with the payload and
	// applies the chain's framing, producing a broadcastable payload.
	Attach(signed []byte) (SignedPayload, error)
}

// SignedPayload is a broadcastable transaction. It never carries key material.
type SignedPayload struct {
	ChainType Type
	Raw       []byte
	Hash      string
}

// SenderRecoverer is implemented by payloads that can tell which account a
// signed payload was signed by.
type SenderRecoverer interface {
	Sender(signed SignedPayload) (string, error)
}
