package chain

import (
	"context"
)

// TxState is the network's view of a submitted transaction.
type TxState int

const (
	TxNotFound TxState = iota
	TxPending
	TxConfirmed
	TxFailed
)

func (s TxState) String() string {
	switch s {
	case TxNotFound:
		return "not_found"
	case TxPending:
		return "pending"
	case TxConfirmed:
		return "confirmed"
	case TxFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final.
func (s TxState) Terminal() bool {
	return s == TxConfirmed || s == TxFailed
}

// TxStatus is a status lookup result. Reference identifies the inclusion point
// (block number/hash or slot) once the transaction is terminal.
type TxStatus struct {
	State     TxState
	Reference string
	Reason    string
}

// Client is the per-network chain data collaborator.
type Client interface {
	// FeeSignal reads the current fee market.
	FeeSignal(ctx context.Context) (FeeSignal, error)

	// BuildPayload constructs the unsigned payload for params.
	BuildPayload(ctx context.Context, params BuildParams) (Payload, error)

	// Broadcast submits a signed payload and returns its hash. A payload the
	// network already knows about is treated as accepted.
	Broadcast(ctx context.Context, signed SignedPayload) (string, error)

	// TxStatus queries the network directly for a receipt/status.
	TxStatus(ctx context.Context, hash string) (TxStatus, error)
}

// NonceSource is implemented by account-model network clients.
type NonceSource interface {
	// ConfirmedNonce returns the number of mined transactions of address.
	ConfirmedNonce(ctx context.Context, address string) (uint64, error)

	// PendingNonce returns the number of transactions of address including the
	// ones still in the mempool.
	PendingNonce(ctx context.Context, address string) (uint64, error)
}

// Relay is an optional secondary submission path.
type Relay interface {
	Execute(ctx context.Context, signed SignedPayload, chainID ID) (string, error)

	// FetchReceipt returns nil, nil when the relay does not know the hash yet.
	FetchReceipt(ctx context.Context, hash string, chainID ID) (*TxStatus, error)
}
