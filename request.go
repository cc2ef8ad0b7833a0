package txengine

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/aptopilot/txengine/chain"
	"github.com/aptopilot/txengine/idempotency"
)

// TxRequest represents a transaction request with builder pattern
type TxRequest struct {
	e *Engine

	chainID     chain.ID
	signer      string
	handle      string
	owner       string
	instruction chain.Instruction
	maxAttempts int

	// Hooks
	beforeSignHook     BeforeSignHook
	afterBroadcastHook AfterBroadcastHook
	stateChangeHook    StateChangeHook

	// Idempotency key for preventing duplicate transactions
	idempotencyKey string

	// err is the first builder failure, reported by Execute
	err error
}

// R creates a new transaction request (similar to go-resty's R() method).
// The request inherits the engine's retry budget.
func (e *Engine) R() *TxRequest {
	return &TxRequest{
		e:           e,
		maxAttempts: e.retry.MaxAttempts,
	}
}

// SetChain sets the network the transaction is submitted to
func (r *TxRequest) SetChain(id chain.ID) *TxRequest {
	r.chainID = id
	return r
}

// SetSigner sets the address the transaction is sent from
func (r *TxRequest) SetSigner(address string) *TxRequest {
	r.signer = address
	return r
}

// SetSignerHandle sets the custody handle of the signer. Defaults to the
// signer address.
func (r *TxRequest) SetSignerHandle(handle string) *TxRequest {
	r.handle = handle
	return r
}

// SetOwner sets who is notified of the outcome. Defaults to the signer
// address.
func (r *TxRequest) SetOwner(owner string) *TxRequest {
	r.owner = owner
	return r
}

// SetInstruction sets the already-computed instruction to execute
func (r *TxRequest) SetInstruction(ins chain.Instruction) *TxRequest {
	r.instruction = ins
	return r
}

// SetTo sets the recipient of an account-chain instruction
func (r *TxRequest) SetTo(to string) *TxRequest {
	r.instruction.To = to
	return r
}

// SetValue sets the value of an account-chain instruction
func (r *TxRequest) SetValue(value *big.Int) *TxRequest {
	r.instruction.Value = value
	return r
}

// SetData sets the calldata of an account-chain instruction
func (r *TxRequest) SetData(data []byte) *TxRequest {
	r.instruction.Data = data
	return r
}

// SetContractCall ABI-encodes a call of method with args as the calldata of
// an account-chain instruction. Encoding failures are returned by Execute.
func (r *TxRequest) SetContractCall(contract abi.ABI, method string, args ...any) *TxRequest {
	data, err := contract.Pack(method, args...)
	if err != nil {
		if r.err == nil {
			r.err = fmt.Errorf("%w: %s: %v", ErrInvalidCall, method, err)
		}
		return r
	}
	r.instruction.Data = data
	return r
}

// SetGasLimit sets a fixed gas limit, skipping estimation
func (r *TxRequest) SetGasLimit(gasLimit uint64) *TxRequest {
	r.instruction.GasLimit = gasLimit
	return r
}

// SetMessage sets the compiled message of a slot-chain instruction
func (r *TxRequest) SetMessage(msg []byte) *TxRequest {
	r.instruction.Message = msg
	return r
}

// SetMaxAttempts sets how many attempts the record may use before it is
// aborted
func (r *TxRequest) SetMaxAttempts(n int) *TxRequest {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

// SetIdempotencyKey sets the idempotency key. Requests sharing a key are
// executed once; needs an idempotency store on the engine.
func (r *TxRequest) SetIdempotencyKey(key string) *TxRequest {
	r.idempotencyKey = key
	return r
}

// SetBeforeSignHook sets the hook called before the payload is signed
func (r *TxRequest) SetBeforeSignHook(hook BeforeSignHook) *TxRequest {
	r.beforeSignHook = hook
	return r
}

// SetAfterBroadcastHook sets the hook called after every broadcast
func (r *TxRequest) SetAfterBroadcastHook(hook AfterBroadcastHook) *TxRequest {
	r.afterBroadcastHook = hook
	return r
}

// SetStateChangeHook sets the hook called on every state transition of the
// record
func (r *TxRequest) SetStateChangeHook(hook StateChangeHook) *TxRequest {
	r.stateChangeHook = hook
	return r
}

func (r *TxRequest) validate() error {
	if r.err != nil {
		return r.err
	}
	if r.chainID == "" {
		return ErrEmptyChain
	}
	if r.signer == "" {
		return ErrEmptySigner
	}
	return nil
}

// Execute runs the request until the network accepts the transaction or the
// record is aborted. It returns once the record is Pending; confirmation is
// tracked in the background and reported to the notifier. Use Engine.Wait to
// block until the terminal outcome.
//
// If an idempotency key is set and the engine has a store, a request still in
// flight under the same key returns ErrDuplicateIdempotencyKey and a finished
// one returns its stored outcome.
func (r *TxRequest) Execute(ctx context.Context) (TransactionRecord, error) {
	if r.idempotencyKey != "" && r.e.idempotency != nil {
		return r.executeWithIdempotency(ctx)
	}
	return r.e.execute(ctx, r, nil)
}

// executeWithIdempotency handles idempotent execution
func (r *TxRequest) executeWithIdempotency(ctx context.Context) (TransactionRecord, error) {
	store := r.e.idempotency

	// Try to get existing record
	existing, err := store.Get(ctx, r.idempotencyKey)
	switch {
	case err == nil:
		return r.e.fromIdempotency(existing), existingError(existing)
	case !errors.Is(err, idempotency.ErrKeyNotFound):
		return TransactionRecord{}, err
	}

	// Create new record
	record, err := store.Create(ctx, r.idempotencyKey)
	if errors.Is(err, idempotency.ErrDuplicateKey) {
		// Race condition - another request created the record
		return r.e.fromIdempotency(record), ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return TransactionRecord{}, err
	}

	out, txErr := r.e.execute(ctx, r, record)
	if out.ID == "" && txErr != nil {
		// rejected before a record existed, free the key for a corrected retry
		if derr := store.Delete(ctx, r.idempotencyKey); derr != nil {
			logger.WithFields(logger.Fields{
				"idempotency_key": r.idempotencyKey,
				"error":           derr,
			}).Warn("engine: failed to release idempotency key")
		}
	}
	return out, txErr
}

func existingError(rec *idempotency.Record) error {
	switch rec.Status {
	case idempotency.StatusConfirmed:
		return nil
	case idempotency.StatusFailed:
		return rec.Error
	default:
		return ErrDuplicateIdempotencyKey
	}
}

// fromIdempotency returns the live record behind an idempotency record, or a
// minimal one rebuilt from it when the engine no longer tracks the record.
func (e *Engine) fromIdempotency(rec *idempotency.Record) TransactionRecord {
	if rec == nil {
		return TransactionRecord{}
	}
	if x, ok := e.lookupRecord(rec.RecordID); ok {
		return x.snapshot()
	}
	out := TransactionRecord{
		ID:        rec.RecordID,
		ChainID:   rec.ChainID,
		Hash:      rec.TxHash,
		LastError: rec.Error,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	switch rec.Status {
	case idempotency.StatusPending:
		out.State = StateBuilt
	case idempotency.StatusSubmitted:
		out.State = StatePending
	case idempotency.StatusConfirmed:
		out.State = StateConfirmed
	default:
		out.State = StateFailed
	}
	return out
}
