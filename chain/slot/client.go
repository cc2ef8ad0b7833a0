// Package slot adapts slot-based networks (recent-blockhash ordering, no
// account nonces) exposing a Solana-style JSON-RPC API.
package slot

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/mr-tron/base58"

	"github.com/aptopilot/txengine/chain"
)

const (
	DefaultCommitment = "confirmed"

	// lamports charged per signature
	baseFeeLamports = 5000
)

// Caller is the subset of *rpc.Client the adapter uses.
type Caller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

var _ Caller = (*rpc.Client)(nil)

type Option func(*Client)

// WithCommitment sets the commitment level used for reads and the level a
// status has to reach to count as confirmed.
func WithCommitment(c string) Option {
	return func(cl *Client) {
		if c != "" {
			cl.commitment = c
		}
	}
}

// Client implements chain.Client for slot-based networks. Slot networks have no
// account nonces, so it is not a chain.NonceSource.
type Client struct {
	rpc        Caller
	commitment string
}

var _ chain.Client = (*Client)(nil)

func NewClient(caller Caller, opts ...Option) *Client {
	c := &Client{rpc: caller, commitment: DefaultCommitment}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to an RPC endpoint.
func Dial(ctx context.Context, rawURL string, opts ...Option) (*Client, error) {
	rc, err := rpc.DialContext(ctx, rawURL)
	if err != nil {
		return nil, classify("dial", err)
	}
	return NewClient(rc, opts...), nil
}

// Close releases the RPC connection when there is one.
func (c *Client) Close() {
	if closer, ok := c.rpc.(interface{ Close() }); ok {
		closer.Close()
	}
}

type commitmentConfig struct {
	Commitment string `json:"commitment,omitempty"`
}

type prioritizationFee struct {
	Slot              uint64 `json:"slot"`
	PrioritizationFee uint64 `json:"prioritizationFee"`
}

// FeeSignal reports the per-signature base fee and the median recent
// prioritization fee.
func (c *Client) FeeSignal(ctx context.Context) (chain.FeeSignal, error) {
	var fees []prioritizationFee
	if err := c.rpc.CallContext(ctx, &fees, "getRecentPrioritizationFees"); err != nil {
		return chain.FeeSignal{}, classify("fee signal", err)
	}
	values := make([]uint64, 0, len(fees))
	for _, f := range fees {
		values = append(values, f.PrioritizationFee)
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	priority := new(big.Int)
	if len(values) > 0 {
		priority.SetUint64(values[len(values)/2])
	}
	return chain.FeeSignal{
		BaseFee:     big.NewInt(baseFeeLamports),
		PriorityFee: priority,
	}, nil
}

type latestBlockhash struct {
	Value struct {
		Blockhash            string `json:"blockhash"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	} `json:"value"`
}

// BuildPayload stamps a fresh blockhash into the compiled message of the
// instruction.
func (c *Client) BuildPayload(ctx context.Context, params chain.BuildParams) (chain.Payload, error) {
	if len(params.Instruction.Message) == 0 {
		return nil, chain.NewError(chain.KindRejected, "build payload", fmt.Errorf("slot instruction has no compiled message"))
	}

	var res latestBlockhash
	if err := c.rpc.CallContext(ctx, &res, "getLatestBlockhash", commitmentConfig{Commitment: c.commitment}); err != nil {
		return nil, classify("latest blockhash", err)
	}
	hash, err := base58.Decode(res.Value.Blockhash)
	if err != nil {
		return nil, chain.NewError(chain.KindUnknown, "latest blockhash", fmt.Errorf("decode blockhash %q: %w", res.Value.Blockhash, err))
	}

	msg, err := withBlockhash(params.Instruction.Message, hash)
	if err != nil {
		return nil, chain.NewError(chain.KindRejected, "build payload", err)
	}

	logger.WithFields(logger.Fields{
		"chain_id":               params.ChainID,
		"from":                   params.From,
		"blockhash":              res.Value.Blockhash,
		"last_valid_blockheight": res.Value.LastValidBlockHeight,
	}).Debug("build payload: message stamped with recent blockhash")

	return NewPayload(msg, res.Value.Blockhash), nil
}

type sendConfig struct {
	Encoding            string `json:"encoding"`
	PreflightCommitment string `json:"preflightCommitment,omitempty"`
}

// Broadcast submits the transaction and returns its signature. A transaction
// the cluster already processed counts as accepted.
func (c *Client) Broadcast(ctx context.Context, signed chain.SignedPayload) (string, error) {
	var sig string
	err := c.rpc.CallContext(ctx, &sig, "sendTransaction",
		base64.StdEncoding.EncodeToString(signed.Raw),
		sendConfig{Encoding: "base64", PreflightCommitment: c.commitment},
	)
	if err != nil {
		if isAlreadyProcessed(err) {
			return signed.Hash, nil
		}
		return "", classify("broadcast", err)
	}
	return sig, nil
}

type signatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

type signatureStatuses struct {
	Value []*signatureStatus `json:"value"`
}

type statusConfig struct {
	SearchTransactionHistory bool `json:"searchTransactionHistory"`
}

var commitmentRank = map[string]int{"processed": 0, "confirmed": 1, "finalized": 2}

// TxStatus looks the signature up. A transaction is confirmed once it reached
// the client's commitment level.
func (c *Client) TxStatus(ctx context.Context, hash string) (chain.TxStatus, error) {
	var res signatureStatuses
	err := c.rpc.CallContext(ctx, &res, "getSignatureStatuses", []string{hash}, statusConfig{SearchTransactionHistory: true})
	if err != nil {
		return chain.TxStatus{}, classify("signature status", err)
	}
	if len(res.Value) == 0 || res.Value[0] == nil {
		return chain.TxStatus{State: chain.TxNotFound}, nil
	}

	st := res.Value[0]
	ref := fmt.Sprintf("slot %d", st.Slot)
	if len(st.Err) > 0 && string(st.Err) != "null" {
		return chain.TxStatus{State: chain.TxFailed, Reference: ref, Reason: string(st.Err)}, nil
	}
	if commitmentRank[st.ConfirmationStatus] >= commitmentRank[c.commitment] {
		return chain.TxStatus{State: chain.TxConfirmed, Reference: ref}, nil
	}
	return chain.TxStatus{State: chain.TxPending, Reference: ref}, nil
}
