// Package evm adapts account-nonce networks speaking the Ethereum JSON-RPC API
// to the chain interfaces.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"

	"github.com/aptopilot/txengine/chain"
)

// DefaultGasBufferPercent is added on top of estimated gas limits.
const DefaultGasBufferPercent = 0.2

// Backend is the subset of *ethclient.Client the adapter uses.
type Backend interface {
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ Backend = (*ethclient.Client)(nil)

type Option func(*Client)

// WithGasBufferPercent sets the share added to estimated gas limits.
func WithGasBufferPercent(p float64) Option {
	return func(c *Client) {
		if p >= 0 {
			c.gasBufferPercent = p
		}
	}
}

// WithExtraGasLimit adds a fixed amount to every estimated gas limit, after
// the buffer.
func WithExtraGasLimit(extra uint64) Option {
	return func(c *Client) { c.extraGasLimit = extra }
}

// Client implements chain.Client and chain.NonceSource over a Backend.
type Client struct {
	backend Backend
	chainID *big.Int

	gasBufferPercent float64
	extraGasLimit    uint64
}

var (
	_ chain.Client      = (*Client)(nil)
	_ chain.NonceSource = (*Client)(nil)
)

func NewClient(backend Backend, chainID *big.Int, opts ...Option) *Client {
	c := &Client{
		backend:          backend,
		chainID:          new(big.Int).Set(chainID),
		gasBufferPercent: DefaultGasBufferPercent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to a node at rawURL.
func Dial(ctx context.Context, rawURL string, chainID *big.Int, opts ...Option) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, classify("dial", err)
	}
	return NewClient(ec, chainID, opts...), nil
}

// Close releases the backend connection when it has one.
func (c *Client) Close() {
	if closer, ok := c.backend.(interface{ Close() }); ok {
		closer.Close()
	}
}

func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, chain.NewError(chain.KindRejected, "parse address", fmt.Errorf("%w: %q", ErrInvalidAddress, s))
	}
	return common.HexToAddress(s), nil
}

func (c *Client) ConfirmedNonce(ctx context.Context, address string) (uint64, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return 0, err
	}
	n, err := c.backend.NonceAt(ctx, addr, nil)
	return n, classify("confirmed nonce", err)
}

func (c *Client) PendingNonce(ctx context.Context, address string) (uint64, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return 0, err
	}
	n, err := c.backend.PendingNonceAt(ctx, addr)
	return n, classify("pending nonce", err)
}

// FeeSignal reads the latest base fee, the suggested tip and the suggested gas
// price concurrently. Partial readings are returned as long as one of them
// succeeded.
func (c *Client) FeeSignal(ctx context.Context) (chain.FeeSignal, error) {
	var (
		signal                    chain.FeeSignal
		headerErr, tipErr, gasErr error
	)
	var g errgroup.Group
	g.Go(func() error {
		h, err := c.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			headerErr = err
			return nil
		}
		if h.BaseFee != nil {
			signal.BaseFee = new(big.Int).Set(h.BaseFee)
		}
		return nil
	})
	g.Go(func() error {
		tip, err := c.backend.SuggestGasTipCap(ctx)
		if err != nil {
			tipErr = err
			return nil
		}
		signal.PriorityFee = tip
		return nil
	})
	g.Go(func() error {
		price, err := c.backend.SuggestGasPrice(ctx)
		if err != nil {
			gasErr = err
			return nil
		}
		signal.GasPrice = price
		return nil
	})
	_ = g.Wait()

	if headerErr != nil && tipErr != nil && gasErr != nil {
		return chain.FeeSignal{}, classify("fee signal", errors.Join(headerErr, tipErr, gasErr))
	}
	if tipErr != nil || headerErr != nil || gasErr != nil {
		logger.WithFields(logger.Fields{
			"chain_id":   c.chainID.String(),
			"header_err": headerErr,
			"tip_err":    tipErr,
			"gas_err":    gasErr,
		}).Debug("fee signal: partial reading")
	}
	return signal, nil
}

// applyGasBuffer adds percent of estimated on top of it.
func applyGasBuffer(estimated uint64, percent float64) uint64 {
	return estimated + uint64(float64(estimated)*percent)
}

// BuildPayload builds a dynamic-fee or legacy transaction depending on the
// quote's model. The gas limit comes from the instruction, then the quote,
// then a node estimate with the buffer and extra limit applied.
func (c *Client) BuildPayload(ctx context.Context, params chain.BuildParams) (chain.Payload, error) {
	if params.Nonce == nil {
		return nil, chain.NewError(chain.KindRejected, "build payload", ErrNonceRequired)
	}
	from, err := parseAddress(params.From)
	if err != nil {
		return nil, err
	}
	ins := params.Instruction

	var to *common.Address
	if ins.To != "" {
		addr, err := parseAddress(ins.To)
		if err != nil {
			return nil, err
		}
		to = &addr
	}

	value := new(big.Int)
	if ins.Value != nil {
		value.Set(ins.Value)
	}

	gasLimit := ins.GasLimit
	if gasLimit == 0 {
		gasLimit = params.Fee.ComputeLimit
	}
	if gasLimit == 0 {
		estimated, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    to,
			Value: value,
			Data:  ins.Data,
		})
		if err != nil {
			return nil, classify("estimate gas", err)
		}
		gasLimit = applyGasBuffer(estimated, c.gasBufferPercent) + c.extraGasLimit
	}

	maxFee := params.Fee.MaxFeeOrGasPrice
	if maxFee == nil {
		maxFee = new(big.Int)
	}
	tip := params.Fee.PriorityFee
	if tip == nil {
		tip = new(big.Int)
	}

	var tx *types.Transaction
	switch params.Fee.Model {
	case chain.FeeDynamic:
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     *params.Nonce,
			GasTipCap: new(big.Int).Set(tip),
			GasFeeCap: new(big.Int).Set(maxFee),
			Gas:       gasLimit,
			To:        to,
			Value:     value,
			Data:      ins.Data,
		})
	default:
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    *params.Nonce,
			GasPrice: new(big.Int).Set(maxFee),
			Gas:      gasLimit,
			To:       to,
			Value:    value,
			Data:     ins.Data,
		})
	}

	logger.WithFields(logger.Fields{
		"chain_id":  c.chainID.String(),
		"from":      from.Hex(),
		"nonce":     *params.Nonce,
		"gas_limit": gasLimit,
		"max_fee":   maxFee.String(),
		"tip":       tip.String(),
		"tx_type":   tx.Type(),
	}).Debug("build payload: unsigned transaction built")

	return NewPayload(tx, c.chainID), nil
}

// Broadcast sends a signed transaction. A node that already knows the
// transaction counts as acceptance.
func (c *Client) Broadcast(ctx context.Context, signed chain.SignedPayload) (string, error) {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(signed.Raw); err != nil {
		return "", chain.NewError(chain.KindRejected, "broadcast", fmt.Errorf("decode signed transaction: %w", err))
	}
	if err := c.backend.SendTransaction(ctx, &tx); err != nil {
		if isAlreadyKnown(err) {
			logger.WithFields(logger.Fields{
				"chain_id": c.chainID.String(),
				"tx_hash":  tx.Hash().Hex(),
			}).Debug("broadcast: transaction already known to the node")
			return tx.Hash().Hex(), nil
		}
		return "", classify("broadcast", err)
	}
	return tx.Hash().Hex(), nil
}

// TxStatus maps the receipt of hash onto a chain.TxStatus. A missing receipt
// is TxNotFound, not an error.
func (c *Client) TxStatus(ctx context.Context, hash string) (chain.TxStatus, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(hash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return chain.TxStatus{State: chain.TxNotFound}, nil
		}
		return chain.TxStatus{}, classify("receipt", err)
	}
	if receipt == nil {
		return chain.TxStatus{State: chain.TxNotFound}, nil
	}

	ref := fmt.Sprintf("block %s (%s)", receipt.BlockNumber, receipt.BlockHash.Hex())
	if receipt.Status == types.ReceiptStatusSuccessful {
		return chain.TxStatus{State: chain.TxConfirmed, Reference: ref}, nil
	}
	return chain.TxStatus{State: chain.TxFailed, Reference: ref, Reason: "reverted"}, nil
}
