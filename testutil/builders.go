package testutil

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/aptopilot/txengine/chain"
)

// ============================================================
// Transaction Builders
// ============================================================

// NewDynamicTx creates a new EIP-1559 dynamic fee transaction for testing
func NewDynamicTx(nonce uint64, to common.Address, value *big.Int, gasLimit uint64, gasTipCap, gasFeeCap *big.Int, chainID *big.Int) *types.Transaction {
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      nil,
	})
}

// NewTx creates a simple test transaction with default gas settings on mainnet
func NewTx(nonce uint64, to common.Address, value *big.Int) *types.Transaction {
	return NewDynamicTx(nonce, to, value, 21000, TwoGwei, TwentyGwei, ChainIDMainnet)
}

// ============================================================
// Request Builders
// ============================================================

// NewInstruction creates a plain value transfer to TestAddr2
func NewInstruction() chain.Instruction {
	return chain.Instruction{
		To:       TestAddr2.Hex(),
		Value:    OneEth,
		GasLimit: 21000,
	}
}

// NewFeeQuote creates an estimated dynamic fee quote for chainID
func NewFeeQuote(chainID chain.ID) chain.FeeQuote {
	return chain.FeeQuote{
		ChainID:          chainID,
		Model:            chain.FeeDynamic,
		PriorityFee:      TwoGwei,
		MaxFeeOrGasPrice: TwentyGwei,
		ComputeLimit:     21000,
		Estimated:        true,
	}
}

// NewLegacyFeeQuote creates an estimated legacy fee quote for chainID
func NewLegacyFeeQuote(chainID chain.ID) chain.FeeQuote {
	return chain.FeeQuote{
		ChainID:          chainID,
		Model:            chain.FeeLegacy,
		PriorityFee:      TwentyGwei,
		MaxFeeOrGasPrice: TwentyGwei,
		ComputeLimit:     21000,
		Estimated:        true,
	}
}

// ============================================================
// Receipt Builders
// ============================================================

// NewReceipt creates a test receipt for a transaction with a specific status
func NewReceipt(tx *types.Transaction, status uint64) *types.Receipt {
	return &types.Receipt{
		Status:            status,
		TxHash:            tx.Hash(),
		BlockNumber:       big.NewInt(12345678),
		BlockHash:         common.HexToHash("0xabcdef1234567890abcdef1234567890abcdef1234567890abcdef1234567890"),
		TransactionIndex:  0,
		GasUsed:           tx.Gas(),
		CumulativeGasUsed: tx.Gas(),
	}
}

// NewSuccessReceipt creates a successful receipt for a transaction
func NewSuccessReceipt(tx *types.Transaction) *types.Receipt {
	return NewReceipt(tx, types.ReceiptStatusSuccessful)
}

// NewFailedReceipt creates a failed (reverted) receipt for a transaction
func NewFailedReceipt(tx *types.Transaction) *types.Receipt {
	return NewReceipt(tx, types.ReceiptStatusFailed)
}
