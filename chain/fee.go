package chain

import (
	"fmt"
	"math/big"
)

// FeeSignal is the raw fee market reading of a network. Fields the network does
// not expose are nil.
type FeeSignal struct {
	BaseFee     *big.Int
	PriorityFee *big.Int
	GasPrice    *big.Int
}

// FeeQuote holds the fee parameters a payload is built with.
type FeeQuote struct {
	ChainID          ID
	Model            FeeModel
	PriorityFee      *big.Int
	MaxFeeOrGasPrice *big.Int
	ComputeLimit     uint64

	// Estimated is false when the quote is the static fallback.
	Estimated bool
}

// Copy returns a deep copy of q.
func (q FeeQuote) Copy() FeeQuote {
	out := q
	if q.PriorityFee != nil {
		out.PriorityFee = new(big.Int).Set(q.PriorityFee)
	}
	if q.MaxFeeOrGasPrice != nil {
		out.MaxFeeOrGasPrice = new(big.Int).Set(q.MaxFeeOrGasPrice)
	}
	return out
}

func (q FeeQuote) String() string {
	return fmt.Sprintf("chain=%s model=%s priority=%v max=%v limit=%d estimated=%t",
		q.ChainID, q.Model, q.PriorityFee, q.MaxFeeOrGasPrice, q.ComputeLimit, q.Estimated)
}
