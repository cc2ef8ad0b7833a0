package fee

import "fmt"

var (
	ErrUnknownChain        = fmt.Errorf("no fee configuration for chain")
	ErrInvalidPriorityFee  = fmt.Errorf("min priority fee is higher than max priority fee")
	ErrInvalidFeeBounds    = fmt.Errorf("min fee is higher than max fee")
	ErrMaxFeeBelowPriority = fmt.Errorf("max fee is lower than max priority fee")
	ErrInvalidMultiplier   = fmt.Errorf("base fee safety multiplier must be at least 1")
	ErrNegativeFee         = fmt.Errorf("fee bounds cannot be negative")
)
