package evm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aptopilot/txengine/chain"
	"github.com/aptopilot/txengine/testutil"
)

func TestApplyGasBuffer(t *testing.T) {
	t.Run("applies 40% buffer correctly", func(t *testing.T) {
		// 50,000 + 20,000
		assert.Equal(t, uint64(70000), applyGasBuffer(50000, 0.40))
	})

	t.Run("no buffer when percent is 0", func(t *testing.T) {
		assert.Equal(t, uint64(50000), applyGasBuffer(50000, 0))
	})

	t.Run("100% buffer doubles the gas", func(t *testing.T) {
		assert.Equal(t, uint64(100000), applyGasBuffer(50000, 1.0))
	})
}

func TestBuildPayload_GasBufferBeforeExtraGasLimit(t *testing.T) {
	backend := newFakeBackend()
	backend.estimate = 50000
	c := NewClient(backend, testutil.ChainIDMainnet, WithGasBufferPercent(0.40), WithExtraGasLimit(5000))

	nonce := uint64(1)
	ins := testutil.NewInstruction()
	ins.GasLimit = 0
	fee := testutil.NewFeeQuote(testutil.MainnetID)
	fee.ComputeLimit = 0

	p, err := c.BuildPayload(context.Background(), chain.BuildParams{
		ChainID:     testutil.MainnetID,
		From:        testutil.TestAddr1.Hex(),
		Fee:         fee,
		Instruction: ins,
		Nonce:       &nonce,
	})
	require.NoError(t, err)
	// 50,000 + 40% buffer + 5,000 extra
	assert.Equal(t, uint64(75000), p.(*Payload).Tx().Gas())
}
