package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aptopilot/txengine/chain"
	"github.com/aptopilot/txengine/testutil"
)

func TestGuard_OpensOnEndpointFailures(t *testing.T) {
	mock := clock.NewMock()
	client := testutil.NewMockChainClient()
	client.SetStatusErr(chain.NewError(chain.KindNetworkUnavailable, "receipt", errors.New("connection refused")))

	g := Guard(testutil.MainnetID, client, New(Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute, Clock: mock}))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := g.TxStatus(ctx, "0x1")
		require.Error(t, err)
	}
	assert.Equal(t, 2, client.Calls("TxStatus"))

	_, err := g.TxStatus(ctx, "0x1")
	assert.ErrorIs(t, err, ErrOpen)
	assert.True(t, chain.IsKind(err, chain.KindNetworkUnavailable))
	assert.Equal(t, 2, client.Calls("TxStatus"), "open circuit must not reach the endpoint")

	// recovers through a half-open trial
	client.SetStatusErr(nil)
	mock.Add(time.Minute)
	_, err = g.TxStatus(ctx, "0x1")
	require.NoError(t, err)
	_, err = g.FeeSignal(ctx)
	require.NoError(t, err)
}

func TestGuard_TransactionErrorsDoNotTrip(t *testing.T) {
	client := testutil.NewMockChainClient()
	cb := New(Config{FailureThreshold: 1, Timeout: time.Hour})
	g := Guard(testutil.MainnetID, client, cb)

	client.SetBroadcastErrors(
		chain.NewError(chain.KindNonceConflict, "broadcast", errors.New("nonce too low")),
		chain.NewError(chain.KindInsufficientFunds, "broadcast", errors.New("insufficient funds")),
	)
	for i := 0; i < 2; i++ {
		_, err := g.Broadcast(context.Background(), chain.SignedPayload{Hash: "0x1"})
		require.Error(t, err)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestGuard_KeepsNonceSource(t *testing.T) {
	client := testutil.NewMockChainClient()
	client.SetNonces(4, 6)
	g := Guard(testutil.MainnetID, client, New(DefaultConfig()))

	ns, ok := g.(chain.NonceSource)
	require.True(t, ok)
	n, err := ns.PendingNonce(context.Background(), testutil.TestAddr1.Hex())
	require.NoError(t, err)
	assert.Equal(t, uint64(6), n)

	// slot clients stay slot clients
	slotClient := &slotOnly{Client: client}
	_, ok = Guard(testutil.SolanaID, slotClient, New(DefaultConfig())).(chain.NonceSource)
	assert.False(t, ok)
}

type slotOnly struct{ chain.Client }
