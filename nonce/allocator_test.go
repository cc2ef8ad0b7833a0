package nonce

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aptopilot/txengine/chain"
	"github.com/aptopilot/txengine/testutil"
)

const signer = "0x1111111111111111111111111111111111111111"

func newTestAllocator(t *testing.T, opts ...Option) (*Allocator, *testutil.MockChainClient) {
	t.Helper()
	client := testutil.NewMockChainClient()
	registry := chain.NewRegistry()
	require.NoError(t, registry.Register(testutil.MainnetDescriptor, client))
	return NewAllocator(registry, opts...), client
}

func TestAllocator_FirstLeaseUsesChainMax(t *testing.T) {
	t.Run("pending higher than confirmed", func(t *testing.T) {
		a, client := newTestAllocator(t)
		client.SetNonces(5, 8)

		l, err := a.Lease(context.Background(), signer, testutil.MainnetID, 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(8), l.Nonce)
		assert.Equal(t, Reserved, l.State)
		assert.Equal(t, 1, client.Calls("ConfirmedNonce"))
		assert.Equal(t, 1, client.Calls("PendingNonce"))
	})

	t.Run("abnormal state still takes the max", func(t *testing.T) {
		a, client := newTestAllocator(t)
		client.SetNonces(10, 5)

		l, err := a.Lease(context.Background(), signer, testutil.MainnetID, 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(10), l.Nonce)
	})

	t.Run("offset is added", func(t *testing.T) {
		a, client := newTestAllocator(t)
		client.SetNonces(3, 3)

		l, err := a.Lease(context.Background(), signer, testutil.MainnetID, 2)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), l.Nonce)
	})
}

func TestAllocator_SequentialLeasesIncrease(t *testing.T) {
	a, client := newTestAllocator(t)
	client.SetNonces(7, 7)

	var got []uint64
	for i := 0; i < 5; i++ {
		l, err := a.Lease(context.Background(), signer, testutil.MainnetID, 0)
		require.NoError(t, err)
		got = append(got, l.Nonce)
	}
	assert.Equal(t, []uint64{7, 8, 9, 10, 11}, got)
}

func TestAllocator_ConcurrentLeasesAreDistinct(t *testing.T) {
	for _, workers := range []int{2, 16, 64} {
		a, client := newTestAllocator(t)
		client.SetNonces(100, 100)

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			seen = make(map[uint64]int)
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				l, err := a.Lease(context.Background(), signer, testutil.MainnetID, 0)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seen[l.Nonce]++
				mu.Unlock()
			}()
		}
		wg.Wait()

		require.Len(t, seen, workers, "duplicate nonce issued with %d workers", workers)
		for n := uint64(100); n < uint64(100+workers); n++ {
			assert.Equal(t, 1, seen[n])
		}
	}
}

func TestAllocator_KeyLocksAreDropped(t *testing.T) {
	mock := clock.NewMock()
	a, client := newTestAllocator(t, WithClock(mock), WithTTL(time.Minute))
	client.SetNonces(0, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			who := signer
			if i%2 == 1 {
				who = testutil.TestAddr2.Hex()
			}
			l, err := a.Lease(ctx, who, testutil.MainnetID, 0)
			if assert.NoError(t, err) {
				a.Release(who, testutil.MainnetID, l.Nonce, OutcomeConfirmed)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, a.lockedKeys())

	mock.Add(time.Minute)
	assert.Equal(t, 2, a.Sweep())
	assert.Equal(t, 0, a.lockedKeys())
}

func TestAllocator_KeysAreIndependent(t *testing.T) {
	a, client := newTestAllocator(t)
	client.SetNonces(4, 4)
	ctx := context.Background()

	mixed := "0xAbCdEf0000000000000000000000000000000001"
	l1, err := a.Lease(ctx, mixed, testutil.MainnetID, 0)
	require.NoError(t, err)
	l2, err := a.Lease(ctx, testutil.TestAddr3.Hex(), testutil.MainnetID, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), l1.Nonce)
	assert.Equal(t, uint64(4), l2.Nonce)

	// hex signers are matched case-insensitively
	l3, err := a.Lease(ctx, strings.ToLower(mixed), testutil.MainnetID, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), l3.Nonce)
}

func TestAllocator_ReleaseFailedNeverGoesBackwards(t *testing.T) {
	ctx := context.Background()

	t.Run("stale chain state", func(t *testing.T) {
		a, client := newTestAllocator(t)
		client.SetNonces(9, 9)

		first, err := a.Lease(ctx, signer, testutil.MainnetID, 0)
		require.NoError(t, err)
		second, err := a.Lease(ctx, signer, testutil.MainnetID, 0)
		require.NoError(t, err)
		require.Equal(t, uint64(10), second.Nonce)

		a.Release(signer, testutil.MainnetID, second.Nonce, OutcomeFailed)

		// node lags behind what we already handed out
		client.SetNonces(5, 5)
		next, err := a.Lease(ctx, signer, testutil.MainnetID, 0)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, next.Nonce, second.Nonce)
		assert.Greater(t, next.Nonce, first.Nonce)
	})

	t.Run("chain moved ahead", func(t *testing.T) {
		a, client := newTestAllocator(t)
		client.SetNonces(9, 9)

		l, err := a.Lease(ctx, signer, testutil.MainnetID, 0)
		require.NoError(t, err)
		a.Release(signer, testutil.MainnetID, l.Nonce, OutcomeFailed)

		client.SetNonces(12, 14)
		next, err := a.Lease(ctx, signer, testutil.MainnetID, 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(14), next.Nonce)
		assert.Equal(t, 4, client.Calls("ConfirmedNonce")+client.Calls("PendingNonce"))
	})

	t.Run("increasing offsets stay distinct", func(t *testing.T) {
		a, client := newTestAllocator(t)
		client.SetNonces(1, 1)

		var got []uint64
		for attempt := uint64(0); attempt < 4; attempt++ {
			l, err := a.Lease(ctx, signer, testutil.MainnetID, attempt)
			require.NoError(t, err)
			got = append(got, l.Nonce)
			a.Release(signer, testutil.MainnetID, l.Nonce, OutcomeFailed)
		}
		for i := 1; i < len(got); i++ {
			assert.Greater(t, got[i], got[i-1])
		}
	})
}

func TestAllocator_ReleaseConfirmedKeepsFloor(t *testing.T) {
	a, client := newTestAllocator(t)
	client.SetNonces(3, 3)
	ctx := context.Background()

	l, err := a.Lease(ctx, signer, testutil.MainnetID, 0)
	require.NoError(t, err)
	a.Release(signer, testutil.MainnetID, l.Nonce, OutcomeConfirmed)

	peek, ok := a.Peek(signer, testutil.MainnetID)
	require.True(t, ok)
	assert.Equal(t, Confirmed, peek.State)

	next, err := a.Lease(ctx, signer, testutil.MainnetID, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), next.Nonce)
}

func TestAllocator_ReleaseIgnoresNonTip(t *testing.T) {
	a, client := newTestAllocator(t)
	client.SetNonces(3, 3)
	ctx := context.Background()

	first, err := a.Lease(ctx, signer, testutil.MainnetID, 0)
	require.NoError(t, err)
	_, err = a.Lease(ctx, signer, testutil.MainnetID, 0)
	require.NoError(t, err)

	a.Release(signer, testutil.MainnetID, first.Nonce, OutcomeFailed)

	peek, ok := a.Peek(signer, testutil.MainnetID)
	require.True(t, ok)
	assert.Equal(t, uint64(4), peek.Nonce)
	assert.Equal(t, Reserved, peek.State)

	// unknown key is a no-op
	a.Release(testutil.TestAddr2.Hex(), testutil.MainnetID, 1, OutcomeFailed)
}

func TestAllocator_ChainErrorIsNetworkUnavailable(t *testing.T) {
	a, client := newTestAllocator(t)
	client.NonceErr = errors.New("connection refused")

	_, err := a.Lease(context.Background(), signer, testutil.MainnetID, 0)
	require.Error(t, err)
	assert.True(t, chain.IsKind(err, chain.KindNetworkUnavailable))

	_, ok := a.Peek(signer, testutil.MainnetID)
	assert.False(t, ok)
}

func TestAllocator_RejectsBadInput(t *testing.T) {
	a, _ := newTestAllocator(t)

	_, err := a.Lease(context.Background(), "", testutil.MainnetID, 0)
	assert.ErrorIs(t, err, ErrEmptySigner)

	_, err = a.Lease(context.Background(), signer, "404", 0)
	assert.ErrorIs(t, err, chain.ErrUnknownChain)
}

func TestAllocator_LeaseExpires(t *testing.T) {
	mock := clock.NewMock()
	a, client := newTestAllocator(t, WithClock(mock), WithTTL(time.Minute))
	client.SetNonces(3, 3)
	ctx := context.Background()

	_, err := a.Lease(ctx, signer, testutil.MainnetID, 0)
	require.NoError(t, err)

	mock.Add(61 * time.Second)
	_, ok := a.Peek(signer, testutil.MainnetID)
	assert.False(t, ok)

	// expired lease no longer acts as a floor
	l, err := a.Lease(ctx, signer, testutil.MainnetID, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), l.Nonce)
}

func TestAllocator_Sweep(t *testing.T) {
	mock := clock.NewMock()
	a, client := newTestAllocator(t,
		WithClock(mock),
		WithTTL(time.Minute),
		WithSweepInterval(30*time.Second),
	)
	client.SetNonces(0, 0)
	ctx := context.Background()

	_, err := a.Lease(ctx, signer, testutil.MainnetID, 0)
	require.NoError(t, err)
	_, err = a.Lease(ctx, testutil.TestAddr2.Hex(), testutil.MainnetID, 0)
	require.NoError(t, err)

	assert.Equal(t, 0, a.Sweep())

	require.NoError(t, a.Start(ctx))
	defer a.Stop()
	require.NoError(t, a.Start(ctx))

	require.Eventually(t, func() bool {
		mock.Add(30 * time.Second)
		n := 0
		a.entries.Range(func(_, _ any) bool { n++; return true })
		return n == 0
	}, time.Second, 10*time.Millisecond)
}

func TestAllocator_StartAfterStop(t *testing.T) {
	a, _ := newTestAllocator(t)
	require.NoError(t, a.Start(context.Background()))
	a.Stop()
	a.Stop()
	assert.ErrorIs(t, a.Start(context.Background()), ErrAllocatorStopped)
}
