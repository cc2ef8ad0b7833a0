package fee

import (
	"context"
	"errors"
	"math/big"
	"math/rand"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aptopilot/txengine/chain"
	"github.com/aptopilot/txengine/testutil"
)

func gwei(n int64) *big.Int { return testutil.Gwei(n) }

func assertBig(t *testing.T, want, got *big.Int, msgAndArgs ...any) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.String(), got.String(), msgAndArgs...)
}

func dynamicConfig() Config {
	return Config{
		Model:                   chain.FeeDynamic,
		MinPriorityFee:          gwei(1),
		MaxPriorityFee:          gwei(5),
		TargetPriorityFee:       gwei(2),
		MinFee:                  gwei(2),
		MaxFee:                  gwei(300),
		BaseFeeSafetyMultiplier: 2,
		ComputeLimit:            21000,
	}
}

func newTestEstimator(t *testing.T, configs map[chain.ID]Config, opts ...Option) (*Estimator, *testutil.MockChainClient) {
	t.Helper()
	client := testutil.NewMockChainClient()
	registry := chain.NewRegistry()
	require.NoError(t, registry.Register(testutil.MainnetDescriptor, client))
	e, err := NewEstimator(registry, configs, opts...)
	require.NoError(t, err)
	return e, client
}

func TestEstimate_Dynamic(t *testing.T) {
	e, client := newTestEstimator(t, map[chain.ID]Config{testutil.MainnetID: dynamicConfig()})
	client.Signal = chain.FeeSignal{BaseFee: gwei(10), PriorityFee: gwei(3)}

	q, err := e.Estimate(context.Background(), testutil.MainnetID)
	require.NoError(t, err)
	assert.True(t, q.Estimated)
	assert.Equal(t, chain.FeeDynamic, q.Model)
	assertBig(t, gwei(2), q.PriorityFee)
	// 10 * 2 + 2
	assertBig(t, gwei(22), q.MaxFeeOrGasPrice)
	assert.Equal(t, uint64(21000), q.ComputeLimit)
}

func TestEstimate_DynamicUsesSignalWithoutTarget(t *testing.T) {
	cfg := dynamicConfig()
	cfg.TargetPriorityFee = nil
	e, client := newTestEstimator(t, map[chain.ID]Config{testutil.MainnetID: cfg})

	client.Signal = chain.FeeSignal{BaseFee: gwei(10), PriorityFee: gwei(50)}
	q, err := e.Estimate(context.Background(), testutil.MainnetID)
	require.NoError(t, err)
	assertBig(t, gwei(5), q.PriorityFee, "priority signal above the ceiling is clamped")
	assertBig(t, gwei(25), q.MaxFeeOrGasPrice)
}

func TestEstimate_DynamicClampsSpikes(t *testing.T) {
	e, client := newTestEstimator(t, map[chain.ID]Config{testutil.MainnetID: dynamicConfig()})
	client.Signal = chain.FeeSignal{BaseFee: gwei(10_000)}

	q, err := e.Estimate(context.Background(), testutil.MainnetID)
	require.NoError(t, err)
	assertBig(t, gwei(300), q.MaxFeeOrGasPrice)
}

func TestEstimate_Legacy(t *testing.T) {
	cfg := Config{
		Model:  chain.FeeLegacy,
		MinFee: gwei(5),
		MaxFee: gwei(100),
	}
	e, client := newTestEstimator(t, map[chain.ID]Config{testutil.MainnetID: cfg})

	tests := []struct {
		name   string
		signal *big.Int
		want   *big.Int
	}{
		{"inside bounds", gwei(30), gwei(30)},
		{"below floor", gwei(1), gwei(5)},
		{"above ceiling", gwei(500), gwei(100)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e.Invalidate(testutil.MainnetID)
			client.Signal = chain.FeeSignal{GasPrice: tt.signal}
			q, err := e.Estimate(context.Background(), testutil.MainnetID)
			require.NoError(t, err)
			assertBig(t, tt.want, q.MaxFeeOrGasPrice)
			assert.Equal(t, chain.FeeLegacy, q.Model)
		})
	}
}

func TestEstimate_NoneModel(t *testing.T) {
	e, client := newTestEstimator(t, map[chain.ID]Config{
		testutil.MainnetID: {Model: chain.FeeNone, ComputeLimit: 200_000},
	})

	q, err := e.Estimate(context.Background(), testutil.MainnetID)
	require.NoError(t, err)
	assert.Zero(t, q.PriorityFee.Sign())
	assert.Equal(t, uint64(200_000), q.ComputeLimit)
	assert.Equal(t, 0, client.Calls("FeeSignal"))
}

func TestEstimate_FallbackOnReadFailure(t *testing.T) {
	cfg := dynamicConfig()
	cfg.FallbackPriorityFee = gwei(3)
	cfg.FallbackMaxFee = gwei(80)
	e, client := newTestEstimator(t, map[chain.ID]Config{testutil.MainnetID: cfg})
	client.FeeErr = chain.NewError(chain.KindNetworkUnavailable, "fee", errors.New("dial tcp: refused"))

	q, err := e.Estimate(context.Background(), testutil.MainnetID)
	require.NoError(t, err)
	assert.False(t, q.Estimated)
	assertBig(t, gwei(3), q.PriorityFee)
	assertBig(t, gwei(80), q.MaxFeeOrGasPrice)

	// fallbacks are not cached
	_, err = e.Estimate(context.Background(), testutil.MainnetID)
	require.NoError(t, err)
	assert.Equal(t, 2, client.Calls("FeeSignal"))
}

func TestEstimate_FallbackWithoutExplicitValues(t *testing.T) {
	e, client := newTestEstimator(t, map[chain.ID]Config{testutil.MainnetID: dynamicConfig()})
	client.Signal = chain.FeeSignal{} // no base fee reported

	q, err := e.Estimate(context.Background(), testutil.MainnetID)
	require.NoError(t, err)
	assert.False(t, q.Estimated)
	assertBig(t, gwei(2), q.PriorityFee)
	assertBig(t, gwei(300), q.MaxFeeOrGasPrice)
}

func TestEstimate_UnknownChain(t *testing.T) {
	e, _ := newTestEstimator(t, map[chain.ID]Config{testutil.MainnetID: dynamicConfig()})
	_, err := e.Estimate(context.Background(), "56")
	assert.ErrorIs(t, err, ErrUnknownChain)
}

func TestEstimate_Cache(t *testing.T) {
	mock := clock.NewMock()
	e, client := newTestEstimator(t,
		map[chain.ID]Config{testutil.MainnetID: dynamicConfig()},
		WithClock(mock), WithCacheTTL(5*time.Second),
	)
	ctx := context.Background()

	first, err := e.Estimate(ctx, testutil.MainnetID)
	require.NoError(t, err)
	first.PriorityFee.SetInt64(0) // callers cannot corrupt the cache

	second, err := e.Estimate(ctx, testutil.MainnetID)
	require.NoError(t, err)
	assert.Equal(t, 1, client.Calls("FeeSignal"))
	assertBig(t, gwei(2), second.PriorityFee)

	mock.Add(5 * time.Second)
	_, err = e.Estimate(ctx, testutil.MainnetID)
	require.NoError(t, err)
	assert.Equal(t, 2, client.Calls("FeeSignal"))
}

func TestEstimate_BoundsHoldForRandomSignals(t *testing.T) {
	configs := map[string]Config{
		"dynamic": dynamicConfig(),
		"dynamic no target": func() Config {
			c := dynamicConfig()
			c.TargetPriorityFee = nil
			c.BaseFeeSafetyMultiplier = 1.25
			return c
		}(),
		"legacy": {
			Model:          chain.FeeLegacy,
			MinPriorityFee: gwei(1),
			MaxPriorityFee: gwei(50),
			MinFee:         gwei(1),
			MaxFee:         gwei(50),
		},
	}

	rng := rand.New(rand.NewSource(42))
	random := func() *big.Int {
		switch rng.Intn(10) {
		case 0:
			return nil
		case 1:
			return new(big.Int)
		default:
			return new(big.Int).Rand(rng, gwei(2000))
		}
	}

	for name, cfg := range configs {
		t.Run(name, func(t *testing.T) {
			e, client := newTestEstimator(t, map[chain.ID]Config{testutil.MainnetID: cfg}, WithCacheTTL(0))
			for i := 0; i < 100; i++ {
				client.Signal = chain.FeeSignal{BaseFee: random(), PriorityFee: random(), GasPrice: random()}
				if rng.Intn(10) == 0 {
					client.FeeErr = errors.New("node down")
				} else {
					client.FeeErr = nil
				}

				q, err := e.Estimate(context.Background(), testutil.MainnetID)
				require.NoError(t, err)
				assert.GreaterOrEqual(t, q.PriorityFee.Cmp(cfg.MinPriorityFee), 0, "signal %d priority %s", i, q.PriorityFee)
				assert.LessOrEqual(t, q.PriorityFee.Cmp(cfg.MaxPriorityFee), 0, "signal %d priority %s", i, q.PriorityFee)
				assert.GreaterOrEqual(t, q.MaxFeeOrGasPrice.Cmp(cfg.MinFee), 0, "signal %d max %s", i, q.MaxFeeOrGasPrice)
				assert.LessOrEqual(t, q.MaxFeeOrGasPrice.Cmp(cfg.MaxFee), 0, "signal %d max %s", i, q.MaxFeeOrGasPrice)

				bumped, err := e.Bump(q)
				require.NoError(t, err)
				assert.LessOrEqual(t, bumped.PriorityFee.Cmp(cfg.MaxPriorityFee), 0)
				assert.LessOrEqual(t, bumped.MaxFeeOrGasPrice.Cmp(cfg.MaxFee), 0)
			}
		})
	}
}

func TestBump(t *testing.T) {
	e, _ := newTestEstimator(t, map[chain.ID]Config{testutil.MainnetID: dynamicConfig()})

	q := chain.FeeQuote{
		ChainID:          testutil.MainnetID,
		Model:            chain.FeeDynamic,
		PriorityFee:      gwei(2),
		MaxFeeOrGasPrice: gwei(100),
		Estimated:        true,
	}
	bumped, err := e.Bump(q)
	require.NoError(t, err)
	assertBig(t, big.NewInt(2_400_000_000), bumped.PriorityFee)
	assertBig(t, gwei(120), bumped.MaxFeeOrGasPrice)
	assertBig(t, gwei(2), q.PriorityFee, "input is not modified")

	q.MaxFeeOrGasPrice = gwei(290)
	bumped, err = e.Bump(q)
	require.NoError(t, err)
	assertBig(t, gwei(300), bumped.MaxFeeOrGasPrice)

	_, err = e.Bump(chain.FeeQuote{ChainID: "56"})
	assert.ErrorIs(t, err, ErrUnknownChain)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"ok", dynamicConfig(), nil},
		{"priority inverted", Config{MinPriorityFee: gwei(5), MaxPriorityFee: gwei(1)}, ErrInvalidPriorityFee},
		{"fee inverted", Config{MinFee: gwei(5), MaxFee: gwei(1)}, ErrInvalidFeeBounds},
		{"max fee below priority", Config{Model: chain.FeeDynamic, MaxPriorityFee: gwei(5), MaxFee: gwei(1)}, ErrMaxFeeBelowPriority},
		{"multiplier", Config{Model: chain.FeeDynamic, BaseFeeSafetyMultiplier: 0.5}, ErrInvalidMultiplier},
		{"negative", Config{MinFee: big.NewInt(-1)}, ErrNegativeFee},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
