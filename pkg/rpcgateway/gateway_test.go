package rpcgateway

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/speedrun-relayer/pkg/config"
	"github.com/speedrun-hq/speedrun-relayer/pkg/testutil"
	"github.com/speedrun-hq/speedrun-relayer/pkg/txerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(opts Options, chains ...*testutil.FakeChain) *Gateway {
	endpoints := make([]Endpoint, len(chains))
	for i, c := range chains {
		endpoints[i] = Endpoint{Name: endpointName(i, "http://node.local"), Client: c}
	}
	return New(endpoints, opts, nil)
}

func breakerOptions(threshold int) Options {
	return Options{
		Selection: config.SelectionRoundRobin,
		CircuitBreaker: config.CircuitBreakerConfig{
			Enabled:        true,
			Threshold:      threshold,
			WindowDuration: time.Minute,
			ResetTimeout:   time.Minute,
		},
	}
}

func TestEndpointName(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"host only", "https://rpc.example.org", "rpc-0(rpc.example.org)"},
		{"path with key is dropped", "https://rpc.example.org/v2/secret", "rpc-0(rpc.example.org)"},
		{"unparsable", "not a url", "rpc-0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, endpointName(0, tt.raw))
		})
	}
}

func TestSelection(t *testing.T) {
	t.Run("round robin alternates", func(t *testing.T) {
		a, b := testutil.NewFakeChain(), testutil.NewFakeChain()
		g := newTestGateway(Options{}, a, b)
		ctx := testutil.TestContext(t)

		for i := 0; i < 4; i++ {
			_, err := g.BlockNumber(ctx)
			require.NoError(t, err)
		}
		assert.Equal(t, 2, a.Calls(testutil.OpBlockNumber))
		assert.Equal(t, 2, b.Calls(testutil.OpBlockNumber))
	})

	t.Run("fixed sticks to one endpoint", func(t *testing.T) {
		a, b := testutil.NewFakeChain(), testutil.NewFakeChain()
		g := newTestGateway(Options{Selection: config.SelectionFixed, FixedIndex: 1}, a, b)
		ctx := testutil.TestContext(t)

		for i := 0; i < 3; i++ {
			_, err := g.BlockNumber(ctx)
			require.NoError(t, err)
		}
		assert.Equal(t, 0, a.Calls(testutil.OpBlockNumber))
		assert.Equal(t, 3, b.Calls(testutil.OpBlockNumber))
	})

	t.Run("out of range fixed index falls back to first", func(t *testing.T) {
		a, b := testutil.NewFakeChain(), testutil.NewFakeChain()
		g := newTestGateway(Options{Selection: config.SelectionFixed, FixedIndex: 7}, a, b)

		_, err := g.BlockNumber(testutil.TestContext(t))
		require.NoError(t, err)
		assert.Equal(t, 1, a.Calls(testutil.OpBlockNumber))
	})

	t.Run("open breaker is skipped", func(t *testing.T) {
		a, b := testutil.NewFakeChain(), testutil.NewFakeChain()
		a.SetError(testutil.OpBlockNumber, errors.New("connection refused"))
		g := newTestGateway(breakerOptions(1), a, b)
		ctx := testutil.TestContext(t)

		_, err := g.BlockNumber(ctx)
		require.Error(t, err)
		assert.True(t, g.Breakers()[0].IsOpen())

		for i := 0; i < 3; i++ {
			_, err := g.BlockNumber(ctx)
			require.NoError(t, err)
		}
		assert.Equal(t, 1, a.Calls(testutil.OpBlockNumber))
		assert.Equal(t, 3, b.Calls(testutil.OpBlockNumber))
	})
}

func TestErrorWrapping(t *testing.T) {
	t.Run("failures become RpcError", func(t *testing.T) {
		chain := testutil.NewFakeChain()
		cause := errors.New("connection refused")
		chain.SetError(testutil.OpNonce, cause)
		g := newTestGateway(Options{}, chain)

		_, err := g.PendingNonceAt(testutil.TestContext(t), common.Address{})
		require.Error(t, err)

		var rpcErr *txerr.RpcError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, "eth_getTransactionCount", rpcErr.Op)
		assert.Equal(t, "rpc-0(node.local)", rpcErr.Endpoint)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, txerr.KindRPC, txerr.Classify(err))
	})

	t.Run("missing receipt is not an error", func(t *testing.T) {
		chain := testutil.NewFakeChain()
		g := newTestGateway(breakerOptions(1), chain)

		receipt, err := g.Receipt(testutil.TestContext(t), common.HexToHash("0x01"))
		require.NoError(t, err)
		assert.Nil(t, receipt)
		assert.False(t, g.Breakers()[0].IsOpen())

		_, err = g.TransactionReceipt(testutil.TestContext(t), common.HexToHash("0x01"))
		assert.ErrorIs(t, err, ethereum.NotFound)
	})

	t.Run("empty endpoint pool", func(t *testing.T) {
		for _, selection := range []string{config.SelectionRoundRobin, config.SelectionFixed} {
			g := New(nil, Options{Selection: selection}, nil)

			_, err := g.PendingNonceAt(testutil.TestContext(t), common.Address{})
			assert.ErrorIs(t, err, ErrNoEndpoints, selection)

			_, err = g.FeeData(testutil.TestContext(t))
			assert.Error(t, err, selection)
			assert.Empty(t, g.Breakers())
		}
	})
}

func TestFeeData(t *testing.T) {
	t.Run("1559 chain", func(t *testing.T) {
		chain := testutil.NewFakeChain()
		chain.BaseFee = big.NewInt(10)
		chain.Tip = big.NewInt(3)
		chain.GasPrice = big.NewInt(13)
		g := newTestGateway(Options{}, chain)

		data, err := g.FeeData(testutil.TestContext(t))
		require.NoError(t, err)
		require.True(t, data.Has1559())
		testutil.AssertBigIntEqual(t, big.NewInt(23), data.MaxFeePerGas)
		testutil.AssertBigIntEqual(t, big.NewInt(3), data.MaxPriorityFeePerGas)
		testutil.AssertBigIntEqual(t, big.NewInt(13), data.GasPrice)
	})

	t.Run("missing tip uses default", func(t *testing.T) {
		chain := testutil.NewFakeChain()
		chain.BaseFee = big.NewInt(10)
		chain.Tip = nil
		g := newTestGateway(Options{}, chain)

		data, err := g.FeeData(testutil.TestContext(t))
		require.NoError(t, err)
		testutil.AssertBigIntEqual(t, defaultTip, data.MaxPriorityFeePerGas)
	})

	t.Run("legacy chain", func(t *testing.T) {
		chain := testutil.NewFakeChain()
		chain.BaseFee = nil
		g := newTestGateway(Options{}, chain)

		data, err := g.FeeData(testutil.TestContext(t))
		require.NoError(t, err)
		assert.False(t, data.Has1559())
		assert.NotNil(t, data.GasPrice)
	})

	t.Run("both sources down", func(t *testing.T) {
		chain := testutil.NewFakeChain()
		chain.SetError(testutil.OpHeader, errors.New("timeout"))
		chain.SetError(testutil.OpGasPrice, errors.New("timeout"))
		g := newTestGateway(Options{}, chain)

		_, err := g.FeeData(testutil.TestContext(t))
		assert.Error(t, err)
	})
}

func TestRateLimit(t *testing.T) {
	chain := testutil.NewFakeChain()
	g := newTestGateway(Options{RateLimit: 1}, chain)
	ctx := testutil.TestContext(t)

	_, err := g.BlockNumber(ctx)
	require.NoError(t, err)

	start := time.Now()
	_, err = g.BlockNumber(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
}

func TestSimulatedBackend(t *testing.T) {
	sim, account := testutil.SetupSimulation(t, 50*time.Millisecond)
	g := New([]Endpoint{{Name: "sim", Client: sim.Client()}}, Options{}, nil)
	ctx := testutil.TestContext(t)

	id, err := g.ChainID(ctx)
	require.NoError(t, err)
	testutil.AssertBigIntEqual(t, big.NewInt(testutil.SimulatedChainID), id)

	balance, err := g.BalanceAt(ctx, account.Address, nil)
	require.NoError(t, err)
	testutil.AssertBigIntEqual(t, testutil.CreateBigInt("10000000000000000000"), balance)

	nonce, err := g.PendingNonceAt(ctx, account.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), nonce)

	data, err := g.FeeData(ctx)
	require.NoError(t, err)
	assert.True(t, data.Has1559())
}
