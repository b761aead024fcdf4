package confirm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/speedrun-hq/speedrun-relayer/pkg/config"
	"github.com/speedrun-hq/speedrun-relayer/pkg/rpcgateway"
	"github.com/speedrun-hq/speedrun-relayer/pkg/testutil"
	"github.com/speedrun-hq/speedrun-relayer/pkg/txerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSource replays a fixed sequence of lookups, then keeps returning the last one
type scriptedSource struct {
	mu      sync.Mutex
	steps   []step
	calls   int
	callsAt []time.Time
}

type step struct {
	receipt *types.Receipt
	err     error
}

func (s *scriptedSource) Receipt(context.Context, common.Hash) (*types.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callsAt = append(s.callsAt, time.Now())
	i := s.calls
	s.calls++
	if len(s.steps) == 0 {
		return nil, nil
	}
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	return s.steps[i].receipt, s.steps[i].err
}

func fastSchedule(retries int) config.BackoffConfig {
	return config.BackoffConfig{Initial: time.Millisecond, Multiplier: 1.5, Max: 3 * time.Millisecond, MaxRetries: retries}
}

func TestWait(t *testing.T) {
	mined := &types.Receipt{Status: types.ReceiptStatusSuccessful}
	reverted := &types.Receipt{Status: types.ReceiptStatusFailed}

	tests := []struct {
		name      string
		steps     []step
		retries   int
		want      *types.Receipt
		wantCalls int
		timeout   bool
	}{
		{
			name:      "immediate receipt",
			steps:     []step{{receipt: mined}},
			retries:   5,
			want:      mined,
			wantCalls: 1,
		},
		{
			name:      "receipt after polling",
			steps:     []step{{}, {}, {receipt: mined}},
			retries:   5,
			want:      mined,
			wantCalls: 3,
		},
		{
			name:      "reverted receipt is returned as is",
			steps:     []step{{receipt: reverted}},
			retries:   5,
			want:      reverted,
			wantCalls: 1,
		},
		{
			name:      "rpc errors count as retries",
			steps:     []step{{err: errors.New("connection refused")}, {err: errors.New("eof")}, {receipt: mined}},
			retries:   5,
			want:      mined,
			wantCalls: 3,
		},
		{
			name:      "exhausted",
			retries:   4,
			wantCalls: 4,
			timeout:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &scriptedSource{steps: tt.steps}
			w := NewWaiter(src, fastSchedule(tt.retries), nil)
			hash := common.HexToHash("0xabc")

			receipt, err := w.Wait(testutil.TestContext(t), hash)

			assert.Equal(t, tt.wantCalls, src.calls)
			if tt.timeout {
				var timeout *txerr.ConfirmationTimeout
				require.ErrorAs(t, err, &timeout)
				assert.Equal(t, hash, timeout.Hash)
				assert.Equal(t, tt.retries, timeout.Retries)
				assert.Nil(t, receipt)
				return
			}
			require.NoError(t, err)
			assert.Same(t, tt.want, receipt)
		})
	}
}

func TestWaitBackoffBound(t *testing.T) {
	src := &scriptedSource{}
	cfg := config.BackoffConfig{Initial: 10 * time.Millisecond, Multiplier: 2, Max: 20 * time.Millisecond, MaxRetries: 5}
	w := NewWaiter(src, cfg, nil)

	_, err := w.Wait(testutil.TestContext(t), common.Hash{})
	require.Error(t, err)
	require.Len(t, src.callsAt, 5)

	for i := 1; i < len(src.callsAt); i++ {
		gap := src.callsAt[i].Sub(src.callsAt[i-1])
		assert.GreaterOrEqual(t, gap, 10*time.Millisecond, "gap %d", i)
		assert.Less(t, gap, 200*time.Millisecond, "gap %d exceeds the cap by far", i)
	}
}

func TestWaitCancel(t *testing.T) {
	src := &scriptedSource{}
	cfg := config.BackoffConfig{Initial: time.Hour, Multiplier: 1, Max: time.Hour, MaxRetries: 3}
	w := NewWaiter(src, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := w.Wait(ctx, common.Hash{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, src.calls)
}

func TestWaitThroughGateway(t *testing.T) {
	chain := testutil.NewFakeChain()
	hash := common.HexToHash("0xfeed")
	g := rpcgateway.New([]rpcgateway.Endpoint{{Name: "fake", Client: chain}}, rpcgateway.Options{}, nil)
	w := NewWaiter(g, config.BackoffConfig{Initial: 5 * time.Millisecond, Multiplier: 1.5, Max: 20 * time.Millisecond, MaxRetries: 100}, nil)

	go func() {
		time.Sleep(5 * time.Millisecond)
		chain.PutReceipt(&types.Receipt{TxHash: hash, Status: types.ReceiptStatusSuccessful})
	}()

	receipt, err := w.Wait(testutil.TestContext(t), hash)
	require.NoError(t, err)
	assert.Equal(t, hash, receipt.TxHash)
	assert.GreaterOrEqual(t, chain.Calls(testutil.OpReceipt), 1)
}
