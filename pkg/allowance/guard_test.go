package allowance

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/speedrun-hq/speedrun-relayer/pkg/config"
	"github.com/speedrun-hq/speedrun-relayer/pkg/confirm"
	"github.com/speedrun-hq/speedrun-relayer/pkg/contracts"
	"github.com/speedrun-hq/speedrun-relayer/pkg/models"
	"github.com/speedrun-hq/speedrun-relayer/pkg/nonce"
	"github.com/speedrun-hq/speedrun-relayer/pkg/rpcgateway"
	"github.com/speedrun-hq/speedrun-relayer/pkg/testutil"
	"github.com/speedrun-hq/speedrun-relayer/pkg/txerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var spender = common.HexToAddress(config.PortAddress)

// tokenState answers balanceOf and allowance calls of a fake token
type tokenState struct {
	mu        sync.Mutex
	balance   *big.Int
	allowance *big.Int
	calls     map[string]int
}

func (s *tokenState) call(msg ethereum.CallMsg) ([]byte, error) {
	method, err := contracts.ERC20Method(msg.Data)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method]++
	switch method {
	case "balanceOf":
		return contracts.PackUint(method, s.balance)
	case "allowance":
		return contracts.PackUint(method, s.allowance)
	}
	return nil, errors.New("unexpected call " + method)
}

func (s *tokenState) grant() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowance = new(big.Int).Set(contracts.MaxUint256)
}

func (s *tokenState) count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

type fixture struct {
	chain   *testutil.FakeChain
	token   *tokenState
	seq     *nonce.Sequencer
	guard   *Guard
	account models.Account
	profile config.Profile
}

func newFixture(t *testing.T, balance, allowance int64, attempts uint, tweak func(*config.Profile)) *fixture {
	t.Helper()

	profile, ok := config.LookupProfile("sepolia-holesky")
	require.True(t, ok)
	profile.ChainID = testutil.SimulatedChainID
	if tweak != nil {
		tweak(&profile)
	}

	f := &fixture{
		chain:   testutil.NewFakeChain(),
		token:   &tokenState{balance: big.NewInt(balance), allowance: big.NewInt(allowance), calls: map[string]int{}},
		account: testutil.NewAccount(t, "approver"),
		profile: profile,
	}
	f.chain.Nonce = 4
	f.chain.OnCall = f.token.call
	f.chain.OnSend = func(tx *types.Transaction) (*types.Receipt, error) {
		f.token.grant()
		return testutil.SuccessReceipt(tx)
	}

	gw := rpcgateway.New([]rpcgateway.Endpoint{{Name: "fake", Client: f.chain}}, rpcgateway.Options{}, nil)
	f.seq = nonce.NewSequencer(f.account.Address, nil)
	require.NoError(t, f.seq.Seed(context.Background(), gw))

	waiter := confirm.NewWaiter(gw, config.BackoffConfig{
		Initial: time.Millisecond, Multiplier: 1, Max: time.Millisecond, MaxRetries: 3,
	}, nil)

	guard, err := NewGuard(gw, f.seq, waiter, f.account, profile, Options{Attempts: attempts, Delay: time.Millisecond}, nil)
	require.NoError(t, err)
	f.guard = guard
	return f
}

func (f *fixture) ensure(t *testing.T) (bool, error) {
	return f.guard.EnsureApproved(testutil.TestContext(t), f.account.Address, f.profile.Token.Address, spender)
}

func TestNewGuard(t *testing.T) {
	account := testutil.NewAccount(t, "approver")
	bsc, _ := config.LookupProfile("bsc-babylon")
	_, err := NewGuard(nil, nil, nil, account, bsc, Options{}, nil)
	assert.ErrorContains(t, err, "no approval token")

	sepolia, _ := config.LookupProfile("sepolia-holesky")
	_, err = NewGuard(nil, nil, nil, models.Account{}, sepolia, Options{}, nil)
	assert.Equal(t, txerr.KindCredentialInvalid, txerr.Classify(err))

	g, err := NewGuard(nil, nil, nil, account, sepolia, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint(DefaultAttempts), g.opts.Attempts)
	assert.Equal(t, DefaultDelay, g.opts.Delay)
}

func TestEnsureApprovedExistingAllowance(t *testing.T) {
	f := newFixture(t, 1_000_000, 5, 5, nil)

	ok, err := f.ensure(t)

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, f.chain.Calls(testutil.OpSend))
	assert.Empty(t, f.seq.Issued())
}

func TestEnsureApprovedZeroBalance(t *testing.T) {
	f := newFixture(t, 0, 0, 5, nil)

	ok, err := f.ensure(t)

	assert.False(t, ok)
	var unavailable *txerr.AllowanceUnavailable
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, f.profile.Token.Address, unavailable.Token)
	assert.Equal(t, 1, f.token.count("balanceOf"), "empty balance is not retried")
	assert.Zero(t, f.token.count("allowance"))
	assert.Zero(t, f.chain.Calls(testutil.OpSend), "no approval is attempted")
	assert.Empty(t, f.seq.Issued())
}

func TestEnsureApprovedSendsApproval(t *testing.T) {
	tests := []struct {
		name     string
		tweak    func(*config.Profile)
		baseFee  bool
		wantType uint8
	}{
		{name: "dynamic fee", baseFee: true, wantType: types.DynamicFeeTxType},
		{name: "chain without base fee", baseFee: false, wantType: types.LegacyTxType},
		{
			name:     "legacy profile",
			tweak:    func(p *config.Profile) { p.Fees.PreferLegacy = true },
			baseFee:  true,
			wantType: types.LegacyTxType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1_000_000, 0, 5, tt.tweak)
			if !tt.baseFee {
				f.chain.BaseFee = nil
			}

			ok, err := f.ensure(t)

			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, []uint64{4}, f.seq.Issued())

			sent := f.chain.Sent()
			require.Len(t, sent, 1)
			tx := sent[0]
			assert.Equal(t, tt.wantType, tx.Type())
			assert.Equal(t, f.profile.Token.Address, *tx.To())
			assert.Equal(t, uint64(100000), tx.Gas())
			assert.Equal(t, uint64(4), tx.Nonce())
			assert.Equal(t, 0, tx.GasFeeCap().Cmp(big.NewInt(5_000_000_000)))
			if tt.wantType == types.DynamicFeeTxType {
				assert.Equal(t, 0, tx.GasTipCap().Cmp(big.NewInt(1_500_000_000)))
			}

			method, err := contracts.ERC20Method(tx.Data())
			require.NoError(t, err)
			assert.Equal(t, "approve", method)

			from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(testutil.SimulatedChainID)), tx)
			require.NoError(t, err)
			assert.Equal(t, f.account.Address, from)
		})
	}
}

func TestEnsureApprovedRetriesRevertedApproval(t *testing.T) {
	f := newFixture(t, 1_000_000, 0, 5, nil)
	var mu sync.Mutex
	sends := 0
	f.chain.OnSend = func(tx *types.Transaction) (*types.Receipt, error) {
		mu.Lock()
		defer mu.Unlock()
		sends++
		if sends == 1 {
			return testutil.RevertReceipt(tx)
		}
		f.token.grant()
		return testutil.SuccessReceipt(tx)
	}

	ok, err := f.ensure(t)

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []uint64{4, 5}, f.chain.SentNonces(), "a reverted approval consumed its nonce")
}

func TestEnsureApprovedExhausted(t *testing.T) {
	t.Run("reverts", func(t *testing.T) {
		f := newFixture(t, 1_000_000, 0, 3, nil)
		f.chain.OnSend = testutil.RevertReceipt

		ok, err := f.ensure(t)

		assert.False(t, ok)
		var unavailable *txerr.AllowanceUnavailable
		require.ErrorAs(t, err, &unavailable)
		var revert *txerr.ChainRevert
		assert.ErrorAs(t, err, &revert)
		assert.Equal(t, 3, f.chain.Calls(testutil.OpSend))
	})

	t.Run("never mined", func(t *testing.T) {
		f := newFixture(t, 1_000_000, 0, 2, nil)
		f.chain.OnSend = testutil.NeverMined

		ok, err := f.ensure(t)

		assert.False(t, ok)
		var timeout *txerr.ConfirmationTimeout
		assert.ErrorAs(t, err, &timeout)
		assert.Equal(t, txerr.KindAllowanceUnavailable, txerr.Classify(err))
	})

	t.Run("send errors release the nonce", func(t *testing.T) {
		f := newFixture(t, 1_000_000, 0, 2, nil)
		f.chain.SetError(testutil.OpSend, errors.New("connection refused"))

		ok, err := f.ensure(t)

		assert.False(t, ok)
		assert.Equal(t, txerr.KindAllowanceUnavailable, txerr.Classify(err))
		assert.Equal(t, 2, f.chain.Calls(testutil.OpSend))
		assert.Empty(t, f.seq.Issued())
		assert.Equal(t, uint64(4), f.seq.Peek())
	})
}

func TestEnsureApprovedCanceled(t *testing.T) {
	f := newFixture(t, 1_000_000, 0, 5, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := f.guard.EnsureApproved(ctx, f.account.Address, f.profile.Token.Address, spender)

	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.chain.Calls(testutil.OpSend))
}

// pendingBlockWaiter reports a failed receipt that carries no block number
type pendingBlockWaiter struct{}

func (pendingBlockWaiter) Wait(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{TxHash: hash, Status: types.ReceiptStatusFailed}, nil
}

func TestEnsureApprovedRevertWithoutBlockNumber(t *testing.T) {
	f := newFixture(t, 1_000_000, 0, 2, nil)
	f.chain.OnSend = testutil.SuccessReceipt
	gw := rpcgateway.New([]rpcgateway.Endpoint{{Name: "fake", Client: f.chain}}, rpcgateway.Options{}, nil)
	guard, err := NewGuard(gw, f.seq, pendingBlockWaiter{}, f.account, f.profile, Options{Attempts: 2, Delay: time.Millisecond}, nil)
	require.NoError(t, err)

	var ok bool
	require.NotPanics(t, func() {
		ok, err = guard.EnsureApproved(testutil.TestContext(t), f.account.Address, f.profile.Token.Address, spender)
	})

	assert.False(t, ok)
	var revert *txerr.ChainRevert
	require.ErrorAs(t, err, &revert)
	assert.Zero(t, revert.Block)
	assert.Equal(t, 2, f.chain.Calls(testutil.OpSend))
}
