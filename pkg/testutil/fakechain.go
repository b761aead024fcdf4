package testutil

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// RPC method names recorded by FakeChain
const (
	OpChainID     = "eth_chainId"
	OpBlockNumber = "eth_blockNumber"
	OpHeader      = "eth_getBlockByNumber"
	OpGasPrice    = "eth_gasPrice"
	OpTipCap      = "eth_maxPriorityFeePerGas"
	OpNonce       = "eth_getTransactionCount"
	OpReceipt     = "eth_getTransactionReceipt"
	OpBalance     = "eth_getBalance"
	OpCall        = "eth_call"
	OpSend        = "eth_sendRawTransaction"
	OpCode        = "eth_getCode"
	OpEstimateGas = "eth_estimateGas"
	OpLogs        = "eth_getLogs"
)

// FakeChain is a programmable in-memory node satisfying rpcgateway.Client
type FakeChain struct {
	mu sync.Mutex

	ChainIDValue *big.Int
	Nonce        uint64
	GasPrice     *big.Int
	// BaseFee nil makes the chain look legacy-only
	BaseFee *big.Int
	Tip     *big.Int
	Balance *big.Int
	Code    []byte

	// Errors forces an error for an RPC method
	Errors map[string]error
	// OnSend decides the receipt of a broadcast transaction. A nil receipt
	// leaves the transaction pending forever. Nil OnSend mines successfully.
	OnSend func(tx *types.Transaction) (*types.Receipt, error)
	// OnCall answers eth_call
	OnCall func(msg ethereum.CallMsg) ([]byte, error)
	// OnReceipt runs before every receipt lookup, e.g. to publish a late receipt with PutReceipt
	OnReceipt func(hash common.Hash)

	receipts map[common.Hash]*types.Receipt
	sent     []*types.Transaction
	calls    map[string]int
	block    uint64
}

// NewFakeChain returns a 1559 chain that mines every transaction successfully
func NewFakeChain() *FakeChain {
	return &FakeChain{
		ChainIDValue: big.NewInt(SimulatedChainID),
		GasPrice:     big.NewInt(2_000_000_000),
		BaseFee:      big.NewInt(1_000_000_000),
		Tip:          big.NewInt(1_000_000_000),
		Balance:      CreateBigInt("1000000000000000000"),
		Errors:       make(map[string]error),
		receipts:     make(map[common.Hash]*types.Receipt),
		calls:        make(map[string]int),
		block:        100,
	}
}

// SuccessReceipt is an OnSend helper that mines with status 1
func SuccessReceipt(tx *types.Transaction) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: tx.Hash(), GasUsed: tx.Gas() / 2}, nil
}

// RevertReceipt is an OnSend helper that mines with status 0
func RevertReceipt(tx *types.Transaction) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusFailed, TxHash: tx.Hash(), GasUsed: tx.Gas()}, nil
}

// NeverMined is an OnSend helper that accepts the transaction but never produces a receipt
func NeverMined(*types.Transaction) (*types.Receipt, error) {
	return nil, nil
}

func (f *FakeChain) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.Errors[op]
}

// SetError forces op to fail; a nil err clears it
func (f *FakeChain) SetError(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.Errors, op)
		return
	}
	f.Errors[op] = err
}

// Calls returns how many times op was invoked
func (f *FakeChain) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// TotalCalls returns the number of RPC calls of any kind
func (f *FakeChain) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

// Sent returns the broadcast transactions in order
func (f *FakeChain) Sent() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Transaction, len(f.sent))
	copy(out, f.sent)
	return out
}

// SentNonces returns the nonces of broadcast transactions in order
func (f *FakeChain) SentNonces() []uint64 {
	var nonces []uint64
	for _, tx := range f.Sent() {
		nonces = append(nonces, tx.Nonce())
	}
	return nonces
}

// PutReceipt makes a receipt visible
func (f *FakeChain) PutReceipt(r *types.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[r.TxHash] = r
}

func (f *FakeChain) ChainID(context.Context) (*big.Int, error) {
	if err := f.record(OpChainID); err != nil {
		return nil, err
	}
	return new(big.Int).Set(f.ChainIDValue), nil
}

func (f *FakeChain) BlockNumber(context.Context) (uint64, error) {
	if err := f.record(OpBlockNumber); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.block, nil
}

func (f *FakeChain) HeaderByNumber(_ context.Context, _ *big.Int) (*types.Header, error) {
	if err := f.record(OpHeader); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &types.Header{Number: new(big.Int).SetUint64(f.block)}
	if f.BaseFee != nil {
		h.BaseFee = new(big.Int).Set(f.BaseFee)
	}
	return h, nil
}

func (f *FakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	if err := f.record(OpGasPrice); err != nil {
		return nil, err
	}
	return new(big.Int).Set(f.GasPrice), nil
}

func (f *FakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	if err := f.record(OpTipCap); err != nil {
		return nil, err
	}
	if f.Tip == nil {
		return nil, errors.New("method not supported")
	}
	return new(big.Int).Set(f.Tip), nil
}

func (f *FakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	if err := f.record(OpNonce); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Nonce, nil
}

func (f *FakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := f.record(OpReceipt); err != nil {
		return nil, err
	}
	if f.OnReceipt != nil {
		f.OnReceipt(hash)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *FakeChain) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	if err := f.record(OpBalance); err != nil {
		return nil, err
	}
	return new(big.Int).Set(f.Balance), nil
}

func (f *FakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := f.record(OpCall); err != nil {
		return nil, err
	}
	if f.OnCall != nil {
		return f.OnCall(msg)
	}
	return nil, nil
}

func (f *FakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if err := f.record(OpSend); err != nil {
		return err
	}
	onSend := f.OnSend
	if onSend == nil {
		onSend = SuccessReceipt
	}
	receipt, err := onSend(tx)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	if tx.Nonce() >= f.Nonce {
		f.Nonce = tx.Nonce() + 1
	}
	if receipt != nil {
		f.block++
		receipt.BlockNumber = new(big.Int).SetUint64(f.block)
		if receipt.TxHash == (common.Hash{}) {
			receipt.TxHash = tx.Hash()
		}
		f.receipts[receipt.TxHash] = receipt
	}
	return nil
}

func (f *FakeChain) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	if err := f.record(OpCode); err != nil {
		return nil, err
	}
	if f.Code == nil {
		return []byte{0x60, 0x80}, nil
	}
	return f.Code, nil
}

func (f *FakeChain) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return f.CodeAt(ctx, account, nil)
}

func (f *FakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if err := f.record(OpEstimateGas); err != nil {
		return 0, err
	}
	return 100000, nil
}

func (f *FakeChain) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	if err := f.record(OpLogs); err != nil {
		return nil, err
	}
	return nil, nil
}

func (f *FakeChain) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("subscriptions not supported")
}
