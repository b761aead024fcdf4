// Package rpcgateway fronts one or more JSON-RPC endpoints of a single chain.
// It selects an endpoint per call, rate limits and trips a circuit breaker per
// endpoint, and wraps failures in txerr.RpcError. It never retries.
package rpcgateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/speedrun-hq/speedrun-relayer/pkg/circuitbreaker"
	"github.com/speedrun-hq/speedrun-relayer/pkg/config"
	"github.com/speedrun-hq/speedrun-relayer/pkg/logger"
	"github.com/speedrun-hq/speedrun-relayer/pkg/metrics"
	"github.com/speedrun-hq/speedrun-relayer/pkg/txerr"
	"golang.org/x/time/rate"
)

// Client is the subset of ethclient.Client the gateway routes calls to.
type Client interface {
	bind.ContractBackend
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Endpoint is a named client.
type Endpoint struct {
	Name   string
	Client Client
}

// Options controls endpoint selection and protection.
type Options struct {
	Selection  string
	FixedIndex int
	// RateLimit is requests per second per endpoint; zero disables limiting
	RateLimit      float64
	CircuitBreaker config.CircuitBreakerConfig
}

type endpoint struct {
	name    string
	client  Client
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
}

// Gateway routes calls across endpoints. It satisfies bind.ContractBackend so
// bound contracts share the same selection and protection.
type Gateway struct {
	endpoints []*endpoint
	selection string
	fixed     int
	cursor    int
	mu        sync.Mutex
	logger    logger.Logger
}

var _ bind.ContractBackend = (*Gateway)(nil)

// FeeData is the raw fee information reported by the node. The EIP-1559
// fields are nil when the chain exposes no base fee.
type FeeData struct {
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	BaseFee              *big.Int
}

// Has1559 reports whether both EIP-1559 fields are present.
func (f FeeData) Has1559() bool {
	return f.MaxFeePerGas != nil && f.MaxPriorityFeePerGas != nil
}

// defaultTip mirrors the priority fee ethers assumes when the node offers none.
var defaultTip = big.NewInt(1_000_000_000)

// ErrNoEndpoints is returned by every call of a gateway built without endpoints
var ErrNoEndpoints = errors.New("no RPC endpoints configured")

// Dial connects to every URL and builds a gateway over them.
func Dial(ctx context.Context, urls []string, opts Options, log logger.Logger) (*Gateway, error) {
	if len(urls) == 0 {
		return nil, errors.New("at least one RPC URL is required")
	}
	endpoints := make([]Endpoint, 0, len(urls))
	for i, raw := range urls {
		client, err := ethclient.DialContext(ctx, raw)
		if err != nil {
			for _, ep := range endpoints {
				ep.Client.(*ethclient.Client).Close()
			}
			return nil, fmt.Errorf("failed to connect to RPC endpoint %d: %w", i, err)
		}
		endpoints = append(endpoints, Endpoint{Name: endpointName(i, raw), Client: client})
	}
	return New(endpoints, opts, log), nil
}

// endpointName builds a metric-safe label that never includes URL paths, which often carry API keys.
func endpointName(i int, raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Sprintf("rpc-%d", i)
	}
	return fmt.Sprintf("rpc-%d(%s)", i, u.Host)
}

// New builds a gateway over already connected clients.
func New(endpoints []Endpoint, opts Options, log logger.Logger) *Gateway {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	g := &Gateway{
		selection: opts.Selection,
		fixed:     opts.FixedIndex,
		logger:    log,
	}
	if g.selection == "" {
		g.selection = config.SelectionRoundRobin
	}
	cb := opts.CircuitBreaker
	for _, ep := range endpoints {
		limiter := rate.NewLimiter(rate.Inf, 0)
		if opts.RateLimit > 0 {
			burst := int(opts.RateLimit)
			if burst < 1 {
				burst = 1
			}
			limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
		}
		g.endpoints = append(g.endpoints, &endpoint{
			name:    ep.Name,
			client:  ep.Client,
			limiter: limiter,
			breaker: circuitbreaker.NewCircuitBreaker(ep.Name, cb.Enabled, cb.Threshold, cb.WindowDuration, cb.ResetTimeout, log),
		})
	}
	if g.fixed < 0 || g.fixed >= len(g.endpoints) {
		g.fixed = 0
	}
	return g
}

// Close releases the underlying connections.
func (g *Gateway) Close() {
	for _, ep := range g.endpoints {
		if c, ok := ep.client.(interface{ Close() }); ok {
			c.Close()
		}
	}
}

// Breakers exposes the per-endpoint breakers for health reporting.
func (g *Gateway) Breakers() []*circuitbreaker.CircuitBreaker {
	out := make([]*circuitbreaker.CircuitBreaker, 0, len(g.endpoints))
	for _, ep := range g.endpoints {
		out = append(out, ep.breaker)
	}
	return out
}

// pick returns the endpoint for the next call. Round-robin skips endpoints
// whose breaker is open unless every breaker is open.
func (g *Gateway) pick() *endpoint {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.endpoints) == 0 {
		return nil
	}
	if g.selection == config.SelectionFixed {
		return g.endpoints[g.fixed]
	}

	n := len(g.endpoints)
	start := g.cursor
	g.cursor = (g.cursor + 1) % n
	for i := 0; i < n; i++ {
		ep := g.endpoints[(start+i)%n]
		if !ep.breaker.IsOpen() {
			if i > 0 {
				g.cursor = (start + i + 1) % n
			}
			return ep
		}
	}
	return g.endpoints[start]
}

func (g *Gateway) do(ctx context.Context, op string, call func(Client) error) error {
	ep := g.pick()
	if ep == nil {
		return ErrNoEndpoints
	}
	if err := ep.limiter.Wait(ctx); err != nil {
		return err
	}
	err := call(ep.client)
	if err == nil || errors.Is(err, ethereum.NotFound) {
		ep.breaker.RecordSuccess()
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	metrics.RPCErrors.WithLabelValues(ep.name, op).Inc()
	if ep.breaker.RecordFailure() {
		g.logger.Debug("Endpoint %s skipped until its breaker resets", ep.name)
	}
	return &txerr.RpcError{Endpoint: ep.name, Op: op, Err: err}
}

// FeeData reads the latest base fee, gas price and suggested tip.
// Partial data is returned as long as one source answered.
func (g *Gateway) FeeData(ctx context.Context) (FeeData, error) {
	var data FeeData

	header, headerErr := g.HeaderByNumber(ctx, nil)
	gasPrice, priceErr := g.SuggestGasPrice(ctx)
	if headerErr != nil && priceErr != nil {
		return data, priceErr
	}
	if priceErr == nil {
		data.GasPrice = gasPrice
	}

	if headerErr == nil && header != nil && header.BaseFee != nil {
		tip, err := g.SuggestGasTipCap(ctx)
		if err != nil {
			tip = new(big.Int).Set(defaultTip)
		}
		data.BaseFee = new(big.Int).Set(header.BaseFee)
		data.MaxPriorityFeePerGas = tip
		data.MaxFeePerGas = new(big.Int).Add(new(big.Int).Mul(header.BaseFee, big.NewInt(2)), tip)
	}
	return data, nil
}

// Receipt returns the receipt of a mined transaction, or nil when it is not yet known.
func (g *Gateway) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := g.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	return receipt, err
}

// TransactionReceipt proxies eth_getTransactionReceipt; it keeps ethereum.NotFound for bind.WaitMined.
func (g *Gateway) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := g.do(ctx, "eth_getTransactionReceipt", func(c Client) error {
		var err error
		receipt, err = c.TransactionReceipt(ctx, hash)
		return err
	})
	return receipt, err
}

func (g *Gateway) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := g.do(ctx, "eth_chainId", func(c Client) error {
		var err error
		id, err = c.ChainID(ctx)
		return err
	})
	return id, err
}

func (g *Gateway) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := g.do(ctx, "eth_blockNumber", func(c Client) error {
		var err error
		n, err = c.BlockNumber(ctx)
		return err
	})
	return n, err
}

func (g *Gateway) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	var balance *big.Int
	err := g.do(ctx, "eth_getBalance", func(c Client) error {
		var err error
		balance, err = c.BalanceAt(ctx, account, blockNumber)
		return err
	})
	return balance, err
}

func (g *Gateway) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := g.do(ctx, "eth_getTransactionCount", func(c Client) error {
		var err error
		nonce, err = c.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}

func (g *Gateway) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := g.do(ctx, "eth_call", func(c Client) error {
		var err error
		out, err = c.CallContract(ctx, msg, blockNumber)
		return err
	})
	return out, err
}

func (g *Gateway) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return g.do(ctx, "eth_sendRawTransaction", func(c Client) error {
		return c.SendTransaction(ctx, tx)
	})
}

func (g *Gateway) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var header *types.Header
	err := g.do(ctx, "eth_getBlockByNumber", func(c Client) error {
		var err error
		header, err = c.HeaderByNumber(ctx, number)
		return err
	})
	return header, err
}

func (g *Gateway) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := g.do(ctx, "eth_gasPrice", func(c Client) error {
		var err error
		price, err = c.SuggestGasPrice(ctx)
		return err
	})
	return price, err
}

func (g *Gateway) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	var tip *big.Int
	err := g.do(ctx, "eth_maxPriorityFeePerGas", func(c Client) error {
		var err error
		tip, err = c.SuggestGasTipCap(ctx)
		return err
	})
	return tip, err
}

func (g *Gateway) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	var code []byte
	err := g.do(ctx, "eth_getCode", func(c Client) error {
		var err error
		code, err = c.CodeAt(ctx, contract, blockNumber)
		return err
	})
	return code, err
}

func (g *Gateway) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	var code []byte
	err := g.do(ctx, "eth_getCode", func(c Client) error {
		var err error
		code, err = c.PendingCodeAt(ctx, account)
		return err
	})
	return code, err
}

func (g *Gateway) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := g.do(ctx, "eth_estimateGas", func(c Client) error {
		var err error
		gas, err = c.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

func (g *Gateway) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := g.do(ctx, "eth_getLogs", func(c Client) error {
		var err error
		logs, err = c.FilterLogs(ctx, q)
		return err
	})
	return logs, err
}

func (g *Gateway) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	var sub ethereum.Subscription
	err := g.do(ctx, "eth_subscribe", func(c Client) error {
		var err error
		sub, err = c.SubscribeFilterLogs(ctx, q, ch)
		return err
	})
	return sub, err
}
