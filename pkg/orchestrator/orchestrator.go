// Package orchestrator drives the transfers of one run: compose, submit,
// confirm and correlate, one transfer at a time.
package orchestrator

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/speedrun-hq/speedrun-relayer/pkg/allowance"
	"github.com/speedrun-hq/speedrun-relayer/pkg/backoff"
	"github.com/speedrun-hq/speedrun-relayer/pkg/config"
	"github.com/speedrun-hq/speedrun-relayer/pkg/confirm"
	"github.com/speedrun-hq/speedrun-relayer/pkg/fees"
	"github.com/speedrun-hq/speedrun-relayer/pkg/journal"
	"github.com/speedrun-hq/speedrun-relayer/pkg/logger"
	"github.com/speedrun-hq/speedrun-relayer/pkg/metrics"
	"github.com/speedrun-hq/speedrun-relayer/pkg/models"
	"github.com/speedrun-hq/speedrun-relayer/pkg/nonce"
	"github.com/speedrun-hq/speedrun-relayer/pkg/payload"
	"github.com/speedrun-hq/speedrun-relayer/pkg/rpcgateway"
	"github.com/speedrun-hq/speedrun-relayer/pkg/submitter"
	"github.com/speedrun-hq/speedrun-relayer/pkg/txerr"
)

// Backend is the chain access an orchestrator needs. rpcgateway.Gateway implements it.
type Backend interface {
	bind.ContractBackend
	FeeData(ctx context.Context) (rpcgateway.FeeData, error)
	Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Correlator finds the relay packet of a confirmed transaction
type Correlator interface {
	Correlate(ctx context.Context, txHash string) (models.RelayCorrelation, error)
}

// Options configures one run
type Options struct {
	RunID           string
	Profile         config.Profile
	Account         models.Account
	MaxAttempts     int
	FailureCooldown time.Duration
	// SubmitBackoff spaces submission attempts; zero uses the submitter default
	SubmitBackoff backoff.Exponential
	Approval      allowance.Options
	// Journal is optional
	Journal *journal.Store
}

// Progress is a snapshot of a run for status reporting
type Progress struct {
	RunID      string    `json:"run_id"`
	Profile    string    `json:"profile"`
	ChainID    int       `json:"chain_id"`
	Account    string    `json:"account"`
	Total      int       `json:"total"`
	Done       int       `json:"done"`
	Confirmed  int       `json:"confirmed"`
	Correlated int       `json:"correlated"`
	Failed     int       `json:"failed"`
	Seeded     bool      `json:"seeded"`
	Finished   bool      `json:"finished"`
	LastError  string    `json:"last_error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

// Orchestrator runs the transfers of one profile and account
type Orchestrator struct {
	backend    Backend
	correlator Correlator
	sequencer  *nonce.Sequencer
	submitter  *submitter.Submitter
	guard      *allowance.Guard
	composer   *payload.Composer
	opts       Options
	chainLabel string
	logger     logger.Logger

	// nonces collects the nonces used by the transfer in flight
	nonces []uint64

	mu       sync.Mutex
	progress Progress
}

// New wires the per-run components around backend
func New(backend Backend, correlator Correlator, opts Options, log logger.Logger) (*Orchestrator, error) {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	profile := opts.Profile
	if opts.Account.Key == nil {
		return nil, &txerr.CredentialInvalid{Reason: "missing signing key"}
	}

	composer, err := payload.NewComposer(profile, opts.Account.Address)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		backend:    backend,
		correlator: correlator,
		composer:   composer,
		opts:       opts,
		chainLabel: strconv.Itoa(profile.ChainID),
		logger:     log,
		progress: Progress{
			RunID:   opts.RunID,
			Profile: profile.Name,
			ChainID: profile.ChainID,
			Account: opts.Account.Address.Hex(),
		},
	}

	o.sequencer = nonce.NewSequencer(opts.Account.Address, log)
	waiter := confirm.NewWaiter(backend, profile.Confirmation, log)
	estimator := fees.NewEstimator(backend, profile.Fees, profile.ChainID, log)

	o.submitter, err = submitter.New(backend, estimator, waiter, o.sequencer, opts.Account, submitter.Options{
		ChainID:     big.NewInt(int64(profile.ChainID)),
		To:          profile.PortAddress,
		GasLimit:    profile.GasLimit,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.SubmitBackoff,
		MaxFeeCap:   profile.Fees.MaxFeeCap,
		OnAttempt:   o.recordAttempt,
	}, log)
	if err != nil {
		return nil, err
	}

	if profile.Token != nil {
		o.guard, err = allowance.NewGuard(backend, o.sequencer, waiter, opts.Account, profile, opts.Approval, log)
		if err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Orchestrator) recordAttempt(a submitter.SubmissionAttempt) {
	if n := len(o.nonces); n > 0 && o.nonces[n-1] == a.Nonce {
		return
	}
	o.nonces = append(o.nonces, a.Nonce)
}

// Progress returns a snapshot of the run
func (o *Orchestrator) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

func (o *Orchestrator) update(fn func(p *Progress)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(&o.progress)
}

// Run performs setup and then count transfers in order. A failed transfer
// never stops the run; setup errors return before anything is submitted.
// Cancellation returns the results gathered so far with ctx.Err().
func (o *Orchestrator) Run(ctx context.Context, count int) ([]models.TransferResult, error) {
	profile := o.opts.Profile
	o.update(func(p *Progress) {
		p.Total = count
		p.StartedAt = time.Now()
	})
	defer o.update(func(p *Progress) { p.Finished = true })

	if err := o.setup(ctx); err != nil {
		o.update(func(p *Progress) { p.LastError = err.Error() })
		return nil, err
	}

	if o.opts.Journal != nil {
		err := o.opts.Journal.BeginRun(journal.RunInfo{
			RunID:     o.opts.RunID,
			Profile:   profile.Name,
			ChainID:   profile.ChainID,
			Account:   o.opts.Account.Address.Hex(),
			Count:     count,
			StartedAt: time.Now(),
		})
		if err != nil {
			o.logger.ErrorWithChain(profile.ChainID, "Failed to journal run %s: %v", o.opts.RunID, err)
		}
	}

	results := make([]models.TransferResult, 0, count)
	for i := 1; i <= count; i++ {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		o.logger.InfoWithChain(profile.ChainID, "Transaction %d/%d", i, count)
		result := o.transfer(ctx, i)
		results = append(results, result)
		o.finish(result)

		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		if i == count {
			break
		}
		if err := o.pause(ctx, result.State == models.StateFailed); err != nil {
			return results, err
		}
	}

	o.logger.InfoWithChain(profile.ChainID, "Run %s finished: %d transfers", o.opts.RunID, len(results))
	return results, nil
}

func (o *Orchestrator) setup(ctx context.Context) error {
	profile := o.opts.Profile
	owner := o.opts.Account.Address

	if err := o.sequencer.Seed(ctx, o.backend); err != nil {
		return fmt.Errorf("failed to seed nonce for %s: %w", owner.Hex(), err)
	}
	o.update(func(p *Progress) { p.Seeded = true })

	o.checkBalance(ctx)

	if o.guard != nil {
		o.logger.InfoWithChain(profile.ChainID, "Checking %s allowance for %s", profile.Token.Symbol, profile.PortAddress.Hex())
		if _, err := o.guard.EnsureApproved(ctx, owner, profile.Token.Address, profile.PortAddress); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) checkBalance(ctx context.Context) {
	profile := o.opts.Profile
	balance, err := o.backend.BalanceAt(ctx, o.opts.Account.Address, nil)
	if err != nil {
		o.logger.NoticeWithChain(profile.ChainID, "Failed to read balance of %s: %v", o.opts.Account.Address.Hex(), err)
		return
	}

	whole, _ := new(big.Float).Quo(new(big.Float).SetInt(balance), big.NewFloat(params.Ether)).Float64()
	metrics.NativeBalance.WithLabelValues(o.chainLabel).Set(whole)
	o.logger.InfoWithChain(profile.ChainID, "Balance of %s (%s): %.6f", o.opts.Account.Label, profile.AddressURL(o.opts.Account.Address.Hex()), whole)

	if profile.LowBalanceWarning != nil && balance.Cmp(profile.LowBalanceWarning) < 0 {
		o.logger.NoticeWithChain(profile.ChainID, "Balance of %s is below the warning threshold", o.opts.Account.Address.Hex())
	}
}

// transfer drives one transfer to a terminal state
func (o *Orchestrator) transfer(ctx context.Context, index int) models.TransferResult {
	profile := o.opts.Profile
	start := time.Now()
	o.nonces = nil

	result := models.TransferResult{
		RunID:   o.opts.RunID,
		Profile: profile.Name,
		ChainID: profile.ChainID,
		Index:   index,
		State:   models.StatePending,
	}
	fail := func(err error) models.TransferResult {
		result.State = models.StateFailed
		result.Error = err.Error()
		result.FinishedAt = time.Now()
		o.logger.ErrorWithChain(profile.ChainID, "Transfer %d failed: %v", index, err)
		o.observe(result, start)
		return result
	}

	intent := o.composer.Compose(index)
	n, err := o.sequencer.Next()
	if err != nil {
		return fail(err)
	}

	result.State = models.StateSubmitted
	record, err := o.submitter.Submit(ctx, intent, n)
	result.Record = &record
	result.Nonces = append([]uint64(nil), o.nonces...)
	if err != nil {
		return fail(err)
	}

	result.State = models.StateConfirmed
	o.logger.InfoWithChain(profile.ChainID, "Transfer %d confirmed: %s", index, profile.TxURL(record.Hash.Hex()))

	correlation, err := o.correlator.Correlate(ctx, record.Hash.Hex())
	if err != nil {
		// only cancellation reaches here; the transfer itself is confirmed
		o.logger.NoticeWithChain(profile.ChainID, "Correlation of transfer %d interrupted: %v", index, err)
	} else {
		result.Correlation = &correlation
		if correlation.Found {
			result.State = models.StateCorrelated
			o.logger.InfoWithChain(profile.ChainID, "Transfer %d relayed as packet %s", index, correlation.PacketHash)
		}
	}

	result.FinishedAt = time.Now()
	o.observe(result, start)
	return result
}

func (o *Orchestrator) observe(result models.TransferResult, start time.Time) {
	metrics.Transfers.WithLabelValues(o.chainLabel, result.State.String()).Inc()
	metrics.TransferDuration.WithLabelValues(o.chainLabel).Observe(time.Since(start).Seconds())
}

// finish journals the result and updates progress
func (o *Orchestrator) finish(result models.TransferResult) {
	if o.opts.Journal != nil {
		if err := o.opts.Journal.Put(result); err != nil {
			o.logger.ErrorWithChain(o.opts.Profile.ChainID, "Failed to journal transfer %d: %v", result.Index, err)
		}
	}

	o.update(func(p *Progress) {
		p.Done++
		switch result.State {
		case models.StateCorrelated:
			p.Correlated++
			p.Confirmed++
		case models.StateConfirmed:
			p.Confirmed++
		case models.StateFailed:
			p.Failed++
			p.LastError = result.Error
		}
	})
}

// pause waits the randomized inter-transfer delay, plus the cooldown after a failure
func (o *Orchestrator) pause(ctx context.Context, failed bool) error {
	d := RandomDelay(o.opts.Profile.Delay)
	if failed {
		d += o.opts.FailureCooldown
	}
	if d <= 0 {
		return nil
	}
	o.logger.DebugWithChain(o.opts.Profile.ChainID, "Waiting %s before the next transfer", d.Round(time.Millisecond))
	return backoff.Sleep(ctx, d)
}

// RandomDelay returns a uniform duration in [Min, Max]
func RandomDelay(d config.DelayConfig) time.Duration {
	if d.Max <= d.Min {
		return d.Min
	}
	return d.Min + time.Duration(rand.Int63n(int64(d.Max-d.Min)+1))
}
