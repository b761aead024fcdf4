// Package submitter signs, broadcasts and confirms a single transfer, retrying
// within a bounded number of attempts.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/speedrun-hq/speedrun-relayer/pkg/backoff"
	"github.com/speedrun-hq/speedrun-relayer/pkg/contracts"
	"github.com/speedrun-hq/speedrun-relayer/pkg/fees"
	"github.com/speedrun-hq/speedrun-relayer/pkg/logger"
	"github.com/speedrun-hq/speedrun-relayer/pkg/metrics"
	"github.com/speedrun-hq/speedrun-relayer/pkg/models"
	"github.com/speedrun-hq/speedrun-relayer/pkg/txerr"
)

// Backend is the chain access the submitter needs
type Backend interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// FeeEstimator returns the bid for the next attempt
type FeeEstimator interface {
	Estimate(ctx context.Context) fees.FeeBid
}

// ReceiptWaiter blocks until a receipt exists or the polling budget is spent
type ReceiptWaiter interface {
	Wait(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// NonceSource hands out fresh nonces and takes back ones that never reached the chain
type NonceSource interface {
	Next() (uint64, error)
	Release(n uint64) bool
}

// SubmissionAttempt is one signed broadcast of a transfer
type SubmissionAttempt struct {
	Intent    models.TransferIntent
	Nonce     uint64
	Bid       fees.FeeBid
	Attempt   int
	Hash      common.Hash
	StartedAt time.Time
}

// Options configures a Submitter
type Options struct {
	ChainID     *big.Int
	To          common.Address
	GasLimit    uint64
	MaxAttempts int
	// Backoff paces retries after a failed attempt
	Backoff backoff.Exponential
	// ReplacementBump is the minimum fee increase of a replacement, in percent
	ReplacementBump int64
	// MaxFeeCap bounds replacement bids as it bounds estimated ones
	MaxFeeCap *big.Int
	// OnAttempt observes every signed attempt before broadcast
	OnAttempt func(SubmissionAttempt)
}

// Submitter submits transfers for one account on one chain
type Submitter struct {
	backend   Backend
	estimator FeeEstimator
	waiter    ReceiptWaiter
	nonces    NonceSource
	policy    txerr.RetryPolicy
	from      common.Address
	signer    bind.SignerFn
	opts      Options
	chainID   string
	chain     int
	logger    logger.Logger
}

// New creates a submitter signing with account
func New(
	backend Backend,
	estimator FeeEstimator,
	waiter ReceiptWaiter,
	nonces NonceSource,
	account models.Account,
	opts Options,
	log logger.Logger,
) (*Submitter, error) {
	if account.Key == nil {
		return nil, &txerr.CredentialInvalid{Reason: "signing key is missing"}
	}
	if opts.ChainID == nil {
		return nil, errors.New("chain id is required")
	}
	if opts.GasLimit == 0 {
		return nil, errors.New("gas limit must be positive")
	}
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	if opts.Backoff.Initial <= 0 {
		opts.Backoff = backoff.Exponential{Initial: 2 * time.Second, Multiplier: 2, Max: 30 * time.Second}
	}
	if opts.ReplacementBump <= 0 {
		opts.ReplacementBump = 12
	}

	auth, err := bind.NewKeyedTransactorWithChainID(account.Key, opts.ChainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}

	return &Submitter{
		backend:   backend,
		estimator: estimator,
		waiter:    waiter,
		nonces:    nonces,
		policy:    txerr.NewRetryPolicy(opts.MaxAttempts),
		from:      auth.From,
		signer:    auth.Signer,
		opts:      opts,
		chainID:   opts.ChainID.String(),
		chain:     int(opts.ChainID.Int64()),
		logger:    log,
	}, nil
}

// MaxAttempts returns the attempt ceiling
func (s *Submitter) MaxAttempts() int {
	return s.policy.MaxAttempts
}

// Submit sends intent starting at nonce and follows it until it confirms, a
// fatal error occurs or the attempt ceiling is reached. The returned record
// always reflects the last attempt. On exhaustion the error is
// *txerr.AttemptsExhausted.
func (s *Submitter) Submit(ctx context.Context, intent models.TransferIntent, nonce uint64) (models.TransactionRecord, error) {
	data, err := contracts.PackSend(intent)
	if err != nil {
		return models.TransactionRecord{Nonce: nonce, Status: models.TxPending}, err
	}

	record := models.TransactionRecord{
		Nonce:       nonce,
		Status:      models.TxPending,
		SubmittedAt: time.Now(),
	}

	current := nonce
	// hashes broadcast with the current nonce, oldest first
	var broadcast []common.Hash
	signed := make(map[common.Hash]*types.Transaction)
	var prevBid *fees.FeeBid
	var lastErr error

	for attempt := 1; ; attempt++ {
		bid := s.estimator.Estimate(ctx)
		if prevBid != nil {
			bid = capBid(bump(bid, *prevBid, s.opts.ReplacementBump), s.opts.MaxFeeCap)
		}

		tx, err := s.sign(current, bid, intent, data)
		if err != nil {
			s.release(current, broadcast)
			return record, fmt.Errorf("failed to sign transaction: %w", err)
		}

		started := time.Now()
		if s.opts.OnAttempt != nil {
			s.opts.OnAttempt(SubmissionAttempt{
				Intent:    intent,
				Nonce:     current,
				Bid:       bid,
				Attempt:   attempt,
				Hash:      tx.Hash(),
				StartedAt: started,
			})
		}
		record.Attempts = attempt
		s.logger.DebugWithChain(s.chain, "Transfer %d attempt %d/%d: nonce %d, %s",
			intent.Index, attempt, s.policy.MaxAttempts, current, bid)

		lastErr = s.backend.SendTransaction(ctx, tx)
		if lastErr != nil {
			metrics.SubmissionAttempts.WithLabelValues(s.chainID, "send_error").Inc()
			if len(broadcast) > 0 && isNonceConsumed(lastErr) {
				// the nonce is taken by an earlier broadcast of this transfer; only
				// a revert of that broadcast frees the transfer to use another one
				receipt, waitErr := s.awaitBroadcast(ctx, broadcast)
				if waitErr != nil {
					lastErr = waitErr
					var timeout *txerr.ConfirmationTimeout
					if errors.As(waitErr, &timeout) {
						record.Status = models.TxUnconfirmedTimeout
					}
				} else {
					lastErr = s.settle(ctx, &record, receipt, started, current, signed[receipt.TxHash])
					if lastErr == nil {
						return record, nil
					}
				}
			}
		} else {
			broadcast = append(broadcast, tx.Hash())
			signed[tx.Hash()] = tx
			record.Hash = tx.Hash()
			record.Nonce = current
			s.logger.InfoWithChain(s.chain, "Transfer %d broadcast: %s (nonce %d)", intent.Index, tx.Hash().Hex(), current)

			receipt, waitErr := s.waiter.Wait(ctx, tx.Hash())
			if waitErr != nil {
				lastErr = waitErr
				var timeout *txerr.ConfirmationTimeout
				if errors.As(waitErr, &timeout) {
					record.Status = models.TxUnconfirmedTimeout
					metrics.SubmissionAttempts.WithLabelValues(s.chainID, "timeout").Inc()
				}
			} else {
				lastErr = s.settle(ctx, &record, receipt, started, current, tx)
				if lastErr == nil {
					return record, nil
				}
			}
		}

		// a cancel can surface as a wait, sleep or limiter error
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.release(current, broadcast)
			return record, fmt.Errorf("transfer %d attempt %d: %w", intent.Index, attempt, ctxErr)
		}

		metrics.RetryReasons.WithLabelValues(s.chainID, txerr.Reason(lastErr)).Inc()

		followUp := txerr.FollowUp(lastErr)
		if followUp == txerr.Abort {
			s.logger.ErrorWithChain(s.chain, "Transfer %d attempt %d failed fatally: %v", intent.Index, attempt, lastErr)
			s.release(current, broadcast)
			return record, fmt.Errorf("transfer %d attempt %d: %w", intent.Index, attempt, lastErr)
		}
		if s.policy.Decide(lastErr, attempt) == txerr.Abort {
			s.logger.ErrorWithChain(s.chain, "Transfer %d failed after %d attempts: %v", intent.Index, attempt, lastErr)
			s.release(current, broadcast)
			return record, &txerr.AttemptsExhausted{Attempts: attempt, Last: lastErr}
		}

		s.logger.NoticeWithChain(s.chain, "Transfer %d attempt %d failed (%s), next: %s",
			intent.Index, attempt, txerr.Reason(lastErr), followUp)

		switch followUp {
		case txerr.RetryFreshNonce:
			n, err := s.nonces.Next()
			if err != nil {
				return record, fmt.Errorf("failed to reserve nonce: %w", err)
			}
			current = n
			broadcast = nil
			prevBid = nil
		case txerr.Replace:
			prevBid = &bid
		case txerr.Retry:
			// with a pending broadcast the next bid must still outbid it
			if len(broadcast) == 0 {
				prevBid = nil
			} else {
				prevBid = &bid
			}
		}

		if err := backoff.Sleep(ctx, s.opts.Backoff.Next(attempt)); err != nil {
			s.release(current, broadcast)
			return record, err
		}
	}
}

// settle records a mined receipt. It returns nil for success and
// *txerr.ChainRevert for a failed status.
func (s *Submitter) settle(ctx context.Context, record *models.TransactionRecord, receipt *types.Receipt, started time.Time, nonce uint64, tx *types.Transaction) error {
	record.Hash = receipt.TxHash
	record.Nonce = nonce
	record.GasUsed = receipt.GasUsed
	if receipt.BlockNumber != nil {
		record.BlockNumber = receipt.BlockNumber.Uint64()
	}

	if receipt.Status == types.ReceiptStatusSuccessful {
		record.Status = models.TxConfirmed
		record.Latency = time.Since(started)
		record.RevertReason = ""
		metrics.SubmissionAttempts.WithLabelValues(s.chainID, "confirmed").Inc()
		metrics.ConfirmationLatency.WithLabelValues(s.chainID).Observe(record.Latency.Seconds())
		metrics.GasUsed.WithLabelValues(s.chainID).Observe(float64(receipt.GasUsed))
		s.logger.InfoWithChain(s.chain, "Transaction %s confirmed in block %d (gas used: %d)",
			receipt.TxHash.Hex(), record.BlockNumber, receipt.GasUsed)
		return nil
	}

	reason := ""
	if tx != nil {
		reason = s.revertReason(ctx, tx, receipt.BlockNumber)
	}
	record.Status = models.TxReverted
	record.RevertReason = reason
	metrics.SubmissionAttempts.WithLabelValues(s.chainID, "reverted").Inc()
	return &txerr.ChainRevert{Hash: receipt.TxHash, Block: record.BlockNumber, Reason: reason}
}

// revertReason replays tx at its block to recover the revert message
func (s *Submitter) revertReason(ctx context.Context, tx *types.Transaction, block *big.Int) string {
	msg := ethereum.CallMsg{
		From:  s.from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}
	out, err := s.backend.CallContract(ctx, msg, block)
	reason := contracts.DecodeRevert(out, err)
	if reason == "" && err != nil {
		s.logger.Debug("Failed to get the revert message for tx %s: %v", tx.Hash().Hex(), err)
	}
	return reason
}

// findMined looks for a receipt among earlier broadcasts of the current nonce
func (s *Submitter) findMined(ctx context.Context, hashes []common.Hash) *types.Receipt {
	for i := len(hashes) - 1; i >= 0; i-- {
		receipt, err := s.backend.Receipt(ctx, hashes[i])
		if err == nil && receipt != nil {
			return receipt
		}
	}
	return nil
}

// awaitBroadcast follows earlier broadcasts of the current nonce after the
// node reported the nonce as used. It waits on the latest one and checks all
// of them again when that wait times out.
func (s *Submitter) awaitBroadcast(ctx context.Context, hashes []common.Hash) (*types.Receipt, error) {
	if receipt := s.findMined(ctx, hashes); receipt != nil {
		return receipt, nil
	}
	latest := hashes[len(hashes)-1]
	s.logger.InfoWithChain(s.chain, "Nonce already used, waiting for earlier broadcast %s", latest.Hex())
	receipt, err := s.waiter.Wait(ctx, latest)
	if err == nil {
		return receipt, nil
	}
	var timeout *txerr.ConfirmationTimeout
	if errors.As(err, &timeout) {
		if receipt := s.findMined(ctx, hashes); receipt != nil {
			return receipt, nil
		}
	}
	return nil, err
}

// release hands back a nonce that never reached the chain
func (s *Submitter) release(nonce uint64, broadcast []common.Hash) {
	if len(broadcast) > 0 {
		return
	}
	if s.nonces.Release(nonce) {
		s.logger.Debug("Released unused nonce %d", nonce)
	}
}

func (s *Submitter) sign(nonce uint64, bid fees.FeeBid, intent models.TransferIntent, data []byte) (*types.Transaction, error) {
	to := s.opts.To
	var tx *types.Transaction
	if bid.Kind == fees.BidLegacy {
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: bid.GasPrice,
			Gas:      s.opts.GasLimit,
			To:       &to,
			Value:    contracts.Value(intent),
			Data:     data,
		})
	} else {
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   s.opts.ChainID,
			Nonce:     nonce,
			GasTipCap: bid.PriorityFee,
			GasFeeCap: bid.MaxFee,
			Gas:       s.opts.GasLimit,
			To:        &to,
			Value:     contracts.Value(intent),
			Data:      data,
		})
	}
	return s.signer(s.from, tx)
}

func isNonceConsumed(err error) bool {
	reason := txerr.Reason(err)
	return reason == "nonce_too_low" || reason == "already_known"
}

// bump raises bid so it replaces prev: every fee field is at least pct percent above prev
func bump(bid, prev fees.FeeBid, pct int64) fees.FeeBid {
	if bid.Kind != prev.Kind {
		return bid
	}
	if bid.Kind == fees.BidLegacy {
		bid.GasPrice = atLeast(bid.GasPrice, raise(prev.GasPrice, pct))
		return bid
	}
	bid.MaxFee = atLeast(bid.MaxFee, raise(prev.MaxFee, pct))
	bid.PriorityFee = atLeast(bid.PriorityFee, raise(prev.PriorityFee, pct))
	return bid
}

// capBid clamps a bid to capFee, keeping priority <= max
func capBid(bid fees.FeeBid, capFee *big.Int) fees.FeeBid {
	if capFee == nil {
		return bid
	}
	if bid.Kind == fees.BidLegacy {
		if bid.GasPrice != nil && bid.GasPrice.Cmp(capFee) > 0 {
			bid.GasPrice = new(big.Int).Set(capFee)
		}
		return bid
	}
	if bid.MaxFee != nil && bid.MaxFee.Cmp(capFee) > 0 {
		bid.MaxFee = new(big.Int).Set(capFee)
	}
	if bid.PriorityFee != nil && bid.MaxFee != nil && bid.PriorityFee.Cmp(bid.MaxFee) > 0 {
		bid.PriorityFee = new(big.Int).Set(bid.MaxFee)
	}
	return bid
}

func raise(v *big.Int, pct int64) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(v, big.NewInt(100+pct))
	out.Div(out, big.NewInt(100))
	if out.Cmp(v) == 0 {
		out.Add(out, big.NewInt(1))
	}
	return out
}

func atLeast(v, floor *big.Int) *big.Int {
	if v == nil || v.Cmp(floor) < 0 {
		return new(big.Int).Set(floor)
	}
	return v
}
