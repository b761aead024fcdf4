// Package confirm polls for transaction receipts with capped exponential backoff.
package confirm

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/speedrun-hq/speedrun-relayer/pkg/backoff"
	"github.com/speedrun-hq/speedrun-relayer/pkg/config"
	"github.com/speedrun-hq/speedrun-relayer/pkg/logger"
	"github.com/speedrun-hq/speedrun-relayer/pkg/txerr"
)

// ReceiptSource returns a receipt, or nil when the transaction is not yet mined
type ReceiptSource interface {
	Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Waiter waits for receipts on one chain
type Waiter struct {
	source     ReceiptSource
	backoff    backoff.Exponential
	maxRetries int
	logger     logger.Logger
}

// NewWaiter creates a waiter polling source with the given schedule
func NewWaiter(source ReceiptSource, cfg config.BackoffConfig, log logger.Logger) *Waiter {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	retries := cfg.MaxRetries
	if retries < 1 {
		retries = 1
	}
	return &Waiter{
		source:     source,
		backoff:    backoff.Exponential{Initial: cfg.Initial, Multiplier: cfg.Multiplier, Max: cfg.Max},
		maxRetries: retries,
		logger:     log,
	}
}

// Wait polls until a receipt appears, returning it whatever its status.
// When every retry is spent it returns *txerr.ConfirmationTimeout.
func (w *Waiter) Wait(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	start := time.Now()
	for retry := 1; retry <= w.maxRetries; retry++ {
		receipt, err := w.source.Receipt(ctx, hash)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			w.logger.Debug("Receipt lookup for %s failed (retry %d/%d): %v", hash.Hex(), retry, w.maxRetries, err)
		} else if receipt != nil {
			w.logger.Debug("Receipt for %s after %d polls in %s", hash.Hex(), retry, time.Since(start).Round(time.Millisecond))
			return receipt, nil
		}

		if retry == w.maxRetries {
			break
		}
		if err := backoff.Sleep(ctx, w.backoff.Next(retry)); err != nil {
			return nil, err
		}
	}

	w.logger.Notice("Transaction %s not confirmed after %d polls", hash.Hex(), w.maxRetries)
	return nil, &txerr.ConfirmationTimeout{Hash: hash, Retries: w.maxRetries}
}
