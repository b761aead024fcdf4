// Package allowance makes sure the port contract may spend the sender's token before a run starts.
package allowance

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/speedrun-hq/speedrun-relayer/pkg/config"
	"github.com/speedrun-hq/speedrun-relayer/pkg/contracts"
	"github.com/speedrun-hq/speedrun-relayer/pkg/logger"
	"github.com/speedrun-hq/speedrun-relayer/pkg/metrics"
	"github.com/speedrun-hq/speedrun-relayer/pkg/models"
	"github.com/speedrun-hq/speedrun-relayer/pkg/txerr"
)

const (
	DefaultAttempts = 5
	DefaultDelay    = 3 * time.Second
)

// NonceSource hands out nonces for approval transactions
type NonceSource interface {
	Next() (uint64, error)
	Release(n uint64) bool
}

// ReceiptWaiter blocks until an approval is mined
type ReceiptWaiter interface {
	Wait(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Options tunes the approval loop
type Options struct {
	Attempts uint
	Delay    time.Duration
}

// Guard checks and, when needed, grants the token allowance of one profile
type Guard struct {
	backend bind.ContractBackend
	nonces  NonceSource
	waiter  ReceiptWaiter
	signer  bind.SignerFn
	token   config.TokenConfig
	legacy  bool
	chainID int
	opts    Options
	logger  logger.Logger
}

// NewGuard creates a guard for profile, which must carry a token
func NewGuard(
	backend bind.ContractBackend,
	nonces NonceSource,
	waiter ReceiptWaiter,
	account models.Account,
	profile config.Profile,
	opts Options,
	log logger.Logger,
) (*Guard, error) {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	if profile.Token == nil {
		return nil, fmt.Errorf("profile %s has no approval token", profile.Name)
	}
	if account.Key == nil {
		return nil, &txerr.CredentialInvalid{Reason: "missing signing key"}
	}
	auth, err := bind.NewKeyedTransactorWithChainID(account.Key, big.NewInt(int64(profile.ChainID)))
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	if opts.Attempts == 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}

	return &Guard{
		backend: backend,
		nonces:  nonces,
		waiter:  waiter,
		signer:  auth.Signer,
		token:   *profile.Token,
		legacy:  profile.Fees.PreferLegacy,
		chainID: profile.ChainID,
		opts:    opts,
		logger:  log,
	}, nil
}

// EnsureApproved returns true once spender holds a non-zero allowance of token
// from owner, approving the maximum amount if none exists. An empty token
// balance fails immediately; an approval that never confirms fails after the
// configured attempts. Both return *txerr.AllowanceUnavailable.
func (g *Guard) EnsureApproved(ctx context.Context, owner, token, spender common.Address) (bool, error) {
	erc20 := contracts.NewERC20(token, g.backend)
	label := strconv.Itoa(g.chainID)

	var approvedNow bool
	err := retry.Do(func() error {
		callOpts := &bind.CallOpts{Context: ctx, From: owner}

		balance, err := erc20.BalanceOf(callOpts, owner)
		if err != nil {
			return err
		}
		if balance.Sign() == 0 {
			return retry.Unrecoverable(&txerr.AllowanceUnavailable{Token: token, Reason: "token balance is zero"})
		}

		current, err := erc20.Allowance(callOpts, owner, spender)
		if err != nil {
			return err
		}
		if current.Sign() > 0 {
			g.logger.DebugWithChain(g.chainID, "Allowance of %s for %s is %s", g.token.Symbol, spender.Hex(), current.String())
			return nil
		}

		if err := g.approve(ctx, erc20, owner, spender); err != nil {
			return err
		}
		approvedNow = true
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(g.opts.Attempts),
		retry.Delay(g.opts.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			g.logger.NoticeWithChain(g.chainID, "Approval of %s failed (attempt %d/%d): %v", g.token.Symbol, n+1, g.opts.Attempts, err)
		}),
	)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	if err != nil {
		var unavailable *txerr.AllowanceUnavailable
		if errors.As(err, &unavailable) {
			metrics.Approvals.WithLabelValues(label, "zero_balance").Inc()
			g.logger.ErrorWithChain(g.chainID, "%v", unavailable)
			return false, unavailable
		}
		metrics.Approvals.WithLabelValues(label, "failed").Inc()
		unavailable = &txerr.AllowanceUnavailable{
			Token:  token,
			Reason: fmt.Sprintf("approval not confirmed after %d attempts", g.opts.Attempts),
			Err:    err,
		}
		g.logger.ErrorWithChain(g.chainID, "%v", unavailable)
		return false, unavailable
	}

	if approvedNow {
		metrics.Approvals.WithLabelValues(label, "approved").Inc()
	} else {
		metrics.Approvals.WithLabelValues(label, "existing").Inc()
	}
	return true, nil
}

func (g *Guard) approve(ctx context.Context, erc20 *contracts.ERC20, owner, spender common.Address) error {
	legacy := g.legacy
	if !legacy {
		head, err := g.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to read head: %w", err)
		}
		legacy = head.BaseFee == nil
	}

	n, err := g.nonces.Next()
	if err != nil {
		return err
	}

	opts := &bind.TransactOpts{
		From:     owner,
		Signer:   g.signer,
		Nonce:    new(big.Int).SetUint64(n),
		GasLimit: g.token.ApprovalGasLimit,
		Context:  ctx,
	}
	if legacy {
		opts.GasPrice = g.token.ApprovalMaxFee
	} else {
		opts.GasFeeCap = g.token.ApprovalMaxFee
		opts.GasTipCap = g.token.ApprovalPriorityFee
	}

	g.logger.InfoWithChain(g.chainID, "Approving %s (%s) for spender %s with nonce %d", g.token.Symbol, erc20.Address().Hex(), spender.Hex(), n)
	tx, err := erc20.Approve(opts, spender, contracts.MaxUint256)
	if err != nil {
		g.nonces.Release(n)
		return fmt.Errorf("failed to send approve transaction: %w", err)
	}

	receipt, err := g.waiter.Wait(ctx, tx.Hash())
	if err != nil {
		return fmt.Errorf("failed to wait for approve transaction: %w", err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		revert := &txerr.ChainRevert{Hash: tx.Hash()}
		if receipt.BlockNumber != nil {
			revert.Block = receipt.BlockNumber.Uint64()
		}
		return revert
	}

	g.logger.InfoWithChain(g.chainID, "Approved %s for spender %s (gas used: %d)", g.token.Symbol, spender.Hex(), receipt.GasUsed)
	return nil
}
