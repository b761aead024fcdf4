package txerr

import (
	"context"
	"errors"
	"strings"
)

// Decision tells the submitter how to follow up a failed attempt.
type Decision int

const (
	// Abort stops the submission loop for this transfer.
	Abort Decision = iota
	// Retry sends a new attempt with the same nonce; nothing reached the chain.
	Retry
	// RetryFreshNonce sends a new attempt with the next nonce; the previous one was consumed on chain.
	RetryFreshNonce
	// Replace re-broadcasts with the same nonce and a fresh fee; the previous attempt may still be pending.
	Replace
)

func (d Decision) String() string {
	switch d {
	case Retry:
		return "retry"
	case RetryFreshNonce:
		return "retry_fresh_nonce"
	case Replace:
		return "replace"
	}
	return "abort"
}

// RetryPolicy decides the follow-up for a failed submission attempt.
type RetryPolicy struct {
	MaxAttempts int
}

// NewRetryPolicy returns a policy bounded by maxAttempts. Values below one are raised to one.
func NewRetryPolicy(maxAttempts int) RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return RetryPolicy{MaxAttempts: maxAttempts}
}

// Decide returns the follow-up for err observed on the given 1-based attempt.
func (p RetryPolicy) Decide(err error, attempt int) Decision {
	if err == nil || attempt >= p.MaxAttempts {
		return Abort
	}
	return FollowUp(err)
}

// FollowUp returns the follow-up for err ignoring the attempt ceiling. Abort
// here means the error is fatal.
func FollowUp(err error) Decision {
	if err == nil {
		return Abort
	}

	switch Classify(err) {
	case KindCanceled, KindCredentialInvalid, KindAllowanceUnavailable, KindAttemptsExhausted:
		return Abort
	case KindChainRevert:
		return RetryFreshNonce
	case KindConfirmationTimeout:
		return Replace
	}

	switch Reason(err) {
	case "insufficient_balance":
		return Abort
	case "nonce_too_low":
		return RetryFreshNonce
	case "already_known":
		return Replace
	}
	return Retry
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Reason groups node error messages into a small label set used for metrics and retry decisions.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	switch Classify(err) {
	case KindChainRevert:
		return "contract_error"
	case KindConfirmationTimeout:
		return "confirmation_timeout"
	case KindCanceled:
		return "canceled"
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "already known"):
		return "already_known"
	case strings.Contains(errStr, "nonce too low"):
		return "nonce_too_low"
	case strings.Contains(errStr, "nonce too high"),
		strings.Contains(errStr, "replacement transaction underpriced"):
		return "nonce_error"
	case strings.Contains(errStr, "insufficient funds"),
		strings.Contains(errStr, "insufficient balance"):
		return "insufficient_balance"
	case strings.Contains(errStr, "gas price too low"),
		strings.Contains(errStr, "max fee per gas less than block base fee"),
		strings.Contains(errStr, "transaction underpriced"),
		strings.Contains(errStr, "gas required exceeds allowance"):
		return "gas_error"
	case strings.Contains(errStr, "execution reverted"),
		strings.Contains(errStr, "invalid opcode"),
		strings.Contains(errStr, "out of gas"):
		return "contract_error"
	case strings.Contains(errStr, "connection refused"),
		strings.Contains(errStr, "timeout"),
		strings.Contains(errStr, "timed out"),
		strings.Contains(errStr, "no response"),
		strings.Contains(errStr, "too many requests"),
		strings.Contains(errStr, "429"),
		strings.Contains(errStr, "eof"):
		return "network_error"
	case strings.Contains(errStr, "missing trie node"),
		strings.Contains(errStr, "header not found"),
		strings.Contains(errStr, "block not found"):
		return "node_state_error"
	}
	return "unknown_error"
}
