// Package txerr defines the error taxonomy shared by the submission pipeline
// and the policy that decides how a failed attempt is followed up.
package txerr

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Kind is the coarse classification of a pipeline error.
type Kind int

const (
	KindUnknown Kind = iota
	KindRPC
	KindConfirmationTimeout
	KindChainRevert
	KindCorrelationNotFound
	KindAllowanceUnavailable
	KindCredentialInvalid
	KindAttemptsExhausted
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindRPC:
		return "rpc_error"
	case KindConfirmationTimeout:
		return "confirmation_timeout"
	case KindChainRevert:
		return "chain_revert"
	case KindCorrelationNotFound:
		return "correlation_not_found"
	case KindAllowanceUnavailable:
		return "allowance_unavailable"
	case KindCredentialInvalid:
		return "credential_invalid"
	case KindAttemptsExhausted:
		return "attempts_exhausted"
	case KindCanceled:
		return "canceled"
	}
	return "unknown"
}

// RpcError wraps a failed JSON-RPC call without masking the node's error.
type RpcError struct {
	Endpoint string
	Op       string
	Err      error
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("rpc %s via %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *RpcError) Unwrap() error { return e.Err }

// ConfirmationTimeout means no receipt was observed within the polling budget.
// The transaction may still be mined later.
type ConfirmationTimeout struct {
	Hash    common.Hash
	Retries int
}

func (e *ConfirmationTimeout) Error() string {
	return fmt.Sprintf("transaction %s not confirmed after %d attempts", e.Hash.Hex(), e.Retries)
}

// ChainRevert means the transaction was mined with a failed status.
type ChainRevert struct {
	Hash   common.Hash
	Block  uint64
	Reason string
}

func (e *ChainRevert) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("transaction %s reverted in block %d", e.Hash.Hex(), e.Block)
	}
	return fmt.Sprintf("transaction %s reverted in block %d: %s", e.Hash.Hex(), e.Block, e.Reason)
}

// CorrelationNotFound is the soft outcome of an indexer lookup that never matched.
type CorrelationNotFound struct {
	TxHash   string
	Attempts int
}

func (e *CorrelationNotFound) Error() string {
	return fmt.Sprintf("no relay packet found for %s after %d attempts", e.TxHash, e.Attempts)
}

// AllowanceUnavailable is fatal for a run: the token balance is empty or approval could not be confirmed.
type AllowanceUnavailable struct {
	Token  common.Address
	Reason string
	Err    error
}

func (e *AllowanceUnavailable) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("allowance unavailable for token %s: %s: %v", e.Token.Hex(), e.Reason, e.Err)
	}
	return fmt.Sprintf("allowance unavailable for token %s: %s", e.Token.Hex(), e.Reason)
}

func (e *AllowanceUnavailable) Unwrap() error { return e.Err }

// CredentialInvalid is returned before any submission when the signing key is missing or malformed.
type CredentialInvalid struct {
	Reason string
}

func (e *CredentialInvalid) Error() string {
	return "invalid credential: " + e.Reason
}

// AttemptsExhausted is returned when the submission ceiling is reached.
type AttemptsExhausted struct {
	Attempts int
	Last     error
}

func (e *AttemptsExhausted) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *AttemptsExhausted) Unwrap() error { return e.Last }

// Classify maps an error onto its Kind, looking through wrapped errors.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var (
		credential *CredentialInvalid
		allowance  *AllowanceUnavailable
		exhausted  *AttemptsExhausted
		revert     *ChainRevert
		timeout    *ConfirmationTimeout
		notFound   *CorrelationNotFound
		rpcErr     *RpcError
	)

	switch {
	case errors.As(err, &credential):
		return KindCredentialInvalid
	case errors.As(err, &allowance):
		return KindAllowanceUnavailable
	case errors.As(err, &exhausted):
		return KindAttemptsExhausted
	case errors.As(err, &revert):
		return KindChainRevert
	case errors.As(err, &timeout):
		return KindConfirmationTimeout
	case errors.As(err, &notFound):
		return KindCorrelationNotFound
	case errors.As(err, &rpcErr):
		return KindRPC
	case isCanceled(err):
		return KindCanceled
	}
	return KindUnknown
}
