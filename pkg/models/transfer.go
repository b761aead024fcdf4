package models

import (
	"crypto/ecdsa"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Account is the signing identity of one run. It is never persisted.
type Account struct {
	Address common.Address
	Key     *ecdsa.PrivateKey
	Label   string
}

// NewAccount derives the address of key
func NewAccount(key *ecdsa.PrivateKey, label string) Account {
	return Account{Address: crypto.PubkeyToAddress(key.PublicKey), Key: key, Label: label}
}

// Instruction is the fixed-shape payload handed to the port contract.
type Instruction struct {
	Version uint8
	Opcode  uint8
	Operand []byte
}

// TransferIntent is one transfer to submit. It is immutable once composed.
type TransferIntent struct {
	Index            int
	ChannelID        uint32
	TimeoutHeight    uint64
	TimeoutTimestamp uint64
	Salt             [32]byte
	Instruction      Instruction
	Value            *big.Int
}

// TxStatus is the lifecycle status of a submitted transaction.
type TxStatus int

const (
	TxPending TxStatus = iota
	TxConfirmed
	TxReverted
	TxUnconfirmedTimeout
)

func (s TxStatus) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxConfirmed:
		return "confirmed"
	case TxReverted:
		return "reverted"
	case TxUnconfirmedTimeout:
		return "unconfirmed_timeout"
	}
	return "unknown"
}

// MarshalText renders the status by name in journal entries.
func (s TxStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status written by MarshalText.
func (s *TxStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "confirmed":
		*s = TxConfirmed
	case "reverted":
		*s = TxReverted
	case "unconfirmed_timeout":
		*s = TxUnconfirmedTimeout
	default:
		*s = TxPending
	}
	return nil
}

// TransactionRecord tracks one submitted transaction until it resolves.
type TransactionRecord struct {
	Hash         common.Hash   `json:"hash"`
	Nonce        uint64        `json:"nonce"`
	Status       TxStatus      `json:"status"`
	Latency      time.Duration `json:"latency"`
	Attempts     int           `json:"attempts"`
	BlockNumber  uint64        `json:"block_number,omitempty"`
	GasUsed      uint64        `json:"gas_used,omitempty"`
	RevertReason string        `json:"revert_reason,omitempty"`
	SubmittedAt  time.Time     `json:"submitted_at"`
}

// RelayCorrelation links a source transaction to its downstream packet.
// Found is false when the indexer never reported one, which is a valid terminal value.
type RelayCorrelation struct {
	SourceTx   string `json:"source_tx"`
	PacketHash string `json:"packet_hash,omitempty"`
	Found      bool   `json:"found"`
}

// TransferState is the orchestrator state of one transfer.
type TransferState int

const (
	StatePending TransferState = iota
	StateSubmitted
	StateConfirmed
	StateCorrelated
	StateFailed
)

func (s TransferState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSubmitted:
		return "submitted"
	case StateConfirmed:
		return "confirmed"
	case StateCorrelated:
		return "correlated"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// MarshalText renders the state by name in journal entries.
func (s TransferState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state written by MarshalText.
func (s *TransferState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "submitted":
		*s = StateSubmitted
	case "confirmed":
		*s = StateConfirmed
	case "correlated":
		*s = StateCorrelated
	case "failed":
		*s = StateFailed
	default:
		*s = StatePending
	}
	return nil
}

// Terminal reports whether no further transitions are possible.
func (s TransferState) Terminal() bool {
	return s == StateConfirmed || s == StateCorrelated || s == StateFailed
}

// Succeeded reports whether the transfer confirmed on chain.
func (s TransferState) Succeeded() bool {
	return s == StateConfirmed || s == StateCorrelated
}

// TransferResult is the terminal report for one transfer of a run.
type TransferResult struct {
	RunID       string             `json:"run_id"`
	Profile     string             `json:"profile"`
	ChainID     int                `json:"chain_id"`
	Index       int                `json:"index"`
	State       TransferState      `json:"state"`
	Record      *TransactionRecord `json:"record,omitempty"`
	Correlation *RelayCorrelation  `json:"correlation,omitempty"`
	Nonces      []uint64           `json:"nonces,omitempty"`
	Error       string             `json:"error,omitempty"`
	FinishedAt  time.Time          `json:"finished_at"`
}
