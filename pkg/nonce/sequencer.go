package nonce

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/speedrun-relayer/pkg/logger"
)

// ErrNotSeeded is returned by Next before Seed succeeded
var ErrNotSeeded = errors.New("nonce sequencer not seeded")

// Source reports the next nonce the node expects for an account
type Source interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Sequencer hands out strictly increasing nonces for one account on one chain.
// It is seeded from the node once and never resyncs during a run.
type Sequencer struct {
	address common.Address
	// Next nonce to hand out
	current uint64
	seeded  bool
	// Every nonce handed out, in order
	issued []uint64
	mu     sync.Mutex
	logger logger.Logger
}

// NewSequencer creates a sequencer for address
func NewSequencer(address common.Address, log logger.Logger) *Sequencer {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Sequencer{address: address, logger: log}
}

// Seed reads the pending nonce. Calling it again after a successful seed is a no-op.
func (s *Sequencer) Seed(ctx context.Context, src Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seeded {
		return nil
	}

	pending, err := src.PendingNonceAt(ctx, s.address)
	if err != nil {
		return fmt.Errorf("failed to get pending nonce: %w", err)
	}

	s.current = pending
	s.seeded = true
	s.logger.Info("Seeded nonce for %s at %d", s.address.Hex(), pending)
	return nil
}

// Next reserves and returns the next nonce
func (s *Sequencer) Next() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.seeded {
		return 0, ErrNotSeeded
	}

	n := s.current
	s.current++
	s.issued = append(s.issued, n)
	return n, nil
}

// Release returns n for reuse. It only takes effect when n is the most recently
// issued nonce; the caller guarantees no transaction with n was broadcast.
func (s *Sequencer) Release(n uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.issued) == 0 || s.issued[len(s.issued)-1] != n || s.current != n+1 {
		s.logger.Debug("Cannot release nonce %d - not the last issued", n)
		return false
	}

	s.current = n
	s.issued = s.issued[:len(s.issued)-1]
	s.logger.Debug("Nonce %d released for reuse", n)
	return true
}

// Peek returns the nonce Next would hand out
func (s *Sequencer) Peek() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Seeded reports whether Seed succeeded
func (s *Sequencer) Seeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seeded
}

// Issued returns a copy of every nonce handed out and not released
func (s *Sequencer) Issued() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.issued))
	copy(out, s.issued)
	return out
}
