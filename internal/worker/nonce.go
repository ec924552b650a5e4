/**
 * @description
 * Process-local nonce allocation for the treasury signing key. The chain
 * requires strictly sequential per-sender nonces, so the sequencer hands out
 * increasing integers under a single mutex and re-synchronizes with the chain
 * whenever it cannot be certain of the next value.
 *
 * The sequencer is safe for concurrent goroutines within one process but its
 * state must never be shared across processes: at most one worker process may
 * drive disbursements for a given treasury key at a time.
 */

package worker

import (
	"context"
	"fmt"
	"sync"
)

// SequenceReader is the single chain operation the sequencer needs.
type SequenceReader interface {
	PendingSequence(ctx context.Context, address string) (uint64, error)
}

// NonceSequencer allocates strictly increasing transaction nonces for one
// signing address.
type NonceSequencer struct {
	chain SequenceReader

	mu          sync.Mutex
	current     uint64
	initialized bool
	pending     int
}

// NewNonceSequencer creates a sequencer that lazily adopts the chain's
// pending-inclusive sequence on first use.
func NewNonceSequencer(chain SequenceReader) *NonceSequencer {
	return &NonceSequencer{chain: chain}
}

// Next returns the nonce to use for the next submission. The fetch-adopt,
// return and increment form one critical section; no two callers can
// interleave inside it.
func (s *NonceSequencer) Next(ctx context.Context, address string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		seq, err := s.chain.PendingSequence(ctx, address)
		if err != nil {
			return 0, fmt.Errorf("fetch pending sequence for %s: %w", address, err)
		}
		s.current = seq
		s.initialized = true
	}

	nonce := s.current
	s.current++
	s.pending++
	return nonce, nil
}

// MarkConfirmed records that one allocated nonce's transaction confirmed.
// When no allocations remain outstanding the sequencer drops its cached value
// so the next allocation re-synchronizes with the chain; this guards against
// transactions from the same key that this process did not submit.
func (s *NonceSequencer) MarkConfirmed() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending > 0 {
		s.pending--
	}
	if s.pending == 0 {
		s.initialized = false
	}
}

// ResetOnError discards all sequencer state. Must be called on any submission
// failure: an allocated nonce whose transaction never landed would otherwise
// block every later transaction from the treasury key.
func (s *NonceSequencer) ResetOnError() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = false
	s.pending = 0
	s.current = 0
}
