// Package signal provides level-triggered cancellation flags shared between
// a coordinator and its workers.
//
// The primary implementation is a lock-free atomic flag that workers can
// poll between chunks of work at negligible cost. The polled implementation
// covers execution environments where state cannot be shared and
// cancellation must arrive as a delivered message instead; it trades
// latency (one poll interval) for the same observable behavior.
package signal

import (
	"sync"
	"sync/atomic"
)

// Signal is a one-way cancellation flag. Once set it stays set until Reset.
type Signal interface {
	// Set raises the flag. Idempotent.
	Set()

	// IsSet reports whether the flag is raised.
	IsSet() bool

	// Done returns a channel closed when the flag is raised, for use in
	// select loops. The channel is replaced by Reset.
	Done() <-chan struct{}

	// Reset lowers the flag so the signal can be reused.
	Reset()
}

// AtomicSignal is the shared-memory implementation. Set and IsSet are
// lock-free; workers may call IsSet in tight loops.
type AtomicSignal struct {
	flag atomic.Bool

	mu   sync.Mutex
	done chan struct{}
}

// NewAtomic creates an unraised atomic signal.
func NewAtomic() *AtomicSignal {
	return &AtomicSignal{done: make(chan struct{})}
}

func (s *AtomicSignal) Set() {
	if s.flag.CompareAndSwap(false, true) {
		s.mu.Lock()
		close(s.done)
		s.mu.Unlock()
	}
}

func (s *AtomicSignal) IsSet() bool {
	return s.flag.Load()
}

func (s *AtomicSignal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *AtomicSignal) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flag.Load() {
		s.done = make(chan struct{})
		s.flag.Store(false)
	}
}

// PolledSignal is the message-delivery fallback. The raiser calls Set; the
// observing side learns of it when its pump calls Deliver, typically on a
// timer or alongside other inbound messages. Between deliveries IsSet
// reports the last delivered state, so cancellation latency is bounded by
// the poll interval rather than instantaneous.
type PolledSignal struct {
	mu        sync.Mutex
	requested bool
	delivered bool
	done      chan struct{}
}

// NewPolled creates an unraised polled signal.
func NewPolled() *PolledSignal {
	return &PolledSignal{done: make(chan struct{})}
}

func (s *PolledSignal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requested = true
}

// Deliver propagates a pending Set to observers. Returns true if the flag
// transitioned.
func (s *PolledSignal) Deliver() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.requested || s.delivered {
		return false
	}
	s.delivered = true
	close(s.done)
	return true
}

func (s *PolledSignal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

func (s *PolledSignal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *PolledSignal) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delivered {
		s.done = make(chan struct{})
	}
	s.requested = false
	s.delivered = false
}
