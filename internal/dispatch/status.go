package dispatch

import (
	"sync"
	"time"

	"github.com/hdlkit/stimgate/internal/command"
)

// Status is a read-only snapshot of executor progress. Pending counts the
// queued commands plus the one in flight, if any. When nothing is in flight
// Current equals Previous.
type Status struct {
	Current  uint64 `json:"current_index"`
	Previous uint64 `json:"previous_index"`
	Pending  int    `json:"pending_count"`
}

// TransactionSnapshot records one executed command for observers. The
// dispatcher keeps only the most recent snapshot; recorders receive every
// one.
type TransactionSnapshot struct {
	RunID       string       `json:"run_id"`
	Seq         uint64       `json:"seq"`
	Kind        command.Kind `json:"kind"`
	Payload     command.Word `json:"payload"`
	Response    command.Word `json:"response"`
	Cycles      uint         `json:"cycles,omitempty"`
	Mismatch    bool         `json:"mismatch,omitempty"`
	Message     string       `json:"message,omitempty"`
	CompletedAt time.Time    `json:"completed_at"`
}

// tracker is the executor-written, interpreter-read progress state. The
// executor is the only writer. gen is closed and replaced on every change so
// waiters can block without polling.
type tracker struct {
	mu          sync.Mutex
	current     uint64
	previous    uint64
	inflight    bool
	completions uint64
	gen         chan struct{}
}

func newTracker() *tracker {
	return &tracker{gen: make(chan struct{})}
}

func (t *tracker) begin(seq uint64) {
	t.mu.Lock()
	t.current = seq
	t.inflight = true
	t.bumpLocked()
	t.mu.Unlock()
}

func (t *tracker) complete(seq uint64) {
	t.mu.Lock()
	t.previous = seq
	t.inflight = false
	t.completions++
	t.bumpLocked()
	t.mu.Unlock()
}

func (t *tracker) bumpLocked() {
	close(t.gen)
	t.gen = make(chan struct{})
}

// changed returns a channel closed on the next progress update. Callers must
// grab the channel before re-checking their condition.
func (t *tracker) changed() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

func (t *tracker) idle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.inflight && t.current == t.previous
}

func (t *tracker) done() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completions
}

func (t *tracker) snapshot(queued int) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	pending := queued
	if t.inflight {
		pending++
	}
	return Status{Current: t.current, Previous: t.previous, Pending: pending}
}

// termSignal is the two-state interrupt flag. The interpreter raises it, the
// executor observes and clears it. Raising while active is idempotent.
type termSignal struct {
	mu     sync.Mutex
	active bool
	ch     chan struct{}
}

func newTermSignal() *termSignal {
	return &termSignal{ch: make(chan struct{})}
}

// Raise activates the signal, releasing any wait blocked on Armed.
func (s *termSignal) Raise() {
	s.mu.Lock()
	if !s.active {
		s.active = true
		close(s.ch)
	}
	s.mu.Unlock()
}

// Clear deactivates the signal and reports whether it was active.
func (s *termSignal) Clear() bool {
	s.mu.Lock()
	was := s.active
	if s.active {
		s.active = false
		s.ch = make(chan struct{})
	}
	s.mu.Unlock()
	return was
}

// Armed returns a channel that is closed while the signal is active.
func (s *termSignal) Armed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}
