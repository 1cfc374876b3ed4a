package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/noah-isme/errand-pay/internal/channel"
	"github.com/noah-isme/errand-pay/internal/payment"
)

// Session is one checkout attempt for a subject. It is owned by the run that created
// it; other goroutines only read it through Snapshot or supersede it.
type Session struct {
	ID        string
	Request   payment.Request
	StartedAt time.Time
	Deadline  time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	state  State
	intent *payment.Intent
	source *payment.Source
	handle channel.Handle

	// emitMu serialises signal emission with supersession so a superseded session
	// can never emit after Supersede returns.
	emitMu  sync.Mutex
	silent  atomic.Bool
	settled bool
}

// Snapshot is a read-only copy of a session.
type Snapshot struct {
	ID        string
	SubjectID string
	Method    payment.Method
	State     State
	StartedAt time.Time
	Deadline  time.Time
	Intent    *payment.Intent
	Source    *payment.Source
}

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:        s.ID,
		SubjectID: s.Request.SubjectID,
		Method:    s.Request.Method,
		State:     s.state,
		StartedAt: s.StartedAt,
		Deadline:  s.Deadline,
	}
	if s.intent != nil {
		in := *s.intent
		snap.Intent = &in
	}
	if s.source != nil {
		src := *s.source
		snap.Source = &src
	}
	return snap
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setIntent(in payment.Intent) {
	s.mu.Lock()
	s.intent = &in
	s.mu.Unlock()
}

func (s *Session) setSource(src payment.Source) {
	s.mu.Lock()
	s.source = &src
	s.mu.Unlock()
}

func (s *Session) setHandle(h channel.Handle) {
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
}

// closeChannel force-closes the external channel if one is open.
func (s *Session) closeChannel() {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()
	if h != nil {
		_ = h.Close()
	}
}

func (s *Session) moveTo(to State) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.state
	if err := checkTransition(from, to); err != nil {
		return from, err
	}
	s.state = to
	return from, nil
}

// silence stops all further emission and cancels the session context with cause.
func (s *Session) silence(cause error) {
	s.emitMu.Lock()
	s.silent.Store(true)
	s.emitMu.Unlock()
	s.cancel(cause)
}
