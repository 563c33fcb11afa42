package trunk

import (
	"fmt"
	"sync"
	"time"
)

// ============================================
// CALL SESSIONS
// ============================================

// CallState tracks the lifecycle of one trunk call.
type CallState string

const (
	StateRinging   CallState = "ringing"
	StateOngoing   CallState = "ongoing"
	StateCompleted CallState = "completed"
	StateFailed    CallState = "failed"
)

// CallDirection distinguishes who initiated the call.
type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
)

// CallSession is the registry's record of one call on the trunk. The
// signaling dialog handle is owned exclusively by the session and is
// released when the call terminates.
type CallSession struct {
	ID         string
	Direction  CallDirection
	CallerNum  string
	CalleeNum  string
	CreatedAt  time.Time
	AnsweredAt time.Time
	EndedAt    time.Time

	mu     sync.RWMutex
	state  CallState
	dialog Dialog
}

// State returns the session's current lifecycle state.
func (s *CallSession) State() CallState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Dialog returns the signaling dialog handle, or nil once released.
func (s *CallSession) Dialog() Dialog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dialog
}

// transition moves the session forward through its lifecycle. Transitions
// only run forward: ringing -> ongoing -> completed/failed. A session in a
// terminal state never leaves it.
func (s *CallSession) transition(next CallState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateCompleted, StateFailed:
		return fmt.Errorf("call %s already %s, cannot transition to %s", s.ID, s.state, next)
	case StateOngoing:
		if next == StateRinging {
			return fmt.Errorf("call %s cannot return to ringing", s.ID)
		}
	}

	s.state = next
	switch next {
	case StateOngoing:
		s.AnsweredAt = time.Now()
	case StateCompleted, StateFailed:
		s.EndedAt = time.Now()
		if s.dialog != nil {
			if conn := s.dialog.MediaConn(); conn != nil {
				conn.Close()
			}
		}
		s.dialog = nil
	}
	return nil
}

func (s *CallSession) setDialog(d Dialog) {
	s.mu.Lock()
	s.dialog = d
	s.mu.Unlock()
}

// Duration reports how long the call has been (or was) connected.
func (s *CallSession) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.AnsweredAt.IsZero() {
		return 0
	}
	end := s.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.AnsweredAt)
}
