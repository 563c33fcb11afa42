package trunk

import (
	"context"
	"net"
	"testing"
	"time"
)

type fakeDialog struct {
	answered bool
	hungUp   bool
	dtmf     string
	conn     *net.UDPConn
	remote   *net.UDPAddr
}

func (d *fakeDialog) Answer(ctx context.Context) error { d.answered = true; return nil }
func (d *fakeDialog) Hangup(ctx context.Context) error { d.hungUp = true; return nil }
func (d *fakeDialog) SendDTMF(ctx context.Context, digits string) error {
	d.dtmf += digits
	return nil
}
func (d *fakeDialog) MediaConn() *net.UDPConn { return d.conn }
func (d *fakeDialog) RemoteMedia() *net.UDPAddr { return d.remote }

func newRingingSession(id string) *CallSession {
	return &CallSession{
		ID:        id,
		Direction: DirectionInbound,
		CallerNum: "77770000001",
		CalleeNum: "77770000002",
		CreatedAt: time.Now(),
		state:     StateRinging,
	}
}

func TestSessionTransitions(t *testing.T) {
	s := newRingingSession("c1")

	if err := s.transition(StateOngoing); err != nil {
		t.Fatalf("ringing -> ongoing failed: %v", err)
	}
	if s.AnsweredAt.IsZero() {
		t.Error("answer time not recorded")
	}
	if err := s.transition(StateRinging); err == nil {
		t.Error("ongoing -> ringing should fail")
	}
	if err := s.transition(StateCompleted); err != nil {
		t.Fatalf("ongoing -> completed failed: %v", err)
	}
	if s.EndedAt.IsZero() {
		t.Error("end time not recorded")
	}
	if err := s.transition(StateOngoing); err == nil {
		t.Error("terminal state must not transition")
	}
	if s.State() != StateCompleted {
		t.Errorf("state = %s, want completed", s.State())
	}
}

func TestSessionFailedIsTerminal(t *testing.T) {
	s := newRingingSession("c2")
	if err := s.transition(StateFailed); err != nil {
		t.Fatalf("ringing -> failed: %v", err)
	}
	if err := s.transition(StateCompleted); err == nil {
		t.Error("failed -> completed should be rejected")
	}
}

func TestTerminalReleasesDialog(t *testing.T) {
	s := newRingingSession("c3")
	s.setDialog(&fakeDialog{})
	if s.Dialog() == nil {
		t.Fatal("dialog not set")
	}
	if err := s.transition(StateCompleted); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if s.Dialog() != nil {
		t.Error("dialog not released on terminal state")
	}
}

func TestEndSessionIdempotent(t *testing.T) {
	r := NewRegistry(Config{Server: "trunk.example.com", MaxCalls: 5})
	sub := r.Events().Subscribe()

	s := newRingingSession("c4")
	r.sessions[s.ID] = s

	r.endSession(s.ID, StateCompleted)
	r.endSession(s.ID, StateCompleted)
	r.endSession("unknown", StateCompleted)

	count := 0
	for {
		select {
		case ev := <-sub.Events():
			if ev.Type == EventEnded {
				count++
			}
		default:
			if count != 1 {
				t.Fatalf("got %d ended events, want 1", count)
			}
			return
		}
	}
}

func TestSendDTMFRequiresDialog(t *testing.T) {
	r := NewRegistry(Config{Server: "trunk.example.com"})
	s := newRingingSession("c5")
	r.sessions[s.ID] = s

	if err := r.SendDTMF(context.Background(), "unknown", "1"); err == nil {
		t.Error("expected error for unknown call")
	}
	if err := r.SendDTMF(context.Background(), s.ID, "1"); err == nil {
		t.Error("expected error for call without dialog")
	}

	d := &fakeDialog{}
	s.setDialog(d)
	if err := r.SendDTMF(context.Background(), s.ID, "12#"); err != nil {
		t.Fatalf("SendDTMF failed: %v", err)
	}
	if d.dtmf != "12#" {
		t.Errorf("dialog received %q, want %q", d.dtmf, "12#")
	}
}

func TestHangupUnknownCall(t *testing.T) {
	r := NewRegistry(Config{Server: "trunk.example.com"})
	if err := r.HangupCall(context.Background(), "nope"); err == nil {
		t.Error("expected NotFound error")
	}
}
