package media

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
)

type fakeEndpoint struct {
	mu        sync.Mutex
	id        string
	played    []string
	forkURL   string
	forkStops int
	destroyed bool
	playErr   error
}

func (e *fakeEndpoint) ID() string { return e.id }
func (e *fakeEndpoint) Play(ctx context.Context, path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.playErr != nil {
		return e.playErr
	}
	e.played = append(e.played, path)
	return nil
}
func (e *fakeEndpoint) StartFork(ctx context.Context, destURL string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forkURL = destURL
	return nil
}
func (e *fakeEndpoint) StopFork(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forkStops++
	return nil
}
func (e *fakeEndpoint) Destroy(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyed = true
	return nil
}

type fakeServer struct {
	connectErr error
	attached   int
	dialogs    []any
}

func (s *fakeServer) Connect(ctx context.Context) error { return s.connectErr }
func (s *fakeServer) Attach(ctx context.Context, callID string, dialog any) (Endpoint, error) {
	s.attached++
	s.dialogs = append(s.dialogs, dialog)
	return &fakeEndpoint{id: "ep-" + callID}, nil
}

func TestConnectCallerDisabled(t *testing.T) {
	m := NewManager(ManagerConfig{Disabled: true}, &fakeServer{})
	if _, err := m.ConnectCaller(context.Background(), "c1", nil); !errors.Is(err, ErrDisabled) {
		t.Errorf("got %v, want ErrDisabled", err)
	}
}

func TestConnectCallerUnreachable(t *testing.T) {
	m := NewManager(ManagerConfig{}, &fakeServer{connectErr: errors.New("refused")})
	if _, err := m.ConnectCaller(context.Background(), "c1", nil); err == nil {
		t.Error("expected error when server unreachable")
	}
}

func TestOperationsWithoutAttachment(t *testing.T) {
	m := NewManager(ManagerConfig{}, &fakeServer{})
	ctx := context.Background()

	if err := m.PlayAudio(ctx, "c1", []byte{1}); !errors.Is(err, ErrNoAttachment) {
		t.Errorf("PlayAudio = %v, want ErrNoAttachment", err)
	}
	if err := m.StartAudioFork(ctx, "c1", "ws://rec"); !errors.Is(err, ErrNoAttachment) {
		t.Errorf("StartAudioFork = %v, want ErrNoAttachment", err)
	}
	if err := m.StopAudioFork(ctx, "c1"); !errors.Is(err, ErrNoAttachment) {
		t.Errorf("StopAudioFork = %v, want ErrNoAttachment", err)
	}
}

func TestConnectCallerBindsDialog(t *testing.T) {
	srv := &fakeServer{}
	m := NewManager(ManagerConfig{}, srv)
	ctx := context.Background()

	dialog := struct{ name string }{"dlg-1"}
	a, err := m.ConnectCaller(ctx, "c1", dialog)
	if err != nil {
		t.Fatalf("ConnectCaller failed: %v", err)
	}
	if a.Dialog != dialog {
		t.Errorf("attachment dialog = %v, want %v", a.Dialog, dialog)
	}
	if len(srv.dialogs) != 1 || srv.dialogs[0] != dialog {
		t.Errorf("server received dialogs %v", srv.dialogs)
	}
	if !a.Active() {
		t.Error("fresh attachment not active")
	}

	if err := m.Detach(ctx, "c1"); err != nil {
		t.Fatalf("Detach failed: %v", err)
	}
	if a.Active() {
		t.Error("attachment still active after detach")
	}
}

func TestPlayAudioWritesAndCleans(t *testing.T) {
	m := NewManager(ManagerConfig{}, &fakeServer{})
	ctx := context.Background()

	a, err := m.ConnectCaller(ctx, "c1", nil)
	if err != nil {
		t.Fatalf("ConnectCaller failed: %v", err)
	}
	ep := a.Endpoint.(*fakeEndpoint)

	if err := m.PlayAudio(ctx, "c1", []byte{0xFF, 0xFF, 0xFF}); err != nil {
		t.Fatalf("PlayAudio failed: %v", err)
	}

	ep.mu.Lock()
	if len(ep.played) != 1 {
		ep.mu.Unlock()
		t.Fatalf("endpoint played %d files, want 1", len(ep.played))
	}
	path := ep.played[0]
	ep.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("speech file unreadable: %v", err)
	}
	if len(data) != 3 {
		t.Errorf("speech file holds %d bytes, want 3", len(data))
	}
	os.Remove(path)
}

func TestForkLifecycle(t *testing.T) {
	m := NewManager(ManagerConfig{}, &fakeServer{})
	ctx := context.Background()

	a, err := m.ConnectCaller(ctx, "c1", nil)
	if err != nil {
		t.Fatalf("ConnectCaller failed: %v", err)
	}

	if err := m.StartAudioFork(ctx, "c1", "ws://recognizer/stream"); err != nil {
		t.Fatalf("StartAudioFork failed: %v", err)
	}
	if a.ForkURL() != "ws://recognizer/stream" {
		t.Errorf("ForkURL = %q", a.ForkURL())
	}
	if err := m.StopAudioFork(ctx, "c1"); err != nil {
		t.Fatalf("StopAudioFork failed: %v", err)
	}
	if a.ForkURL() != "" {
		t.Error("fork URL not cleared")
	}
}

func TestEndpointDestroyedRemovesAttachment(t *testing.T) {
	m := NewManager(ManagerConfig{}, &fakeServer{})
	ctx := context.Background()

	a, err := m.ConnectCaller(ctx, "c1", nil)
	if err != nil {
		t.Fatalf("ConnectCaller failed: %v", err)
	}
	if m.ActiveAttachments() != 1 {
		t.Fatalf("attachments = %d, want 1", m.ActiveAttachments())
	}

	m.EndpointDestroyed(a.Endpoint.ID())
	m.EndpointDestroyed(a.Endpoint.ID()) // second report is a no-op

	if m.ActiveAttachments() != 0 {
		t.Errorf("attachments = %d, want 0", m.ActiveAttachments())
	}
	if a.Active() {
		t.Error("attachment still active after endpoint destruction")
	}
	if err := m.PlayAudio(ctx, "c1", []byte{1}); !errors.Is(err, ErrNoAttachment) {
		t.Errorf("PlayAudio after destroy = %v, want ErrNoAttachment", err)
	}
}

func TestDetachDestroysEndpoint(t *testing.T) {
	m := NewManager(ManagerConfig{}, &fakeServer{})
	ctx := context.Background()

	a, err := m.ConnectCaller(ctx, "c2", nil)
	if err != nil {
		t.Fatalf("ConnectCaller failed: %v", err)
	}
	if err := m.Detach(ctx, "c2"); err != nil {
		t.Fatalf("Detach failed: %v", err)
	}
	ep := a.Endpoint.(*fakeEndpoint)
	ep.mu.Lock()
	destroyed := ep.destroyed
	ep.mu.Unlock()
	if !destroyed {
		t.Error("endpoint not destroyed")
	}
	if m.ActiveAttachments() != 0 {
		t.Error("attachment not removed")
	}
}
