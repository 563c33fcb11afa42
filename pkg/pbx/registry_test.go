package pbx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/CyCoreSystems/ari/v6"
)

func TestOperationsRequireConnection(t *testing.T) {
	r := NewRegistry(Config{Application: "voicebridge"})

	if err := r.AnswerChannel("ch1"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("AnswerChannel = %v, want ErrNotConnected", err)
	}
	if err := r.HangupChannel("ch1"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HangupChannel = %v, want ErrNotConnected", err)
	}
	if _, err := r.CreateExternalMedia(ExternalMediaConfig{ExternalHost: "10.0.0.1:4000"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("CreateExternalMedia = %v, want ErrNotConnected", err)
	}
	if _, err := r.CreateBridge("mixing"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("CreateBridge = %v, want ErrNotConnected", err)
	}
	if err := r.AddChannelToBridge("b1", "ch1"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("AddChannelToBridge = %v, want ErrNotConnected", err)
	}
	if err := r.DestroyBridge("b1"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("DestroyBridge = %v, want ErrNotConnected", err)
	}
}

func TestStartDoesNotBlockOnUnreachableController(t *testing.T) {
	r := NewRegistry(Config{URL: "http://127.0.0.1:1/ari", Application: "voicebridge"})

	begun := time.Now()
	r.Start()
	if elapsed := time.Since(begun); elapsed > time.Second {
		t.Fatalf("Start blocked for %s", elapsed)
	}

	if r.Connected() {
		t.Fatal("connected without a controller")
	}
	if err := r.AnswerChannel("ch1"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("AnswerChannel while degraded = %v, want ErrNotConnected", err)
	}
}

func TestConnectHonorsContext(t *testing.T) {
	r := NewRegistry(Config{URL: "http://127.0.0.1:1/ari", Application: "voicebridge"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := r.Connect(ctx); err == nil {
		t.Fatal("Connect succeeded with expired context")
	}
	if r.Connected() {
		t.Error("registry reports connected after failed dial")
	}
}

func TestStasisStartBuildsChannelInfo(t *testing.T) {
	v := &ari.StasisStart{
		Channel: ari.ChannelData{
			ID:     "ch9",
			Name:   "PJSIP/trunk-00000009",
			State:  "Ring",
			Caller: &ari.CallerID{Number: "+79001112233"},
			Dialplan: &ari.DialplanCEP{
				Context: "from-trunk",
				Exten:   "77771234567",
			},
		},
	}

	info := newChannelInfo(v)
	if info.ID != "ch9" || info.Name != "PJSIP/trunk-00000009" {
		t.Errorf("identity = %s/%s", info.ID, info.Name)
	}
	if info.State != "Ring" {
		t.Errorf("state = %q, want Ring", info.State)
	}
	if info.DialplanContext != "from-trunk" {
		t.Errorf("dialplan context = %q, want from-trunk", info.DialplanContext)
	}
	if info.CallerNum != "79001112233" {
		t.Errorf("caller = %q", info.CallerNum)
	}
	// Connected number is absent, so the callee comes from the extension.
	if info.CalleeNum != "77771234567" {
		t.Errorf("callee = %q", info.CalleeNum)
	}
	if info.CreatedAt.IsZero() {
		t.Error("creation time not set")
	}
}

func TestChannelGoneEmitsEndOnce(t *testing.T) {
	r := NewRegistry(Config{Application: "voicebridge"})
	sub := r.Events().Subscribe()

	info := &ChannelInfo{ID: "ch1", Name: "PJSIP/test-01", CallerNum: "77770000001", CreatedAt: time.Now()}
	r.channels[info.ID] = info

	r.onChannelGone("ch1", "destroyed")
	r.onChannelGone("ch1", "destroyed")
	r.onChannelGone("never-seen", "destroyed")

	count := 0
	for {
		select {
		case ev := <-sub.Events():
			if ev.Type != EventEnd {
				t.Errorf("unexpected event type %s", ev.Type)
			}
			count++
		default:
			if count != 1 {
				t.Fatalf("got %d end events, want 1", count)
			}
			return
		}
	}
}

func TestGetChannel(t *testing.T) {
	r := NewRegistry(Config{Application: "voicebridge"})
	if _, ok := r.GetChannel("nope"); ok {
		t.Error("unexpected hit for unknown channel")
	}
	r.channels["ch2"] = &ChannelInfo{ID: "ch2"}
	if c, ok := r.GetChannel("ch2"); !ok || c.ID != "ch2" {
		t.Error("tracked channel not found")
	}
}
