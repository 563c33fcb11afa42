package realtime

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestRenderSystemPromptInbound(t *testing.T) {
	prompt := RenderSystemPrompt(SessionConfig{
		BaseInstructions: "You are the receptionist for Velar Systems.",
		Language:         "Russian",
		Direction:        DirectionInbound,
		InboundGreeting:  "Velar Systems, how can I help?",
		OutboundGreeting: "Hello, this is Velar Systems calling.",
		SpeakingRate:     1.3,
		Pitch:            0.7,
		KnowledgeBase:    "Office hours: 9 to 18, Monday to Friday.",
	})

	for _, want := range []string{
		"receptionist for Velar Systems",
		"Russian",
		"Velar Systems, how can I help?",
		"brisk",
		"calm, low tone",
		"Office hours",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if strings.Contains(prompt, "outbound call") {
		t.Error("inbound prompt must not carry outbound greeting instructions")
	}
}

func TestRenderSystemPromptOutboundMinimal(t *testing.T) {
	prompt := RenderSystemPrompt(SessionConfig{
		BaseInstructions: "Base.",
		Direction:        DirectionOutbound,
		OutboundGreeting: "Good afternoon!",
	})
	if !strings.Contains(prompt, "Good afternoon!") {
		t.Errorf("outbound greeting missing:\n%s", prompt)
	}
	if strings.Contains(prompt, "Voice delivery") {
		t.Error("no voice hints expected for neutral settings")
	}
	if strings.Contains(prompt, "reference material") {
		t.Error("no knowledge-base section expected")
	}
}

func TestSendBeforeConnect(t *testing.T) {
	s := NewSession(SessionConfig{})
	if err := s.SendAudio([]byte{1, 2}); err != ErrNotConnected {
		t.Errorf("SendAudio = %v, want ErrNotConnected", err)
	}
	if err := s.SendText("hi"); err != ErrNotConnected {
		t.Errorf("SendText = %v, want ErrNotConnected", err)
	}
}

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// testServer accepts one session, records the setup frame, and plays a
// scripted conversation back to the client.
func testServer(t *testing.T, script []string, gotSetup chan<- clientMessage) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		var setup clientMessage
		if err := conn.ReadJSON(&setup); err != nil {
			t.Errorf("failed to read setup: %v", err)
			return
		}
		gotSetup <- setup

		for _, frame := range script {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		// Hold the socket open until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func collect(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	var got []Event
	deadline := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case ev := <-ch:
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(got), n)
		}
	}
	return got
}

func TestSessionConversation(t *testing.T) {
	audio := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
	script := []string{
		`{"type":"ready"}`,
		`{"type":"audio.delta","audio":"` + audio + `"}`,
		`{"type":"transcript","text":"hello","role":"assistant"}`,
		`{"type":"turn.complete"}`,
		`{"type":"interrupted"}`,
	}
	setupCh := make(chan clientMessage, 1)
	srv := testServer(t, script, setupCh)
	defer srv.Close()

	s := NewSession(SessionConfig{
		URL:              "ws" + strings.TrimPrefix(srv.URL, "http"),
		BaseInstructions: "Be helpful.",
		Voice:            "ember",
		Temperature:      0.6,
	})
	sub := s.Events().Subscribe()

	if err := s.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer s.Disconnect()

	setup := <-setupCh
	if setup.Type != "session.setup" {
		t.Errorf("setup type = %q", setup.Type)
	}
	if !strings.Contains(setup.Instructions, "Be helpful.") {
		t.Errorf("setup missing instructions: %q", setup.Instructions)
	}
	if setup.Voice != "ember" {
		t.Errorf("setup voice = %q", setup.Voice)
	}

	got := collect(t, sub.Events(), 5)
	wantTypes := []EventType{EventReady, EventAudio, EventTranscript, EventTurnComplete, EventInterrupted}
	for i, want := range wantTypes {
		if got[i].Type != want {
			t.Errorf("event %d = %s, want %s", i, got[i].Type, want)
		}
	}
	if string(got[1].Audio) != string([]byte{1, 2, 3, 4}) {
		t.Errorf("audio payload = %v", got[1].Audio)
	}
	if got[1].Encoding != "pcm16" {
		t.Errorf("encoding = %q, want pcm16", got[1].Encoding)
	}
	if got[2].Text != "hello" || got[2].Role != "assistant" {
		t.Errorf("transcript = %q/%q", got[2].Text, got[2].Role)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	setupCh := make(chan clientMessage, 1)
	srv := testServer(t, []string{`{"type":"ready"}`}, setupCh)
	defer srv.Close()

	s := NewSession(SessionConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	sub := s.Events().Subscribe()
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	<-setupCh

	s.Disconnect()
	s.Disconnect()

	disconnects := 0
	for ev := range sub.Events() {
		if ev.Type == EventDisconnected {
			disconnects++
		}
	}
	if disconnects != 1 {
		t.Errorf("got %d disconnected events, want 1", disconnects)
	}

	if err := s.SendText("late"); err != ErrNotConnected {
		t.Errorf("SendText after disconnect = %v, want ErrNotConnected", err)
	}
}
