// Package realtime is the adapter to the conversational AI service. A
// Session is a bidirectional websocket carrying PCM audio and text both
// ways; it surfaces everything the model does as typed events.
package realtime

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/velarcom/voicebridge/pkg/events"
)

var ErrNotConnected = errors.New("realtime session not connected")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	sendQueueSize = 256
)

// Call directions, as seen from our side of the trunk.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// EventType labels what the AI session emitted.
type EventType string

const (
	EventReady        EventType = "ready"
	EventAudio        EventType = "audio"
	EventTranscript   EventType = "transcript"
	EventTurnComplete EventType = "turnComplete"
	EventInterrupted  EventType = "interrupted"
	EventError        EventType = "error"
	EventDisconnected EventType = "disconnected"
)

// Event is one occurrence on the AI session.
type Event struct {
	Type      EventType
	Timestamp time.Time

	// Audio payload, set for EventAudio.
	Audio    []byte
	Encoding string

	// Transcript payload, set for EventTranscript.
	Text string
	Role string

	// Set for EventError.
	Err error
}

// SessionConfig describes one AI conversation.
type SessionConfig struct {
	// URL is the realtime websocket endpoint.
	URL    string
	APIKey string
	Model  string

	Voice       string
	Temperature float64
	Language    string
	Direction   string

	BaseInstructions string
	InboundGreeting  string
	OutboundGreeting string
	SpeakingRate     float64
	Pitch            float64
	// KnowledgeBase is an already-rendered excerpt inlined into the
	// system prompt.
	KnowledgeBase string
}

// Session is one live AI conversation. Subscribe to Events before
// calling Connect so the ready event is not lost.
type Session struct {
	cfg    SessionConfig
	stream *events.Stream[Event]

	mu   sync.Mutex
	conn *websocket.Conn
	send chan clientMessage
	done chan struct{}

	closeOnce sync.Once
}

// clientMessage is the JSON frame we send to the AI service.
type clientMessage struct {
	Type         string  `json:"type"`
	Instructions string  `json:"instructions,omitempty"`
	Voice        string  `json:"voice,omitempty"`
	Model        string  `json:"model,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	Audio        string  `json:"audio,omitempty"`
	Text         string  `json:"text,omitempty"`
}

// serverMessage is the JSON frame the AI service sends us.
type serverMessage struct {
	Type     string `json:"type"`
	Audio    string `json:"audio,omitempty"`
	Encoding string `json:"encoding,omitempty"`
	Text     string `json:"text,omitempty"`
	Role     string `json:"role,omitempty"`
	Message  string `json:"message,omitempty"`
}

func NewSession(cfg SessionConfig) *Session {
	return &Session{
		cfg:    cfg,
		stream: events.NewStream[Event]("realtime"),
		send:   make(chan clientMessage, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// Events returns the session's event stream.
func (s *Session) Events() *events.Stream[Event] {
	return s.stream
}

// Connect dials the realtime endpoint and opens the conversation with
// the rendered system prompt.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}

	header := http.Header{}
	if s.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	conn, _, err := websocket.DefaultDialer.Dial(s.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("failed to connect realtime session: %w", err)
	}
	s.conn = conn

	setup := clientMessage{
		Type:         "session.setup",
		Instructions: RenderSystemPrompt(s.cfg),
		Voice:        s.cfg.Voice,
		Model:        s.cfg.Model,
		Temperature:  s.cfg.Temperature,
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(setup); err != nil {
		conn.Close()
		s.conn = nil
		return fmt.Errorf("failed to send session setup: %w", err)
	}

	go s.readPump(conn)
	go s.writePump(conn)

	log.Printf("[Realtime] Session connected (%s, voice %s)", s.cfg.Model, s.cfg.Voice)
	return nil
}

// SendAudio queues a 16-bit PCM buffer for the model.
func (s *Session) SendAudio(pcm []byte) error {
	return s.enqueue(clientMessage{
		Type:  "input.audio",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendText queues a text message for the model.
func (s *Session) SendText(text string) error {
	return s.enqueue(clientMessage{
		Type: "input.text",
		Text: text,
	})
}

func (s *Session) enqueue(msg clientMessage) error {
	s.mu.Lock()
	connected := s.conn != nil
	s.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	select {
	case <-s.done:
		return ErrNotConnected
	case s.send <- msg:
		return nil
	default:
		// The model is not keeping up; drop rather than stall the call.
		log.Printf("[Realtime] Send queue full, dropping %s", msg.Type)
		return nil
	}
}

// Disconnect closes the session and releases its resources. Safe to
// call more than once.
func (s *Session) Disconnect() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()

		if conn != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		}

		s.stream.Publish(Event{Type: EventDisconnected, Timestamp: time.Now()})
		s.stream.Close()
		log.Printf("[Realtime] Session disconnected")
	})
}

// readPump consumes frames from the AI service until the socket closes.
func (s *Session) readPump(conn *websocket.Conn) {
	defer s.Disconnect()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				log.Printf("[Realtime] Read failed: %v", err)
				s.stream.Publish(Event{Type: EventError, Timestamp: time.Now(), Err: err})
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[Realtime] Dropping malformed frame: %v", err)
			continue
		}
		s.dispatch(msg)
	}
}

func (s *Session) dispatch(msg serverMessage) {
	now := time.Now()
	switch msg.Type {
	case "ready":
		s.stream.Publish(Event{Type: EventReady, Timestamp: now})
	case "audio.delta":
		audio, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			log.Printf("[Realtime] Dropping undecodable audio frame: %v", err)
			return
		}
		encoding := msg.Encoding
		if encoding == "" {
			encoding = "pcm16"
		}
		s.stream.Publish(Event{Type: EventAudio, Timestamp: now, Audio: audio, Encoding: encoding})
	case "transcript":
		s.stream.Publish(Event{Type: EventTranscript, Timestamp: now, Text: msg.Text, Role: msg.Role})
	case "turn.complete":
		s.stream.Publish(Event{Type: EventTurnComplete, Timestamp: now})
	case "interrupted":
		s.stream.Publish(Event{Type: EventInterrupted, Timestamp: now})
	case "error":
		s.stream.Publish(Event{Type: EventError, Timestamp: now, Err: errors.New(msg.Message)})
	default:
		log.Printf("[Realtime] Ignoring unknown frame type %q", msg.Type)
	}
}

// writePump drains the send queue onto the socket and keeps it alive
// with pings.
func (s *Session) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("[Realtime] Write failed: %v", err)
				s.Disconnect()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Disconnect()
				return
			}
		}
	}
}
