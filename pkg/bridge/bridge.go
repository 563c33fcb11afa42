// Package bridge orchestrates one live call against a realtime AI
// session: audio from the telephone leg flows up to the model, model
// audio flows back down as mu-law frames, and everything spoken is
// buffered for the conversation record emitted when the call ends.
package bridge

import (
	"bytes"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/velarcom/voicebridge/pkg/audio"
	"github.com/velarcom/voicebridge/pkg/events"
	"github.com/velarcom/voicebridge/pkg/realtime"
)

// ============================================
// BRIDGE CORE
// ============================================

// States of one bridge instance.
const (
	StateIdle int32 = iota
	StateStarting
	StateActive
	StateStopping
	StateStopped
)

// chunkBatch is how many telephone audio chunks are accumulated before
// one concatenated buffer is transcoded and sent to the model.
const chunkBatch = 10

// greetingTrigger nudges the model to speak first. The actual greeting
// comes from the system prompt, not from this text.
const greetingTrigger = "The call is connected. Greet the caller now."

// AISession is the slice of the realtime adapter the bridge drives.
// *realtime.Session satisfies it.
type AISession interface {
	Events() *events.Stream[realtime.Event]
	Connect() error
	SendAudio(pcm []byte) error
	SendText(text string) error
	Disconnect()
}

// TranscriptSegment is one utterance of the conversation.
type TranscriptSegment struct {
	Role      string
	Text      string
	Timestamp time.Time
}

// Outcome is the single terminal summary a bridge emits when it stops.
type Outcome struct {
	CallID     string
	StartedAt  time.Time
	EndedAt    time.Time
	Duration   time.Duration
	Transcript []TranscriptSegment
	// CallerAudio is the mu-law audio received from the telephone leg.
	CallerAudio []byte
	// AgentAudio is the 16-bit PCM audio produced by the model.
	AgentAudio []byte
}

// Config carries everything a bridge needs besides the telephone leg.
type Config struct {
	CallID  string
	Session realtime.SessionConfig

	// NewSession overrides how the AI session is created. Defaults to
	// realtime.NewSession with the Session config.
	NewSession func(realtime.SessionConfig) AISession

	// OnOutcome receives the terminal summary. Called exactly once.
	OnOutcome func(Outcome)
	// OnInterrupted is invoked when the model reports the caller talked
	// over it. Optional.
	OnInterrupted func()
}

func (c *Config) newSession() AISession {
	if c.NewSession != nil {
		return c.NewSession(c.Session)
	}
	return realtime.NewSession(c.Session)
}

// engine holds the state shared by both bridge variants.
type engine struct {
	cfg     Config
	session AISession
	sub     *events.Subscription[realtime.Event]

	state     atomic.Int32
	startedAt time.Time

	mu          sync.Mutex
	accum       [][]byte
	callerAudio bytes.Buffer
	agentAudio  bytes.Buffer
	transcript  []TranscriptSegment

	outcomeOnce sync.Once
	// suppressed marks a bridge whose start failed: the failure path is
	// the caller's to handle, so no outcome is emitted.
	suppressed atomic.Bool
}

func newEngine(cfg Config) *engine {
	return &engine{cfg: cfg}
}

// State returns the bridge's current lifecycle state.
func (e *engine) State() int32 {
	return e.state.Load()
}

// openSession creates the AI session, registers for its events, and
// connects. The subscription exists before Connect so the first events
// cannot be lost.
func (e *engine) openSession(playAudio func(pcm []byte), onStop func()) error {
	e.session = e.cfg.newSession()
	e.sub = e.session.Events().Subscribe()

	go e.consume(playAudio, onStop)

	if err := e.session.Connect(); err != nil {
		e.session.Disconnect()
		return err
	}
	return nil
}

// consume processes the AI session's events in emission order.
func (e *engine) consume(playAudio func(pcm []byte), onStop func()) {
	for ev := range e.sub.Events() {
		switch ev.Type {
		case realtime.EventReady:
			if err := e.session.SendText(greetingTrigger); err != nil {
				log.Printf("[Bridge] %s: failed to trigger greeting: %v", e.cfg.CallID, err)
			}
		case realtime.EventAudio:
			e.mu.Lock()
			e.agentAudio.Write(ev.Audio)
			e.mu.Unlock()
			playAudio(ev.Audio)
		case realtime.EventTranscript:
			e.mu.Lock()
			e.transcript = append(e.transcript, TranscriptSegment{
				Role:      ev.Role,
				Text:      ev.Text,
				Timestamp: ev.Timestamp,
			})
			e.mu.Unlock()
		case realtime.EventInterrupted:
			if e.cfg.OnInterrupted != nil {
				e.cfg.OnInterrupted()
			}
		case realtime.EventError:
			log.Printf("[Bridge] %s: AI session error: %v", e.cfg.CallID, ev.Err)
			go onStop()
		case realtime.EventDisconnected:
			// A disconnect landing mid-start must still tear the bridge
			// down, or Start would complete onto a dead session.
			if s := e.state.Load(); s != StateStopping && s != StateStopped {
				go onStop()
			}
		}
	}
}

// handleTelephoneAudio buffers one mu-law chunk from the phone leg.
// Every chunkBatch chunks the batch is concatenated, transcoded to PCM,
// and sent to the model in one piece.
func (e *engine) handleTelephoneAudio(chunk []byte) {
	buf := make([]byte, len(chunk))
	copy(buf, chunk)

	e.mu.Lock()
	e.accum = append(e.accum, buf)
	if len(e.accum) < chunkBatch {
		e.mu.Unlock()
		return
	}
	batch := e.accum
	e.accum = nil
	e.mu.Unlock()

	joined := audio.ConcatBuffers(batch)
	e.mu.Lock()
	e.callerAudio.Write(joined)
	e.mu.Unlock()

	if err := e.session.SendAudio(audio.DecodeMulaw(joined)); err != nil {
		log.Printf("[Bridge] %s: failed to send caller audio: %v", e.cfg.CallID, err)
	}
}

// teardown disconnects the AI session, emits the single outcome, and
// clears the buffers. Cleanup of variant-owned resources happens in the
// caller before teardown.
func (e *engine) teardown() {
	if e.session != nil {
		e.session.Disconnect()
	}
	if e.sub != nil {
		e.sub.Cancel()
	}

	if !e.suppressed.Load() {
		e.outcomeOnce.Do(func() {
			endedAt := time.Now()
			e.mu.Lock()
			outcome := Outcome{
				CallID:      e.cfg.CallID,
				StartedAt:   e.startedAt,
				EndedAt:     endedAt,
				Transcript:  e.transcript,
				CallerAudio: append([]byte(nil), e.callerAudio.Bytes()...),
				AgentAudio:  append([]byte(nil), e.agentAudio.Bytes()...),
			}
			if !e.startedAt.IsZero() {
				outcome.Duration = endedAt.Sub(e.startedAt)
			}
			e.accum = nil
			e.callerAudio.Reset()
			e.agentAudio.Reset()
			e.transcript = nil
			e.mu.Unlock()

			log.Printf("[Bridge] %s: stopped after %s (%d transcript segments)",
				e.cfg.CallID, outcome.Duration, len(outcome.Transcript))
			if e.cfg.OnOutcome != nil {
				e.cfg.OnOutcome(outcome)
			}
		})
	}
}

// abortStart tears the engine down after a failed start without emitting
// an outcome; the caller owns the failure.
func (e *engine) abortStart() {
	e.suppressed.Store(true)
	if e.session != nil {
		e.session.Disconnect()
	}
	if e.sub != nil {
		e.sub.Cancel()
	}
	e.state.Store(StateStopped)
}
