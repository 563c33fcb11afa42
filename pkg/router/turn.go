package router

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/velarcom/voicebridge/pkg/media"
)

// ============================================
// DEGRADED TURN-BASED CONVERSATION
// ============================================
// Fallback conversation path when the realtime bridge cannot start.
// The caller's audio is forked to a streaming recognizer; each final
// utterance is answered by the text agent and played back as
// synthesized speech. No raw-audio bridging is involved.
// ============================================

// MediaControl is the slice of the media manager the degraded path
// needs. *media.Manager satisfies it.
type MediaControl interface {
	ConnectCaller(ctx context.Context, callID string, dialog any) (*media.MediaAttachment, error)
	PlayAudio(ctx context.Context, callID string, audio []byte) error
	StartAudioFork(ctx context.Context, callID, destURL string) error
	StopAudioFork(ctx context.Context, callID string) error
	Detach(ctx context.Context, callID string) error
}

// TurnOutcome is the terminal record of a degraded conversation.
type TurnOutcome struct {
	CallID    string
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration
	Turns     []Turn
}

// TurnConversation drives one degraded conversation for one call.
type TurnConversation struct {
	callID string
	dialog any
	agent  *Agent

	media       MediaControl
	transcriber Transcriber
	textAgent   TextAgent
	synth       Synthesizer
	onComplete  func(TurnOutcome)

	mu        sync.Mutex
	turns     []Turn
	startedAt time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func NewTurnConversation(callID string, dialog any, agent *Agent, media MediaControl,
	transcriber Transcriber, textAgent TextAgent, synth Synthesizer,
	onComplete func(TurnOutcome)) *TurnConversation {

	ctx, cancel := context.WithCancel(context.Background())
	return &TurnConversation{
		callID:      callID,
		dialog:      dialog,
		agent:       agent,
		media:       media,
		transcriber: transcriber,
		textAgent:   textAgent,
		synth:       synth,
		onComplete:  onComplete,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start attaches the call to the media server, plays the fallback
// greeting, and begins the recognize/reply loop.
func (c *TurnConversation) Start(ctx context.Context) error {
	if _, err := c.media.ConnectCaller(ctx, c.callID, c.dialog); err != nil {
		return fmt.Errorf("failed to attach call to media server: %w", err)
	}

	destURL, utterances, err := c.transcriber.Start(c.ctx, c.callID)
	if err != nil {
		c.detach()
		return fmt.Errorf("failed to start recognition: %w", err)
	}
	if err := c.media.StartAudioFork(ctx, c.callID, destURL); err != nil {
		c.transcriber.Stop(c.callID)
		c.detach()
		return fmt.Errorf("failed to fork call audio: %w", err)
	}

	c.mu.Lock()
	c.startedAt = time.Now()
	c.mu.Unlock()

	greeting := c.agent.FallbackGreeting
	if greeting == "" {
		greeting = c.agent.InboundGreeting
	}
	if greeting != "" {
		c.speak(ctx, greeting)
	}

	go c.loop(utterances)
	log.Printf("[TurnConversation] %s: started (agent %s)", c.callID, c.agent.Name)
	return nil
}

func (c *TurnConversation) loop(utterances <-chan string) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case text, ok := <-utterances:
			if !ok {
				return
			}
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			c.record("user", text)

			reply, err := c.textAgent.Reply(c.ctx, c.agent, c.history(), text)
			if err != nil {
				log.Printf("[TurnConversation] %s: reply failed: %v", c.callID, err)
				continue
			}
			c.record("assistant", reply)
			c.speak(c.ctx, reply)
		}
	}
}

// speak synthesizes the text and plays it on the call. Failures are
// logged; the conversation continues.
func (c *TurnConversation) speak(ctx context.Context, text string) {
	audio, err := c.synth.Synthesize(ctx, text, c.agent.Voice)
	if err != nil {
		log.Printf("[TurnConversation] %s: synthesis failed: %v", c.callID, err)
		return
	}
	if err := c.media.PlayAudio(ctx, c.callID, audio); err != nil {
		log.Printf("[TurnConversation] %s: playback failed: %v", c.callID, err)
	}
}

func (c *TurnConversation) record(role, text string) {
	c.mu.Lock()
	c.turns = append(c.turns, Turn{Role: role, Text: text, Timestamp: time.Now()})
	c.mu.Unlock()
}

func (c *TurnConversation) history() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Turn(nil), c.turns...)
}

func (c *TurnConversation) detach() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.media.Detach(ctx, c.callID); err != nil {
		log.Printf("[TurnConversation] %s: detach failed: %v", c.callID, err)
	}
}

// Stop ends the conversation, releases media resources, and reports the
// outcome exactly once. Idempotent.
func (c *TurnConversation) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.media.StopAudioFork(ctx, c.callID); err != nil {
			log.Printf("[TurnConversation] %s: stop fork failed: %v", c.callID, err)
		}
		c.transcriber.Stop(c.callID)
		c.detach()

		endedAt := time.Now()
		c.mu.Lock()
		outcome := TurnOutcome{
			CallID:    c.callID,
			StartedAt: c.startedAt,
			EndedAt:   endedAt,
			Turns:     append([]Turn(nil), c.turns...),
		}
		c.mu.Unlock()
		if !outcome.StartedAt.IsZero() {
			outcome.Duration = endedAt.Sub(outcome.StartedAt)
		}

		if c.onComplete != nil {
			c.onComplete(outcome)
		}
	})
}
