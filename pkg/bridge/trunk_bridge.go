package bridge

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/velarcom/voicebridge/pkg/trunk"
)

// ============================================
// SIP TRUNK BRIDGE
// ============================================
// Relays RTP between a trunk call's UDP media leg and the AI session.
// The bridge owns the socket for the duration of the call and closes it
// on stop.
// ============================================

var ErrAlreadyStarted = errors.New("bridge already started")

// TrunkBridge is the SIP variant of the bridge orchestrator.
type TrunkBridge struct {
	*engine

	dialog trunk.Dialog

	relayMu sync.Mutex
	relay   *udpRelay
}

func NewTrunkBridge(cfg Config, dialog trunk.Dialog) *TrunkBridge {
	b := &TrunkBridge{
		engine: newEngine(cfg),
		dialog: dialog,
	}
	b.wrapInterrupted()
	return b
}

// wrapInterrupted makes sure an interruption always flushes queued
// frames before any caller-provided handler runs.
func (b *TrunkBridge) wrapInterrupted() {
	outer := b.cfg.OnInterrupted
	b.cfg.OnInterrupted = func() {
		if r := b.getRelay(); r != nil {
			r.flush()
		}
		if outer != nil {
			outer()
		}
	}
}

func (b *TrunkBridge) getRelay() *udpRelay {
	b.relayMu.Lock()
	defer b.relayMu.Unlock()
	return b.relay
}

func (b *TrunkBridge) setRelay(r *udpRelay) {
	b.relayMu.Lock()
	b.relay = r
	b.relayMu.Unlock()
}

// Metrics reports the audio flow counters for this bridge.
func (b *TrunkBridge) Metrics() Metrics {
	if r := b.getRelay(); r != nil {
		return r.metrics.snapshot()
	}
	return Metrics{}
}

// Start opens the AI session and begins relaying audio. On failure no
// AI session is left behind and the telephone leg is untouched.
func (b *TrunkBridge) Start() error {
	if !b.state.CompareAndSwap(StateIdle, StateStarting) {
		return ErrAlreadyStarted
	}

	if b.dialog == nil {
		b.abortStart()
		return fmt.Errorf("call %s has no signaling dialog", b.cfg.CallID)
	}
	conn := b.dialog.MediaConn()
	if conn == nil {
		b.abortStart()
		return fmt.Errorf("call %s has no media socket", b.cfg.CallID)
	}
	relay := newUDPRelay(b.cfg.CallID, conn, b.dialog.RemoteMedia(),
		b.handleTelephoneAudio, func() { go b.Stop() })
	b.setRelay(relay)

	if err := b.openSession(relay.playPCM, b.Stop); err != nil {
		b.abortStart()
		return fmt.Errorf("failed to open AI session: %w", err)
	}

	if !b.state.CompareAndSwap(StateStarting, StateActive) {
		// Stop raced the start; it already owns cleanup.
		return fmt.Errorf("bridge for call %s stopped during start", b.cfg.CallID)
	}
	b.startedAt = time.Now()
	relay.start()

	log.Printf("[Bridge] %s: active", b.cfg.CallID)
	return nil
}

// Stop tears the bridge down. Idempotent and safe from any state,
// including mid-start and after a previous Stop.
func (b *TrunkBridge) Stop() {
	for {
		s := b.state.Load()
		if s == StateStopping || s == StateStopped {
			return
		}
		if b.state.CompareAndSwap(s, StateStopping) {
			break
		}
	}

	if r := b.getRelay(); r != nil {
		r.stop()
	}
	b.teardown()
	b.state.Store(StateStopped)
}
