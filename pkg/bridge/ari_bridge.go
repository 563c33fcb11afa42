package bridge

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/velarcom/voicebridge/pkg/pbx"
)

// ============================================
// ARI BRIDGE
// ============================================
// The PBX variant: instead of taking over an existing RTP leg, it asks
// the PBX for an external-media channel pointed at its own UDP socket
// and joins it with the caller channel in a mixing bridge.
// ============================================

// PBXControl is the slice of the PBX registry the bridge needs.
// *pbx.Registry satisfies it.
type PBXControl interface {
	CreateExternalMedia(cfg pbx.ExternalMediaConfig) (string, error)
	CreateBridge(btype string) (string, error)
	AddChannelToBridge(bridgeID, channelID string) error
	DestroyBridge(bridgeID string) error
	HangupChannel(id string) error
}

// AriBridge is the ARI variant of the bridge orchestrator. CallID in
// the Config is the caller's channel id.
type AriBridge struct {
	*engine

	pbxc PBXControl
	// externalIP is the address the PBX streams RTP to.
	externalIP string

	resMu          sync.Mutex
	relay          *udpRelay
	mediaChannelID string
	bridgeID       string
}

func NewAriBridge(cfg Config, pbxc PBXControl, externalIP string) *AriBridge {
	b := &AriBridge{
		engine:     newEngine(cfg),
		pbxc:       pbxc,
		externalIP: externalIP,
	}
	outer := b.cfg.OnInterrupted
	b.cfg.OnInterrupted = func() {
		b.resMu.Lock()
		r := b.relay
		b.resMu.Unlock()
		if r != nil {
			r.flush()
		}
		if outer != nil {
			outer()
		}
	}
	return b
}

// Start opens the AI session, sets up the external media leg and the
// mixing bridge, and begins relaying. A failure at any step unwinds
// everything already created before the error is returned.
func (b *AriBridge) Start() error {
	if !b.state.CompareAndSwap(StateIdle, StateStarting) {
		return ErrAlreadyStarted
	}

	if err := b.openSession(b.playPCM, b.Stop); err != nil {
		b.abortStart()
		return fmt.Errorf("failed to open AI session: %w", err)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		b.abortStart()
		return fmt.Errorf("failed to bind media socket: %w", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port

	relay := newUDPRelay(b.cfg.CallID, conn, nil,
		b.handleTelephoneAudio, func() { go b.Stop() })
	b.resMu.Lock()
	b.relay = relay
	b.resMu.Unlock()

	mediaID, err := b.pbxc.CreateExternalMedia(pbx.ExternalMediaConfig{
		ExternalHost: fmt.Sprintf("%s:%d", b.externalIP, port),
		Format:       "ulaw",
	})
	if err != nil {
		relay.stop()
		b.abortStart()
		return fmt.Errorf("failed to create external media channel: %w", err)
	}

	bridgeID, err := b.pbxc.CreateBridge("mixing")
	if err != nil {
		if herr := b.pbxc.HangupChannel(mediaID); herr != nil {
			log.Printf("[Bridge] %s: cleanup of media channel failed: %v", b.cfg.CallID, herr)
		}
		relay.stop()
		b.abortStart()
		return fmt.Errorf("failed to create mixing bridge: %w", err)
	}

	b.resMu.Lock()
	b.mediaChannelID = mediaID
	b.bridgeID = bridgeID
	b.resMu.Unlock()

	if err := b.pbxc.AddChannelToBridge(bridgeID, b.cfg.CallID); err != nil {
		b.unwindPBX()
		relay.stop()
		b.abortStart()
		return fmt.Errorf("failed to add caller channel to bridge: %w", err)
	}
	if err := b.pbxc.AddChannelToBridge(bridgeID, mediaID); err != nil {
		b.unwindPBX()
		relay.stop()
		b.abortStart()
		return fmt.Errorf("failed to add media channel to bridge: %w", err)
	}

	if !b.state.CompareAndSwap(StateStarting, StateActive) {
		return fmt.Errorf("bridge for channel %s stopped during start", b.cfg.CallID)
	}
	b.startedAt = time.Now()
	relay.start()

	log.Printf("[Bridge] %s: active (media channel %s, bridge %s)", b.cfg.CallID, mediaID, bridgeID)
	return nil
}

// Stop tears the bridge down: AI session, PBX resources, socket. Every
// cleanup step runs even when earlier ones fail. Idempotent.
func (b *AriBridge) Stop() {
	for {
		s := b.state.Load()
		if s == StateStopping || s == StateStopped {
			return
		}
		if b.state.CompareAndSwap(s, StateStopping) {
			break
		}
	}

	b.unwindPBX()

	b.resMu.Lock()
	relay := b.relay
	b.resMu.Unlock()
	if relay != nil {
		relay.stop()
	}

	b.teardown()
	b.state.Store(StateStopped)
}

// unwindPBX destroys the mixing bridge and the external media channel,
// logging and continuing past individual failures.
func (b *AriBridge) unwindPBX() {
	b.resMu.Lock()
	bridgeID := b.bridgeID
	mediaID := b.mediaChannelID
	b.bridgeID = ""
	b.mediaChannelID = ""
	b.resMu.Unlock()

	if bridgeID != "" {
		if err := b.pbxc.DestroyBridge(bridgeID); err != nil {
			log.Printf("[Bridge] %s: failed to destroy bridge %s: %v", b.cfg.CallID, bridgeID, err)
		}
	}
	if mediaID != "" {
		if err := b.pbxc.HangupChannel(mediaID); err != nil {
			log.Printf("[Bridge] %s: failed to hang up media channel %s: %v", b.cfg.CallID, mediaID, err)
		}
	}
}

// Metrics reports the audio flow counters for this bridge.
func (b *AriBridge) Metrics() Metrics {
	b.resMu.Lock()
	relay := b.relay
	b.resMu.Unlock()
	if relay != nil {
		return relay.metrics.snapshot()
	}
	return Metrics{}
}

func (b *AriBridge) playPCM(pcm []byte) {
	b.resMu.Lock()
	relay := b.relay
	b.resMu.Unlock()
	if relay != nil {
		relay.playPCM(pcm)
	}
}
