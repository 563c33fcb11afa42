package bridge

import (
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/velarcom/voicebridge/pkg/audio"
)

// ============================================
// RTP RELAY
// ============================================
// Shared UDP media plumbing for both bridge variants: paced mu-law
// frames out, parsed RTP payloads in. The relay owns its socket once
// started and closes it on stop.
// ============================================

const (
	framePeriod   = 20 * time.Millisecond
	frameQueueLen = 512
	readBufSize   = 1500
)

// Metrics is a point-in-time snapshot of the audio flow through a
// bridge's relay.
type Metrics struct {
	PacketsSent     int64 `json:"packets_sent"`
	PacketsReceived int64 `json:"packets_received"`
	PacketsDropped  int64 `json:"packets_dropped"`
	BytesSent       int64 `json:"bytes_sent"`
	BytesReceived   int64 `json:"bytes_received"`
}

type relayMetrics struct {
	packetsSent     atomic.Int64
	packetsReceived atomic.Int64
	packetsDropped  atomic.Int64
	bytesSent       atomic.Int64
	bytesReceived   atomic.Int64
}

func (m *relayMetrics) snapshot() Metrics {
	return Metrics{
		PacketsSent:     m.packetsSent.Load(),
		PacketsReceived: m.packetsReceived.Load(),
		PacketsDropped:  m.packetsDropped.Load(),
		BytesSent:       m.bytesSent.Load(),
		BytesReceived:   m.bytesReceived.Load(),
	}
}

type udpRelay struct {
	callID  string
	conn    *net.UDPConn
	stream  *audio.PacketStream
	queue   chan []byte
	metrics relayMetrics

	done      chan struct{}
	closeOnce sync.Once

	remoteMu sync.Mutex
	remote   *net.UDPAddr

	// onPayload receives each inbound mu-law payload.
	onPayload func([]byte)
	// onFatal is invoked when the socket dies underneath the relay.
	onFatal func()
}

func newUDPRelay(callID string, conn *net.UDPConn, remote *net.UDPAddr, onPayload func([]byte), onFatal func()) *udpRelay {
	return &udpRelay{
		callID:    callID,
		conn:      conn,
		stream:    audio.NewPacketStream(audio.PayloadTypeMulaw),
		queue:     make(chan []byte, frameQueueLen),
		done:      make(chan struct{}),
		remote:    remote,
		onPayload: onPayload,
		onFatal:   onFatal,
	}
}

func (r *udpRelay) start() {
	go r.readLoop()
	go r.sendLoop()
}

// stop closes the socket and ends both loops. Idempotent.
func (r *udpRelay) stop() {
	r.closeOnce.Do(func() {
		close(r.done)
		if err := r.conn.Close(); err != nil {
			log.Printf("[Bridge] %s: closing media socket: %v", r.callID, err)
		}
	})
	r.flush()
}

// playPCM transcodes one PCM buffer from the model and queues it as
// 20ms mu-law frames.
func (r *udpRelay) playPCM(pcm []byte) {
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	encoded, err := audio.EncodeMulaw(pcm)
	if err != nil {
		log.Printf("[Bridge] %s: dropping un-encodable audio: %v", r.callID, err)
		return
	}
	for _, frame := range audio.SplitBuffer(encoded, audio.FrameSize) {
		select {
		case r.queue <- frame:
		default:
			r.metrics.packetsDropped.Add(1)
			log.Printf("[Bridge] %s: frame queue full, dropping frame", r.callID)
		}
	}
}

// flush drops all queued outbound frames, so stale speech is not played
// after an interruption.
func (r *udpRelay) flush() {
	flushed := 0
	for {
		select {
		case <-r.queue:
			flushed++
		default:
			if flushed > 0 {
				log.Printf("[Bridge] %s: flushed %d queued frames", r.callID, flushed)
			}
			return
		}
	}
}

// sendLoop paces queued frames onto the wire at one frame per 20ms.
func (r *udpRelay) sendLoop() {
	ticker := time.NewTicker(framePeriod)
	defer ticker.Stop()

	first := true
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			select {
			case frame := <-r.queue:
				packet, err := r.stream.Packetize(audio.PadFrame(frame), first)
				if err != nil {
					log.Printf("[Bridge] %s: packetize failed: %v", r.callID, err)
					continue
				}
				first = false

				r.remoteMu.Lock()
				remote := r.remote
				r.remoteMu.Unlock()
				if remote == nil {
					continue
				}
				if _, err := r.conn.WriteToUDP(packet, remote); err != nil {
					log.Printf("[Bridge] %s: RTP send failed: %v", r.callID, err)
					continue
				}
				r.metrics.packetsSent.Add(1)
				r.metrics.bytesSent.Add(int64(len(packet)))
			default:
				// Nothing queued this tick.
			}
		}
	}
}

// readLoop pulls RTP off the socket and hands payloads to onPayload.
func (r *udpRelay) readLoop() {
	buf := make([]byte, readBufSize)
	for {
		select {
		case <-r.done:
			return
		default:
		}

		r.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-r.done:
			default:
				log.Printf("[Bridge] %s: RTP read failed: %v", r.callID, err)
				r.onFatal()
			}
			return
		}
		if n == 0 {
			continue
		}

		// Symmetric RTP: trust the address packets actually come from.
		r.remoteMu.Lock()
		if r.remote == nil || !r.remote.IP.Equal(addr.IP) || r.remote.Port != addr.Port {
			r.remote = addr
		}
		r.remoteMu.Unlock()

		payload, err := audio.ExtractPayload(buf[:n])
		if err != nil {
			log.Printf("[Bridge] %s: dropping malformed RTP packet: %v", r.callID, err)
			continue
		}
		if len(payload) == 0 {
			continue
		}
		r.metrics.packetsReceived.Add(1)
		r.metrics.bytesReceived.Add(int64(len(payload)))
		r.onPayload(payload)
	}
}
