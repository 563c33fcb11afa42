package audio

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/pion/rtp"
)

// ============================================
// RTP FRAMING
// ============================================
// Parses inbound RTP frames down to their raw payload and builds
// sequenced outbound mu-law packets for the telephone leg.
// ============================================

// PayloadTypeMulaw is the static RTP payload type for G.711 mu-law (PCMU).
const PayloadTypeMulaw = 0

// FrameSize is 20ms of mu-law audio at 8kHz, the standard telephony frame.
const FrameSize = 160

// ExtractPayload strips RTP framing from a packet, honoring the CSRC count,
// extension bit, and padding flag of the header, and returns the raw payload.
func ExtractPayload(packet []byte) ([]byte, error) {
	var p rtp.Packet
	if err := p.Unmarshal(packet); err != nil {
		return nil, fmt.Errorf("failed to parse RTP packet: %w", err)
	}
	return p.Payload, nil
}

// PacketStream builds outbound RTP packets with monotonic sequence numbers
// and sample-count timestamps. One stream per telephone leg.
type PacketStream struct {
	payloadType uint8

	mu        sync.Mutex
	sequence  uint16
	timestamp uint32
	ssrc      uint32
}

// NewPacketStream creates a packet stream with randomized initial sequence
// number, timestamp, and SSRC.
func NewPacketStream(payloadType uint8) *PacketStream {
	return &PacketStream{
		payloadType: payloadType,
		sequence:    uint16(rand.Intn(1 << 16)),
		timestamp:   rand.Uint32(),
		ssrc:        rand.Uint32(),
	}
}

// Packetize wraps a mu-law payload into a marshaled RTP packet, advancing
// sequence and timestamp state. The timestamp advances by one per payload
// byte (8kHz mu-law carries one sample per byte).
func (s *PacketStream) Packetize(payload []byte, marker bool) ([]byte, error) {
	s.mu.Lock()
	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    s.payloadType,
			SequenceNumber: s.sequence,
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	s.sequence++
	s.timestamp += uint32(len(payload))
	s.mu.Unlock()

	data, err := packet.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal RTP packet: %w", err)
	}
	return data, nil
}

// PadFrame pads a short mu-law frame up to FrameSize with mu-law silence.
func PadFrame(frame []byte) []byte {
	if len(frame) >= FrameSize {
		return frame
	}
	padded := make([]byte, FrameSize)
	copy(padded, frame)
	for i := len(frame); i < FrameSize; i++ {
		padded[i] = 0xFF // mu-law silence
	}
	return padded
}
