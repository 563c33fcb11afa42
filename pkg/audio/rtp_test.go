package audio

import (
	"bytes"
	"testing"
)

func TestExtractPayloadBasic(t *testing.T) {
	// Version 2, no padding, no extension, CSRC count 0: the payload begins
	// right after the 12-byte header.
	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = byte(i)
	}
	packet := make([]byte, 12+160)
	packet[0] = 0x80
	packet[1] = PayloadTypeMulaw
	copy(packet[12:], payload)

	got, err := ExtractPayload(packet)
	if err != nil {
		t.Fatalf("ExtractPayload failed: %v", err)
	}
	if len(got) != 160 {
		t.Fatalf("payload length = %d, want 160", len(got))
	}
	if !bytes.Equal(got, payload) {
		t.Error("payload bytes do not match")
	}
}

func TestExtractPayloadCSRC(t *testing.T) {
	// CSRC count 2 pushes the payload 8 bytes further in.
	payload := []byte{0xAA, 0xBB, 0xCC}
	packet := make([]byte, 12+8+len(payload))
	packet[0] = 0x80 | 0x02
	copy(packet[20:], payload)

	got, err := ExtractPayload(packet)
	if err != nil {
		t.Fatalf("ExtractPayload failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %v, want %v", got, payload)
	}
}

func TestExtractPayloadTooShort(t *testing.T) {
	if _, err := ExtractPayload([]byte{0x80, 0x00, 0x00}); err == nil {
		t.Error("expected error for truncated packet")
	}
}

func TestPacketStreamSequencing(t *testing.T) {
	stream := NewPacketStream(PayloadTypeMulaw)
	payload := make([]byte, FrameSize)

	first, err := stream.Packetize(payload, true)
	if err != nil {
		t.Fatalf("Packetize failed: %v", err)
	}
	second, err := stream.Packetize(payload, false)
	if err != nil {
		t.Fatalf("Packetize failed: %v", err)
	}

	firstSeq := uint16(first[2])<<8 | uint16(first[3])
	secondSeq := uint16(second[2])<<8 | uint16(second[3])
	if secondSeq != firstSeq+1 {
		t.Errorf("sequence did not advance by 1: %d then %d", firstSeq, secondSeq)
	}

	firstTS := uint32(first[4])<<24 | uint32(first[5])<<16 | uint32(first[6])<<8 | uint32(first[7])
	secondTS := uint32(second[4])<<24 | uint32(second[5])<<16 | uint32(second[6])<<8 | uint32(second[7])
	if secondTS != firstTS+FrameSize {
		t.Errorf("timestamp did not advance by %d: %d then %d", FrameSize, firstTS, secondTS)
	}

	// Marker bit set on the first frame only.
	if first[1]&0x80 == 0 {
		t.Error("marker bit not set on first packet")
	}
	if second[1]&0x80 != 0 {
		t.Error("marker bit set on second packet")
	}

	extracted, err := ExtractPayload(first)
	if err != nil {
		t.Fatalf("ExtractPayload failed: %v", err)
	}
	if len(extracted) != FrameSize {
		t.Errorf("extracted payload length = %d, want %d", len(extracted), FrameSize)
	}
}

func TestPadFrame(t *testing.T) {
	padded := PadFrame([]byte{1, 2, 3})
	if len(padded) != FrameSize {
		t.Fatalf("padded length = %d, want %d", len(padded), FrameSize)
	}
	if padded[0] != 1 || padded[2] != 3 {
		t.Error("original bytes not preserved")
	}
	for i := 3; i < FrameSize; i++ {
		if padded[i] != 0xFF {
			t.Fatalf("pad byte at %d = 0x%02X, want 0xFF", i, padded[i])
		}
	}

	full := make([]byte, FrameSize)
	if got := PadFrame(full); len(got) != FrameSize {
		t.Errorf("full frame length changed to %d", len(got))
	}
}
