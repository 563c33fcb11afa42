package audio

import (
	"bytes"
	"testing"
)

func TestPCMToMulawSilence(t *testing.T) {
	if got := PCMToMulaw(0); got != 0xFF {
		t.Errorf("PCMToMulaw(0) = 0x%02X, want 0xFF", got)
	}
	if got := MulawToPCM(0xFF); got != 0 {
		t.Errorf("MulawToPCM(0xFF) = %d, want 0", got)
	}
}

func TestRoundTripQuantization(t *testing.T) {
	// One mu-law step in the top segment is 1024; the round trip must stay
	// within a step everywhere, including clipped extremes.
	samples := []int16{0, 1, -1, 100, -100, 1000, -1000, 8000, -8000, 30000, 32635, -32635, 32767, -32768}
	for _, s := range samples {
		decoded := MulawToPCM(PCMToMulaw(s))
		diff := int32(s) - int32(decoded)
		if diff < 0 {
			diff = -diff
		}
		if diff > 1024 {
			t.Errorf("round trip of %d gave %d, error %d exceeds one step", s, decoded, diff)
		}
	}
}

func TestRoundTripMonotonic(t *testing.T) {
	prev := MulawToPCM(PCMToMulaw(-32768))
	for s := int32(-32768); s <= 32767; s += 97 {
		decoded := MulawToPCM(PCMToMulaw(int16(s)))
		if decoded < prev {
			t.Fatalf("decoded value regressed at sample %d: %d < %d", s, decoded, prev)
		}
		prev = decoded
	}
}

func TestReencodeStable(t *testing.T) {
	// Re-encoding a decoded byte must be a fixed point after the first pass.
	for b := 0; b < 256; b++ {
		once := PCMToMulaw(MulawToPCM(byte(b)))
		twice := PCMToMulaw(MulawToPCM(once))
		if once != twice {
			t.Errorf("byte 0x%02X not stable: first pass 0x%02X, second pass 0x%02X", b, once, twice)
		}
	}
}

func TestEncodeDecodeBuffers(t *testing.T) {
	pcm := make([]byte, 320)
	for i := 0; i < 160; i++ {
		sample := int16(i * 100)
		pcm[i*2] = byte(sample)
		pcm[i*2+1] = byte(sample >> 8)
	}

	encoded, err := EncodeMulaw(pcm)
	if err != nil {
		t.Fatalf("EncodeMulaw failed: %v", err)
	}
	if len(encoded) != 160 {
		t.Fatalf("encoded length = %d, want 160", len(encoded))
	}

	decoded := DecodeMulaw(encoded)
	if len(decoded) != 320 {
		t.Fatalf("decoded length = %d, want 320", len(decoded))
	}
}

func TestEncodeMulawOddLength(t *testing.T) {
	if _, err := EncodeMulaw(make([]byte, 321)); err == nil {
		t.Error("expected error for odd-length PCM buffer")
	}
}

func TestSplitBuffer(t *testing.T) {
	data := make([]byte, 500)
	chunks := SplitBuffer(data, 0)
	if len(chunks) != 4 {
		t.Fatalf("got %d chunks, want 4", len(chunks))
	}
	for i := 0; i < 3; i++ {
		if len(chunks[i]) != 160 {
			t.Errorf("chunk %d length = %d, want 160", i, len(chunks[i]))
		}
	}
	if len(chunks[3]) != 20 {
		t.Errorf("last chunk length = %d, want 20", len(chunks[3]))
	}
}

func TestConcatBuffers(t *testing.T) {
	joined := ConcatBuffers([][]byte{{1, 2}, {3}, {4, 5, 6}})
	if !bytes.Equal(joined, []byte{1, 2, 3, 4, 5, 6}) {
		t.Errorf("ConcatBuffers = %v", joined)
	}
}
