package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ============================================
// G.711 AUDIO CODEC
// ============================================
// Converts between G.711 mu-law (telephony) and 16-bit linear PCM (AI session)
//
// Telephone legs carry 8kHz mu-law, one byte per sample.
// The realtime AI session consumes and produces 16-bit little-endian PCM.
// ============================================

const (
	mulawBias = 0x84  // standard G.711 bias
	mulawClip = 32635 // maximum encodable magnitude
)

// PCMToMulaw encodes a single 16-bit linear PCM sample to a mu-law byte
// using the standard G.711 biased-logarithmic companding algorithm.
func PCMToMulaw(sample int16) byte {
	sign := byte(0)
	if sample < 0 {
		sign = 0x80
		// -32768 has no positive counterpart; clamp before negating
		if sample == -32768 {
			sample = -32767
		}
		sample = -sample
	}

	if sample > mulawClip {
		sample = mulawClip
	}
	sample += mulawBias

	// Find the exponent band (8 bands, segment boundaries at 1<<(exp+8))
	exponent := int16(7)
	for mask := int16(0x4000); mask != 0 && sample&mask == 0; mask >>= 1 {
		exponent--
	}

	mantissa := byte((sample >> (exponent + 3)) & 0x0F)
	mulawByte := sign | byte(exponent)<<4 | mantissa

	// Invert all bits of the composed byte for transmission
	return mulawByte ^ 0xFF
}

// MulawToPCM decodes a single mu-law byte to a 16-bit linear PCM sample.
func MulawToPCM(b byte) int16 {
	b ^= 0xFF

	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F

	sample := (int16(mantissa)<<3 + mulawBias) << exponent
	sample -= mulawBias

	if sign != 0 {
		return -sample
	}
	return sample
}

// DecodeMulaw decodes a mu-law buffer (one byte per sample) to 16-bit
// little-endian PCM (two bytes per sample).
func DecodeMulaw(mulawData []byte) []byte {
	pcmData := make([]byte, len(mulawData)*2)
	for i, b := range mulawData {
		binary.LittleEndian.PutUint16(pcmData[i*2:i*2+2], uint16(MulawToPCM(b)))
	}
	return pcmData
}

// EncodeMulaw encodes 16-bit little-endian PCM to a mu-law buffer.
func EncodeMulaw(pcmData []byte) ([]byte, error) {
	if len(pcmData)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}

	numSamples := len(pcmData) / 2
	mulawData := make([]byte, numSamples)
	for i := 0; i < numSamples; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcmData[i*2 : i*2+2]))
		mulawData[i] = PCMToMulaw(sample)
	}
	return mulawData, nil
}

// SplitBuffer splits an audio buffer into fixed-size chunks.
// Used to packetize outbound audio into 20ms telephony frames.
func SplitBuffer(data []byte, chunkSize int) [][]byte {
	if chunkSize <= 0 {
		chunkSize = 160 // 20ms of mu-law at 8kHz
	}

	var chunks [][]byte
	for i := 0; i < len(data); i += chunkSize {
		end := i + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[i:end])
	}
	return chunks
}

// ConcatBuffers concatenates multiple audio buffers.
func ConcatBuffers(buffers [][]byte) []byte {
	var buffer bytes.Buffer
	for _, buf := range buffers {
		buffer.Write(buf)
	}
	return buffer.Bytes()
}
