// Package pcm provides the codec utilities the voice session core needs to
// move 16-bit linear PCM between the rates and channel layouts the transport
// (48kHz stereo) and the speech models (typically 16-24kHz mono) expect.
//
// Every function here is pure: no I/O, no shared state, safe for concurrent
// use by construction. Samples are always little-endian int16, clamped to
// the int16 range on overflow.
package pcm

import (
	"bytes"
	"encoding/binary"
)

// DownmixStereo16ToMono16 averages left/right int16 samples into a single
// mono16 stream. Input must be interleaved L,R pairs (4 bytes per frame); a
// trailing partial frame is dropped.
func DownmixStereo16ToMono16(stereo []byte) []byte {
	frames := len(stereo) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(readInt16(stereo, i*4))
		r := int32(readInt16(stereo, i*4+2))
		avg := clampInt16((l + r) / 2)
		writeInt16(out, i*2, avg)
	}
	return out
}

// Mono16ToStereo16 duplicates each mono16 sample into an L+R pair.
func Mono16ToStereo16(mono []byte) []byte {
	samples := len(mono) / 2
	out := make([]byte, samples*4)
	for i := range samples {
		s := readInt16(mono, i*2)
		writeInt16(out, i*4, s)
		writeInt16(out, i*4+2, s)
	}
	return out
}

// ResampleMono16 resamples mono16 PCM from inRateHz to outRateHz using linear
// interpolation. Per spec: inputs with fewer than 2 samples or a non-positive
// rate produce empty output; equal rates return a byte-wise copy (never the
// same backing array, so callers may mutate the result freely).
func ResampleMono16(in []byte, inRateHz, outRateHz int) []byte {
	srcSamples := len(in) / 2
	if inRateHz <= 0 || outRateHz <= 0 || srcSamples < 2 {
		return []byte{}
	}
	if inRateHz == outRateHz {
		out := make([]byte, len(in))
		copy(out, in)
		return out
	}

	dstSamples := int(int64(srcSamples) * int64(outRateHz) / int64(inRateHz))
	if dstSamples <= 0 {
		return []byte{}
	}
	out := make([]byte, dstSamples*2)
	ratio := float64(inRateHz) / float64(outRateHz)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := readInt16(in, srcIdx*2)
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = readInt16(in, (srcIdx+1)*2)
		}

		interp := clampInt16(int32(float64(s0)*(1-frac) + float64(s1)*frac))
		writeInt16(out, i*2, interp)
	}
	return out
}

// EncodePcm16MonoAsWav wraps raw mono16 PCM in a canonical 44-byte RIFF/WAVE
// header: PCM format, 16-bit samples, mono, sampleRateHz.
func EncodePcm16MonoAsWav(mono []byte, sampleRateHz int) []byte {
	const (
		bitsPerSample = 16
		numChannels   = 1
	)
	byteRate := sampleRateHz * numChannels * bitsPerSample / 8
	blockAlign := numChannels * bitsPerSample / 8
	dataLen := len(mono)

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16)) // fmt chunk size
	binary.Write(&buf, binary.LittleEndian, uint16(1))  // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(numChannels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRateHz))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataLen))
	buf.Write(mono)

	return buf.Bytes()
}

func readInt16(b []byte, offset int) int16 {
	return int16(b[offset]) | int16(b[offset+1])<<8
}

func writeInt16(b []byte, offset int, v int16) {
	b[offset] = byte(v)
	b[offset+1] = byte(v >> 8)
}

func clampInt16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
