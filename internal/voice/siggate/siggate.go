// Package siggate analyzes mono16 PCM buffers to decide whether a capture
// holds genuine speech or should be dropped/aborted as noise or silence.
package siggate

import (
	"math"

	"github.com/parleyvoice/parley/internal/voice/limits"
)

// Stats summarizes one mono16 PCM buffer.
type Stats struct {
	SampleCount      int
	RMSNormalized    float64
	PeakNormalized   float64
	ActiveRatio      float64
}

const int16Max = 32768.0

// AnalyzeMono computes Stats over a mono16 PCM buffer. Active samples are
// those with |sample| ≥ limits.ActiveSampleMinAbs.
func AnalyzeMono(pcm []byte) Stats {
	samples := len(pcm) / 2
	if samples == 0 {
		return Stats{}
	}

	var sumSquares float64
	var peak int32
	var active int

	for i := range samples {
		s := int32(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		abs := s
		if abs < 0 {
			abs = -abs
		}
		if abs > peak {
			peak = abs
		}
		if abs >= limits.ActiveSampleMinAbs {
			active++
		}
		sumSquares += float64(s) * float64(s)
	}

	rms := math.Sqrt(sumSquares / float64(samples))

	return Stats{
		SampleCount:    samples,
		RMSNormalized:  rms / int16Max,
		PeakNormalized: float64(peak) / int16Max,
		ActiveRatio:    float64(active) / float64(samples),
	}
}

// EstimateDurationMs returns the playback duration, in milliseconds, of a
// mono16 PCM buffer at the given sample rate.
func EstimateDurationMs(byteLen int, rateHz int) float64 {
	if rateHz <= 0 {
		return 0
	}
	return float64(byteLen) / (2 * float64(rateHz)) * 1000
}

// SilenceGate reports whether pcm (at rateHz) should be dropped as silence:
// duration ≥ SilenceGateMinClipMs AND rms ≤ SilenceGateRMSMax AND
// peak ≤ SilenceGatePeakMax AND activeRatio ≤ SilenceGateActiveRatioMax.
func SilenceGate(pcm []byte, rateHz int) bool {
	durationMs := EstimateDurationMs(len(pcm), rateHz)
	if durationMs < limits.SilenceGateMinClipMs {
		return false
	}
	st := AnalyzeMono(pcm)
	return st.RMSNormalized <= limits.SilenceGateRMSMax &&
		st.PeakNormalized <= limits.SilenceGatePeakMax &&
		st.ActiveRatio <= limits.SilenceGateActiveRatioMax
}

// CaptureSignal is the minimal view of an in-progress capture that the
// abort/assertive heuristics need — satisfied by capture.Capture.
type CaptureSignal interface {
	AgeMs() float64
	Stats() Stats
}

// NearSilenceAbort reports whether an in-progress capture should be aborted
// for having gone quiet: ageMs ≥ NearSilenceAbortMinAgeMs AND
// activeRatio ≤ ActiveRatioMax AND peak ≤ PeakMax.
func NearSilenceAbort(c CaptureSignal) bool {
	if c.AgeMs() < limits.NearSilenceAbortMinAgeMs {
		return false
	}
	st := c.Stats()
	return st.ActiveRatio <= limits.ActiveRatioMax && st.PeakNormalized <= limits.PeakMax
}

// Assertive reports whether a capture's running stats indicate loud,
// decisive speech — used to gate activity-touch and barge-in eligibility.
func Assertive(st Stats) bool {
	return st.ActiveRatio > limits.SilenceGateActiveRatioMax || st.PeakNormalized > limits.SilenceGatePeakMax
}
