// Package capture implements per-speaker buffered audio capture: component C
// of the voice session core. A Capture exists from a speaker's speaking-start
// event until it is finalized (producing a contiguous PCM buffer for the turn
// queues) or aborted (producing nothing).
package capture

import (
	"sync"
	"time"

	"github.com/parleyvoice/parley/internal/voice/limits"
	"github.com/parleyvoice/parley/internal/voice/pcm"
	"github.com/parleyvoice/parley/internal/voice/siggate"
)

// runningStats accumulates signal statistics incrementally across chunks
// so AnalyzeMono never needs to re-scan already-seen audio.
type runningStats struct {
	sampleCount       int
	activeSampleCount int
	peakAbs           int32
	sumSquares        float64
}

func (r *runningStats) update(pcmChunk []byte) {
	samples := len(pcmChunk) / 2
	for i := range samples {
		s := int32(int16(pcmChunk[i*2]) | int16(pcmChunk[i*2+1])<<8)
		abs := s
		if abs < 0 {
			abs = -abs
		}
		if abs > r.peakAbs {
			r.peakAbs = abs
		}
		if abs >= limits.ActiveSampleMinAbs {
			r.activeSampleCount++
		}
		r.sumSquares += float64(s) * float64(s)
	}
	r.sampleCount += samples
}

func (r *runningStats) snapshot() siggate.Stats {
	if r.sampleCount == 0 {
		return siggate.Stats{}
	}
	return siggate.Stats{
		SampleCount:    r.sampleCount,
		RMSNormalized:  sqrt(r.sumSquares/float64(r.sampleCount)) / 32768.0,
		PeakNormalized: float64(r.peakAbs) / 32768.0,
		ActiveRatio:    float64(r.activeSampleCount) / float64(r.sampleCount),
	}
}

// sqrt avoids importing math just for this one call site from two files;
// kept local so capture has no surprising dependency surface.
func sqrt(v float64) float64 {
	if v <= 0 {
		return 0
	}
	// Newton's method converges in a handful of iterations for audio-scale inputs.
	x := v
	for range 20 {
		x = 0.5 * (x + v/x)
	}
	return x
}

// Reason values capture finalize/abort is tagged with.
const (
	ReasonSpeakingEnd  = "speaking_end"
	ReasonIdleTimeout  = "idle_timeout"
	ReasonMaxDuration  = "max_duration"
	ReasonNearSilence  = "near_silence_abort"
	ReasonStreamError  = "stream_error"
	ReasonAbortedInput = "input_dropped"
)

// Capture is one speaker's in-progress audio aggregation (spec.md §3).
//
// All mutation happens through Capture's methods; timer callbacks fire on
// their own goroutines and must be treated as untrusted input by the
// session, which re-validates state before acting (spec.md §5).
type Capture struct {
	SpeakerID    string
	StartedAt    time.Time
	targetRateHz int

	mu        sync.Mutex
	chunks    [][]byte
	bytesSent int
	stats     runningStats

	lastActivityTouch time.Time

	idleTimer           *time.Timer
	maxTimer            *time.Timer
	speakingEndTimer    *time.Timer
	bargeInAssertTimer  *time.Timer

	finalized bool
	aborted   bool
}

// New creates a Capture for speakerID, targeting targetRateHz mono16 output
// (24kHz for models per spec.md §4.C).
func New(speakerID string, targetRateHz int, now time.Time) *Capture {
	return &Capture{
		SpeakerID:    speakerID,
		StartedAt:    now,
		targetRateHz: targetRateHz,
	}
}

// AppendStereo48k decodes one already-opus-decoded 48kHz stereo16 PCM frame
// (opus decode itself is the Discord transport's concern, out of scope here)
// down to the capture's target mono rate and appends it to the chunk list.
func (c *Capture) AppendStereo48k(stereo48k []byte) {
	mono48 := pcm.DownmixStereo16ToMono16(stereo48k)
	mono := pcm.ResampleMono16(mono48, 48000, c.targetRateHz)
	c.append(mono)
}

func (c *Capture) append(mono []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized || c.aborted {
		return
	}
	c.chunks = append(c.chunks, mono)
	c.bytesSent += len(mono)
	c.stats.update(mono)
}

// Stats returns a snapshot of the running signal statistics. Implements
// siggate.CaptureSignal together with AgeMs.
func (c *Capture) Stats() siggate.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.snapshot()
}

// AgeMs returns the capture's age in milliseconds since StartedAt.
func (c *Capture) AgeMs() float64 {
	return float64(time.Since(c.StartedAt).Milliseconds())
}

// DurationMs returns the buffered audio duration based on bytes accumulated
// so far, at the capture's target rate.
func (c *Capture) DurationMs() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return siggate.EstimateDurationMs(c.bytesSent, c.targetRateHz)
}

// ShouldTouchActivity reports whether this capture, at the current instant,
// warrants an activity touch: assertive signal, minimum speech length met,
// and the throttle window has elapsed since the last touch.
func (c *Capture) ShouldTouchActivity(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if siggate.EstimateDurationMs(c.bytesSent, c.targetRateHz) < limits.ActivityTouchMinSpeechMs {
		return false
	}
	if !siggate.Assertive(c.stats.snapshot()) {
		return false
	}
	if now.Sub(c.lastActivityTouch) < limits.DurationMs(limits.ActivityTouchThrottleMs) {
		return false
	}
	c.lastActivityTouch = now
	return true
}

// Concatenated returns the full contiguous PCM buffer accumulated so far.
func (c *Capture) Concatenated() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, ch := range c.chunks {
		total += len(ch)
	}
	out := make([]byte, 0, total)
	for _, ch := range c.chunks {
		out = append(out, ch...)
	}
	return out
}

// MarkFinalized records that this capture has produced a QueuedTurn and
// must not accept further audio. Returns false if already finalized/aborted.
func (c *Capture) MarkFinalized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized || c.aborted {
		return false
	}
	c.finalized = true
	return true
}

// MarkAborted records that this capture was dropped without producing a
// QueuedTurn. Returns false if already finalized/aborted.
func (c *Capture) MarkAborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized || c.aborted {
		return false
	}
	c.aborted = true
	return true
}

// ── Timer management ─────────────────────────────────────────────────────
//
// Each Start*Timer call replaces (and cancels) any prior timer of the same
// kind. CancelAllTimers must be called on every exit path — finalize, abort,
// or session end — per spec.md §5's "timer soup" design note.

// ResetIdleTimer (re)starts the idle-flush timer; fire is invoked on its own
// goroutine after limits.CaptureIdleFlushMs of inactivity.
func (c *Capture) ResetIdleTimer(fire func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(limits.DurationMs(limits.CaptureIdleFlushMs), fire)
}

// StartMaxTimer starts the max-duration timer exactly once; subsequent calls
// are no-ops so the max bound is measured from StartedAt, not from the most
// recent chunk.
func (c *Capture) StartMaxTimer(fire func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxTimer != nil {
		return
	}
	remaining := limits.DurationMs(limits.CaptureMaxDurationMs) - time.Since(c.StartedAt)
	if remaining < 0 {
		remaining = 0
	}
	c.maxTimer = time.AfterFunc(remaining, fire)
}

// SettleTier buckets a capture by how long it has run, used to pick the base
// settle delay (spec.md §4.C); the number of concurrently active captures
// only scales that base in SettleDelay.
type SettleTier int

const (
	SettleTierMicro SettleTier = iota
	SettleTierShort
	SettleTierQuick
)

// SettleDelay computes the speaking-end finalize delay: a base tier
// duration scaled by a busy/heavy multiplier derived from the number of
// concurrently active captures in the session.
func SettleDelay(tier SettleTier, concurrentCaptures int) time.Duration {
	var base int
	switch tier {
	case SettleTierMicro:
		base = limits.SettleTierMicroMs
	case SettleTierShort:
		base = limits.SettleTierShortMs
	default:
		base = limits.SettleTierQuickMs
	}

	scale := 1.0
	switch {
	case concurrentCaptures >= limits.SettleHeavyConcurrentCaptures:
		scale = limits.SettleScaleHeavyMultiplier
	case concurrentCaptures >= limits.SettleBusyConcurrentCaptures:
		scale = limits.SettleScaleBusyMultiplier
	}

	return time.Duration(float64(base)*scale) * time.Millisecond
}

// StartSpeakingEndTimer arms the settle-delay finalize timer fired when the
// upstream transport signals speaking-end.
func (c *Capture) StartSpeakingEndTimer(delay time.Duration, fire func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.speakingEndTimer != nil {
		c.speakingEndTimer.Stop()
	}
	c.speakingEndTimer = time.AfterFunc(delay, fire)
}

// StartBargeInAssertTimer arms the barge-in eligibility check fired
// limits.BargeInAssertionMs after this call; a call while the timer is
// already armed does nothing.
func (c *Capture) StartBargeInAssertTimer(fire func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bargeInAssertTimer != nil {
		return
	}
	c.bargeInAssertTimer = time.AfterFunc(limits.DurationMs(limits.BargeInAssertionMs), fire)
}

// CancelAllTimers stops every timer owned by this capture. Safe to call
// multiple times and on nil timers.
func (c *Capture) CancelAllTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range []*time.Timer{c.idleTimer, c.maxTimer, c.speakingEndTimer, c.bargeInAssertTimer} {
		if t != nil {
			t.Stop()
		}
	}
}
