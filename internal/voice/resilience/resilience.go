// Package resilience wraps the voice session core's provider contracts
// (ASR/LLM/TTS) in a circuit breaker so a struggling external provider
// degrades into fast ErrCircuitOpen failures instead of compounding latency
// across every in-flight turn.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/parleyvoice/parley/internal/voice/contracts"
)

// ErrCircuitOpen is returned by a wrapped provider call when the breaker is
// open and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is a circuit breaker's operating mode.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a CircuitBreaker. Zero-value fields are replaced with
// defaults matching the teacher's provider-fallback convention.
type Config struct {
	Name         string
	MaxFailures  int
	ResetTimeout time.Duration
	HalfOpenMax  int
}

// CircuitBreaker is a classic three-state (closed/open/half-open) breaker,
// safe for concurrent use.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
	halfOpenFails   int
}

// New creates a CircuitBreaker from cfg.
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		state:        StateClosed,
	}
}

// Execute runs fn if the breaker's state permits it.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) >= cb.resetTimeout {
			cb.state = StateHalfOpen
			cb.halfOpenCalls = 0
			cb.halfOpenFails = 0
			slog.Info("circuit breaker transitioning to half-open", "name", cb.name)
		} else {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}

	inHalfOpen := cb.state == StateHalfOpen
	if inHalfOpen {
		cb.halfOpenCalls++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.recordFailure(inHalfOpen)
	} else {
		cb.recordSuccess(inHalfOpen)
	}
	return err
}

func (cb *CircuitBreaker) recordFailure(inHalfOpen bool) {
	cb.lastFailure = time.Now()
	if inHalfOpen {
		cb.halfOpenFails++
		cb.state = StateOpen
		cb.consecutiveFail = cb.maxFailures
		slog.Warn("circuit breaker re-opened from half-open", "name", cb.name)
		return
	}
	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.maxFailures {
		cb.state = StateOpen
		slog.Warn("circuit breaker opened", "name", cb.name, "consecutive_failures", cb.consecutiveFail)
	}
}

func (cb *CircuitBreaker) recordSuccess(inHalfOpen bool) {
	if inHalfOpen {
		successes := cb.halfOpenCalls - cb.halfOpenFails
		if successes >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.consecutiveFail = 0
			cb.halfOpenCalls = 0
			cb.halfOpenFails = 0
			slog.Info("circuit breaker closed after successful probes", "name", cb.name)
		}
		return
	}
	cb.consecutiveFail = 0
}

// State reports the breaker's current state, accounting for an elapsed
// reset timeout without mutating it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to StateClosed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.halfOpenCalls = 0
	cb.halfOpenFails = 0
}

// ── Provider wrappers ───────────────────────────────────────────────────

// asrBreaker wraps a contracts.ASRClient with a circuit breaker.
type asrBreaker struct {
	inner contracts.ASRClient
	cb    *CircuitBreaker
}

// WrapASR wraps client so repeated transcription failures trip cb and fail
// fast instead of stacking up latency across the STT queue.
func WrapASR(client contracts.ASRClient, cb *CircuitBreaker) contracts.ASRClient {
	return &asrBreaker{inner: client, cb: cb}
}

func (b *asrBreaker) TranscribeAudio(ctx context.Context, pcm []byte, rateHz int, model string) (string, error) {
	var text string
	err := b.cb.Execute(func() error {
		var innerErr error
		text, innerErr = b.inner.TranscribeAudio(ctx, pcm, rateHz, model)
		return innerErr
	})
	return text, err
}

// llmBreaker wraps a contracts.LLMClient with a circuit breaker.
type llmBreaker struct {
	inner contracts.LLMClient
	cb    *CircuitBreaker
}

// WrapLLM wraps client with cb.
func WrapLLM(client contracts.LLMClient, cb *CircuitBreaker) contracts.LLMClient {
	return &llmBreaker{inner: client, cb: cb}
}

func (b *llmBreaker) GenerateVoiceTurn(ctx context.Context, req contracts.VoiceTurnRequest) (contracts.VoiceTurnResult, error) {
	var result contracts.VoiceTurnResult
	err := b.cb.Execute(func() error {
		var innerErr error
		result, innerErr = b.inner.GenerateVoiceTurn(ctx, req)
		return innerErr
	})
	return result, err
}

// ttsBreaker wraps a contracts.TTSClient with a circuit breaker.
type ttsBreaker struct {
	inner contracts.TTSClient
	cb    *CircuitBreaker
}

// WrapTTS wraps client with cb.
func WrapTTS(client contracts.TTSClient, cb *CircuitBreaker) contracts.TTSClient {
	return &ttsBreaker{inner: client, cb: cb}
}

func (b *ttsBreaker) SynthesizeSpeech(ctx context.Context, text string, voice contracts.VoiceSpec, speed float64) ([]byte, error) {
	var audio []byte
	err := b.cb.Execute(func() error {
		var innerErr error
		audio, innerErr = b.inner.SynthesizeSpeech(ctx, text, voice, speed)
		return innerErr
	})
	return audio, err
}
