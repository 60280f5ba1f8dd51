// Package contracts defines the interfaces and wire types the voice session
// core depends on but never implements: Discord voice transport, LLM/ASR/TTS
// provider clients, the realtime streaming client, durable action logging,
// and the soundboard/stream-watch collaborators. Per spec.md §1 these are
// all external collaborators — contracts only.
package contracts

import (
	"context"
	"log/slog"
	"time"
)

// ── Discord transport (opaque connection handle, spec.md §3) ───────────────

// Connection is the opaque per-guild voice connection handle the session
// owns but does not implement. PCMSink carries 48kHz stereo16 frames out to
// Discord; Destroy releases the connection's resources.
type Connection interface {
	PCMSink() chan<- []byte
	Destroy() error
}

// ── Provider contracts (spec.md §1 "LLM provider clients") ─────────────────

// VoiceSpec selects a TTS voice; provider-specific fields are opaque here.
type VoiceSpec struct {
	Provider string
	VoiceID  string
}

// VoiceTurnRequest bundles everything generateVoiceTurn needs: the
// conversation context, memory slice, soundboard candidates, roster, and
// recent membership events (spec.md §4.J "brain" strategy).
type VoiceTurnRequest struct {
	ContextTurns        []VoiceTurn
	MemorySlice         []string
	SoundboardCandidates []SoundboardCandidate
	Participants        []string
	MembershipEvents    []MembershipEvent
	UtteranceText       string
	SpeakerID           string
	SpeakerName         string
}

// PlaybackStep is one entry in the ordered playback plan a VoiceTurnResult
// describes: either a speech step (text to speak, realtime or TTS) or a
// soundboard step.
type PlaybackStep struct {
	Kind          PlaybackStepKind
	Text          string // speech steps
	SoundboardID  string // soundboard steps
	UseRealtimeUtterance bool
}

type PlaybackStepKind int

const (
	PlaybackStepSpeech PlaybackStepKind = iota
	PlaybackStepSoundboard
)

// VoiceTurnResult is generateVoiceTurn's output: the NPC-equivalent
// assistant reply text plus an ordered playback plan.
type VoiceTurnResult struct {
	ReplyText string
	Plan      []PlaybackStep
	LeaveDirective bool
}

// LLMClient is the generate() contract from spec.md §1/§4.J/§4.K.
type LLMClient interface {
	GenerateVoiceTurn(ctx context.Context, req VoiceTurnRequest) (VoiceTurnResult, error)
}

// ASRClient is the transcribeAudio() contract.
type ASRClient interface {
	TranscribeAudio(ctx context.Context, pcm []byte, rateHz int, model string) (string, error)
}

// TTSClient is the synthesizeSpeech() contract. The voice is carried via
// VoiceSpec and the speaking rate via speed; implementations return raw PCM at a rate the caller negotiates
// out of band (out of scope here).
type TTSClient interface {
	SynthesizeSpeech(ctx context.Context, text string, voice VoiceSpec, speed float64) ([]byte, error)
}

// AddressingClassifierClient resolves an ambiguous name cue's directed
// confidence via an LLM call (spec.md §4.G). It is only consulted when a
// name cue is present in the transcript but neither the exact nor the
// fuzzy deterministic checks resolve it.
type AddressingClassifierClient interface {
	ClassifyAddressing(ctx context.Context, text string) (confidence float64, err error)
}

// ReplyDeciderClient is the JSON-returning LLM decider from spec.md §4.H
// rule 10. promptStyle selects which of the compact/full/minimal prompts to
// send for this attempt; ok reports whether the response was strictly
// parseable as {decision: YES|NO}.
type ReplyDeciderClient interface {
	DecideReply(ctx context.Context, promptStyle, text string) (yes, ok bool, err error)
}

// ── Realtime client (spec.md §6) ────────────────────────────────────────────

// RealtimeEventKind tags the duck-typed realtime payloads into a Go sum
// type, per spec.md §9's "parse once at the boundary" design note.
type RealtimeEventKind int

const (
	RealtimeEventAudioDelta RealtimeEventKind = iota
	RealtimeEventTranscript
	RealtimeEventResponseDone
	RealtimeEventErrorEvent
	RealtimeEventSocketClosed
	RealtimeEventSocketError
)

// RealtimeEvent is the single typed record all realtime-client inbound
// events are parsed into before reaching session code.
type RealtimeEvent struct {
	Kind RealtimeEventKind

	// AudioDelta
	AudioDeltaB64 string

	// Transcript
	TranscriptText      string
	TranscriptEventType string

	// ResponseDone
	ResponseID     string
	ResponseStatus string
	ResponseModel  string
	ResponseUsage  map[string]int

	// ErrorEvent
	ErrorCode          string
	ErrorMessage       string
	ErrorParam         string
	LastOutboundMethod string

	// SocketClosed
	CloseCode   int
	CloseReason string

	// SocketError
	Err error
}

// RealtimeClient is the outbound surface spec.md §6 lists, plus the inbound
// event channel.
type RealtimeClient interface {
	AppendInputAudioPCM(pcm []byte) error
	CommitInputAudioBuffer() error
	CreateAudioResponse() error
	RequestTextUtterance(prompt string) error
	UpdateInstructions(instructions string) error
	CancelActiveResponse() error
	IsResponseInProgress() bool
	Close() error

	// Events returns a read-only channel of parsed RealtimeEvent values; it
	// closes when the underlying socket closes.
	Events() <-chan RealtimeEvent
}

// ── Action log (spec.md §6 "opaque structured records") ────────────────────

// ActionLogger records structured events at every major session transition.
// The concrete persistence layer is an external collaborator; a slog-backed
// default is provided below for ambient logging.
type ActionLogger interface {
	Log(event string, fields map[string]any)
}

// SlogActionLogger is the default ActionLogger: it writes each event as a
// structured slog.Info record, mirroring the teacher's convention of logging
// every lifecycle transition with key/value fields.
type SlogActionLogger struct {
	Logger *slog.Logger
}

// Log implements ActionLogger.
func (s SlogActionLogger) Log(event string, fields map[string]any) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	logger.Info(event, args...)
}

// ── Soundboard / stream-watch pass-through types (SPEC_FULL §8) ────────────

// SoundboardCandidate is a minimal reference to a soundboard entry the brain
// strategy may choose to play; the catalog fetch itself is an external
// collaborator.
type SoundboardCandidate struct {
	ID   string
	Name string
}

// StreamWatchNote is one observation from the (external, out-of-scope)
// screen-watch vision pipeline, carried through so the realtime driver's
// instruction refresh (spec.md §4.J) can reference it.
type StreamWatchNote struct {
	At   time.Time
	Text string
}

// ── Shared data model types (spec.md §3) ────────────────────────────────────

// TurnRole distinguishes user vs assistant VoiceTurn entries.
type TurnRole int

const (
	RoleUser TurnRole = iota
	RoleAssistant
)

// Addressing is the addressing annotation attached to a VoiceTurn (spec.md §3).
type Addressing struct {
	TalkingTo         string // displayName | "ME" | "ALL"
	DirectedConfidence float64
	Source            string
	Reason            string
}

// VoiceTurn is one context entry in the decider/transcript ring buffers.
type VoiceTurn struct {
	Role        TurnRole
	SpeakerID   string
	SpeakerName string
	Text        string
	At          time.Time
	Addressing  *Addressing
}

// MembershipEventKind distinguishes join/leave membership events.
type MembershipEventKind int

const (
	MembershipJoin MembershipEventKind = iota
	MembershipLeave
)

// MembershipEvent is one entry in the bounded membership ring (spec.md §3).
type MembershipEvent struct {
	SpeakerID   string
	DisplayName string
	Kind        MembershipEventKind
	At          time.Time
}

// InterruptionScope constrains who may barge into the active reply.
type InterruptionScope int

const (
	InterruptionScopeAll     InterruptionScope = iota // no one may interrupt
	InterruptionScopeSpeaker                          // only AllowedSpeakerID may
)

// InterruptionPolicy is spec.md §3's InterruptionPolicy. A nil *InterruptionPolicy
// means "anyone may barge in".
type InterruptionPolicy struct {
	Assertive        bool
	Scope            InterruptionScope
	AllowedSpeakerID string
	TalkingTo        string
	Reason           string
	Source           string
}

// Permits reports whether speakerID is allowed to interrupt under p. A nil p
// permits everyone.
func (p *InterruptionPolicy) Permits(speakerID string) bool {
	if p == nil {
		return true
	}
	switch p.Scope {
	case InterruptionScopeAll:
		return false
	case InterruptionScopeSpeaker:
		return speakerID != "" && speakerID == p.AllowedSpeakerID
	default:
		return true
	}
}
