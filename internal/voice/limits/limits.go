package limits

import "time"

// Tunables referenced throughout spec.md. Grouped here the way the teacher's
// internal/config package groups provider defaults — a single place an
// operator-facing config layer (out of scope for this core) can override via
// a Settings snapshot.
const (
	// ── Signal gates (§4.B) ──────────────────────────────────────────────────

	ActiveSampleMinAbs = 400 // int16 units; |sample| ≥ this counts as "active".

	SilenceGateMinClipMs     = 400
	SilenceGateRMSMax        = 0.02
	SilenceGatePeakMax       = 0.08
	SilenceGateActiveRatioMax = 0.05

	NearSilenceAbortMinAgeMs = 6000
	ActiveRatioMax           = 0.04
	PeakMax                  = 0.06

	// ── Capture tracker (§4.C) ───────────────────────────────────────────────

	ActivityTouchThrottleMs = 2000
	CaptureIdleFlushMs      = 1200
	CaptureMaxDurationMs    = 45000

	// Settle-delay tiers, scaled by adaptive busy/heavy multipliers.
	SettleTierMicroMs = 120
	SettleTierShortMs = 250
	SettleTierQuickMs = 400

	SettleScaleBusyMultiplier  = 1.5
	SettleScaleHeavyMultiplier = 2.0
	SettleBusyConcurrentCaptures  = 2
	SettleHeavyConcurrentCaptures = 4

	// Tier selection by the capture's accumulated duration so far: a very
	// brief utterance finalizes on the micro tier, a longer one gets more
	// room for a natural mid-sentence pause before finalizing.
	SettleTierMicroMaxCaptureMs = 600
	SettleTierShortMaxCaptureMs = 3000

	// ── Playback queue (§4.D) ────────────────────────────────────────────────

	PlaybackQueueWarnBytes    = 192000 // ~1s of 48kHz stereo16
	PlaybackQueueHardMaxBytes = 960000 // ~5s
	PumpChunkBytes            = 3840   // one 20ms 48kHz stereo16 Discord frame
	WarnCooldownMs            = 3000

	// ── Reply lock & barge-in (§4.E) ─────────────────────────────────────────

	BotTurnSilenceResetMs     = 1500
	BargeInAssertionMs        = 250
	BargeInMinSpeechMs        = 350
	BargeInSuppressionMaxMs   = 1200
	BargeInFullOverrideMinMs  = 600
	BargeInRetryMaxAgeMs      = 8000

	// ── Turn queues (§4.F) ───────────────────────────────────────────────────

	RealtimeTurnQueueMax               = 8
	STTTurnQueueMax                    = 8
	BotTurnDeferredQueueMax            = 8
	RealtimeTurnPendingMergeMaxBytes   = 480000
	STTTurnCoalesceWindowMs            = 800
	STTTurnCoalesceMaxBytes            = 480000
	RealtimeTurnStaleSkipMs            = 4000
	STTTurnStaleSkipMs                 = 6000
	BotTurnDeferredFlushDelayMs        = 1500
	BotTurnDeferredCoalesceMax         = 4

	// ── Addressing classifier (§4.G) ─────────────────────────────────────────

	DefaultDirectAddressConfidenceThreshold = 0.62
	FocusedSpeakerContinuationMs            = 12000
	DirectAddressCrossSpeakerWakeMs         = 6000
	NameFuzzyMatchMinSimilarity             = 0.82 // Jaro-Winkler threshold for ASR-noisy name cues.

	// NameCueAmbiguousMinSimilarity is the lower bound below which a name
	// cue is treated as absent rather than ambiguous: below it, the LLM
	// classifier is not worth calling. Between this and
	// NameFuzzyMatchMinSimilarity, the cue is "present but not
	// deterministic" (spec.md §4.G) and escalates to the LLM classifier.
	NameCueAmbiguousMinSimilarity = 0.55

	// ── Reply decision engine (§4.H) ─────────────────────────────────────────

	VoiceThoughtLoopBusyRetryMs       = 2500
	VoiceLowSignalPostReplyMaxClipMs  = 900
	NonDirectReplyMinSilenceMs        = 1500
	LowSignalFragmentMaxChars         = 12

	// BotJustRepliedWindowMs bounds how long after the bot's last reply
	// ends a followup from the same speaker still counts as
	// "bot just replied" for rules 3 and 5.
	BotJustRepliedWindowMs = 4000

	// ReplyDeciderMaxAttempts bounds the compact/full/minimal prompt ladder
	// rule 10 runs against the LLM decider before giving up with
	// llm_contract_violation.
	ReplyDeciderMaxAttempts = 3

	MinEagerness = 0
	MaxEagerness = 100

	// ── Session orchestrator (§4.I) ──────────────────────────────────────────

	MinSessionMinutes    = 1
	MaxSessionMinutes    = 120
	MinInactivitySeconds = 20
	MaxInactivitySeconds = 3600
	BotDisconnectGraceMs = 15000
	ActivityTouchMinSpeechMs = 300

	// ── Realtime reply driver (§4.J) ─────────────────────────────────────────

	VoiceTurnMinASRClipMs         = 250
	ResponseFlushDebounceMs       = 300
	RealtimeCommitMinimumBytes16k = 6400 // ~200ms @16kHz mono16
	ResponseSilenceRetryDelayMs   = 4000
	MaxResponseSilenceRetries     = 2
	ResponseDoneSilenceGraceMs    = 1500
	MaxInstructionsChars          = 5200

	// ── STT pipeline reply driver (§4.K) ─────────────────────────────────────

	STTTTSConversionChunkMs        = 400
	STTTTSConversionYieldEveryChunks = 4

	// ── Thought loop (§4.L) ───────────────────────────────────────────────────

	ThoughtLoopTopicalStartSeconds = 30
	ThoughtLoopFullDriftSeconds    = 300
)

// DurationMs is a convenience conversion used throughout the session package
// to keep timer construction readable (e.g. DurationMs(CaptureIdleFlushMs)).
func DurationMs(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
