// Package decision implements component H: the ordered reply decision
// engine. Decide evaluates a queued turn against addressing, engagement, and
// reply-lock state and returns exactly one Outcome — rules are evaluated in
// the order spec'd and the first that matches wins.
package decision

import (
	"context"
	"strings"
	"time"

	"github.com/parleyvoice/parley/internal/voice/addressing"
	"github.com/parleyvoice/parley/internal/voice/contracts"
	"github.com/parleyvoice/parley/internal/voice/limits"
)

// Outcome is the decision engine's verdict for a queued turn.
type Outcome int

const (
	OutcomeReply Outcome = iota
	OutcomeIgnore
	OutcomeDefer
	OutcomeRetryLater
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReply:
		return "reply"
	case OutcomeIgnore:
		return "ignore"
	case OutcomeDefer:
		return "defer"
	case OutcomeRetryLater:
		return "retry_later"
	default:
		return "unknown"
	}
}

// Decision is Decide's result: what to do, why, and — for OutcomeDefer and
// OutcomeRetryLater — how long to wait before re-evaluating.
type Decision struct {
	Outcome    Outcome
	Reason     string
	RetryAfter time.Duration
}

// reasons that advance the engagement window's focused speaker on any allow
// (spec.md §4.H, final paragraph).
var focusUpdatingReasons = map[string]bool{
	"direct_address_fast_path": true,
	"focused_speaker_followup": true,
	"bot_recent_reply_followup": true,
	"llm_yes":                   true,
	"llm_yes_retry":             true,
}

// UpdatesFocusedSpeaker reports whether this Decision's reason is one that
// should advance the addressing engagement window's focused speaker.
func (d Decision) UpdatesFocusedSpeaker() bool {
	return d.Outcome == OutcomeReply && focusUpdatingReasons[d.Reason]
}

// LLMDecide is the rule-10 JSON-returning LLM decider call: promptStyle picks
// which of the compact/full/minimal prompts to send for this attempt, ok
// reports whether the response strictly parsed as {decision: YES|NO}.
type LLMDecide func(ctx context.Context, promptStyle, text string) (yes, ok bool, err error)

// promptStyles is the compact/full/minimal ladder rule 10 works through, in
// order, cycling if maxAttempts exceeds its length.
var promptStyles = []string{"compact", "full", "minimal"}

// Input bundles everything Decide needs to evaluate one queued turn.
type Input struct {
	Text                string
	SpeakerID           string
	Addressing          contracts.Addressing
	ConfidenceThreshold float64

	CaptureDurationMs        float64
	SilenceSinceLastSpeechMs float64

	ReplyInProgress bool
	ThoughtLoopBusy bool

	// Eagerness in [0,100]; 0 means the assistant never volunteers a reply
	// absent direct address (rule 7).
	Eagerness int

	// FocusedSpeakerFollowup is true when SpeakerID is still within the
	// engagement's focused-speaker continuation window and the utterance is
	// not addressed to another participant (rule 4).
	FocusedSpeakerFollowup bool

	// BotJustRepliedSameSpeaker is true when the bot's last reply ended
	// recently and SpeakerID is the same speaker it was replying to (rule 5,
	// and the post-reply low-signal check in rule 3).
	BotJustRepliedSameSpeaker bool

	// RealtimeMergedMode gates rule 8: only the multi-party, non-direct,
	// realtime-merged-generation strategy observes the inbound-silence
	// window before replying.
	RealtimeMergedMode  bool
	MsSinceInboundAudio float64

	// ClassifierDisabled and MergedWithGenerationMode drive rule 9.
	ClassifierDisabled       bool
	MergedWithGenerationMode bool

	// LLMDecide backs rule 10; nil is treated as a decider that cannot ever
	// produce a strictly-parseable response.
	LLMDecide LLMDecide
}

// Decide runs the ordered rule set and returns the first matching Decision.
func Decide(ctx context.Context, in Input) Decision {
	trimmed := strings.TrimSpace(in.Text)

	if trimmed == "" {
		return Decision{OutcomeIgnore, "missing_transcript", 0}
	}

	if in.ReplyInProgress {
		return Decision{OutcomeDefer, "bot_turn_open", limits.DurationMs(limits.VoiceThoughtLoopBusyRetryMs)}
	}

	if in.ThoughtLoopBusy {
		return Decision{OutcomeRetryLater, "thought_loop_busy", limits.DurationMs(limits.VoiceThoughtLoopBusyRetryMs)}
	}

	directAddress := addressing.IsDirectlyAddressed(in.Addressing, in.ConfidenceThreshold)

	// Rule 3: low-signal fragment.
	if len(trimmed) <= limits.LowSignalFragmentMaxChars {
		if directAddress {
			return Decision{OutcomeReply, "low_signal_wake_ping", 0}
		}
		if in.CaptureDurationMs <= limits.VoiceLowSignalPostReplyMaxClipMs && in.BotJustRepliedSameSpeaker {
			return Decision{OutcomeIgnore, "low_signal_recent_reply_clip", 0}
		}
		// else: falls through — LLM-eligibility (rule 10) may still permit it.
	}

	// Rule 4: focused-speaker followup.
	if in.FocusedSpeakerFollowup {
		return Decision{OutcomeReply, "focused_speaker_followup", 0}
	}

	// Rule 5: bot just replied to this same speaker.
	if in.BotJustRepliedSameSpeaker {
		return Decision{OutcomeReply, "bot_recent_reply_followup", 0}
	}

	// Rule 6: direct address fast path.
	if directAddress {
		return Decision{OutcomeReply, "direct_address_fast_path", 0}
	}

	// Rule 7: eagerness gate.
	if in.Eagerness <= 0 {
		return Decision{OutcomeIgnore, "eagerness_zero", 0}
	}

	// Rule 8: non-direct realtime merged mode silence window.
	if in.RealtimeMergedMode && in.MsSinceInboundAudio < limits.NonDirectReplyMinSilenceMs {
		remaining := limits.DurationMs(limits.NonDirectReplyMinSilenceMs) - time.Duration(in.MsSinceInboundAudio)*time.Millisecond
		if remaining < 0 {
			remaining = 0
		}
		return Decision{OutcomeDefer, "awaiting_non_direct_silence_window", remaining}
	}

	// Rule 9: classifier disabled.
	if in.ClassifierDisabled {
		if in.MergedWithGenerationMode {
			return Decision{OutcomeReply, "classifier_disabled_merged_generation", 0}
		}
		return Decision{OutcomeIgnore, "classifier_disabled", 0}
	}

	// Rule 10: LLM decider ladder.
	return decideWithLLM(ctx, in, trimmed)
}

func decideWithLLM(ctx context.Context, in Input, trimmed string) Decision {
	if in.LLMDecide == nil {
		return Decision{OutcomeIgnore, "llm_contract_violation", 0}
	}
	for attempt := 0; attempt < limits.ReplyDeciderMaxAttempts; attempt++ {
		style := promptStyles[attempt%len(promptStyles)]
		yes, ok, err := in.LLMDecide(ctx, style, trimmed)
		if err != nil || !ok {
			continue
		}
		if !yes {
			return Decision{OutcomeIgnore, "llm_no", 0}
		}
		reason := "llm_yes"
		if attempt > 0 {
			reason = "llm_yes_retry"
		}
		return Decision{OutcomeReply, reason, 0}
	}
	return Decision{OutcomeIgnore, "llm_contract_violation", 0}
}
