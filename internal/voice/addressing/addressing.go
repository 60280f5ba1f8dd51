// Package addressing implements component G: deciding who an utterance is
// directed at. A deterministic exact-name check and a vocative-to-another-
// participant check run first; a Jaro-Winkler fuzzy match (antzucaro/matchr)
// catches ASR-mangled name cues; an ambiguous fuzzy score escalates to an
// LLM classifier; an Engagement tracker extends addressing across a
// focused-speaker continuation window and a short cross-speaker wake window.
package addressing

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/parleyvoice/parley/internal/voice/contracts"
	"github.com/parleyvoice/parley/internal/voice/limits"
)

const (
	sourceDeterministic   = "deterministic"
	sourceVocative        = "vocative"
	sourceFuzzy           = "fuzzy"
	sourceLLMClassifier   = "llm_classifier"
	sourceContinuation    = "continuation"
	sourceCrossSpeakerWake = "cross_speaker_wake"
	sourceNone            = "none"

	talkingToMe  = "ME"
	talkingToAll = "ALL"
)

// Engagement tracks which speaker the bot is currently engaged with, so a
// speaker who was just directly addressing the bot can keep talking to it
// without repeating a wake cue, and so a different speaker answering on
// their behalf within a short window is still treated as addressed.
type Engagement struct {
	mu sync.Mutex

	focusedSpeakerID string
	focusedAt        time.Time

	lastDirectAddressSpeaker string
	lastDirectAddressAt      time.Time
}

// NewEngagement returns an Engagement with no speaker focused.
func NewEngagement() *Engagement {
	return &Engagement{}
}

// Touch records that speakerID was just resolved as directly addressing the
// bot as of now.
func (e *Engagement) Touch(speakerID string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.focusedSpeakerID = speakerID
	e.focusedAt = now
	e.lastDirectAddressSpeaker = speakerID
	e.lastDirectAddressAt = now
}

// IsContinuation reports whether speakerID is still within the focused
// continuation window from their last direct address.
func (e *Engagement) IsContinuation(speakerID string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if speakerID == "" || speakerID != e.focusedSpeakerID {
		return false
	}
	return now.Sub(e.focusedAt) <= limits.DurationMs(limits.FocusedSpeakerContinuationMs)
}

// IsCrossSpeakerWake reports whether a different speaker than the last one
// directly addressing the bot is speaking within the short cross-speaker
// wake window that follows a direct address.
func (e *Engagement) IsCrossSpeakerWake(speakerID string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastDirectAddressSpeaker == "" || speakerID == e.lastDirectAddressSpeaker {
		return false
	}
	return now.Sub(e.lastDirectAddressAt) <= limits.DurationMs(limits.DirectAddressCrossSpeakerWakeMs)
}

// Classifier resolves an utterance's Addressing from a set of names the bot
// answers to.
type Classifier struct {
	names               []string
	confidenceThreshold float64
}

// NewClassifier returns a Classifier recognizing any of names (case-
// insensitive), at the default direct-address confidence threshold.
func NewClassifier(names []string) *Classifier {
	return &Classifier{
		names:               names,
		confidenceThreshold: limits.DefaultDirectAddressConfidenceThreshold,
	}
}

// WithConfidenceThreshold overrides the direct-address confidence threshold,
// e.g. from a ReconcileSettings call.
func (c *Classifier) WithConfidenceThreshold(threshold float64) *Classifier {
	c.confidenceThreshold = threshold
	return c
}

// ConfidenceThreshold returns the classifier's current direct-address
// confidence threshold.
func (c *Classifier) ConfidenceThreshold() float64 {
	return c.confidenceThreshold
}

// Classify decides who text, spoken by speakerID/speakerName, is addressed
// to. participants lists the other live speakers' display names, used to
// resolve a vocative addressed at someone other than the bot. llm may be
// nil, in which case an ambiguous (not deterministic, not confidently fuzzy)
// name cue falls through to the engagement checks instead of being
// escalated. eng may also be nil, skipping the continuation/cross-speaker-
// wake checks.
func (c *Classifier) Classify(ctx context.Context, text, speakerID, speakerName string, now time.Time, participants []string, llm contracts.AddressingClassifierClient, eng *Engagement) contracts.Addressing {
	lower := strings.ToLower(text)

	for _, name := range c.names {
		if name == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(name)) {
			if eng != nil {
				eng.Touch(speakerID, now)
			}
			return contracts.Addressing{
				TalkingTo:          talkingToMe,
				DirectedConfidence: 0.95,
				Source:             sourceDeterministic,
				Reason:             "exact_name_match:" + name,
			}
		}
	}

	if target, ok := c.vocativeTarget(text, speakerName, participants); ok {
		return contracts.Addressing{
			TalkingTo:          target,
			DirectedConfidence: 1,
			Source:             sourceVocative,
			Reason:             "vocative_address:" + target,
		}
	}

	best, bestName := c.bestFuzzyMatch(lower)
	if best >= limits.NameFuzzyMatchMinSimilarity {
		if eng != nil {
			eng.Touch(speakerID, now)
		}
		return contracts.Addressing{
			TalkingTo:          talkingToMe,
			DirectedConfidence: best,
			Source:             sourceFuzzy,
			Reason:             "name_cue:" + bestName,
		}
	}

	if best >= limits.NameCueAmbiguousMinSimilarity && llm != nil {
		if confidence, err := llm.ClassifyAddressing(ctx, text); err == nil && confidence >= c.confidenceThreshold {
			if eng != nil {
				eng.Touch(speakerID, now)
			}
			return contracts.Addressing{
				TalkingTo:          talkingToMe,
				DirectedConfidence: confidence,
				Source:             sourceLLMClassifier,
				Reason:             "llm_classified_name_cue:" + bestName,
			}
		}
	}

	if eng != nil && eng.IsContinuation(speakerID, now) {
		return contracts.Addressing{
			TalkingTo:          talkingToMe,
			DirectedConfidence: c.confidenceThreshold,
			Source:             sourceContinuation,
			Reason:             "focused_speaker_continuation",
		}
	}

	if eng != nil && eng.IsCrossSpeakerWake(speakerID, now) {
		return contracts.Addressing{
			TalkingTo:          talkingToMe,
			DirectedConfidence: c.confidenceThreshold,
			Source:             sourceCrossSpeakerWake,
			Reason:             "direct_address_cross_speaker_window",
		}
	}

	return contracts.Addressing{
		TalkingTo:          talkingToAll,
		DirectedConfidence: 0,
		Source:             sourceNone,
		Reason:             "no_address_cue",
	}
}

// vocativeTarget looks for a leading vocative clause ("<name>, do X") naming
// one of the other live participants, and reports that participant's display
// name if found. The speaker cannot name themselves.
func (c *Classifier) vocativeTarget(text, speakerName string, participants []string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	idx := strings.IndexByte(trimmed, ',')
	if idx <= 0 {
		return "", false
	}
	lead := strings.ToLower(strings.TrimSpace(trimmed[:idx]))
	if lead == "" || strings.Contains(lead, " ") {
		return "", false
	}
	for _, p := range participants {
		if p == "" || strings.EqualFold(p, speakerName) {
			continue
		}
		lp := strings.ToLower(p)
		if lead == lp || matchr.JaroWinkler(lead, lp, false) >= limits.NameFuzzyMatchMinSimilarity {
			return p, true
		}
	}
	return "", false
}

func (c *Classifier) bestFuzzyMatch(lowerText string) (float64, string) {
	best := 0.0
	bestName := ""
	for _, token := range strings.Fields(lowerText) {
		for _, name := range c.names {
			if name == "" {
				continue
			}
			sim := matchr.JaroWinkler(token, strings.ToLower(name), false)
			if sim > best {
				best = sim
				bestName = name
			}
		}
	}
	return best, bestName
}

// IsDirectlyAddressed reports whether a resolved Addressing clears the
// classifier's confidence threshold for treating the utterance as directed
// at the bot.
func IsDirectlyAddressed(a contracts.Addressing, threshold float64) bool {
	return a.TalkingTo == talkingToMe && a.DirectedConfidence >= threshold
}

// IsAddressedToOther reports whether a resolved Addressing names a specific
// participant other than the bot — i.e. a vocative fast-path match — as
// opposed to "ME" or the unaddressed "ALL".
func IsAddressedToOther(a contracts.Addressing) bool {
	return a.TalkingTo != "" && a.TalkingTo != talkingToMe && a.TalkingTo != talkingToAll
}
