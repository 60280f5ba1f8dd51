// Package replylock implements component E: the bot-turn/reply-lock state
// machine and its barge-in controller. A session holds exactly one *State,
// mutated only from the session's own goroutine except where noted.
package replylock

import (
	"sync"
	"time"

	"github.com/parleyvoice/parley/internal/voice/limits"
)

// Permitter mirrors contracts.InterruptionPolicy's Permits method without
// importing contracts, keeping replylock a leaf package.
type Permitter interface {
	Permits(speakerID string) bool
}

// State tracks whether the bot currently holds the floor (a "bot turn") and
// arbitrates barge-in attempts against it.
type State struct {
	mu sync.Mutex

	replyInProgress bool
	botTurnOpenAt   time.Time // zero value: no open bot turn
	lastBotAudioAt  time.Time

	policy Permitter

	bargeInFiredAt    time.Time
	bargeInSpeakerID  string
}

// New returns an idle State.
func New() *State {
	return &State{}
}

// BeginReply marks a reply as in progress, refusing re-entry: returns false
// if a reply is already in progress (spec.md invariant "PendingResponse ≤ 1").
func (s *State) BeginReply() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replyInProgress {
		return false
	}
	s.replyInProgress = true
	return true
}

// EndReply clears the in-progress flag. Safe to call even if no reply was
// in progress.
func (s *State) EndReply() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replyInProgress = false
}

// ReplyInProgress reports whether a reply is currently being generated or
// played out.
func (s *State) ReplyInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replyInProgress
}

// OpenBotTurn marks the bot as actively holding the floor as of now, and
// sets the interruption policy that governs barge-in for this turn. A nil
// policy permits anyone to interrupt.
func (s *State) OpenBotTurn(now time.Time, policy Permitter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.botTurnOpenAt = now
	s.lastBotAudioAt = now
	s.policy = policy
}

// TouchBotAudio records that bot audio was just emitted, resetting the
// silence-based auto-clear window.
func (s *State) TouchBotAudio(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.botTurnOpenAt.IsZero() {
		s.lastBotAudioAt = now
	}
}

// CloseBotTurn clears the open bot turn, e.g. on normal completion.
func (s *State) CloseBotTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.botTurnOpenAt = time.Time{}
	s.policy = nil
}

// IsBotTurnOpen reports whether the bot currently holds the floor.
func (s *State) IsBotTurnOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.botTurnOpenAt.IsZero()
}

// AutoClearIfSilent closes the bot turn if no bot audio has been emitted for
// limits.BotTurnSilenceResetMs, reporting whether it did so. Intended to be
// polled on a ticker by the session orchestrator.
func (s *State) AutoClearIfSilent(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.botTurnOpenAt.IsZero() {
		return false
	}
	if now.Sub(s.lastBotAudioAt) >= limits.DurationMs(limits.BotTurnSilenceResetMs) {
		s.botTurnOpenAt = time.Time{}
		s.policy = nil
		return true
	}
	return false
}

// EvaluateBargeIn decides whether speakerID's current assertive speech run
// (speechDurationMs long) should interrupt the open bot turn. It composes:
// the bot turn must be open, the interruption policy must permit this
// speaker, the speech run must clear BargeInMinSpeechMs, and — if a barge-in
// already fired recently — the new attempt is suppressed for
// BargeInSuppressionMaxMs unless the speech run is sustained enough
// (BargeInFullOverrideMinMs) to override the suppression window.
func (s *State) EvaluateBargeIn(speakerID string, speechDurationMs float64, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.botTurnOpenAt.IsZero() {
		return false
	}
	if s.policy != nil && !s.policy.Permits(speakerID) {
		return false
	}
	if speechDurationMs < limits.BargeInMinSpeechMs {
		return false
	}
	if !s.bargeInFiredAt.IsZero() {
		sinceFired := now.Sub(s.bargeInFiredAt)
		if sinceFired < limits.DurationMs(limits.BargeInSuppressionMaxMs) && speechDurationMs < limits.BargeInFullOverrideMinMs {
			return false
		}
	}
	return true
}

// RecordBargeIn records that a barge-in fired for speakerID, closing the bot
// turn and arming the suppression window for subsequent attempts.
func (s *State) RecordBargeIn(speakerID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bargeInFiredAt = now
	s.bargeInSpeakerID = speakerID
	s.botTurnOpenAt = time.Time{}
	s.policy = nil
}

// CanRetryBargeIn reports whether a barge-in cancellation that has not yet
// taken visible effect (e.g. the realtime client's response kept streaming)
// is still within limits.BargeInRetryMaxAgeMs of the original attempt.
func (s *State) CanRetryBargeIn(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bargeInFiredAt.IsZero() {
		return true
	}
	return now.Sub(s.bargeInFiredAt) <= limits.DurationMs(limits.BargeInRetryMaxAgeMs)
}

// LastBargeInSpeaker returns the speakerID that triggered the most recent
// barge-in, or "" if none has fired.
func (s *State) LastBargeInSpeaker() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bargeInSpeakerID
}

// BargeInSuppressed reports whether a recently-fired barge-in's suppression
// window is still active as of now, per spec.md §4.E's
// bargeInSuppressionUntil.
func (s *State) BargeInSuppressed(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bargeInFiredAt.IsZero() {
		return false
	}
	return now.Sub(s.bargeInFiredAt) < limits.DurationMs(limits.BargeInSuppressionMaxMs)
}
