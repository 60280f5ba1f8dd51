// Package session implements components I (the per-guild session
// orchestrator), J (the realtime reply driver), K (the STT-pipeline reply
// driver), and L (the thought loop). A Session owns every Capture, the
// playback queue, the reply lock, the turn queues, and the addressing
// classifier for one guild's voice connection.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyvoice/parley/internal/voice/addressing"
	"github.com/parleyvoice/parley/internal/voice/capture"
	"github.com/parleyvoice/parley/internal/voice/contracts"
	"github.com/parleyvoice/parley/internal/voice/decision"
	"github.com/parleyvoice/parley/internal/voice/limits"
	"github.com/parleyvoice/parley/internal/voice/metrics"
	"github.com/parleyvoice/parley/internal/voice/playback"
	"github.com/parleyvoice/parley/internal/voice/replylock"
	"github.com/parleyvoice/parley/internal/voice/siggate"
	"github.com/parleyvoice/parley/internal/voice/turnqueue"
)

// Bounds for the session's bounded ring buffers. Not spec-mandated constants;
// chosen so the decision engine and brain prompt always have recent context
// without retaining an unbounded conversation history.
const (
	maxContextTurns     = 40
	maxMembershipEvents = 20
)

const targetCaptureRateHz = 24000

// Config bundles every external collaborator and tunable a Session needs.
// Only GuildID and Connection are required; LLM/ASR/TTS/Realtime may be nil
// in tests that exercise a single component in isolation.
type Config struct {
	GuildID    string
	Connection contracts.Connection

	LLM      contracts.LLMClient
	ASR      contracts.ASRClient
	TTS      contracts.TTSClient
	Realtime contracts.RealtimeClient // non-nil selects the realtime driver over the STT-pipeline driver

	ActionLogger contracts.ActionLogger
	Metrics      *metrics.Metrics
	Logger       *slog.Logger

	BotNames  []string
	VoiceSpec contracts.VoiceSpec

	InactivitySeconds int
	MaxSessionMinutes int

	// Eagerness in [0,100] gates the reply decision engine's rule 7 (deny
	// ambient, non-direct replies when zero) and the thought loop's
	// per-cycle probability roll. Clamped into range by New.
	Eagerness int

	// AddressingDisabled skips component G entirely; the reply decision
	// engine's classifier-disabled rule (9) then governs whether ambient
	// turns are still eligible.
	AddressingDisabled bool

	// AddressingClassifier resolves ambiguous name cues via an LLM call
	// (spec.md §4.G); nil skips that escalation.
	AddressingClassifier contracts.AddressingClassifierClient

	// ReplyDecider backs the reply decision engine's rule 10 LLM ladder;
	// nil means rule 10 always denies with llm_contract_violation.
	ReplyDecider contracts.ReplyDeciderClient

	// RealtimeMergedMode marks this session's realtime driver as running the
	// multi-party, non-direct, merged-generation strategy decision.Decide's
	// rules 8/9 key off.
	RealtimeMergedMode bool

	// OnInactivityTimeout and OnMaxDurationReached notify the owning
	// manager that this session has crossed a lifecycle boundary; the
	// manager decides whether to actually leave. Either may be nil.
	OnInactivityTimeout  func(sessionID string)
	OnMaxDurationReached func(sessionID string)

	// OnLeaveDirective notifies the owning manager that the LLM's reply
	// plan asked the bot to leave the channel.
	OnLeaveDirective func(sessionID string)
}

// Session is one guild's live voice assistant runtime.
type Session struct {
	ID      string
	GuildID string

	cfg    Config
	logger *slog.Logger

	mu                 sync.Mutex
	captures           map[string]*capture.Capture
	concurrentCaptures int
	contextTurns       []contracts.VoiceTurn
	membership         []contracts.MembershipEvent
	participants       map[string]string
	startedAt          time.Time
	lastActivityAt     time.Time

	inactivityTimer  *time.Timer
	maxDurationTimer *time.Timer

	playback      *playback.Queue
	lock          *replylock.State
	realtimeQueue *turnqueue.AudioQueue
	sttQueue      *turnqueue.AudioQueue
	deferredQueue *turnqueue.DeferredQueue
	classifier    *addressing.Classifier
	engagement    *addressing.Engagement

	lastBotReplyEndAt     time.Time
	lastBotReplySpeakerID string

	nextRequestID int64
	pending       *PendingResponse

	closeOnce sync.Once
	cancel    context.CancelFunc
	closers   []func() error
}

// PendingResponse is spec.md §3's PendingResponse: the single in-flight
// assistant reply a realtime session is awaiting from the model. At most one
// exists per Session at a time.
type PendingResponse struct {
	RequestID             int64
	SpeakerID             string
	RequestedAt           time.Time
	RetryCount            int
	HardRecoveryAttempted bool
	Source                string
	HandlingSilence       bool
	AudioReceivedAt       time.Time
	InterruptionPolicy    *contracts.InterruptionPolicy
	UtteranceText         string
	LatencyContext        map[string]any
}

// New constructs a Session. It does not start any background work; call
// Start to begin the session's lifecycle timers.
func New(cfg Config) *Session {
	if cfg.InactivitySeconds < limits.MinInactivitySeconds {
		cfg.InactivitySeconds = limits.MinInactivitySeconds
	} else if cfg.InactivitySeconds > limits.MaxInactivitySeconds {
		cfg.InactivitySeconds = limits.MaxInactivitySeconds
	}
	if cfg.MaxSessionMinutes < limits.MinSessionMinutes {
		cfg.MaxSessionMinutes = limits.MinSessionMinutes
	} else if cfg.MaxSessionMinutes > limits.MaxSessionMinutes {
		cfg.MaxSessionMinutes = limits.MaxSessionMinutes
	}
	if cfg.Eagerness < limits.MinEagerness {
		cfg.Eagerness = limits.MinEagerness
	} else if cfg.Eagerness > limits.MaxEagerness {
		cfg.Eagerness = limits.MaxEagerness
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		ID:           uuid.NewString(),
		GuildID:      cfg.GuildID,
		cfg:          cfg,
		logger:       logger,
		captures:     make(map[string]*capture.Capture),
		participants: make(map[string]string),
		lock:         replylock.New(),
		classifier:   addressing.NewClassifier(cfg.BotNames),
		engagement:   addressing.NewEngagement(),
	}
	s.playback = playback.New(func(queuedBytes int) {
		s.logAction("playback_queue_warn", map[string]any{"queued_bytes": queuedBytes})
	})
	s.realtimeQueue = turnqueue.NewRealtimeQueue()
	s.sttQueue = turnqueue.NewSTTQueue()
	s.deferredQueue = turnqueue.NewDeferredQueue(s.flushDeferredTurns)
	return s
}

// logAction forwards event+fields to the configured ActionLogger, defaulting
// to a slog-backed logger when none was supplied.
func (s *Session) logAction(event string, fields map[string]any) {
	logger := s.cfg.ActionLogger
	if logger == nil {
		logger = contracts.SlogActionLogger{Logger: s.logger}
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["session_id"] = s.ID
	fields["guild_id"] = s.GuildID
	logger.Log(event, fields)
}

// Start marks the session as running and arms its lifecycle timers.
func (s *Session) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	now := time.Now()
	s.mu.Lock()
	s.startedAt = now
	s.lastActivityAt = now
	s.mu.Unlock()

	s.resetInactivityTimer()
	s.maxDurationTimer = time.AfterFunc(time.Duration(s.cfg.MaxSessionMinutes)*time.Minute, func() {
		if s.cfg.OnMaxDurationReached != nil {
			s.cfg.OnMaxDurationReached(s.ID)
		}
	})

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveSessions.Add(ctx, 1)
	}
	s.logAction("session_started", nil)
}

// AddCloser registers fn to run during Stop, in LIFO order, mirroring the
// teacher's closers-run-in-reverse teardown convention.
func (s *Session) AddCloser(fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, fn)
}

// Stop tears the session down exactly once: it cancels timers, aborts every
// in-progress capture, clears the playback queue, runs registered closers in
// reverse, and destroys the voice connection.
func (s *Session) Stop(reason string) error {
	var stopErr error
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.inactivityTimer != nil {
			s.inactivityTimer.Stop()
		}
		if s.maxDurationTimer != nil {
			s.maxDurationTimer.Stop()
		}
		s.deferredQueue.CancelPendingFlush()

		s.mu.Lock()
		captures := make([]*capture.Capture, 0, len(s.captures))
		for _, c := range s.captures {
			captures = append(captures, c)
		}
		s.captures = make(map[string]*capture.Capture)
		closers := s.closers
		s.closers = nil
		s.mu.Unlock()

		for _, c := range captures {
			c.CancelAllTimers()
			c.MarkAborted()
		}
		s.playback.Clear()

		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		if s.cfg.Connection != nil {
			if err := s.cfg.Connection.Destroy(); err != nil {
				errs = append(errs, err)
			}
		}

		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
		}
		s.logAction("session_stopped", map[string]any{"reason": reason})
		stopErr = errors.Join(errs...)
	})
	return stopErr
}

// resetInactivityTimer (re)arms the inactivity timer from now.
func (s *Session) resetInactivityTimer() {
	if s.inactivityTimer != nil {
		s.inactivityTimer.Stop()
	}
	s.inactivityTimer = time.AfterFunc(time.Duration(s.cfg.InactivitySeconds)*time.Second, func() {
		if s.cfg.OnInactivityTimeout != nil {
			s.cfg.OnInactivityTimeout(s.ID)
		}
	})
}

// TouchActivity records speech activity at now, resetting the inactivity
// timer.
func (s *Session) TouchActivity(now time.Time) {
	s.mu.Lock()
	s.lastActivityAt = now
	s.mu.Unlock()
	s.resetInactivityTimer()
}

// LastActivityAt returns the timestamp of the most recent activity touch.
func (s *Session) LastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

// ── Capture lifecycle ───────────────────────────────────────────────────

// HandleSpeakingStart begins a new Capture for speakerID, unless one is
// already in progress.
func (s *Session) HandleSpeakingStart(speakerID, speakerName string, now time.Time) {
	s.mu.Lock()
	if _, exists := s.captures[speakerID]; exists {
		s.mu.Unlock()
		return
	}
	c := capture.New(speakerID, targetCaptureRateHz, now)
	s.captures[speakerID] = c
	s.concurrentCaptures++
	s.mu.Unlock()

	c.StartMaxTimer(func() { s.settleCapture(speakerID, capture.ReasonMaxDuration, time.Now()) })
	c.ResetIdleTimer(func() { s.settleCapture(speakerID, capture.ReasonIdleTimeout, time.Now()) })

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveCaptures.Add(context.Background(), 1)
	}
}

// HandleAudioFrame appends one 48kHz stereo16 PCM frame to speakerID's
// in-progress capture, evaluating the silence/barge-in/near-silence signals
// that ride along with every frame.
func (s *Session) HandleAudioFrame(speakerID string, stereo48k []byte, now time.Time) {
	s.mu.Lock()
	c, ok := s.captures[speakerID]
	s.mu.Unlock()
	if !ok {
		return
	}

	c.AppendStereo48k(stereo48k)
	c.ResetIdleTimer(func() { s.settleCapture(speakerID, capture.ReasonIdleTimeout, time.Now()) })

	if c.ShouldTouchActivity(now) {
		s.TouchActivity(now)
	}

	if s.lock.EvaluateBargeIn(speakerID, c.DurationMs(), now) {
		s.triggerBargeIn(speakerID, now)
	}

	if siggate.NearSilenceAbort(c) {
		s.settleCapture(speakerID, capture.ReasonNearSilence, now)
	}
}

// HandleSpeakingEnd arms the settle-delay finalize timer for speakerID's
// capture. The tier is chosen from how much audio the capture has
// accumulated so far (spec.md §4.C's micro/short/quick tiers) and then
// scaled by how many captures are concurrently active.
func (s *Session) HandleSpeakingEnd(speakerID string, now time.Time) {
	s.mu.Lock()
	c, ok := s.captures[speakerID]
	concurrent := s.concurrentCaptures
	s.mu.Unlock()
	if !ok {
		return
	}
	tier := settleTierFor(c.DurationMs())
	delay := capture.SettleDelay(tier, concurrent)
	c.StartSpeakingEndTimer(delay, func() { s.settleCapture(speakerID, capture.ReasonSpeakingEnd, time.Now()) })
}

// settleTierFor picks the settle-delay tier by the capture's accumulated
// duration: a very brief utterance finalizes quickly, a longer one gets more
// room for a natural mid-sentence pause before finalizing.
func settleTierFor(durationMs float64) capture.SettleTier {
	switch {
	case durationMs <= limits.SettleTierMicroMaxCaptureMs:
		return capture.SettleTierMicro
	case durationMs <= limits.SettleTierShortMaxCaptureMs:
		return capture.SettleTierShort
	default:
		return capture.SettleTierQuick
	}
}

// triggerBargeIn interrupts the bot's current turn: it cancels the active
// realtime response (if any), clears the playback queue, and records the
// barge-in against the reply lock.
func (s *Session) triggerBargeIn(speakerID string, now time.Time) {
	s.lock.RecordBargeIn(speakerID, now)
	dropped := s.playback.Clear()
	if s.cfg.Realtime != nil {
		_ = s.cfg.Realtime.CancelActiveResponse()
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordBargeIn(context.Background(), "fired")
	}
	s.logAction("barge_in", map[string]any{"speaker_id": speakerID, "dropped_bytes": dropped})
}

// settleCapture removes speakerID's capture from the active set and either
// finalizes it into a turn queue or aborts it without producing a turn.
func (s *Session) settleCapture(speakerID, reason string, now time.Time) {
	s.mu.Lock()
	c, ok := s.captures[speakerID]
	if ok {
		delete(s.captures, speakerID)
		s.concurrentCaptures--
	}
	speakerName := s.participants[speakerID]
	s.mu.Unlock()
	if !ok {
		return
	}
	c.CancelAllTimers()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveCaptures.Add(context.Background(), -1)
	}

	isAbort := reason == capture.ReasonNearSilence ||
		reason == capture.ReasonAbortedInput ||
		reason == capture.ReasonStreamError
	if isAbort {
		c.MarkAborted()
		s.logAction("capture_aborted", map[string]any{"speaker_id": speakerID, "reason": reason})
		return
	}

	if !c.MarkFinalized() {
		return
	}

	pcmBuf := c.Concatenated()
	if siggate.SilenceGate(pcmBuf, targetCaptureRateHz) {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.SilenceGateDrops.Add(context.Background(), 1)
		}
		s.logAction("capture_dropped_silence", map[string]any{"speaker_id": speakerID, "reason": reason})
		return
	}

	turn := turnqueue.QueuedTurn{
		SpeakerID:   speakerID,
		SpeakerName: speakerName,
		PCM:         pcmBuf,
		EnqueuedAt:  now,
	}

	queueKind := "stt"
	q := s.sttQueue
	if s.cfg.Realtime != nil {
		queueKind = "realtime"
		q = s.realtimeQueue
	}
	if q.Enqueue(turn, now) {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordTurnAccepted(context.Background(), queueKind)
		}
	} else if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordTurnDropped(context.Background(), queueKind, "queue_full")
	}
}

// ── Membership & context ────────────────────────────────────────────────

// HandleMembership appends ev to the bounded membership ring and updates the
// live participant roster.
func (s *Session) HandleMembership(ev contracts.MembershipEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.membership = append(s.membership, ev)
	if len(s.membership) > maxMembershipEvents {
		s.membership = s.membership[len(s.membership)-maxMembershipEvents:]
	}
	switch ev.Kind {
	case contracts.MembershipJoin:
		s.participants[ev.SpeakerID] = ev.DisplayName
	case contracts.MembershipLeave:
		delete(s.participants, ev.SpeakerID)
	}
}

// AppendContextTurn appends turn to the bounded rolling context buffer.
func (s *Session) AppendContextTurn(turn contracts.VoiceTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contextTurns = append(s.contextTurns, turn)
	if len(s.contextTurns) > maxContextTurns {
		s.contextTurns = s.contextTurns[len(s.contextTurns)-maxContextTurns:]
	}
}

// ContextSnapshot returns a copy of the current rolling context buffer.
func (s *Session) ContextSnapshot() []contracts.VoiceTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contracts.VoiceTurn, len(s.contextTurns))
	copy(out, s.contextTurns)
	return out
}

// MembershipSnapshot returns a copy of the current membership ring.
func (s *Session) MembershipSnapshot() []contracts.MembershipEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contracts.MembershipEvent, len(s.membership))
	copy(out, s.membership)
	return out
}

// Classifier returns the session's addressing classifier, so a manager can
// apply a ReconcileSettings confidence-threshold update in place.
func (s *Session) Classifier() *addressing.Classifier {
	return s.classifier
}

// ActiveCaptureCount returns how many captures are currently in progress.
func (s *Session) ActiveCaptureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.captures)
}

// ParticipantNames returns a snapshot of the current speaker roster.
func (s *Session) ParticipantNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.participants))
	for _, name := range s.participants {
		out = append(out, name)
	}
	return out
}

// classifyAddressing resolves turn's Addressing, honoring
// Config.AddressingDisabled by skipping component G entirely — the reply
// decision engine's own classifier-disabled rule then governs eligibility.
func (s *Session) classifyAddressing(ctx context.Context, turn turnqueue.QueuedTurn, text string, now time.Time) contracts.Addressing {
	if s.cfg.AddressingDisabled {
		return contracts.Addressing{TalkingTo: "ALL", Source: "disabled", Reason: "addressing_classifier_disabled"}
	}
	return s.classifier.Classify(ctx, text, turn.SpeakerID, turn.SpeakerName, now, s.ParticipantNames(), s.cfg.AddressingClassifier, s.engagement)
}

// ApplyFocusedSpeakerUpdate advances the engagement window's focused speaker
// when dec's reason is one of the allow reasons spec.md §4.H names for doing
// so; otherwise it is a no-op.
func (s *Session) ApplyFocusedSpeakerUpdate(dec decision.Decision, speakerID string, now time.Time) {
	if dec.UpdatesFocusedSpeaker() {
		s.engagement.Touch(speakerID, now)
	}
}

// NoteBotReplyEnded records that the bot just finished replying to
// speakerID, for the "bot just replied" rules (4.H rules 3 and 5).
func (s *Session) NoteBotReplyEnded(speakerID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastBotReplyEndAt = at
	s.lastBotReplySpeakerID = speakerID
}

// botJustRepliedTo reports whether the bot's last reply ended recently
// enough, to the same speakerID, to count as "bot just replied".
func (s *Session) botJustRepliedTo(speakerID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if speakerID == "" || s.lastBotReplySpeakerID == "" || s.lastBotReplySpeakerID != speakerID {
		return false
	}
	return now.Sub(s.lastBotReplyEndAt) <= limits.DurationMs(limits.BotJustRepliedWindowMs)
}

// decideReply wraps decision.Decide with this session's live state.
func (s *Session) decideReply(ctx context.Context, turn turnqueue.QueuedTurn, text string, addr contracts.Addressing, thoughtLoopBusy bool) decision.Decision {
	now := time.Now()

	var llmDecide decision.LLMDecide
	if s.cfg.ReplyDecider != nil {
		decider := s.cfg.ReplyDecider
		llmDecide = func(ctx context.Context, promptStyle, text string) (bool, bool, error) {
			return decider.DecideReply(ctx, promptStyle, text)
		}
	}

	return decision.Decide(ctx, decision.Input{
		Text:                      text,
		SpeakerID:                 turn.SpeakerID,
		Addressing:                addr,
		ConfidenceThreshold:       s.classifier.ConfidenceThreshold(),
		CaptureDurationMs:         siggate.EstimateDurationMs(len(turn.PCM), targetCaptureRateHz),
		SilenceSinceLastSpeechMs:  float64(time.Since(s.LastActivityAt()).Milliseconds()),
		ReplyInProgress:           s.lock.ReplyInProgress(),
		ThoughtLoopBusy:           thoughtLoopBusy,
		Eagerness:                 s.cfg.Eagerness,
		FocusedSpeakerFollowup:    s.engagement.IsContinuation(turn.SpeakerID, now) && !addressing.IsAddressedToOther(addr),
		BotJustRepliedSameSpeaker: s.botJustRepliedTo(turn.SpeakerID, now),
		RealtimeMergedMode:        s.cfg.RealtimeMergedMode,
		MsSinceInboundAudio:       float64(time.Since(s.LastActivityAt()).Milliseconds()),
		ClassifierDisabled:        s.cfg.AddressingDisabled,
		MergedWithGenerationMode:  s.cfg.RealtimeMergedMode,
		LLMDecide:                 llmDecide,
	})
}

// ── Pending response (spec.md §3) ───────────────────────────────────────

// BeginPendingResponse allocates a fresh, monotonically increasing requestId
// and installs it as the session's (sole) PendingResponse.
func (s *Session) BeginPendingResponse(speakerID, source, utteranceText string, policy *contracts.InterruptionPolicy, now time.Time) *PendingResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRequestID++
	p := &PendingResponse{
		RequestID:          s.nextRequestID,
		SpeakerID:          speakerID,
		RequestedAt:        now,
		Source:             source,
		InterruptionPolicy: policy,
		UtteranceText:      utteranceText,
	}
	s.pending = p
	return p
}

// PendingResponseState returns a copy of the current PendingResponse, or nil
// if none is outstanding.
func (s *Session) PendingResponseState() *PendingResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return nil
	}
	cp := *s.pending
	return &cp
}

// ClearPendingResponse clears the PendingResponse if its requestId still
// matches, reporting whether it did so — a stale requestId (superseded by a
// newer pending response) is a no-op.
func (s *Session) ClearPendingResponse(requestID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil || s.pending.RequestID != requestID {
		return false
	}
	s.pending = nil
	return true
}

// NotePendingResponseAudio records that an audio delta arrived for
// requestID, clearing the silence watchdog's premise for this response.
func (s *Session) NotePendingResponseAudio(requestID int64, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil || s.pending.RequestID != requestID {
		return false
	}
	s.pending.AudioReceivedAt = at
	return true
}

// IncrementPendingRetry bumps requestID's retry count if it is still the
// active PendingResponse, returning the new count.
func (s *Session) IncrementPendingRetry(requestID int64) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil || s.pending.RequestID != requestID {
		return 0, false
	}
	s.pending.RetryCount++
	return s.pending.RetryCount, true
}

// MarkPendingHardRecoveryAttempted flags requestID's PendingResponse as
// having gone through the one hard-recovery step.
func (s *Session) MarkPendingHardRecoveryAttempted(requestID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil || s.pending.RequestID != requestID {
		return false
	}
	s.pending.HardRecoveryAttempted = true
	return true
}

// flushDeferredTurns is the DeferredQueue's onFlush callback: once the
// debounce delay elapses it appends each deferred turn's text to the context
// buffer as a user turn. It does not wait for the reply lock to clear and
// does not run the reply decision again for these turns.
func (s *Session) flushDeferredTurns(batch []turnqueue.QueuedTurn) {
	for _, t := range batch {
		s.AppendContextTurn(contracts.VoiceTurn{
			Role:        contracts.RoleUser,
			SpeakerID:   t.SpeakerID,
			SpeakerName: t.SpeakerName,
			Text:        t.Text,
			At:          t.EnqueuedAt,
		})
	}
	s.logAction("deferred_turns_flushed", map[string]any{"count": len(batch)})
}
