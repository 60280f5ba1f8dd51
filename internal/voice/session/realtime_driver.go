package session

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/parleyvoice/parley/internal/voice/contracts"
	"github.com/parleyvoice/parley/internal/voice/decision"
	"github.com/parleyvoice/parley/internal/voice/limits"
	"github.com/parleyvoice/parley/internal/voice/siggate"
)

const realtimeDequeuePollInterval = 40 * time.Millisecond

// RealtimeDriver is component J: it transcribes each dequeued turn for the
// addressing/decision pipeline, and — when allowed — appends PCM to the
// realtime client's input audio buffer, commits once the gating conditions
// clear, and turns the client's inbound event stream into playback audio,
// context turns, and reply-lock transitions. A PendingResponse tracks the
// one in-flight response and drives the silence-recovery ladder.
type RealtimeDriver struct {
	session *Session
	client  contracts.RealtimeClient
	asr     contracts.ASRClient

	mu               sync.Mutex
	pendingBytes     int
	lastAppendAt     time.Time
	activeSpeakerID  string
	allowedToRespond bool
}

// NewRealtimeDriver returns a driver for s's realtime queue against client,
// using asr to transcribe clips for the addressing/decision gate. asr may be
// nil only in tests that bypass drainOnce's gating entirely.
func NewRealtimeDriver(s *Session, client contracts.RealtimeClient, asr contracts.ASRClient) *RealtimeDriver {
	return &RealtimeDriver{session: s, client: client, asr: asr}
}

// Run drives both the outbound (turn queue → realtime client) and inbound
// (realtime client → playback/context) directions until ctx is cancelled or
// the client's event channel closes.
func (d *RealtimeDriver) Run(ctx context.Context) {
	go d.pumpOutbound(ctx)
	d.consumeEvents(ctx)
}

func (d *RealtimeDriver) pumpOutbound(ctx context.Context) {
	ticker := time.NewTicker(realtimeDequeuePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drainOnce(ctx, time.Now())
		}
	}
}

// drainOnce dequeues one turn, runs the shared transcribe/addressing/decision
// gate, and — if the decision allows a reply — appends its PCM to the
// realtime input buffer and accumulates toward the next commit.
func (d *RealtimeDriver) drainOnce(ctx context.Context, now time.Time) {
	turn, ok, skipped := d.session.realtimeQueue.Dequeue(now)
	if skipped > 0 && d.session.cfg.Metrics != nil {
		d.session.cfg.Metrics.RecordTurnDropped(context.Background(), "realtime", "stale_skip")
	}
	if !ok {
		d.maybeFlushOnDebounce(now)
		return
	}

	if d.asr == nil || siggate.EstimateDurationMs(len(turn.PCM), targetCaptureRateHz) < limits.VoiceTurnMinASRClipMs {
		// Too short to be worth an ASR call (spec.md §4.J): append the audio
		// toward the next commit without gating this clip on its own.
		d.mu.Lock()
		d.allowedToRespond = true
		d.mu.Unlock()
	} else {
		text, err := d.asr.TranscribeAudio(ctx, turn.PCM, targetCaptureRateHz, "")
		if err != nil {
			d.handleProviderError("asr", err)
		} else {
			addr := d.session.classifyAddressing(ctx, turn, text, now)
			dec := d.session.decideReply(ctx, turn, text, addr, false)
			d.session.ApplyFocusedSpeakerUpdate(dec, turn.SpeakerID, now)

			d.session.AppendContextTurn(contracts.VoiceTurn{
				Role:        contracts.RoleUser,
				SpeakerID:   turn.SpeakerID,
				SpeakerName: turn.SpeakerName,
				Text:        text,
				At:          now,
				Addressing:  &addr,
			})

			switch dec.Outcome {
			case decision.OutcomeIgnore:
				d.session.logAction("turn_ignored", map[string]any{"speaker_id": turn.SpeakerID, "reason": dec.Reason})
				return
			case decision.OutcomeDefer:
				turn.Text = text
				d.session.deferredQueue.Enqueue(turn)
				d.session.logAction("turn_deferred", map[string]any{"speaker_id": turn.SpeakerID, "reason": dec.Reason})
				return
			case decision.OutcomeRetryLater:
				time.AfterFunc(dec.RetryAfter, func() {
					d.session.realtimeQueue.Enqueue(turn, time.Now())
				})
				return
			}

			d.mu.Lock()
			d.allowedToRespond = true
			d.mu.Unlock()
		}
	}

	if err := d.client.AppendInputAudioPCM(turn.PCM); err != nil {
		d.handleProviderError("append_input_audio", err)
		return
	}

	d.mu.Lock()
	d.pendingBytes += len(turn.PCM)
	d.lastAppendAt = now
	d.activeSpeakerID = turn.SpeakerID
	pending := d.pendingBytes
	d.mu.Unlock()

	if pending >= limits.RealtimeCommitMinimumBytes16k {
		d.maybeCommitAndRespond(now)
	}
}

func (d *RealtimeDriver) maybeFlushOnDebounce(now time.Time) {
	d.mu.Lock()
	pending := d.pendingBytes
	last := d.lastAppendAt
	d.mu.Unlock()

	if pending == 0 {
		return
	}
	if now.Sub(last) >= limits.DurationMs(limits.ResponseFlushDebounceMs) {
		d.maybeCommitAndRespond(now)
	}
}

// gateClear reports whether every commit precondition from spec.md §4.J
// holds: no active captures, barge-in suppression not in effect, reply lock
// not held, and no response already pending.
func (d *RealtimeDriver) gateClear(now time.Time) bool {
	if d.session.ActiveCaptureCount() > 0 {
		return false
	}
	if d.session.lock.BargeInSuppressed(now) {
		return false
	}
	if d.session.lock.ReplyInProgress() {
		return false
	}
	if d.session.PendingResponseState() != nil {
		return false
	}
	return true
}

// maybeCommitAndRespond checks the full §4.J gate and, if every condition
// clears and the decision pipeline allowed a reply, commits the input audio
// buffer, requests a response, and opens a PendingResponse with a silence
// watchdog. If the gate fails it reschedules by leaving pendingBytes intact
// for the next poll tick to retry.
func (d *RealtimeDriver) maybeCommitAndRespond(now time.Time) {
	d.mu.Lock()
	allowed := d.allowedToRespond
	speakerID := d.activeSpeakerID
	pending := d.pendingBytes
	d.mu.Unlock()

	if !allowed || pending == 0 {
		return
	}
	if !d.gateClear(now) {
		return // reschedule: next debounce/commit-threshold tick retries
	}
	if !d.session.lock.BeginReply() {
		return
	}

	d.mu.Lock()
	d.pendingBytes = 0
	d.allowedToRespond = false
	d.mu.Unlock()

	if err := d.client.CommitInputAudioBuffer(); err != nil {
		d.session.lock.EndReply()
		d.handleProviderError("commit_input_audio", err)
		return
	}

	d.requestResponse(speakerID, now, "")
}

// requestResponse calls CreateAudioResponse, opens the bot turn, and installs
// a fresh PendingResponse with its silence watchdog armed. Assumes the
// caller already holds the reply lock (via BeginReply).
func (d *RealtimeDriver) requestResponse(speakerID string, now time.Time, utteranceText string) {
	if err := d.client.CreateAudioResponse(); err != nil {
		d.session.lock.EndReply()
		d.handleProviderError("create_audio_response", err)
		return
	}
	d.session.lock.OpenBotTurn(now, nil)
	p := d.session.BeginPendingResponse(speakerID, "realtime", utteranceText, nil, now)
	d.armSilenceWatchdog(p.RequestID)
	d.session.logAction("realtime_response_requested", map[string]any{"speaker_id": speakerID, "request_id": p.RequestID})
}

// armSilenceWatchdog schedules the first leg of the silence-recovery ladder:
// if no audio delta has arrived for requestID by the time it fires, recover.
func (d *RealtimeDriver) armSilenceWatchdog(requestID int64) {
	time.AfterFunc(limits.DurationMs(limits.ResponseSilenceRetryDelayMs), func() {
		d.checkSilenceAndRecover(requestID)
	})
}

// checkSilenceAndRecover implements spec.md §4.J's silence recovery ladder:
// retry up to MaxResponseSilenceRetries creating a fresh response, then one
// hard recovery (re-commit + create once more), then a final fallback that
// clears the PendingResponse and leaves the session alive.
func (d *RealtimeDriver) checkSilenceAndRecover(requestID int64) {
	p := d.session.PendingResponseState()
	if p == nil || p.RequestID != requestID {
		return // superseded or already resolved
	}
	if !p.AudioReceivedAt.IsZero() {
		return // audio arrived since requestedAt; nothing to recover
	}

	if p.RetryCount < limits.MaxResponseSilenceRetries {
		if _, ok := d.session.IncrementPendingRetry(requestID); ok {
			d.session.logAction("response_silence_retry", map[string]any{"request_id": requestID, "attempt": p.RetryCount + 1})
			if err := d.client.CreateAudioResponse(); err != nil {
				d.handleProviderError("create_audio_response_retry", err)
			}
			d.armSilenceWatchdog(requestID)
		}
		return
	}

	if !p.HardRecoveryAttempted {
		d.session.MarkPendingHardRecoveryAttempted(requestID)
		d.session.logAction("response_silence_hard_recovery", map[string]any{"request_id": requestID})
		d.mu.Lock()
		pending := d.pendingBytes
		d.mu.Unlock()
		if pending >= limits.RealtimeCommitMinimumBytes16k {
			_ = d.client.CommitInputAudioBuffer()
		}
		if err := d.client.CreateAudioResponse(); err != nil {
			d.handleProviderError("create_audio_response_hard_recovery", err)
		}
		d.armSilenceWatchdog(requestID)
		return
	}

	d.session.logAction("response_silent_fallback", map[string]any{"request_id": requestID})
	d.session.ClearPendingResponse(requestID)
	d.session.lock.EndReply()
	d.session.lock.CloseBotTurn()
}

func (d *RealtimeDriver) handleProviderError(kind string, err error) {
	if d.session.cfg.Metrics != nil {
		d.session.cfg.Metrics.RecordProviderError(context.Background(), "realtime", kind)
	}
	d.session.logAction("realtime_provider_error", map[string]any{"kind": kind, "error": err.Error()})
}

func (d *RealtimeDriver) consumeEvents(ctx context.Context) {
	events := d.client.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.handleEvent(ev)
		}
	}
}

func (d *RealtimeDriver) handleEvent(ev contracts.RealtimeEvent) {
	switch ev.Kind {
	case contracts.RealtimeEventAudioDelta:
		d.handleAudioDelta(ev)
	case contracts.RealtimeEventTranscript:
		d.handleTranscript(ev)
	case contracts.RealtimeEventResponseDone:
		d.handleResponseDone(ev)
	case contracts.RealtimeEventErrorEvent:
		d.handleProviderError("error_event:"+ev.ErrorCode, errString(ev.ErrorMessage))
	case contracts.RealtimeEventSocketError:
		d.handleProviderError("socket_error", ev.Err)
	case contracts.RealtimeEventSocketClosed:
		if p := d.session.PendingResponseState(); p != nil {
			d.session.ClearPendingResponse(p.RequestID)
		}
		d.session.lock.EndReply()
		d.session.lock.CloseBotTurn()
		d.session.logAction("realtime_socket_closed", map[string]any{"code": ev.CloseCode, "reason": ev.CloseReason})
	}
}

func (d *RealtimeDriver) handleAudioDelta(ev contracts.RealtimeEvent) {
	raw, err := base64.StdEncoding.DecodeString(ev.AudioDeltaB64)
	if err != nil {
		return
	}
	now := time.Now()
	d.session.lock.TouchBotAudio(now)
	if p := d.session.PendingResponseState(); p != nil {
		d.session.NotePendingResponseAudio(p.RequestID, now)
	}

	if d.session.ActiveCaptureCount() > 0 {
		// Supersede on newer input: a live capture means someone is talking
		// over this reply; drop the audio instead of enqueueing it.
		d.session.logAction("response_superseded", map[string]any{"reason": "active_capture"})
		return
	}
	if !d.session.playback.Enqueue(raw) {
		d.session.logAction("playback_enqueue_refused", map[string]any{"bytes": len(raw)})
	}
}

func (d *RealtimeDriver) handleTranscript(ev contracts.RealtimeEvent) {
	d.session.AppendContextTurn(contracts.VoiceTurn{
		Role: contracts.RoleAssistant,
		Text: ev.TranscriptText,
		At:   time.Now(),
	})
}

func (d *RealtimeDriver) handleResponseDone(ev contracts.RealtimeEvent) {
	now := time.Now()
	d.session.lock.EndReply()

	p := d.session.PendingResponseState()

	if ev.ResponseStatus == "cancelled" || ev.ResponseStatus == "failed" {
		if p != nil {
			d.checkSilenceAndRecover(p.RequestID)
		}
		return
	}

	if p != nil {
		if p.AudioReceivedAt.IsZero() {
			// response_done with no audio gives a grace window before the
			// same recovery ladder applies.
			requestID := p.RequestID
			time.AfterFunc(limits.DurationMs(limits.ResponseDoneSilenceGraceMs), func() {
				d.checkSilenceAndRecover(requestID)
			})
		} else {
			d.session.ClearPendingResponse(p.RequestID)
			d.session.NoteBotReplyEnded(p.SpeakerID, now)
		}
	}

	time.AfterFunc(limits.DurationMs(limits.ResponseDoneSilenceGraceMs), func() {
		d.session.lock.AutoClearIfSilent(now.Add(limits.DurationMs(limits.ResponseDoneSilenceGraceMs)))
	})
}

// errString wraps a plain message as an error without pulling in the errors
// package for this one conversion.
type errString string

func (e errString) Error() string { return string(e) }
