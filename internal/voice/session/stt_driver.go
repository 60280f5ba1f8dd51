package session

import (
	"context"
	"runtime"
	"time"

	"github.com/parleyvoice/parley/internal/voice/contracts"
	"github.com/parleyvoice/parley/internal/voice/decision"
	"github.com/parleyvoice/parley/internal/voice/limits"
	"github.com/parleyvoice/parley/internal/voice/pcm"
	"github.com/parleyvoice/parley/internal/voice/siggate"
	"github.com/parleyvoice/parley/internal/voice/turnqueue"
)

const sttDequeuePollInterval = 60 * time.Millisecond

// STTDriver is component K: the STT-pipeline reply driver. It drains the
// session's STT turn queue, transcribes each coalesced clip, resolves
// addressing and the reply decision, and — when the decision is to reply —
// generates a turn via the LLM client and streams synthesized speech into
// the playback queue.
type STTDriver struct {
	session *Session
	asr     contracts.ASRClient
	llm     contracts.LLMClient
	tts     contracts.TTSClient
	voice   contracts.VoiceSpec
}

// NewSTTDriver returns a driver for s's STT queue against the given
// provider clients.
func NewSTTDriver(s *Session, asr contracts.ASRClient, llm contracts.LLMClient, tts contracts.TTSClient, voice contracts.VoiceSpec) *STTDriver {
	return &STTDriver{session: s, asr: asr, llm: llm, tts: tts, voice: voice}
}

// Run drains the STT queue until ctx is cancelled.
func (d *STTDriver) Run(ctx context.Context) {
	ticker := time.NewTicker(sttDequeuePollInterval)
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

func (d *STTDriver) drainOnce(ctx context.Context, now time.Time) {
	turn, ok, skipped := d.session.sttQueue.Dequeue(now)
	if skipped > 0 && d.session.cfg.Metrics != nil {
		d.session.cfg.Metrics.RecordTurnDropped(context.Background(), "stt", "stale_skip")
	}
	if !ok {
		return
	}
	if siggate.EstimateDurationMs(len(turn.PCM), targetCaptureRateHz) < limits.VoiceTurnMinASRClipMs {
		return
	}

	start := time.Now()
	text, err := d.asr.TranscribeAudio(ctx, turn.PCM, targetCaptureRateHz, "")
	if d.session.cfg.Metrics != nil {
		d.session.cfg.Metrics.ASRDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		d.recordProviderError("asr", err)
		return
	}

	addr := d.session.classifyAddressing(ctx, turn, text, now)

	dec := d.session.decideReply(ctx, turn, text, addr, false)
	d.session.ApplyFocusedSpeakerUpdate(dec, turn.SpeakerID, now)
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
			d.session.sttQueue.Enqueue(turn, time.Now())
		})
		return
	}

	d.session.AppendContextTurn(contracts.VoiceTurn{
		Role:        contracts.RoleUser,
		SpeakerID:   turn.SpeakerID,
		SpeakerName: turn.SpeakerName,
		Text:        text,
		At:          now,
		Addressing:  &addr,
	})

	if !d.session.lock.BeginReply() {
		return
	}
	d.generateAndSpeak(ctx, turn, text)
}

func (d *STTDriver) generateAndSpeak(ctx context.Context, turn turnqueue.QueuedTurn, text string) {
	defer d.session.lock.EndReply()

	req := contracts.VoiceTurnRequest{
		ContextTurns:  d.session.ContextSnapshot(),
		Participants:  d.session.ParticipantNames(),
		UtteranceText: text,
		SpeakerID:     turn.SpeakerID,
		SpeakerName:   turn.SpeakerName,
	}

	start := time.Now()
	result, err := d.llm.GenerateVoiceTurn(ctx, req)
	if d.session.cfg.Metrics != nil {
		d.session.cfg.Metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		d.recordProviderError("llm", err)
		return
	}

	defer func() { d.session.NoteBotReplyEnded(turn.SpeakerID, time.Now()) }()
	d.session.lock.OpenBotTurn(time.Now(), nil)
	defer d.session.lock.CloseBotTurn()

	for _, step := range result.Plan {
		switch step.Kind {
		case contracts.PlaybackStepSpeech:
			d.speak(ctx, step.Text)
		case contracts.PlaybackStepSoundboard:
			d.session.logAction("soundboard_played", map[string]any{"soundboard_id": step.SoundboardID})
		}
	}

	if result.ReplyText != "" {
		d.session.AppendContextTurn(contracts.VoiceTurn{
			Role: contracts.RoleAssistant,
			Text: result.ReplyText,
			At:   time.Now(),
		})
	}

	if result.LeaveDirective && d.session.cfg.OnLeaveDirective != nil {
		d.session.cfg.OnLeaveDirective(d.session.ID)
	}
}

// speak synthesizes text and streams the resulting PCM into the playback
// queue in fixed-duration chunks, yielding periodically so a long utterance
// doesn't monopolize the goroutine scheduler.
func (d *STTDriver) speak(ctx context.Context, text string) {
	start := time.Now()
	audio, err := d.tts.SynthesizeSpeech(ctx, text, d.voice, 1.0)
	if d.session.cfg.Metrics != nil {
		d.session.cfg.Metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		d.recordProviderError("tts", err)
		return
	}

	const bytesPerMs = 2 * 48 // mono16 at 48kHz; upmixed to stereo just before playback
	chunkBytes := limits.STTTTSConversionChunkMs * bytesPerMs
	if chunkBytes <= 0 {
		chunkBytes = len(audio)
	}

	for i, n := 0, 0; i < len(audio); i += chunkBytes {
		end := i + chunkBytes
		if end > len(audio) {
			end = len(audio)
		}
		stereo := pcm.Mono16ToStereo16(audio[i:end])
		d.session.playback.Enqueue(stereo)
		d.session.lock.TouchBotAudio(time.Now())

		n++
		if n%limits.STTTTSConversionYieldEveryChunks == 0 {
			runtime.Gosched()
		}
	}
}

func (d *STTDriver) recordProviderError(provider string, err error) {
	if d.session.cfg.Metrics != nil {
		d.session.cfg.Metrics.RecordProviderError(context.Background(), provider, "call_failed")
	}
	d.session.logAction("provider_error", map[string]any{"provider": provider, "error": err.Error()})
}
