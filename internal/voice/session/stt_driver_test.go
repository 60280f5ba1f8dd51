package session

import (
	"context"
	"testing"
	"time"

	"github.com/parleyvoice/parley/internal/voice/contracts"
	"github.com/parleyvoice/parley/internal/voice/limits"
	"github.com/parleyvoice/parley/internal/voice/turnqueue"
)

type fakeASRClient struct {
	text string
	err  error
}

func (f *fakeASRClient) TranscribeAudio(ctx context.Context, pcm []byte, rateHz int, model string) (string, error) {
	return f.text, f.err
}

type fakeLLMClient struct {
	result contracts.VoiceTurnResult
	err    error
}

func (f *fakeLLMClient) GenerateVoiceTurn(ctx context.Context, req contracts.VoiceTurnRequest) (contracts.VoiceTurnResult, error) {
	return f.result, f.err
}

type fakeTTSClient struct {
	audio []byte
	err   error
}

func (f *fakeTTSClient) SynthesizeSpeech(ctx context.Context, text string, voice contracts.VoiceSpec, speed float64) ([]byte, error) {
	return f.audio, f.err
}

// yesReplyDecider answers every rule-10 eligibility question with "reply".
type yesReplyDecider struct{}

func (yesReplyDecider) DecideReply(ctx context.Context, promptStyle, text string) (bool, bool, error) {
	return true, true, nil
}

func bigEnoughClip() []byte {
	// Long enough to clear VoiceTurnMinASRClipMs at the session's target rate.
	durationMs := limits.VoiceTurnMinASRClipMs + 200
	bytes := int(float64(durationMs) / 1000 * float64(targetCaptureRateHz) * 2)
	return make([]byte, bytes)
}

func TestDrainOnceIgnoresLowSignalFragment(t *testing.T) {
	logger := &recordingLogger{}
	s := newTestSession(t, logger)
	asr := &fakeASRClient{text: "uh huh"}
	llm := &fakeLLMClient{}
	tts := &fakeTTSClient{}
	d := NewSTTDriver(s, asr, llm, tts, contracts.VoiceSpec{})

	now := time.Now()
	s.TouchActivity(now.Add(-time.Hour))
	// The bot just replied to spk1, so a short clip from them is a
	// low-signal fragment.
	s.NoteBotReplyEnded("spk1", now)
	s.sttQueue.Enqueue(turnqueue.QueuedTurn{SpeakerID: "spk1", PCM: bigEnoughClip(), EnqueuedAt: now}, now)

	d.drainOnce(context.Background(), now)

	if !logger.has("turn_ignored") {
		t.Fatal("expected turn_ignored to be logged for a low-signal fragment")
	}
	if s.lock.ReplyInProgress() {
		t.Fatal("expected reply lock untouched for an ignored turn")
	}
}

func TestDrainOnceGeneratesAndSpeaksOnEligibleTurn(t *testing.T) {
	logger := &recordingLogger{}
	s := newTestSession(t, logger)
	asr := &fakeASRClient{text: "that is a pretty long thing to say to everyone here"}
	llm := &fakeLLMClient{result: contracts.VoiceTurnResult{
		ReplyText: "sure thing",
		Plan:      []contracts.PlaybackStep{{Kind: contracts.PlaybackStepSpeech, Text: "sure thing"}},
	}}
	tts := &fakeTTSClient{audio: make([]byte, 4000)}
	// The utterance is undirected, so eligibility comes from the reply decider.
	s.cfg.ReplyDecider = yesReplyDecider{}
	d := NewSTTDriver(s, asr, llm, tts, contracts.VoiceSpec{})

	now := time.Now()
	s.mu.Lock()
	s.lastActivityAt = now.Add(-time.Hour)
	s.mu.Unlock()
	s.sttQueue.Enqueue(turnqueue.QueuedTurn{SpeakerID: "spk1", PCM: bigEnoughClip(), EnqueuedAt: now}, now)

	d.drainOnce(context.Background(), now)

	if s.playback.QueuedBytes() == 0 {
		t.Fatal("expected synthesized speech enqueued into playback")
	}
	if s.lock.ReplyInProgress() {
		t.Fatal("expected reply lock released after generateAndSpeak completes")
	}
	ctx := s.ContextSnapshot()
	if len(ctx) != 2 {
		t.Fatalf("expected a user turn and an assistant turn appended, got %d", len(ctx))
	}
}

func TestDrainOnceDefersWhenReplyAlreadyInProgress(t *testing.T) {
	logger := &recordingLogger{}
	s := newTestSession(t, logger)
	asr := &fakeASRClient{text: "that is a pretty long thing to say to everyone here"}
	llm := &fakeLLMClient{}
	tts := &fakeTTSClient{}
	d := NewSTTDriver(s, asr, llm, tts, contracts.VoiceSpec{})

	s.lock.BeginReply()
	now := time.Now()
	s.sttQueue.Enqueue(turnqueue.QueuedTurn{SpeakerID: "spk1", PCM: bigEnoughClip(), EnqueuedAt: now}, now)

	d.drainOnce(context.Background(), now)

	if s.deferredQueue.Len() != 1 {
		t.Fatalf("expected turn deferred, got deferred queue len %d", s.deferredQueue.Len())
	}
}
