package session

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/parleyvoice/parley/internal/voice/contracts"
	"github.com/parleyvoice/parley/internal/voice/limits"
	"github.com/parleyvoice/parley/internal/voice/turnqueue"
)

type fakeRealtimeClient struct {
	appended         [][]byte
	commits          int
	responsesCreated int
	cancelled        int
	events           chan contracts.RealtimeEvent
	appendErr        error
}

func newFakeRealtimeClient() *fakeRealtimeClient {
	return &fakeRealtimeClient{events: make(chan contracts.RealtimeEvent, 8)}
}

func (f *fakeRealtimeClient) AppendInputAudioPCM(pcm []byte) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appended = append(f.appended, pcm)
	return nil
}
func (f *fakeRealtimeClient) CommitInputAudioBuffer() error                { f.commits++; return nil }
func (f *fakeRealtimeClient) CreateAudioResponse() error                   { f.responsesCreated++; return nil }
func (f *fakeRealtimeClient) RequestTextUtterance(prompt string) error     { return nil }
func (f *fakeRealtimeClient) UpdateInstructions(instructions string) error { return nil }
func (f *fakeRealtimeClient) CancelActiveResponse() error                 { f.cancelled++; return nil }
func (f *fakeRealtimeClient) IsResponseInProgress() bool                  { return false }
func (f *fakeRealtimeClient) Close() error                                { close(f.events); return nil }
func (f *fakeRealtimeClient) Events() <-chan contracts.RealtimeEvent      { return f.events }

// directAddressASR transcribes every clip as an utterance that exactly names
// the bot, so the decision engine allows the reply deterministically in
// tests (the exact name match also puts the speaker in focus, so the
// focused-speaker rule is the one that fires).
type directAddressASR struct{}

func (directAddressASR) TranscribeAudio(ctx context.Context, pcm []byte, rateHz int, model string) (string, error) {
	return "Glyph are you there", nil
}

func TestDrainOnceAppendsAndCommitsPastMinimumBytes(t *testing.T) {
	logger := &recordingLogger{}
	s := newTestSession(t, logger)
	client := newFakeRealtimeClient()
	d := NewRealtimeDriver(s, client, directAddressASR{})

	now := time.Now()
	s.realtimeQueue.Enqueue(turnqueue.QueuedTurn{SpeakerID: "spk1", PCM: bigEnoughClip(), EnqueuedAt: now}, now)

	d.drainOnce(context.Background(), now)

	if len(client.appended) != 1 {
		t.Fatalf("expected one append, got %d", len(client.appended))
	}
	if client.commits != 1 {
		t.Fatalf("expected one commit, got %d", client.commits)
	}
	if client.responsesCreated != 1 {
		t.Fatalf("expected one response created, got %d", client.responsesCreated)
	}
	if !s.lock.ReplyInProgress() {
		t.Fatal("expected reply lock engaged after response creation")
	}
	if p := s.PendingResponseState(); p == nil || p.SpeakerID != "spk1" {
		t.Fatalf("expected a PendingResponse tracking spk1, got %+v", p)
	}
}

func TestDrainOnceDoesNotCommitBelowMinimumBytes(t *testing.T) {
	logger := &recordingLogger{}
	s := newTestSession(t, logger)
	client := newFakeRealtimeClient()
	d := NewRealtimeDriver(s, client, directAddressASR{})

	now := time.Now()
	smallPCM := make([]byte, 100)
	s.realtimeQueue.Enqueue(turnqueue.QueuedTurn{SpeakerID: "spk1", PCM: smallPCM, EnqueuedAt: now}, now)

	d.drainOnce(context.Background(), now)

	if client.commits != 0 {
		t.Fatalf("expected no commit below minimum bytes, got %d", client.commits)
	}
}

func TestDrainOnceDoesNotCommitWhenDecisionDenies(t *testing.T) {
	logger := &recordingLogger{}
	s := newTestSession(t, logger)
	client := newFakeRealtimeClient()
	// Eagerness zero on an undirected utterance denies the reply outright.
	s.cfg.Eagerness = 0
	d := NewRealtimeDriver(s, client, &fakeASRClient{text: "just thinking out loud about nothing much today"})

	now := time.Now()
	s.realtimeQueue.Enqueue(turnqueue.QueuedTurn{SpeakerID: "spk1", PCM: bigEnoughClip(), EnqueuedAt: now}, now)

	d.drainOnce(context.Background(), now)

	if client.commits != 0 {
		t.Fatalf("expected no commit when the decision engine denies, got %d", client.commits)
	}
	if !logger.has("turn_ignored") {
		t.Fatal("expected turn_ignored to be logged")
	}
}

func TestMaybeFlushOnDebounceCommitsAfterDelay(t *testing.T) {
	logger := &recordingLogger{}
	s := newTestSession(t, logger)
	client := newFakeRealtimeClient()
	d := NewRealtimeDriver(s, client, directAddressASR{})

	start := time.Now()
	s.realtimeQueue.Enqueue(turnqueue.QueuedTurn{SpeakerID: "spk1", PCM: []byte{1, 2, 3, 4}, EnqueuedAt: start}, start)
	d.drainOnce(context.Background(), start)
	if client.commits != 0 {
		t.Fatalf("expected no immediate commit for a tiny turn, got %d", client.commits)
	}

	later := start.Add(limits.DurationMs(limits.ResponseFlushDebounceMs) + time.Millisecond)
	d.maybeFlushOnDebounce(later)
	if client.commits != 1 {
		t.Fatalf("expected debounce flush to commit, got %d", client.commits)
	}
}

func TestHandleAudioDeltaEnqueuesDecodedPCMAndTouchesBotAudio(t *testing.T) {
	logger := &recordingLogger{}
	s := newTestSession(t, logger)
	client := newFakeRealtimeClient()
	d := NewRealtimeDriver(s, client, directAddressASR{})
	// Open the bot turn long ago so only a fresh bot-audio touch keeps it open.
	s.lock.OpenBotTurn(time.Now().Add(-time.Hour), nil)

	raw := []byte{10, 20, 30, 40}
	d.handleAudioDelta(contracts.RealtimeEvent{
		Kind:          contracts.RealtimeEventAudioDelta,
		AudioDeltaB64: base64.StdEncoding.EncodeToString(raw),
	})

	if s.playback.QueuedBytes() != len(raw) {
		t.Fatalf("expected %d queued bytes, got %d", len(raw), s.playback.QueuedBytes())
	}
	if s.lock.AutoClearIfSilent(time.Now()) {
		t.Fatal("expected the audio delta to refresh the bot-audio timestamp")
	}
}

func TestHandleAudioDeltaSupersededByActiveCapture(t *testing.T) {
	logger := &recordingLogger{}
	s := newTestSession(t, logger)
	client := newFakeRealtimeClient()
	d := NewRealtimeDriver(s, client, directAddressASR{})
	s.lock.OpenBotTurn(time.Now(), nil)
	s.HandleSpeakingStart("spk2", "Bob", time.Now())

	raw := []byte{10, 20, 30, 40}
	d.handleAudioDelta(contracts.RealtimeEvent{
		Kind:          contracts.RealtimeEventAudioDelta,
		AudioDeltaB64: base64.StdEncoding.EncodeToString(raw),
	})

	if s.playback.QueuedBytes() != 0 {
		t.Fatal("expected audio dropped when a capture is active (superseded)")
	}
	if !logger.has("response_superseded") {
		t.Fatal("expected response_superseded to be logged")
	}
}

func TestHandleResponseDoneEndsReplyAndSchedulesRetryOnFailure(t *testing.T) {
	logger := &recordingLogger{}
	s := newTestSession(t, logger)
	client := newFakeRealtimeClient()
	d := NewRealtimeDriver(s, client, directAddressASR{})
	s.lock.BeginReply()
	p := s.BeginPendingResponse("spk1", "realtime", "", nil, time.Now())

	d.handleResponseDone(contracts.RealtimeEvent{Kind: contracts.RealtimeEventResponseDone, ResponseStatus: "failed"})

	if s.lock.ReplyInProgress() {
		t.Fatal("expected reply lock released on response done")
	}
	if got := s.PendingResponseState(); got == nil || got.RequestID != p.RequestID || got.RetryCount != 1 {
		t.Fatalf("expected one retry recorded against the pending response, got %+v", got)
	}
}

func TestHandleResponseDoneClearsPendingOnAudioDelivered(t *testing.T) {
	logger := &recordingLogger{}
	s := newTestSession(t, logger)
	client := newFakeRealtimeClient()
	d := NewRealtimeDriver(s, client, directAddressASR{})
	s.lock.BeginReply()
	p := s.BeginPendingResponse("spk1", "realtime", "", nil, time.Now())
	s.NotePendingResponseAudio(p.RequestID, time.Now())

	d.handleResponseDone(contracts.RealtimeEvent{Kind: contracts.RealtimeEventResponseDone, ResponseStatus: "completed"})

	if s.PendingResponseState() != nil {
		t.Fatal("expected PendingResponse cleared once audio was delivered")
	}
}

func TestHandleSocketClosedReleasesReplyLock(t *testing.T) {
	logger := &recordingLogger{}
	s := newTestSession(t, logger)
	client := newFakeRealtimeClient()
	d := NewRealtimeDriver(s, client, directAddressASR{})
	s.lock.BeginReply()
	s.lock.OpenBotTurn(time.Now(), nil)
	s.BeginPendingResponse("spk1", "realtime", "", nil, time.Now())

	d.handleEvent(contracts.RealtimeEvent{Kind: contracts.RealtimeEventSocketClosed, CloseCode: 1000})

	if s.lock.ReplyInProgress() || s.lock.IsBotTurnOpen() {
		t.Fatal("expected reply lock fully released after socket close")
	}
	if s.PendingResponseState() != nil {
		t.Fatal("expected PendingResponse cleared on socket close")
	}
}
