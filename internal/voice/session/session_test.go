package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/parleyvoice/parley/internal/voice/contracts"
	"github.com/parleyvoice/parley/internal/voice/limits"
	"github.com/parleyvoice/parley/internal/voice/turnqueue"
)

type fakeConnection struct {
	sink      chan []byte
	destroyed bool
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{sink: make(chan []byte, 16)}
}

func (f *fakeConnection) PCMSink() chan<- []byte { return f.sink }
func (f *fakeConnection) Destroy() error {
	f.destroyed = true
	return nil
}

type recordingLogger struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingLogger) Log(event string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingLogger) has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

func newTestSession(t *testing.T, logger *recordingLogger) *Session {
	t.Helper()
	conn := newFakeConnection()
	s := New(Config{
		GuildID:           "guild-1",
		Connection:        conn,
		ActionLogger:      logger,
		BotNames:          []string{"Glyph"},
		InactivitySeconds: limits.MinInactivitySeconds,
		MaxSessionMinutes: limits.MinSessionMinutes,
		Eagerness:         limits.MaxEagerness,
	})
	return s
}

func TestNewClampsOutOfRangeDurations(t *testing.T) {
	s := New(Config{GuildID: "g", InactivitySeconds: 0, MaxSessionMinutes: 0})
	if s.cfg.InactivitySeconds < 20 {
		t.Fatalf("expected clamped inactivity, got %d", s.cfg.InactivitySeconds)
	}
	if s.cfg.MaxSessionMinutes < 1 {
		t.Fatalf("expected clamped max duration, got %d", s.cfg.MaxSessionMinutes)
	}
}

func TestStartAndStopRunsClosersInReverseOrder(t *testing.T) {
	logger := &recordingLogger{}
	s := newTestSession(t, logger)
	s.Start(context.Background())

	var order []int
	s.AddCloser(func() error { order = append(order, 1); return nil })
	s.AddCloser(func() error { order = append(order, 2); return nil })

	if err := s.Stop("test_done"); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("expected closers in reverse order, got %v", order)
	}
	if !logger.has("session_stopped") {
		t.Fatal("expected session_stopped to be logged")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	logger := &recordingLogger{}
	s := newTestSession(t, logger)
	s.Start(context.Background())

	calls := 0
	s.AddCloser(func() error { calls++; return nil })

	_ = s.Stop("first")
	_ = s.Stop("second")
	if calls != 1 {
		t.Fatalf("expected closer to run exactly once, got %d", calls)
	}
}

func TestHandleSpeakingStartIgnoresDuplicate(t *testing.T) {
	logger := &recordingLogger{}
	s := newTestSession(t, logger)
	now := time.Now()
	s.HandleSpeakingStart("spk1", "Alice", now)
	s.HandleSpeakingStart("spk1", "Alice", now)

	s.mu.Lock()
	n := len(s.captures)
	s.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly one capture, got %d", n)
	}
}

func TestSettleCaptureOnEmptyCaptureEnqueuesNothingHarmful(t *testing.T) {
	// An empty capture's estimated duration is below SilenceGateMinClipMs, so
	// the silence gate does not fire on it; this just confirms settling an
	// empty capture does not panic and finalizes it exactly once.
	logger := &recordingLogger{}
	s := newTestSession(t, logger)
	now := time.Now()
	s.HandleSpeakingStart("spk1", "Alice", now)
	s.settleCapture("spk1", "speaking_end", now)
	s.settleCapture("spk1", "speaking_end", now)

	s.mu.Lock()
	_, stillActive := s.captures["spk1"]
	s.mu.Unlock()
	if stillActive {
		t.Fatal("expected capture removed from active set after settling")
	}
}

func TestSettleCaptureAbortReasonsProduceNoTurn(t *testing.T) {
	logger := &recordingLogger{}
	s := newTestSession(t, logger)
	now := time.Now()
	s.HandleSpeakingStart("spk1", "Alice", now)
	s.settleCapture("spk1", "near_silence_abort", now)

	if !logger.has("capture_aborted") {
		t.Fatal("expected capture_aborted to be logged")
	}
	if s.sttQueue.Len() != 0 {
		t.Fatal("expected no turn enqueued on abort")
	}
}

func TestSettleCaptureIgnoresUnknownSpeaker(t *testing.T) {
	logger := &recordingLogger{}
	s := newTestSession(t, logger)
	s.settleCapture("ghost", "speaking_end", time.Now())
	if logger.has("capture_aborted") || logger.has("capture_dropped_silence") {
		t.Fatal("expected no log activity for an unknown speaker")
	}
}

func TestHandleMembershipBoundsRingAndTracksRoster(t *testing.T) {
	logger := &recordingLogger{}
	s := newTestSession(t, logger)
	now := time.Now()

	for i := 0; i < maxMembershipEvents+5; i++ {
		s.HandleMembership(contracts.MembershipEvent{SpeakerID: "spk", DisplayName: "Alice", Kind: contracts.MembershipJoin, At: now})
	}
	if got := len(s.MembershipSnapshot()); got != maxMembershipEvents {
		t.Fatalf("expected membership ring bounded at %d, got %d", maxMembershipEvents, got)
	}

	s.HandleMembership(contracts.MembershipEvent{SpeakerID: "spk", Kind: contracts.MembershipLeave, At: now})
	names := s.ParticipantNames()
	if len(names) != 0 {
		t.Fatalf("expected roster empty after leave, got %v", names)
	}
}

func TestAppendContextTurnBoundsRing(t *testing.T) {
	logger := &recordingLogger{}
	s := newTestSession(t, logger)
	for i := 0; i < maxContextTurns+10; i++ {
		s.AppendContextTurn(contracts.VoiceTurn{Text: "hi"})
	}
	if got := len(s.ContextSnapshot()); got != maxContextTurns {
		t.Fatalf("expected context ring bounded at %d, got %d", maxContextTurns, got)
	}
}

func TestTriggerBargeInClearsPlaybackAndRecordsState(t *testing.T) {
	logger := &recordingLogger{}
	s := newTestSession(t, logger)
	s.playback.Enqueue(make([]byte, 100))
	now := time.Now()
	s.lock.OpenBotTurn(now, nil)

	s.triggerBargeIn("spk1", now)

	if s.playback.QueuedBytes() != 0 {
		t.Fatal("expected playback queue cleared on barge-in")
	}
	if s.lock.IsBotTurnOpen() {
		t.Fatal("expected bot turn closed after barge-in")
	}
	if !logger.has("barge_in") {
		t.Fatal("expected barge_in to be logged")
	}
}

func TestFlushDeferredTurnsAppendsContext(t *testing.T) {
	logger := &recordingLogger{}
	s := newTestSession(t, logger)
	turn := turnqueue.QueuedTurn{SpeakerID: "spk1", SpeakerName: "Alice", Text: "hello", EnqueuedAt: time.Now()}

	// The debounce timer fires asynchronously; call the flush path directly
	// to keep this test deterministic.
	s.flushDeferredTurns([]turnqueue.QueuedTurn{turn})

	if got := len(s.ContextSnapshot()); got != 1 {
		t.Fatalf("expected one flushed turn appended to context, got %d", got)
	}
	if !logger.has("deferred_turns_flushed") {
		t.Fatal("expected deferred_turns_flushed to be logged")
	}
}
