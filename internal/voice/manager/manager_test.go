package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/parleyvoice/parley/internal/voice/contracts"
)

type fakeConnection struct {
	sink      chan []byte
	destroyed bool
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{sink: make(chan []byte, 4)}
}

func (f *fakeConnection) PCMSink() chan<- []byte { return f.sink }
func (f *fakeConnection) Destroy() error {
	f.destroyed = true
	return nil
}

type fakeASRClient struct{}

func (fakeASRClient) TranscribeAudio(ctx context.Context, pcm []byte, rateHz int, model string) (string, error) {
	return "", nil
}

type fakeLLMClient struct{}

func (fakeLLMClient) GenerateVoiceTurn(ctx context.Context, req contracts.VoiceTurnRequest) (contracts.VoiceTurnResult, error) {
	return contracts.VoiceTurnResult{}, nil
}

type fakeTTSClient struct{}

func (fakeTTSClient) SynthesizeSpeech(ctx context.Context, text string, voice contracts.VoiceSpec, speed float64) ([]byte, error) {
	return nil, nil
}

type silentLogger struct{ mu sync.Mutex }

func (s *silentLogger) Log(event string, fields map[string]any) {}

func newTestController() *Controller {
	return New(Config{ActionLogger: &silentLogger{}})
}

func TestRequestJoinThenStatusThenLeave(t *testing.T) {
	c := newTestController()
	conn := newFakeConnection()

	err := c.RequestJoin(context.Background(), JoinRequest{
		GuildID:           "guild-1",
		Connection:        conn,
		ASR:               fakeASRClient{},
		LLM:               fakeLLMClient{},
		TTS:               fakeTTSClient{},
		InactivitySeconds: 20,
		MaxSessionMinutes: 1,
	})
	if err != nil {
		t.Fatalf("RequestJoin failed: %v", err)
	}

	state, ok := c.RequestStatus("guild-1")
	if !ok || !state.Active {
		t.Fatalf("expected active session, got %+v ok=%v", state, ok)
	}

	if err := c.RequestLeave("guild-1", "test_done"); err != nil {
		t.Fatalf("RequestLeave failed: %v", err)
	}
	if !conn.destroyed {
		t.Fatal("expected connection destroyed on leave")
	}

	if _, ok := c.RequestStatus("guild-1"); ok {
		t.Fatal("expected no session after leave")
	}
}

func TestRequestJoinRefusesDuplicateGuild(t *testing.T) {
	c := newTestController()
	req := JoinRequest{GuildID: "guild-1", Connection: newFakeConnection(), ASR: fakeASRClient{}, LLM: fakeLLMClient{}, TTS: fakeTTSClient{}}

	if err := c.RequestJoin(context.Background(), req); err != nil {
		t.Fatalf("first join failed: %v", err)
	}
	req.Connection = newFakeConnection()
	if err := c.RequestJoin(context.Background(), req); err == nil {
		t.Fatal("expected second join for the same guild to fail")
	}
	_ = c.RequestLeave("guild-1", "cleanup")
}

func TestRequestLeaveUnknownGuildErrors(t *testing.T) {
	c := newTestController()
	if err := c.RequestLeave("ghost", "x"); err == nil {
		t.Fatal("expected error leaving an unknown guild")
	}
}

func TestStreamWatchLifecycle(t *testing.T) {
	c := newTestController()
	conn := newFakeConnection()
	_ = c.RequestJoin(context.Background(), JoinRequest{GuildID: "guild-1", Connection: conn, ASR: fakeASRClient{}, LLM: fakeLLMClient{}, TTS: fakeTTSClient{}})
	defer c.RequestLeave("guild-1", "cleanup")

	if err := c.RequestWatchStream("guild-1"); err != nil {
		t.Fatalf("RequestWatchStream failed: %v", err)
	}
	if err := c.IngestStreamFrame("guild-1", contracts.StreamWatchNote{At: time.Now(), Text: "a dragon appears"}); err != nil {
		t.Fatalf("IngestStreamFrame failed: %v", err)
	}

	watching, notes := c.RequestStreamWatchStatus("guild-1")
	if !watching || len(notes) != 1 {
		t.Fatalf("expected watching=true with one note, got watching=%v notes=%v", watching, notes)
	}

	if err := c.RequestStopWatchingStream("guild-1"); err != nil {
		t.Fatalf("RequestStopWatchingStream failed: %v", err)
	}
	if err := c.IngestStreamFrame("guild-1", contracts.StreamWatchNote{}); err == nil {
		t.Fatal("expected IngestStreamFrame to fail once watching has stopped")
	}
}

func TestStreamWatchNotesAreBounded(t *testing.T) {
	c := newTestController()
	conn := newFakeConnection()
	_ = c.RequestJoin(context.Background(), JoinRequest{GuildID: "guild-1", Connection: conn, ASR: fakeASRClient{}, LLM: fakeLLMClient{}, TTS: fakeTTSClient{}})
	defer c.RequestLeave("guild-1", "cleanup")

	_ = c.RequestWatchStream("guild-1")
	for i := 0; i < maxStreamWatchNotes+5; i++ {
		_ = c.IngestStreamFrame("guild-1", contracts.StreamWatchNote{Text: "note"})
	}
	_, notes := c.RequestStreamWatchStatus("guild-1")
	if len(notes) != maxStreamWatchNotes {
		t.Fatalf("expected notes bounded at %d, got %d", maxStreamWatchNotes, len(notes))
	}
}

func TestReconcileSettingsUpdatesClassifierThreshold(t *testing.T) {
	c := newTestController()
	conn := newFakeConnection()
	_ = c.RequestJoin(context.Background(), JoinRequest{GuildID: "guild-1", Connection: conn, ASR: fakeASRClient{}, LLM: fakeLLMClient{}, TTS: fakeTTSClient{}})
	defer c.RequestLeave("guild-1", "cleanup")

	if err := c.ReconcileSettings("guild-1", 0.75); err != nil {
		t.Fatalf("ReconcileSettings failed: %v", err)
	}
	s, _ := c.GetSession("guild-1")
	if got := s.Classifier().ConfidenceThreshold(); got != 0.75 {
		t.Fatalf("expected updated threshold 0.75, got %v", got)
	}
}

func TestStopAllTearsDownEverySession(t *testing.T) {
	c := newTestController()
	_ = c.RequestJoin(context.Background(), JoinRequest{GuildID: "guild-1", Connection: newFakeConnection(), ASR: fakeASRClient{}, LLM: fakeLLMClient{}, TTS: fakeTTSClient{}})
	_ = c.RequestJoin(context.Background(), JoinRequest{GuildID: "guild-2", Connection: newFakeConnection(), ASR: fakeASRClient{}, LLM: fakeLLMClient{}, TTS: fakeTTSClient{}})

	if err := c.StopAll(); err != nil {
		t.Fatalf("StopAll returned error: %v", err)
	}
	if _, ok := c.RequestStatus("guild-1"); ok {
		t.Fatal("expected guild-1 session gone after StopAll")
	}
	if _, ok := c.RequestStatus("guild-2"); ok {
		t.Fatal("expected guild-2 session gone after StopAll")
	}
}

func TestDisposeSucceedsWithActiveSession(t *testing.T) {
	c := newTestController()
	_ = c.RequestJoin(context.Background(), JoinRequest{GuildID: "guild-1", Connection: newFakeConnection(), ASR: fakeASRClient{}, LLM: fakeLLMClient{}, TTS: fakeTTSClient{}})

	if err := c.Dispose(); err != nil {
		t.Fatalf("Dispose returned error: %v", err)
	}
}
