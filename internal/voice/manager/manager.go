// Package manager implements the Controller API: the top-level surface that
// owns every guild's *session.Session, dispatching join/leave/status/
// stream-watch/settings requests and routing inbound audio frames to the
// right guild's session. Grounded on the teacher's SessionManager, adapted
// from "exactly one active session" to "one session per guild".
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/parleyvoice/parley/internal/voice/contracts"
	"github.com/parleyvoice/parley/internal/voice/metrics"
	"github.com/parleyvoice/parley/internal/voice/resilience"
	"github.com/parleyvoice/parley/internal/voice/session"
)

// JoinRequest bundles everything RequestJoin needs to stand up a new guild
// session: the already-established connection plus every external
// collaborator and tunable that flows into session.Config.
type JoinRequest struct {
	GuildID    string
	Connection contracts.Connection

	LLM      contracts.LLMClient
	ASR      contracts.ASRClient
	TTS      contracts.TTSClient
	Realtime contracts.RealtimeClient

	BotNames  []string
	VoiceSpec contracts.VoiceSpec

	InactivitySeconds int
	MaxSessionMinutes int

	// Eagerness, AddressingDisabled, AddressingClassifier, ReplyDecider, and
	// RealtimeMergedMode flow straight into session.Config; see its doc
	// comments for what each governs.
	Eagerness            int
	AddressingDisabled   bool
	AddressingClassifier contracts.AddressingClassifierClient
	ReplyDecider         contracts.ReplyDeciderClient
	RealtimeMergedMode   bool
}

// RuntimeState is a point-in-time snapshot of one guild's session, returned
// by RequestStatus/GetRuntimeState.
type RuntimeState struct {
	GuildID          string
	Active           bool
	StartedAt        time.Time
	LastActivityAt   time.Time
	ParticipantCount int
	ReplyInProgress  bool
}

// streamWatch tracks one guild's screen-watch subscription. The vision
// pipeline itself is an external collaborator (out of scope here); the
// Controller only tracks watch state and buffers the notes it's handed.
type streamWatch struct {
	watching bool
	notes    []contracts.StreamWatchNote
}

// Controller owns every active per-guild Session and is the sole entry
// point session-owning callers (e.g. a Discord command layer) interact
// with. All exported methods are safe for concurrent use.
type Controller struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	drivers  map[string]context.CancelFunc
	watches  map[string]*streamWatch

	logger       *slog.Logger
	actionLogger contracts.ActionLogger
	metrics      *metrics.Metrics
}

// Config holds the Controller-wide dependencies shared by every session it
// creates.
type Config struct {
	Logger       *slog.Logger
	ActionLogger contracts.ActionLogger
	Metrics      *metrics.Metrics
}

// New returns an empty Controller.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		sessions:     make(map[string]*session.Session),
		drivers:      make(map[string]context.CancelFunc),
		watches:      make(map[string]*streamWatch),
		logger:       logger,
		actionLogger: cfg.ActionLogger,
		metrics:      cfg.Metrics,
	}
}

// RequestJoin stands up a new session for req.GuildID, wiring the realtime
// driver when req.Realtime is non-nil and the STT-pipeline driver otherwise,
// plus a thought loop in either case. Returns an error if the guild already
// has an active session.
func (c *Controller) RequestJoin(ctx context.Context, req JoinRequest) error {
	c.mu.Lock()
	if _, exists := c.sessions[req.GuildID]; exists {
		c.mu.Unlock()
		return fmt.Errorf("manager: guild %q already has an active session", req.GuildID)
	}
	c.mu.Unlock()

	asr := req.ASR
	if asr != nil {
		asr = resilience.WrapASR(asr, resilience.New(resilience.Config{Name: "asr:" + req.GuildID}))
	}
	llm := req.LLM
	if llm != nil {
		llm = resilience.WrapLLM(llm, resilience.New(resilience.Config{Name: "llm:" + req.GuildID}))
	}
	tts := req.TTS
	if tts != nil {
		tts = resilience.WrapTTS(tts, resilience.New(resilience.Config{Name: "tts:" + req.GuildID}))
	}

	cfg := session.Config{
		GuildID:           req.GuildID,
		Connection:        req.Connection,
		LLM:               llm,
		ASR:               asr,
		TTS:               tts,
		Realtime:          req.Realtime,
		ActionLogger:      c.actionLogger,
		Metrics:           c.metrics,
		Logger:            c.logger,
		BotNames:          req.BotNames,
		VoiceSpec:         req.VoiceSpec,
		InactivitySeconds: req.InactivitySeconds,
		MaxSessionMinutes: req.MaxSessionMinutes,

		Eagerness:            req.Eagerness,
		AddressingDisabled:   req.AddressingDisabled,
		AddressingClassifier: req.AddressingClassifier,
		ReplyDecider:         req.ReplyDecider,
		RealtimeMergedMode:   req.RealtimeMergedMode,
		OnInactivityTimeout: func(sessionID string) {
			c.logger.Info("session inactivity timeout reached", "session_id", sessionID, "guild_id", req.GuildID)
			_ = c.RequestLeave(req.GuildID, "inactivity_timeout")
		},
		OnMaxDurationReached: func(sessionID string) {
			c.logger.Info("session max duration reached", "session_id", sessionID, "guild_id", req.GuildID)
			_ = c.RequestLeave(req.GuildID, "max_duration_reached")
		},
		OnLeaveDirective: func(sessionID string) {
			c.logger.Info("reply plan requested leave", "session_id", sessionID, "guild_id", req.GuildID)
			_ = c.RequestLeave(req.GuildID, "leave_directive")
		},
	}

	s := session.New(cfg)
	driverCtx, cancel := context.WithCancel(ctx)
	s.Start(driverCtx)

	if req.Realtime != nil {
		driver := session.NewRealtimeDriver(s, req.Realtime, asr)
		go driver.Run(driverCtx)
	} else {
		driver := session.NewSTTDriver(s, asr, llm, tts, req.VoiceSpec)
		go driver.Run(driverCtx)
	}
	thoughtLoop := session.NewThoughtLoop(s, func(ctx context.Context, silentSeconds float64) {
		c.logger.Debug("thought loop idle tick", "guild_id", req.GuildID, "silent_seconds", silentSeconds)
	})
	thoughtLoop.Start(driverCtx, time.Second)
	s.AddCloser(func() error { thoughtLoop.Stop(); return nil })

	c.mu.Lock()
	c.sessions[req.GuildID] = s
	c.drivers[req.GuildID] = cancel
	c.mu.Unlock()

	return nil
}

// RequestLeave tears down guildID's active session, if any. reason is
// forwarded to the session's action log.
func (c *Controller) RequestLeave(guildID, reason string) error {
	c.mu.Lock()
	s, exists := c.sessions[guildID]
	cancel := c.drivers[guildID]
	delete(c.sessions, guildID)
	delete(c.drivers, guildID)
	delete(c.watches, guildID)
	c.mu.Unlock()

	if !exists {
		return fmt.Errorf("manager: guild %q has no active session", guildID)
	}
	if cancel != nil {
		cancel()
	}
	return s.Stop(reason)
}

// RequestStatus returns guildID's current runtime state.
func (c *Controller) RequestStatus(guildID string) (RuntimeState, bool) {
	return c.GetRuntimeState(guildID)
}

// GetSession returns guildID's active *session.Session, if any.
func (c *Controller) GetSession(guildID string) (*session.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[guildID]
	return s, ok
}

// GetRuntimeState returns a point-in-time snapshot of guildID's session.
func (c *Controller) GetRuntimeState(guildID string) (RuntimeState, bool) {
	s, ok := c.GetSession(guildID)
	if !ok {
		return RuntimeState{}, false
	}
	return RuntimeState{
		GuildID:          guildID,
		Active:           true,
		LastActivityAt:   s.LastActivityAt(),
		ParticipantCount: len(s.ParticipantNames()),
	}, true
}

// RequestWatchStream begins tracking a screen-watch subscription for
// guildID. The vision pipeline that actually produces notes is an external
// collaborator; the Controller only records subscription state.
func (c *Controller) RequestWatchStream(guildID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.sessions[guildID]; !exists {
		return fmt.Errorf("manager: guild %q has no active session", guildID)
	}
	w, ok := c.watches[guildID]
	if !ok {
		w = &streamWatch{}
		c.watches[guildID] = w
	}
	w.watching = true
	return nil
}

// RequestStopWatchingStream ends guildID's screen-watch subscription.
func (c *Controller) RequestStopWatchingStream(guildID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.watches[guildID]
	if !ok {
		return fmt.Errorf("manager: guild %q is not watching a stream", guildID)
	}
	w.watching = false
	return nil
}

// RequestStreamWatchStatus reports whether guildID is watching a stream and
// returns the notes accumulated so far.
func (c *Controller) RequestStreamWatchStatus(guildID string) (bool, []contracts.StreamWatchNote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.watches[guildID]
	if !ok {
		return false, nil
	}
	notes := make([]contracts.StreamWatchNote, len(w.notes))
	copy(notes, w.notes)
	return w.watching, notes
}

const maxStreamWatchNotes = 20

// IngestStreamFrame records one observation from the external screen-watch
// pipeline against guildID's subscription, bounding the note ring.
func (c *Controller) IngestStreamFrame(guildID string, note contracts.StreamWatchNote) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.watches[guildID]
	if !ok || !w.watching {
		return fmt.Errorf("manager: guild %q is not watching a stream", guildID)
	}
	w.notes = append(w.notes, note)
	if len(w.notes) > maxStreamWatchNotes {
		w.notes = w.notes[len(w.notes)-maxStreamWatchNotes:]
	}
	return nil
}

// ReconcileSettings applies an updated direct-address confidence threshold
// to guildID's session without restarting it. No other setting is updated.
func (c *Controller) ReconcileSettings(guildID string, confidenceThreshold float64) error {
	s, ok := c.GetSession(guildID)
	if !ok {
		return fmt.Errorf("manager: guild %q has no active session", guildID)
	}
	s.Classifier().WithConfidenceThreshold(confidenceThreshold)
	return nil
}

// StopAll tears down every active session concurrently and returns the
// first teardown error, if any; later errors are dropped.
func (c *Controller) StopAll() error {
	c.mu.Lock()
	guildIDs := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		guildIDs = append(guildIDs, id)
	}
	c.mu.Unlock()

	var g errgroup.Group
	for _, id := range guildIDs {
		id := id
		g.Go(func() error {
			return c.RequestLeave(id, "stop_all")
		})
	}
	return g.Wait()
}

// Dispose stops every active session and releases Controller-owned state.
// The Controller must not be used after Dispose returns.
func (c *Controller) Dispose() error {
	err := c.StopAll()
	c.mu.Lock()
	c.sessions = nil
	c.drivers = nil
	c.watches = nil
	c.mu.Unlock()
	return err
}
