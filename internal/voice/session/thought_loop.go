package session

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/parleyvoice/parley/internal/voice/limits"
)

// ThoughtLoop periodically decides whether the bot should inject an ambient
// "thought" turn when the channel has gone quiet for a while: once
// ThoughtLoopTopicalStartSeconds of silence has elapsed, each tick that wins
// the session's eagerness roll calls inject with the silence length. The
// loop does not weight the prompt by silence itself; how far the thought
// drifts from the recent topic is left to inject. Component L.
type ThoughtLoop struct {
	session *Session

	mu      sync.Mutex
	busy    bool
	ticker  *time.Ticker
	cancel  context.CancelFunc
	done    chan struct{}

	// inject is called with how many seconds the channel has been silent
	// once a threshold is crossed. Replaced in tests.
	inject func(ctx context.Context, silentSeconds float64)
}

// NewThoughtLoop returns a ThoughtLoop bound to s. inject performs the
// actual generate+speak call; it must itself respect ctx cancellation.
func NewThoughtLoop(s *Session, inject func(ctx context.Context, silentSeconds float64)) *ThoughtLoop {
	return &ThoughtLoop{session: s, inject: inject}
}

// Busy reports whether the thought loop is currently mid-injection. The
// reply drivers do not consult it: they always pass ThoughtLoopBusy=false to
// the decision engine.
func (tl *ThoughtLoop) Busy() bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.busy
}

// Start begins polling at a fixed interval until ctx is cancelled or Stop is
// called.
func (tl *ThoughtLoop) Start(ctx context.Context, pollInterval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	tl.mu.Lock()
	tl.cancel = cancel
	tl.ticker = time.NewTicker(pollInterval)
	tl.done = make(chan struct{})
	ticker := tl.ticker
	done := tl.done
	tl.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				tl.tick(ctx)
			}
		}
	}()
}

// Stop halts the polling goroutine and blocks until it exits.
func (tl *ThoughtLoop) Stop() {
	tl.mu.Lock()
	cancel := tl.cancel
	done := tl.done
	tl.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (tl *ThoughtLoop) tick(ctx context.Context) {
	if tl.session.lock.ReplyInProgress() {
		return
	}
	silentSeconds := time.Since(tl.session.LastActivityAt()).Seconds()
	if silentSeconds < limits.ThoughtLoopTopicalStartSeconds {
		return
	}
	if rand.IntN(limits.MaxEagerness) >= tl.session.cfg.Eagerness {
		return
	}

	tl.mu.Lock()
	if tl.busy {
		tl.mu.Unlock()
		return
	}
	tl.busy = true
	tl.mu.Unlock()

	defer func() {
		tl.mu.Lock()
		tl.busy = false
		tl.mu.Unlock()
	}()

	if tl.inject != nil {
		tl.inject(ctx, silentSeconds)
	}
}
