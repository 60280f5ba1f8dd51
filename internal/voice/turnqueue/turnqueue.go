// Package turnqueue implements component F: the bounded, coalescing turn
// queues that sit between capture/ASR and the reply drivers — one for
// realtime-audio commits, one for STT-pipeline clips, and one for bot turns
// deferred while a reply is already in progress.
package turnqueue

import (
	"sync"
	"time"

	"github.com/parleyvoice/parley/internal/voice/limits"
)

// QueuedTurn is one unit of work waiting to be handed to a reply driver.
type QueuedTurn struct {
	SpeakerID   string
	SpeakerName string
	PCM         []byte
	Text        string
	EnqueuedAt  time.Time
	UpdatedAt   time.Time
}

// AudioQueue is a bounded FIFO of QueuedTurn that coalesces a newly-enqueued
// turn into the tail entry instead of growing, as long as the merge stays
// under a byte budget (and, for queues with a coalesce window, within the
// window of the tail's last update). Used for both the realtime queue
// (unwindowed — spec.md §4.F "keeps committing into the same pending turn")
// and the STT queue (windowed by STTTurnCoalesceWindowMs).
type AudioQueue struct {
	mu sync.Mutex

	items []QueuedTurn

	maxLen        int
	mergeMaxBytes int
	windowed      bool
	windowMs      int
	staleSkipMs   int
}

// NewRealtimeQueue returns the bounded realtime-turn queue (spec.md §4.F):
// unwindowed coalescing up to RealtimeTurnPendingMergeMaxBytes, bounded at
// RealtimeTurnQueueMax entries, stale-skipped past RealtimeTurnStaleSkipMs.
func NewRealtimeQueue() *AudioQueue {
	return &AudioQueue{
		maxLen:        limits.RealtimeTurnQueueMax,
		mergeMaxBytes: limits.RealtimeTurnPendingMergeMaxBytes,
		windowed:      false,
		staleSkipMs:   limits.RealtimeTurnStaleSkipMs,
	}
}

// NewSTTQueue returns the bounded STT-pipeline turn queue: coalescing is
// windowed by STTTurnCoalesceWindowMs and capped at STTTurnCoalesceMaxBytes,
// bounded at STTTurnQueueMax entries, stale-skipped past STTTurnStaleSkipMs.
func NewSTTQueue() *AudioQueue {
	return &AudioQueue{
		maxLen:        limits.STTTurnQueueMax,
		mergeMaxBytes: limits.STTTurnCoalesceMaxBytes,
		windowed:      true,
		windowMs:      limits.STTTurnCoalesceWindowMs,
		staleSkipMs:   limits.STTTurnStaleSkipMs,
	}
}

// Enqueue adds t to the queue, merging it into the tail entry when the
// coalescing rule permits, and reports whether the turn was accepted — it is
// refused only when coalescing does not apply and the queue is already at
// its bound.
func (q *AudioQueue) Enqueue(t QueuedTurn, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) > 0 {
		tail := &q.items[len(q.items)-1]
		withinWindow := !q.windowed || now.Sub(tail.UpdatedAt) <= limits.DurationMs(q.windowMs)
		if withinWindow && len(tail.PCM)+len(t.PCM) <= q.mergeMaxBytes {
			tail.PCM = append(tail.PCM, t.PCM...)
			tail.UpdatedAt = now
			if t.Text != "" {
				tail.Text += t.Text
			}
			return true
		}
	}

	if len(q.items) >= q.maxLen {
		return false
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.EnqueuedAt
	}
	q.items = append(q.items, t)
	return true
}

// Dequeue pops the head of the queue, skipping (and discarding) any entry
// whose age has reached the queue's stale-skip threshold while at least one
// more entry waits behind it; the last queued entry is returned however old
// it is. It returns the entry, whether one was found, and how many were
// skipped.
func (q *AudioQueue) Dequeue(now time.Time) (turn QueuedTurn, ok bool, skipped int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) > 0 {
		head := q.items[0]
		q.items = q.items[1:]
		if q.staleSkipMs > 0 && len(q.items) > 0 && now.Sub(head.EnqueuedAt) >= limits.DurationMs(q.staleSkipMs) {
			skipped++
			continue
		}
		return head, true, skipped
	}
	return QueuedTurn{}, false, skipped
}

// Len reports the number of entries currently queued.
func (q *AudioQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DeferredQueue holds bot turns deferred while a reply was already in
// progress, flushing them in coalesced batches of at most
// BotTurnDeferredCoalesceMax entries after a debounce delay
// (spec.md §4.F "deferred bot turn" flow).
type DeferredQueue struct {
	mu      sync.Mutex
	items   []QueuedTurn
	timer   *time.Timer
	onFlush func([]QueuedTurn)
}

// NewDeferredQueue returns an empty DeferredQueue; onFlush is invoked with
// each coalesced batch. The batches of one flush are delivered one after
// another, but a flush armed by a later Enqueue can start while an earlier
// flush's onFlush is still running.
func NewDeferredQueue(onFlush func([]QueuedTurn)) *DeferredQueue {
	return &DeferredQueue{onFlush: onFlush}
}

// Enqueue appends t and (re)arms the debounce timer. Reports false if the
// queue is already at BotTurnDeferredQueueMax.
func (d *DeferredQueue) Enqueue(t QueuedTurn) bool {
	d.mu.Lock()
	if len(d.items) >= limits.BotTurnDeferredQueueMax {
		d.mu.Unlock()
		return false
	}
	d.items = append(d.items, t)
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(limits.DurationMs(limits.BotTurnDeferredFlushDelayMs), d.flush)
	d.mu.Unlock()
	return true
}

// flush emits queued entries in batches of at most BotTurnDeferredCoalesceMax
// until the queue is drained.
func (d *DeferredQueue) flush() {
	for {
		d.mu.Lock()
		if len(d.items) == 0 {
			d.mu.Unlock()
			return
		}
		n := min(limits.BotTurnDeferredCoalesceMax, len(d.items))
		batch := make([]QueuedTurn, n)
		copy(batch, d.items[:n])
		d.items = d.items[n:]
		d.mu.Unlock()

		if d.onFlush != nil {
			d.onFlush(batch)
		}
	}
}

// Len reports the number of entries currently queued awaiting flush.
func (d *DeferredQueue) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// CancelPendingFlush stops the debounce timer without discarding queued
// items, used when the session is tearing down.
func (d *DeferredQueue) CancelPendingFlush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
