package turnqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/parleyvoice/parley/internal/voice/limits"
)

func TestRealtimeQueueCoalescesUnwindowed(t *testing.T) {
	q := NewRealtimeQueue()
	now := time.Now()

	q.Enqueue(QueuedTurn{SpeakerID: "a", PCM: make([]byte, 100), EnqueuedAt: now}, now)
	// Far later in time, but realtime coalescing is unwindowed — still merges.
	later := now.Add(time.Hour)
	q.Enqueue(QueuedTurn{SpeakerID: "a", PCM: make([]byte, 100), EnqueuedAt: later}, later)

	if q.Len() != 1 {
		t.Fatalf("expected coalescing to keep queue length at 1, got %d", q.Len())
	}
	turn, ok, skipped := q.Dequeue(later)
	if !ok || skipped != 0 {
		t.Fatalf("dequeue failed: ok=%v skipped=%d", ok, skipped)
	}
	if len(turn.PCM) != 200 {
		t.Fatalf("merged PCM length = %d, want 200", len(turn.PCM))
	}
}

func TestRealtimeQueueRejectsPastMergeBudget(t *testing.T) {
	q := NewRealtimeQueue()
	now := time.Now()
	q.Enqueue(QueuedTurn{SpeakerID: "a", PCM: make([]byte, limits.RealtimeTurnPendingMergeMaxBytes), EnqueuedAt: now}, now)
	q.Enqueue(QueuedTurn{SpeakerID: "a", PCM: make([]byte, 100), EnqueuedAt: now}, now)
	if q.Len() != 2 {
		t.Fatalf("expected a new entry once the merge budget is exceeded, got len %d", q.Len())
	}
}

func TestSTTQueueCoalescesOnlyWithinWindow(t *testing.T) {
	q := NewSTTQueue()
	now := time.Now()
	q.Enqueue(QueuedTurn{SpeakerID: "a", PCM: make([]byte, 10), EnqueuedAt: now}, now)

	withinWindow := now.Add(limits.DurationMs(limits.STTTurnCoalesceWindowMs) / 2)
	q.Enqueue(QueuedTurn{SpeakerID: "a", PCM: make([]byte, 10), EnqueuedAt: withinWindow}, withinWindow)
	if q.Len() != 1 {
		t.Fatalf("expected merge within the coalesce window, got len %d", q.Len())
	}

	pastWindow := withinWindow.Add(limits.DurationMs(limits.STTTurnCoalesceWindowMs) * 2)
	q.Enqueue(QueuedTurn{SpeakerID: "a", PCM: make([]byte, 10), EnqueuedAt: pastWindow}, pastWindow)
	if q.Len() != 2 {
		t.Fatalf("expected a new entry once the coalesce window has elapsed, got len %d", q.Len())
	}
}

func TestQueueBoundedAtMaxLen(t *testing.T) {
	q := NewSTTQueue()
	now := time.Now()
	for range limits.STTTurnQueueMax {
		// Space entries far enough apart that none coalesce.
		now = now.Add(time.Hour)
		if !q.Enqueue(QueuedTurn{PCM: make([]byte, 10), EnqueuedAt: now}, now) {
			t.Fatal("expected enqueue to succeed while under the bound")
		}
	}
	now = now.Add(time.Hour)
	if q.Enqueue(QueuedTurn{PCM: make([]byte, 10), EnqueuedAt: now}, now) {
		t.Fatal("expected enqueue to be refused once the queue is at its bound")
	}
}

func TestDequeueSkipsStaleEntries(t *testing.T) {
	q := NewRealtimeQueue()
	base := time.Now()
	stale := QueuedTurn{SpeakerID: "a", PCM: make([]byte, 10), EnqueuedAt: base}
	q.items = append(q.items, stale)
	fresh := QueuedTurn{SpeakerID: "b", PCM: make([]byte, 10), EnqueuedAt: base}
	q.items = append(q.items, fresh)

	now := base.Add(limits.DurationMs(limits.RealtimeTurnStaleSkipMs) + time.Millisecond)
	// Both entries are stale relative to `now`, but only the head has an
	// entry behind it: the head is skipped and the last entry is returned.
	turn, ok, skipped := q.Dequeue(now)
	if !ok || turn.SpeakerID != "b" {
		t.Fatalf("expected the last entry returned, got ok=%v speaker=%q", ok, turn.SpeakerID)
	}
	if skipped != 1 {
		t.Fatalf("skipped = %d, want 1", skipped)
	}
}

func TestDeferredQueueFlushesAfterDebounce(t *testing.T) {
	var mu sync.Mutex
	var batches [][]QueuedTurn
	d := NewDeferredQueue(func(b []QueuedTurn) {
		mu.Lock()
		batches = append(batches, b)
		mu.Unlock()
	})

	d.Enqueue(QueuedTurn{SpeakerID: "a"})
	d.Enqueue(QueuedTurn{SpeakerID: "b"})

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(batches)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected a flush after the debounce delay")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(batches[0]) != 2 {
		t.Fatalf("expected both enqueued turns in one batch, got %d", len(batches[0]))
	}
}

func TestDeferredQueueRejectsPastBound(t *testing.T) {
	d := NewDeferredQueue(func([]QueuedTurn) {})
	for range limits.BotTurnDeferredQueueMax {
		if !d.Enqueue(QueuedTurn{}) {
			t.Fatal("expected enqueue to succeed under the bound")
		}
	}
	if d.Enqueue(QueuedTurn{}) {
		t.Fatal("expected enqueue to be refused once at the bound")
	}
	d.CancelPendingFlush()
}

func TestDeferredQueueBatchesAtCoalesceMax(t *testing.T) {
	var mu sync.Mutex
	var batches [][]QueuedTurn
	d := NewDeferredQueue(func(b []QueuedTurn) {
		mu.Lock()
		batches = append(batches, b)
		mu.Unlock()
	})
	for range limits.BotTurnDeferredCoalesceMax + 2 {
		d.Enqueue(QueuedTurn{})
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		total := 0
		for _, b := range batches {
			total += len(b)
		}
		done := total == limits.BotTurnDeferredCoalesceMax+2
		mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected all enqueued turns to eventually flush")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(batches[0]) != limits.BotTurnDeferredCoalesceMax {
		t.Fatalf("expected the first batch capped at BotTurnDeferredCoalesceMax, got %d", len(batches[0]))
	}
}
