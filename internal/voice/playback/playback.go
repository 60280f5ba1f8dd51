// Package playback implements the per-session outbound PCM queue: component D.
// It buffers synthesized/realtime audio as 48kHz stereo16 PCM and pumps it to
// a contracts.Connection at a fixed frame cadence, with watermark-based
// back-pressure and an immediate Clear for barge-in.
package playback

import (
	"context"
	"sync"
	"time"

	"github.com/parleyvoice/parley/internal/voice/limits"
)

const bytesPerFrameStereo16 = 4 // 2 channels * 2 bytes/sample

// Queue is a FIFO byte buffer of outbound 48kHz stereo16 PCM.
type Queue struct {
	mu   sync.Mutex
	buf  []byte

	lastWarnAt time.Time
	onWarn     func(queuedBytes int)
}

// New creates an empty Queue. onWarn, if non-nil, is invoked (throttled by
// limits.WarnCooldownMs) whenever the queue crosses limits.PlaybackQueueWarnBytes.
func New(onWarn func(queuedBytes int)) *Queue {
	return &Queue{onWarn: onWarn}
}

// Enqueue appends pcm to the queue. It reports false and drops pcm entirely
// if doing so would exceed limits.PlaybackQueueHardMaxBytes — the hard
// watermark is a refusal, not a partial write, so playback never emits a
// truncated utterance.
func (q *Queue) Enqueue(pcm []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.buf)+len(pcm) > limits.PlaybackQueueHardMaxBytes {
		return false
	}
	q.buf = append(q.buf, pcm...)

	if len(q.buf) >= limits.PlaybackQueueWarnBytes && q.onWarn != nil {
		now := time.Now()
		if now.Sub(q.lastWarnAt) >= limits.DurationMs(limits.WarnCooldownMs) {
			q.lastWarnAt = now
			q.onWarn(len(q.buf))
		}
	}
	return true
}

// QueuedBytes reports the number of bytes currently buffered.
func (q *Queue) QueuedBytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// QueuedDurationMs estimates the playback duration of the buffered audio at
// 48kHz stereo16.
func (q *Queue) QueuedDurationMs() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return float64(len(q.buf)) / (bytesPerFrameStereo16 * 48000) * 1000
}

// Clear discards all buffered audio immediately and returns the number of
// bytes dropped — used when a barge-in interrupts the current reply.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.buf)
	q.buf = nil
	return n
}

// take removes up to n bytes from the head of the queue.
func (q *Queue) take(n int) []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.buf) {
		n = len(q.buf)
	}
	if n == 0 {
		return nil
	}
	chunk := make([]byte, n)
	copy(chunk, q.buf[:n])
	q.buf = q.buf[n:]
	return chunk
}

// Pump drains the queue into sink in limits.PumpChunkBytes chunks, one per
// frameInterval tick, until ctx is cancelled. Empty ticks are skipped rather
// than sending zero-length frames. Pump returns ctx.Err() on cancellation.
func (q *Queue) Pump(ctx context.Context, sink chan<- []byte, frameInterval time.Duration) error {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			chunk := q.take(limits.PumpChunkBytes)
			if len(chunk) == 0 {
				continue
			}
			select {
			case sink <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
