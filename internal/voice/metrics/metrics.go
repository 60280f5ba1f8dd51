// Package metrics provides the OpenTelemetry instruments the voice session
// core records against: per-stage latency histograms, turn/barge-in/drop
// counters, and live-session gauges.
package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/parleyvoice/parley/voice"

var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics holds every OpenTelemetry instrument the voice session core
// records against. All fields are safe for concurrent use.
type Metrics struct {
	CaptureDuration   metric.Float64Histogram
	ASRDuration       metric.Float64Histogram
	LLMDuration       metric.Float64Histogram
	TTSDuration       metric.Float64Histogram
	ReplyLatency      metric.Float64Histogram

	TurnsAccepted    metric.Int64Counter
	TurnsDropped     metric.Int64Counter
	SilenceGateDrops metric.Int64Counter
	BargeIns         metric.Int64Counter
	ProviderErrors   metric.Int64Counter

	ActiveSessions     metric.Int64UpDownCounter
	ActiveCaptures     metric.Int64UpDownCounter
	PlaybackQueuedBytes metric.Int64UpDownCounter
}

// New creates a fully initialized Metrics using mp. Returns an error if any
// instrument creation fails.
func New(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	if met.CaptureDuration, err = m.Float64Histogram("parley.voice.capture.duration",
		metric.WithDescription("Duration of finalized speaker captures."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ASRDuration, err = m.Float64Histogram("parley.voice.asr.duration",
		metric.WithDescription("Latency of STT-pipeline transcription calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("parley.voice.llm.duration",
		metric.WithDescription("Latency of generateVoiceTurn calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("parley.voice.tts.duration",
		metric.WithDescription("Latency of synthesizeSpeech calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReplyLatency, err = m.Float64Histogram("parley.voice.reply.latency",
		metric.WithDescription("End-to-end latency from turn dequeue to first playback byte."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.TurnsAccepted, err = m.Int64Counter("parley.voice.turns.accepted",
		metric.WithDescription("Turns accepted into a turn queue, by kind."),
	); err != nil {
		return nil, err
	}
	if met.TurnsDropped, err = m.Int64Counter("parley.voice.turns.dropped",
		metric.WithDescription("Turns dropped (queue overflow or stale-skip), by kind and reason."),
	); err != nil {
		return nil, err
	}
	if met.SilenceGateDrops, err = m.Int64Counter("parley.voice.silence_gate.drops",
		metric.WithDescription("Captures dropped by the silence gate before reaching a turn queue."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("parley.voice.barge_ins",
		metric.WithDescription("Barge-in interruptions fired, by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("parley.voice.provider.errors",
		metric.WithDescription("External collaborator (ASR/LLM/TTS/realtime) errors, by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.voice.active_sessions",
		metric.WithDescription("Number of live per-guild voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCaptures, err = m.Int64UpDownCounter("parley.voice.active_captures",
		metric.WithDescription("Number of in-progress per-speaker captures across all sessions."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackQueuedBytes, err = m.Int64UpDownCounter("parley.voice.playback.queued_bytes",
		metric.WithDescription("Bytes currently buffered in playback queues across all sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// Default returns the package-level Metrics instance, creating it on first
// call from otel.GetMeterProvider. Panics if instrument creation fails.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = New(otel.GetMeterProvider())
		if err != nil {
			panic("metrics: failed to create default instruments: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordTurnAccepted increments TurnsAccepted for the given queue kind.
func (m *Metrics) RecordTurnAccepted(ctx context.Context, queueKind string) {
	m.TurnsAccepted.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queueKind)))
}

// RecordTurnDropped increments TurnsDropped for the given queue kind/reason.
func (m *Metrics) RecordTurnDropped(ctx context.Context, queueKind, reason string) {
	m.TurnsDropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queueKind),
		attribute.String("reason", reason),
	))
}

// RecordBargeIn increments BargeIns for the given outcome (e.g. "fired",
// "suppressed", "retried").
func (m *Metrics) RecordBargeIn(ctx context.Context, outcome string) {
	m.BargeIns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordProviderError increments ProviderErrors for the given provider/kind.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}
