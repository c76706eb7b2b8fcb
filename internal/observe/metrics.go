// Package observe provides OpenTelemetry metrics for the voice engine.
//
// Metrics are recorded through the OTel Metrics API and exported via a
// Prometheus bridge set up by [InitProvider]. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all engine metrics.
const meterName = "github.com/ElkanHub/coauthor"

// Metrics holds all OpenTelemetry metric instruments for the engine.
// All fields are safe for concurrent use.
type Metrics struct {
	// FramesSent counts capture frames sent up the wire.
	FramesSent metric.Int64Counter

	// FramesReceived counts playback frames received from the model.
	FramesReceived metric.Int64Counter

	// FramesMuted counts capture frames discarded while muted.
	FramesMuted metric.Int64Counter

	// Interruptions counts barge-in events that cleared playback.
	Interruptions metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ToolCallDuration tracks tool execution latency.
	ToolCallDuration metric.Float64Histogram

	// PlaybackBuffered records the scheduled-but-unplayed audio duration at
	// enqueue time, the jitter buffer depth.
	PlaybackBuffered metric.Float64Histogram

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// voice-path latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesSent, err = m.Int64Counter("coauthor.audio.frames_sent",
		metric.WithDescription("Capture frames sent to the model."),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("coauthor.audio.frames_received",
		metric.WithDescription("Playback frames received from the model."),
	); err != nil {
		return nil, err
	}
	if met.FramesMuted, err = m.Int64Counter("coauthor.audio.frames_muted",
		metric.WithDescription("Capture frames discarded while muted."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("coauthor.playback.interruptions",
		metric.WithDescription("Barge-in events that cleared scheduled playback."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("coauthor.tool.calls",
		metric.WithDescription("Tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCallDuration, err = m.Float64Histogram("coauthor.tool.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackBuffered, err = m.Float64Histogram("coauthor.playback.buffered",
		metric.WithDescription("Scheduled-but-unplayed audio at enqueue time."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("coauthor.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordToolCall records one tool invocation outcome with its latency.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolCallDuration.Record(ctx, elapsed.Seconds(), attrs)
}
