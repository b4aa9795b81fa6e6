// Package observe provides application-wide observability primitives for
// Irbis: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the standard /metrics endpoint. Construct a [Metrics] with
// [NewMetrics] and inject it; callers that want metrics off can pass a
// provider from go.opentelemetry.io/otel/metric/noop.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Irbis metrics.
const meterName = "github.com/irbis-voice/irbis"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ASRDuration tracks speech recognition latency per dispatched segment.
	ASRDuration metric.Float64Histogram

	// WakeDuration tracks wake-phrase detection latency per segment.
	WakeDuration metric.Float64Histogram

	// TTSDuration tracks speech synthesis latency for spoken notifications.
	TTSDuration metric.Float64Histogram

	// DispatchDuration tracks end-to-end segment dispatch latency, from
	// emission to recognized text.
	DispatchDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// FramesProcessed counts classified audio frames by verdict. Prefer
	// [Metrics.RecordFrame], which reuses precomputed attribute sets.
	FramesProcessed metric.Int64Counter

	// VoiceSegments counts emitted segments. Use with attribute:
	//   attribute.String("reason", ...)
	VoiceSegments metric.Int64Counter

	// Notifications counts delivery attempts. Use with attributes:
	//   attribute.String("method", ...), attribute.String("status", ...)
	Notifications metric.Int64Counter

	// TimersFired counts scheduler callbacks that ran.
	TimersFired metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live audio sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveTimers tracks the number of scheduled, not yet fired timers.
	ActiveTimers metric.Int64UpDownCounter

	// QueuedNotifications tracks the notification queue depth.
	QueuedNotifications metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// Precomputed options for the frame fast path; building attribute sets
	// per frame would allocate at audio rate.
	frameVoice   metric.AddOption
	frameSilence metric.AddOption
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ASRDuration, err = m.Float64Histogram("irbis.asr.duration",
		metric.WithDescription("Latency of speech recognition per segment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.WakeDuration, err = m.Float64Histogram("irbis.wake.duration",
		metric.WithDescription("Latency of wake-phrase detection per segment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("irbis.tts.duration",
		metric.WithDescription("Latency of speech synthesis for notifications."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DispatchDuration, err = m.Float64Histogram("irbis.pipeline.dispatch.duration",
		metric.WithDescription("End-to-end segment dispatch latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("irbis.provider.requests",
		metric.WithDescription("Total provider calls by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("irbis.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.FramesProcessed, err = m.Int64Counter("irbis.vad.frames",
		metric.WithDescription("Total classified audio frames by verdict."),
	); err != nil {
		return nil, err
	}
	if met.VoiceSegments, err = m.Int64Counter("irbis.segments",
		metric.WithDescription("Total emitted voice segments by emit reason."),
	); err != nil {
		return nil, err
	}
	if met.Notifications, err = m.Int64Counter("irbis.notifications",
		metric.WithDescription("Total notification delivery attempts by method and status."),
	); err != nil {
		return nil, err
	}
	if met.TimersFired, err = m.Int64Counter("irbis.timers.fired",
		metric.WithDescription("Total scheduler callbacks that ran."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("irbis.active_sessions",
		metric.WithDescription("Number of live audio sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveTimers, err = m.Int64UpDownCounter("irbis.active_timers",
		metric.WithDescription("Number of scheduled, not yet fired timers."),
	); err != nil {
		return nil, err
	}
	if met.QueuedNotifications, err = m.Int64UpDownCounter("irbis.notifications.queued",
		metric.WithDescription("Notification queue depth."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram. Same second-scale buckets as the pipeline
	// histograms; the SDK defaults assume millisecond-valued samples.
	if met.HTTPRequestDuration, err = m.Float64Histogram("irbis.http.request.duration",
		metric.WithDescription("HTTP request latency by method, path and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	met.frameVoice = metric.WithAttributeSet(attribute.NewSet(attribute.Bool("voice", true)))
	met.frameSilence = metric.WithAttributeSet(attribute.NewSet(attribute.Bool("voice", false)))

	return met, nil
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrame counts one classified frame. Contextless so it stays cheap on
// the audio path.
func (m *Metrics) RecordFrame(voice bool) {
	opt := m.frameSilence
	if voice {
		opt = m.frameVoice
	}
	m.FramesProcessed.Add(context.Background(), 1, opt)
}

// RecordSegment counts one emitted segment with its emit reason.
func (m *Metrics) RecordSegment(reason string) {
	m.VoiceSegments.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordProviderRequest records a provider call with the standard attribute
// set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error with the standard attribute
// set.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordNotification records one delivery attempt for a notification
// method.
func (m *Metrics) RecordNotification(ctx context.Context, method, status string) {
	m.Notifications.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("status", status),
		),
	)
}
