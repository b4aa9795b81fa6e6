// Package pipeline dispatches emitted voice segments to wake-word and
// speech-recognition providers.
//
// A Dispatcher serves one audio session. Callers hand it segments in
// arrival order; DispatchSegment is synchronous, so ordering is whatever
// the caller's goroutine delivers. Concurrent calls are permitted, but a
// provider that does not declare itself thread-safe is serialized
// internally regardless of how many goroutines dispatch.
//
// In wake-gated mode the session sleeps until a segment carries the wake
// phrase. The waking segment is consumed, upstream segmentation state is
// reset so the activation audio cannot leak into the next utterance, and
// the session stays awake until one recognition yields text or the idle
// window elapses.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/irbis-voice/irbis/internal/metrics"
	"github.com/irbis-voice/irbis/internal/observe"
	"github.com/irbis-voice/irbis/internal/segmenter"
	"github.com/irbis-voice/irbis/pkg/audio"
	"github.com/irbis-voice/irbis/pkg/provider/asr"
	"github.com/irbis-voice/irbis/pkg/provider/wake"
)

// Audio processing methods recorded on transcription results.
const (
	MethodNormalized       = "normalized"
	MethodFallbackOriginal = "fallback_original"
	MethodOriginal         = "original"
)

// ResultType classifies what a dispatch produced.
type ResultType int

const (
	// ResultIgnored means the segment was consumed without effect: the
	// session was asleep and the segment carried no wake phrase.
	ResultIgnored ResultType = iota

	// ResultWake means the segment woke the session. The segment itself is
	// consumed and never transcribed.
	ResultWake

	// ResultTranscript means the segment was recognized. Text may still be
	// empty when the recognizer heard nothing.
	ResultTranscript

	// ResultError means a provider call failed. The session survives and
	// the next segment is processed normally.
	ResultError
)

// String returns the wire name of the result type.
func (t ResultType) String() string {
	switch t {
	case ResultIgnored:
		return "ignored"
	case ResultWake:
		return "wake"
	case ResultTranscript:
		return "transcript"
	case ResultError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is the structured outcome of dispatching one segment.
type Result struct {
	Type       ResultType
	Text       string
	Confidence float64

	// Method is the audio processing method behind a transcript:
	// MethodNormalized, MethodFallbackOriginal or MethodOriginal.
	Method string

	// WakeWord names the phrase that matched, for wake results.
	WakeWord string

	Err     error
	Segment *audio.Segment
	Elapsed time.Duration
}

// Config carries dispatch tunables. Durations fall back to defaults when
// non-positive; a zero IdleTimeout disables the idle return to sleep.
type Config struct {
	// SkipWakeWord sends every segment straight to recognition.
	SkipWakeWord bool

	// Normalize transcribes an RMS-normalized copy first.
	Normalize bool

	// FallbackToOriginal retries the raw segment when the normalized copy
	// yields no text.
	FallbackToOriginal bool

	// TargetRMS for normalization; zero means segmenter.DefaultTargetRMS.
	TargetRMS float64

	// Language hint forwarded to recognition; empty means auto-detect.
	Language string

	// ProviderTimeout bounds every provider call.
	ProviderTimeout time.Duration

	// IdleTimeout returns an awake session to sleep after this much time
	// without a dispatched segment. Zero keeps it awake until one
	// recognition yields text.
	IdleTimeout time.Duration

	// ASRName and WakeName label provider telemetry.
	ASRName  string
	WakeName string
}

func (c Config) withDefaults() Config {
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 15 * time.Second
	}
	if c.IdleTimeout < 0 {
		c.IdleTimeout = 0
	}
	if c.ASRName == "" {
		c.ASRName = "asr"
	}
	if c.WakeName == "" {
		c.WakeName = "wake"
	}
	return c
}

// BufferResetter clears upstream segmentation state when the session
// wakes. The segmenter's Processor satisfies it.
type BufferResetter interface{ Reset() }

var _ BufferResetter = (*segmenter.Processor)(nil)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithCollector wires the runtime metrics collector.
func WithCollector(c *metrics.Collector) Option {
	return func(d *Dispatcher) { d.col = c }
}

// WithObserve wires OpenTelemetry instruments.
func WithObserve(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.obs = m }
}

// WithBufferReset registers upstream state to clear on wake detection.
func WithBufferReset(r BufferResetter) Option {
	return func(d *Dispatcher) { d.reset = r }
}

// Dispatcher routes segments for one session.
type Dispatcher struct {
	cfg   Config
	asr   asr.Provider
	wake  wake.Provider
	col   *metrics.Collector
	obs   *observe.Metrics
	reset BufferResetter

	// Serialization for providers that are not thread-safe.
	asrGate  *gate
	wakeGate *gate

	mu       sync.Mutex
	awake    bool
	activity time.Time

	now func() time.Time
}

// New builds a dispatcher over the given providers. wakeProvider may be
// nil only when cfg.SkipWakeWord is true.
func New(cfg Config, asrProvider asr.Provider, wakeProvider wake.Provider, opts ...Option) (*Dispatcher, error) {
	if asrProvider == nil {
		return nil, errors.New("pipeline: nil asr provider")
	}
	if wakeProvider == nil && !cfg.SkipWakeWord {
		return nil, errors.New("pipeline: wake-gated mode requires a wake provider")
	}
	d := &Dispatcher{
		cfg:  cfg.withDefaults(),
		asr:  asrProvider,
		wake: wakeProvider,
		now:  time.Now,
	}
	d.asrGate = newGate(asrProvider.Capabilities().ThreadSafe)
	if wakeProvider != nil {
		d.wakeGate = newGate(wakeProvider.Capabilities().ThreadSafe)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Awake reports whether the session is currently listening for commands.
// Always true in direct mode.
func (d *Dispatcher) Awake() bool {
	if d.cfg.SkipWakeWord {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.awakeLocked()
}

// DispatchSegment routes one segment according to the session mode and
// returns the structured outcome. Safe for concurrent use; providers not
// declared thread-safe are serialized internally.
func (d *Dispatcher) DispatchSegment(ctx context.Context, seg *audio.Segment) Result {
	start := d.now()

	ctx, span := observe.StartSpan(ctx, "pipeline.DispatchSegment",
		trace.WithAttributes(
			attribute.String("segment.id", seg.ID),
			attribute.Int("segment.chunks", seg.ChunkCount),
			attribute.Float64("segment.duration_s", seg.Duration().Seconds()),
			attribute.Bool("skip_wake_word", d.cfg.SkipWakeWord),
		))
	defer span.End()

	res := d.route(ctx, seg)
	res.Segment = seg
	res.Elapsed = d.now().Sub(start)

	span.SetAttributes(attribute.String("result.type", res.Type.String()))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	if d.obs != nil {
		d.obs.DispatchDuration.Record(ctx, res.Elapsed.Seconds())
	}
	return res
}

func (d *Dispatcher) route(ctx context.Context, seg *audio.Segment) Result {
	if d.cfg.SkipWakeWord {
		return d.transcribe(ctx, seg)
	}

	d.mu.Lock()
	awake := d.awakeLocked()
	d.mu.Unlock()

	if !awake {
		return d.tryWake(ctx, seg)
	}
	res := d.transcribe(ctx, seg)

	d.mu.Lock()
	d.activity = d.now()
	if res.Type == ResultTranscript && res.Text != "" {
		// One successful recognition completes the exchange.
		d.awake = false
	}
	d.mu.Unlock()
	return res
}

// tryWake scans an asleep session's segment for the wake phrase.
func (d *Dispatcher) tryWake(ctx context.Context, seg *audio.Segment) Result {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.ProviderTimeout)
	defer cancel()

	start := d.now()
	d.wakeGate.enter()
	det, err := d.wake.Detect(callCtx, seg)
	d.wakeGate.leave()
	elapsed := d.now().Sub(start)

	if d.obs != nil {
		d.obs.WakeDuration.Record(ctx, elapsed.Seconds())
		status := "ok"
		if err != nil {
			status = "error"
		}
		d.obs.RecordProviderRequest(ctx, d.cfg.WakeName, "wake", status)
	}
	if err != nil {
		d.noteProviderFailure(ctx, d.cfg.WakeName, "wake", err)
		return Result{Type: ResultError, Err: fmt.Errorf("pipeline: wake detect: %w", err)}
	}
	if !det.Detected {
		d.addComponentMetric("segments_ignored", 1)
		return Result{Type: ResultIgnored}
	}

	d.mu.Lock()
	d.awake = true
	d.activity = d.now()
	d.mu.Unlock()
	if d.reset != nil {
		// The wake phrase is consumed; its audio must not replay into the
		// next utterance.
		d.reset.Reset()
	}
	d.addComponentMetric("wake_detections", 1)
	slog.Info("pipeline: session awake",
		"wake_word", det.WakeWord, "confidence", det.Confidence)
	return Result{Type: ResultWake, Confidence: det.Confidence, WakeWord: det.WakeWord}
}

// transcribe applies the recognition policy: normalized copy first, then
// the original when the normalized pass hears nothing.
func (d *Dispatcher) transcribe(ctx context.Context, seg *audio.Segment) Result {
	if !d.cfg.Normalize {
		res, err := d.callASR(ctx, seg)
		if err != nil {
			return d.asrFailure(ctx, MethodOriginal, err)
		}
		d.addComponentMetric("asr_dispatches", 1)
		return Result{Type: ResultTranscript, Text: res.Text, Confidence: res.Confidence, Method: MethodOriginal}
	}

	normalized := segmenter.NormalizeForASR(seg, d.cfg.TargetRMS)
	res, err := d.callASR(ctx, normalized)
	if err != nil {
		return d.asrFailure(ctx, MethodNormalized, err)
	}
	if res.Text != "" || !d.cfg.FallbackToOriginal {
		d.addComponentMetric("asr_dispatches", 1)
		return Result{Type: ResultTranscript, Text: res.Text, Confidence: res.Confidence, Method: MethodNormalized}
	}

	// The normalized copy produced nothing; retry with the untouched audio.
	d.addComponentMetric("asr_fallbacks", 1)
	res, err = d.callASR(ctx, seg)
	if err != nil {
		return d.asrFailure(ctx, MethodFallbackOriginal, err)
	}
	d.addComponentMetric("asr_dispatches", 1)
	return Result{Type: ResultTranscript, Text: res.Text, Confidence: res.Confidence, Method: MethodFallbackOriginal}
}

func (d *Dispatcher) callASR(ctx context.Context, seg *audio.Segment) (asr.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.ProviderTimeout)
	defer cancel()

	start := d.now()
	d.asrGate.enter()
	res, err := d.asr.Transcribe(callCtx, seg, d.cfg.Language)
	d.asrGate.leave()
	elapsed := d.now().Sub(start)

	if d.obs != nil {
		d.obs.ASRDuration.Record(ctx, elapsed.Seconds())
		status := "ok"
		if err != nil {
			status = "error"
		}
		d.obs.RecordProviderRequest(ctx, d.cfg.ASRName, "asr", status)
	}
	return res, err
}

// asrFailure resets recognizer state and wraps the error. The session
// remains usable for the next segment.
func (d *Dispatcher) asrFailure(ctx context.Context, method string, err error) Result {
	d.asr.ResetState()
	d.noteProviderFailure(ctx, d.cfg.ASRName, "asr", err)
	return Result{
		Type:   ResultError,
		Method: method,
		Err:    fmt.Errorf("pipeline: asr transcribe (%s): %w", method, err),
	}
}

func (d *Dispatcher) noteProviderFailure(ctx context.Context, name, kind string, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		d.addComponentMetric("provider_timeouts", 1)
	}
	if d.obs != nil {
		d.obs.RecordProviderError(ctx, name, kind)
	}
	slog.Warn("pipeline: provider call failed", "provider", name, "kind", kind, "error", err)
}

func (d *Dispatcher) addComponentMetric(name string, v float64) {
	if d.col != nil {
		d.col.RecordComponentMetric("pipeline", name, v)
	}
}

// awakeLocked applies the idle timeout lazily. Callers hold the lock.
func (d *Dispatcher) awakeLocked() bool {
	if d.awake && d.cfg.IdleTimeout > 0 && d.now().Sub(d.activity) > d.cfg.IdleTimeout {
		d.awake = false
		slog.Debug("pipeline: session idle, back to sleep")
	}
	return d.awake
}

// gate serializes calls to a provider unless it declared thread safety.
type gate struct {
	ch chan struct{}
}

func newGate(threadSafe bool) *gate {
	g := &gate{}
	if !threadSafe {
		g.ch = make(chan struct{}, 1)
	}
	return g
}

func (g *gate) enter() {
	if g.ch != nil {
		g.ch <- struct{}{}
	}
}

func (g *gate) leave() {
	if g.ch != nil {
		<-g.ch
	}
}
