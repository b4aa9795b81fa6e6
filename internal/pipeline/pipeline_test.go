package pipeline_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/irbis-voice/irbis/internal/metrics"
	"github.com/irbis-voice/irbis/internal/observe"
	"github.com/irbis-voice/irbis/internal/pipeline"
	"github.com/irbis-voice/irbis/pkg/audio"
	"github.com/irbis-voice/irbis/pkg/provider/asr"
	asrmock "github.com/irbis-voice/irbis/pkg/provider/asr/mock"
	"github.com/irbis-voice/irbis/pkg/provider/wake"
	wakemock "github.com/irbis-voice/irbis/pkg/provider/wake/mock"
)

// speechSegment builds a 200 ms sine segment loud enough that the
// normalization step actually rescales it, so normalized copies carry
// different bytes than the source.
func speechSegment(id string) *audio.Segment {
	const (
		rate    = 16000
		samples = 3200
		amp     = 0.3
	)
	data := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amp * math.Sin(2*math.Pi*440*float64(i)/rate)
		binary.LittleEndian.PutUint16(data[i*2:], uint16(int16(v*32767)))
	}
	return &audio.Segment{
		ID:         id,
		SampleRate: rate,
		Channels:   1,
		ChunkCount: 10,
		Combined:   data,
		Metadata:   map[string]any{},
	}
}

func directConfig() pipeline.Config {
	return pipeline.Config{
		SkipWakeWord:       true,
		Normalize:          true,
		FallbackToOriginal: true,
	}
}

func wakeConfig() pipeline.Config {
	return pipeline.Config{
		Normalize:          true,
		FallbackToOriginal: true,
	}
}

type resetRecorder struct {
	count int
}

func (r *resetRecorder) Reset() { r.count++ }

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := pipeline.New(directConfig(), nil, nil); err == nil {
		t.Error("New accepted a nil recognition provider")
	}
	if _, err := pipeline.New(wakeConfig(), &asrmock.Provider{}, nil); err == nil {
		t.Error("New accepted wake-gated mode without a wake provider")
	}
	if _, err := pipeline.New(directConfig(), &asrmock.Provider{}, nil); err != nil {
		t.Errorf("New in direct mode without wake provider: %v", err)
	}
}

func TestDirectModeTranscribes(t *testing.T) {
	t.Parallel()

	asrP := &asrmock.Provider{
		Results: []asr.Result{{Text: "включи свет на кухне", Confidence: 0.93}},
	}
	obs, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	cfg := directConfig()
	cfg.Normalize = false
	d, err := pipeline.New(cfg, asrP, nil, pipeline.WithObserve(obs))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	seg := speechSegment("direct-1")
	res := d.DispatchSegment(context.Background(), seg)

	if res.Type != pipeline.ResultTranscript {
		t.Fatalf("result type = %v, want transcript", res.Type)
	}
	if res.Text != "включи свет на кухне" {
		t.Errorf("text = %q", res.Text)
	}
	if res.Confidence != 0.93 {
		t.Errorf("confidence = %v, want 0.93", res.Confidence)
	}
	if res.Method != pipeline.MethodOriginal {
		t.Errorf("method = %q, want %q", res.Method, pipeline.MethodOriginal)
	}
	if res.Segment != seg {
		t.Error("result does not reference the dispatched segment")
	}
	if res.Elapsed < 0 {
		t.Errorf("elapsed = %v, want non-negative", res.Elapsed)
	}
	if got := asrP.TranscribeCallCount(); got != 1 {
		t.Errorf("transcribe calls = %d, want 1", got)
	}
	if !d.Awake() {
		t.Error("direct mode must always report awake")
	}
}

func TestWakeGatedFlow(t *testing.T) {
	t.Parallel()

	asrP := &asrmock.Provider{
		Results: []asr.Result{{Text: "сколько времени", Confidence: 0.88}},
	}
	wakeP := &wakemock.Provider{
		Detections: []wake.Detection{
			{},
			{Detected: true, Confidence: 0.87, WakeWord: "ирбис"},
		},
	}
	col := metrics.New(metrics.Config{})
	reset := &resetRecorder{}
	d, err := pipeline.New(wakeConfig(), asrP, wakeP,
		pipeline.WithCollector(col), pipeline.WithBufferReset(reset))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	t.Run("asleep segment without wake phrase is ignored", func(t *testing.T) {
		res := d.DispatchSegment(ctx, speechSegment("s1"))
		if res.Type != pipeline.ResultIgnored {
			t.Fatalf("result type = %v, want ignored", res.Type)
		}
		if asrP.TranscribeCallCount() != 0 {
			t.Error("recognition ran while asleep")
		}
		if d.Awake() {
			t.Error("session woke without a detection")
		}
	})

	t.Run("wake segment is consumed", func(t *testing.T) {
		res := d.DispatchSegment(ctx, speechSegment("s2"))
		if res.Type != pipeline.ResultWake {
			t.Fatalf("result type = %v, want wake", res.Type)
		}
		if res.WakeWord != "ирбис" || res.Confidence != 0.87 {
			t.Errorf("detection = %q/%v, want ирбис/0.87", res.WakeWord, res.Confidence)
		}
		if asrP.TranscribeCallCount() != 0 {
			t.Error("the waking segment must never reach recognition")
		}
		if reset.count != 1 {
			t.Errorf("buffer resets = %d, want 1", reset.count)
		}
		if !d.Awake() {
			t.Error("session still asleep after detection")
		}
	})

	t.Run("next segment is recognized and completes the exchange", func(t *testing.T) {
		res := d.DispatchSegment(ctx, speechSegment("s3"))
		if res.Type != pipeline.ResultTranscript {
			t.Fatalf("result type = %v, want transcript", res.Type)
		}
		if res.Text != "сколько времени" {
			t.Errorf("text = %q", res.Text)
		}
		if res.Method != pipeline.MethodNormalized {
			t.Errorf("method = %q, want %q", res.Method, pipeline.MethodNormalized)
		}
		if wakeP.DetectCallCount() != 2 {
			t.Errorf("wake calls = %d, want 2", wakeP.DetectCallCount())
		}
		if d.Awake() {
			t.Error("session must sleep again after a recognized command")
		}
	})

	t.Run("following segment goes back through wake detection", func(t *testing.T) {
		res := d.DispatchSegment(ctx, speechSegment("s4"))
		if res.Type != pipeline.ResultIgnored {
			t.Fatalf("result type = %v, want ignored", res.Type)
		}
		if wakeP.DetectCallCount() != 3 {
			t.Errorf("wake calls = %d, want 3", wakeP.DetectCallCount())
		}
		if asrP.TranscribeCallCount() != 1 {
			t.Errorf("transcribe calls = %d, want 1", asrP.TranscribeCallCount())
		}
	})

	comp := col.Components()["pipeline"]
	if comp["wake_detections"] != 1 {
		t.Errorf("wake_detections = %v, want 1", comp["wake_detections"])
	}
	if comp["segments_ignored"] != 2 {
		t.Errorf("segments_ignored = %v, want 2", comp["segments_ignored"])
	}
	if comp["asr_dispatches"] != 1 {
		t.Errorf("asr_dispatches = %v, want 1", comp["asr_dispatches"])
	}
}

func TestNormalizedThenFallback(t *testing.T) {
	t.Parallel()

	asrP := &asrmock.Provider{
		Results: []asr.Result{
			{Text: ""},
			{Text: "turn on the light", Confidence: 0.81},
		},
	}
	d, err := pipeline.New(directConfig(), asrP, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	seg := speechSegment("fb-1")
	res := d.DispatchSegment(context.Background(), seg)

	if res.Type != pipeline.ResultTranscript {
		t.Fatalf("result type = %v, want transcript", res.Type)
	}
	if res.Text != "turn on the light" {
		t.Errorf("text = %q", res.Text)
	}
	if res.Method != pipeline.MethodFallbackOriginal {
		t.Errorf("method = %q, want %q", res.Method, pipeline.MethodFallbackOriginal)
	}
	if got := asrP.TranscribeCallCount(); got != 2 {
		t.Fatalf("transcribe calls = %d, want 2", got)
	}

	first := asrP.TranscribeCalls[0].Segment
	second := asrP.TranscribeCalls[1].Segment
	if !first.Normalized() {
		t.Error("first attempt did not use the normalized copy")
	}
	if bytes.Equal(first.Combined, seg.Combined) {
		t.Error("normalized copy carries the source bytes unchanged")
	}
	if second != seg {
		t.Error("fallback attempt must reuse the original segment")
	}
	if second.Normalized() {
		t.Error("original segment was flagged as normalized")
	}
}

func TestNormalizedEmptyWithoutFallback(t *testing.T) {
	t.Parallel()

	asrP := &asrmock.Provider{}
	cfg := directConfig()
	cfg.FallbackToOriginal = false
	d, err := pipeline.New(cfg, asrP, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res := d.DispatchSegment(context.Background(), speechSegment("nf-1"))
	if res.Type != pipeline.ResultTranscript {
		t.Fatalf("result type = %v, want transcript", res.Type)
	}
	if res.Text != "" {
		t.Errorf("text = %q, want empty", res.Text)
	}
	if res.Method != pipeline.MethodNormalized {
		t.Errorf("method = %q, want %q", res.Method, pipeline.MethodNormalized)
	}
	if got := asrP.TranscribeCallCount(); got != 1 {
		t.Errorf("transcribe calls = %d, want 1", got)
	}
}

func TestASRErrorResetsProviderState(t *testing.T) {
	t.Parallel()

	errModel := errors.New("model crashed")
	asrP := &asrmock.Provider{
		TranscribeErr: errModel,
		Results:       []asr.Result{{Text: "all good now", Confidence: 0.9}},
	}
	col := metrics.New(metrics.Config{})
	d, err := pipeline.New(directConfig(), asrP, nil, pipeline.WithCollector(col))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	res := d.DispatchSegment(ctx, speechSegment("err-1"))
	if res.Type != pipeline.ResultError {
		t.Fatalf("result type = %v, want error", res.Type)
	}
	if !errors.Is(res.Err, errModel) {
		t.Errorf("err = %v, want wrapped %v", res.Err, errModel)
	}
	if res.Method != pipeline.MethodNormalized {
		t.Errorf("method = %q, want %q", res.Method, pipeline.MethodNormalized)
	}
	if asrP.ResetStateCount != 1 {
		t.Errorf("reset state calls = %d, want 1", asrP.ResetStateCount)
	}

	// The session survives a provider failure.
	asrP.TranscribeErr = nil
	res = d.DispatchSegment(ctx, speechSegment("err-2"))
	if res.Type != pipeline.ResultTranscript || res.Text != "all good now" {
		t.Errorf("after recovery: type = %v, text = %q", res.Type, res.Text)
	}
}

func TestWakeErrorSurfaces(t *testing.T) {
	t.Parallel()

	errDetect := errors.New("detector offline")
	wakeP := &wakemock.Provider{DetectErr: errDetect}
	d, err := pipeline.New(wakeConfig(), &asrmock.Provider{}, wakeP)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res := d.DispatchSegment(context.Background(), speechSegment("werr-1"))
	if res.Type != pipeline.ResultError {
		t.Fatalf("result type = %v, want error", res.Type)
	}
	if !errors.Is(res.Err, errDetect) {
		t.Errorf("err = %v, want wrapped %v", res.Err, errDetect)
	}
	if d.Awake() {
		t.Error("session woke on a failed detection")
	}
}

func TestProviderTimeout(t *testing.T) {
	t.Parallel()

	asrP := &asrmock.Provider{
		TranscribeFn: func(ctx context.Context, _ *audio.Segment, _ string) (asr.Result, error) {
			<-ctx.Done()
			return asr.Result{}, ctx.Err()
		},
	}
	col := metrics.New(metrics.Config{})
	cfg := directConfig()
	cfg.ProviderTimeout = 10 * time.Millisecond
	d, err := pipeline.New(cfg, asrP, nil, pipeline.WithCollector(col))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res := d.DispatchSegment(context.Background(), speechSegment("to-1"))
	if res.Type != pipeline.ResultError {
		t.Fatalf("result type = %v, want error", res.Type)
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", res.Err)
	}
	if asrP.ResetStateCount != 1 {
		t.Errorf("reset state calls = %d, want 1", asrP.ResetStateCount)
	}
	if got := col.Components()["pipeline"]["provider_timeouts"]; got != 1 {
		t.Errorf("provider_timeouts = %v, want 1", got)
	}
}

func TestSerializesNonThreadSafeProvider(t *testing.T) {
	t.Parallel()

	var inFlight, overlaps atomic.Int32
	asrP := &asrmock.Provider{
		TranscribeFn: func(context.Context, *audio.Segment, string) (asr.Result, error) {
			if inFlight.Add(1) > 1 {
				overlaps.Add(1)
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
			return asr.Result{Text: "ok"}, nil
		},
	}
	cfg := directConfig()
	cfg.Normalize = false
	d, err := pipeline.New(cfg, asrP, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			d.DispatchSegment(context.Background(), speechSegment(fmt.Sprintf("par-%d", n)))
		}(i)
	}
	wg.Wait()

	if got := overlaps.Load(); got != 0 {
		t.Errorf("observed %d overlapping calls into a provider without thread safety", got)
	}
	if got := asrP.TranscribeCallCount(); got != 8 {
		t.Errorf("transcribe calls = %d, want 8", got)
	}
}
