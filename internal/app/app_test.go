package app_test

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/irbis-voice/irbis/internal/app"
	"github.com/irbis-voice/irbis/internal/config"
	"github.com/irbis-voice/irbis/internal/notify"
	"github.com/irbis-voice/irbis/internal/pipeline"
	"github.com/irbis-voice/irbis/internal/registry"
	"github.com/irbis-voice/irbis/pkg/audio"
	"github.com/irbis-voice/irbis/pkg/provider/asr"
	asrmock "github.com/irbis-voice/irbis/pkg/provider/asr/mock"
	ttsmock "github.com/irbis-voice/irbis/pkg/provider/tts/mock"
	"github.com/irbis-voice/irbis/pkg/provider/wake"
	wakemock "github.com/irbis-voice/irbis/pkg/provider/wake/mock"
)

const (
	testRate = 16000
	frameLen = 320 // 20 ms at 16 kHz
)

// testConfig returns the default config tuned for deterministic tests:
// fixed-threshold detection, short hysteresis, direct dispatch.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.VAD.UseZeroCrossingRate = false
	cfg.VAD.AdaptiveThreshold = false
	cfg.VAD.VoiceFramesRequired = 2
	cfg.VAD.SilenceFramesRequired = 3
	cfg.VAD.PreBufferFrames = 2
	cfg.Pipeline.SkipWakeWord = true
	return cfg
}

// testProviders returns providers with a scripted recognizer.
func testProviders(results ...asr.Result) *app.Providers {
	return &app.Providers{
		ASR:  &asrmock.Provider{Results: results},
		Wake: &wakemock.Provider{},
		TTS:  &ttsmock.Provider{},
	}
}

// newApp builds an App and registers its teardown.
func newApp(t *testing.T, cfg *config.Config, providers *app.Providers, opts ...app.Option) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, providers, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Shutdown(ctx)
	})
	return a
}

func silenceFrame() audio.Frame {
	return audio.Frame{Data: make([]byte, frameLen*2), SampleRate: testRate, Channels: 1, Format: audio.FormatPCM16LE}
}

func toneFrame(phase int) audio.Frame {
	data := make([]byte, frameLen*2)
	for i := 0; i < frameLen; i++ {
		v := int16(0.1 * 32767 * math.Sin(2*math.Pi*440*float64(phase+i)/testRate))
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	return audio.Frame{Data: data, SampleRate: testRate, Channels: 1, Format: audio.FormatPCM16LE}
}

// utterance builds a voice burst followed by enough silence to close the
// segment under the test hysteresis.
func utterance(voiced int) []audio.Frame {
	var frames []audio.Frame
	for i := 0; i < voiced; i++ {
		frames = append(frames, toneFrame(i*frameLen))
	}
	for i := 0; i < 6; i++ {
		frames = append(frames, silenceFrame())
	}
	return frames
}

func feed(t *testing.T, s *app.Session, frames []audio.Frame) {
	t.Helper()
	for i, f := range frames {
		if !s.Offer(f) {
			t.Fatalf("Offer rejected frame %d", i)
		}
	}
}

func waitResult(t *testing.T, s *app.Session) pipeline.Result {
	t.Helper()
	select {
	case res, ok := <-s.Results():
		if !ok {
			t.Fatal("results channel closed before a result arrived")
		}
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no result within 2s")
	}
	return pipeline.Result{}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNew_BuildsSubsystems(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(), testProviders())

	if a.Registry() == nil {
		t.Error("Registry() is nil")
	}
	if a.Contexts() == nil {
		t.Error("Contexts() is nil")
	}
	if a.Resolver() == nil {
		t.Error("Resolver() is nil")
	}
	if a.Notifier() == nil {
		t.Error("Notifier() is nil")
	}
	if a.Scheduler() == nil {
		t.Error("Scheduler() is nil")
	}
	if a.Collector() == nil {
		t.Error("Collector() is nil with metrics enabled")
	}
}

func TestNew_NilConfig(t *testing.T) {
	t.Parallel()

	if _, err := app.New(context.Background(), nil, testProviders()); err == nil {
		t.Fatal("New accepted a nil config")
	}
}

func TestNew_MetricsDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Monitoring.MetricsEnabled = false
	a := newApp(t, cfg, testProviders(asr.Result{Text: "ок"}))

	if a.Collector() != nil {
		t.Error("Collector() is non-nil with metrics disabled")
	}
	sess, err := a.StartSession("living-room")
	if err != nil {
		t.Fatalf("StartSession without metrics: %v", err)
	}
	defer sess.Cancel()
	feed(t, sess, utterance(5))
	if res := waitResult(t, sess); res.Type != pipeline.ResultTranscript {
		t.Errorf("result type = %v, want transcript", res.Type)
	}
}

func TestStartSession_Validation(t *testing.T) {
	t.Parallel()

	t.Run("empty id", func(t *testing.T) {
		t.Parallel()
		a := newApp(t, testConfig(), testProviders())
		if _, err := a.StartSession(""); err == nil {
			t.Fatal("StartSession accepted an empty id")
		}
	})

	t.Run("voice disabled", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.VAD.Enabled = false
		a := newApp(t, cfg, testProviders())
		if _, err := a.StartSession("s1"); !errors.Is(err, app.ErrVoiceDisabled) {
			t.Fatalf("StartSession error = %v, want ErrVoiceDisabled", err)
		}
	})

	t.Run("duplicate id", func(t *testing.T) {
		t.Parallel()
		a := newApp(t, testConfig(), testProviders())
		sess, err := a.StartSession("s1")
		if err != nil {
			t.Fatalf("StartSession: %v", err)
		}
		defer sess.Cancel()
		if _, err := a.StartSession("s1"); err == nil {
			t.Fatal("StartSession accepted a duplicate id")
		}
		if got := a.SessionCount(); got != 1 {
			t.Errorf("SessionCount = %d, want 1", got)
		}
	})

	t.Run("missing recognizer", func(t *testing.T) {
		t.Parallel()
		a := newApp(t, testConfig(), &app.Providers{})
		if _, err := a.StartSession("s1"); err == nil {
			t.Fatal("StartSession accepted a nil recognition provider")
		}
	})
}

func TestSession_RecognizesUtterance(t *testing.T) {
	t.Parallel()

	providers := testProviders(asr.Result{Text: "включи свет", Confidence: 0.93})
	a := newApp(t, testConfig(), providers)

	sess, err := a.StartSession("kitchen-stream", app.WithSessionClient("esp32-kitchen"))
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	defer sess.Cancel()

	feed(t, sess, utterance(5))
	res := waitResult(t, sess)

	if res.Type != pipeline.ResultTranscript {
		t.Fatalf("result type = %v, want transcript", res.Type)
	}
	if res.Text != "включи свет" {
		t.Errorf("text = %q, want %q", res.Text, "включи свет")
	}
	if res.Confidence != 0.93 {
		t.Errorf("confidence = %v, want 0.93", res.Confidence)
	}

	asrMock := providers.ASR.(*asrmock.Provider)
	if got := asrMock.TranscribeCallCount(); got != 1 {
		t.Errorf("Transcribe calls = %d, want 1", got)
	}
	if len(asrMock.TranscribeCalls) > 0 {
		if lang := asrMock.TranscribeCalls[0].Language; lang != "ru" {
			t.Errorf("language hint = %q, want ru", lang)
		}
	}
}

func TestSession_RecordsConversation(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(), testProviders(asr.Result{Text: "какая погода", Confidence: 0.9}))

	sess, err := a.StartSession("hall")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	defer sess.Cancel()

	feed(t, sess, utterance(4))
	waitResult(t, sess)

	entries := sess.Conversation().Conversation()
	if len(entries) != 1 {
		t.Fatalf("conversation holds %d entries, want 1", len(entries))
	}
	if entries[0].Speaker != "user" || entries[0].Text != "какая погода" {
		t.Errorf("entry = %+v, want user/какая погода", entries[0])
	}
}

func TestSession_WakeGateThenCommand(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Pipeline.SkipWakeWord = false
	providers := &app.Providers{
		ASR: &asrmock.Provider{Results: []asr.Result{{Text: "выключи свет", Confidence: 0.9}}},
		Wake: &wakemock.Provider{Detections: []wake.Detection{
			{Detected: true, Confidence: 0.92, WakeWord: "ирбис"},
		}},
	}
	a := newApp(t, cfg, providers)

	sess, err := a.StartSession("bedroom")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	defer sess.Cancel()

	feed(t, sess, utterance(4))
	res := waitResult(t, sess)
	if res.Type != pipeline.ResultWake {
		t.Fatalf("first result type = %v, want wake", res.Type)
	}
	if res.WakeWord != "ирбис" {
		t.Errorf("wake word = %q, want ирбис", res.WakeWord)
	}

	feed(t, sess, utterance(4))
	res = waitResult(t, sess)
	if res.Type != pipeline.ResultTranscript {
		t.Fatalf("second result type = %v, want transcript", res.Type)
	}
	if res.Text != "выключи свет" {
		t.Errorf("text = %q, want %q", res.Text, "выключи свет")
	}
}

func TestSession_ContinuationConsumesNextUtterance(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(), testProviders(asr.Result{Text: "да, на кухне", Confidence: 0.88}))

	sess, err := a.StartSession("porch")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	defer sess.Cancel()

	got := make(chan string, 1)
	sess.Conversation().SetContinuation(func(_ context.Context, input string) error {
		got <- input
		return nil
	}, 5*time.Second)

	feed(t, sess, utterance(4))
	waitResult(t, sess)

	select {
	case input := <-got:
		if input != "да, на кухне" {
			t.Errorf("continuation input = %q, want %q", input, "да, на кухне")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("continuation was not invoked")
	}
	if sess.Conversation().HasContinuation() {
		t.Error("continuation still pending after consumption")
	}
}

func TestSession_CancelCascade(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(), testProviders(asr.Result{Text: "стоп"}))

	sess, err := a.StartSession("garage")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	feed(t, sess, utterance(4))
	waitResult(t, sess)

	sess.Cancel()
	sess.Cancel() // second call is a no-op

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after Cancel")
	}
	if _, ok := <-sess.Results(); ok {
		t.Error("results channel still open after Cancel")
	}
	if _, ok := a.Session("garage"); ok {
		t.Error("session still registered after Cancel")
	}
	if got := a.SessionCount(); got != 0 {
		t.Errorf("SessionCount = %d, want 0", got)
	}
	if sess.Offer(silenceFrame()) {
		t.Error("Offer accepted a frame after Cancel")
	}

	// The conversation context survives for reconnects; the idle sweeper
	// retires it later.
	if _, ok := a.Contexts().Get("garage"); !ok {
		t.Error("conversation context removed by Cancel")
	}
}

func TestSession_OfferNeverBlocksWhileDispatchStalls(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	providers := &app.Providers{
		ASR: &asrmock.Provider{
			TranscribeFn: func(ctx context.Context, _ *audio.Segment, _ string) (asr.Result, error) {
				select {
				case entered <- struct{}{}:
				default:
				}
				select {
				case <-release:
				case <-ctx.Done():
				}
				return asr.Result{Text: "ок"}, nil
			},
		},
		Wake: &wakemock.Provider{},
	}
	a := newApp(t, testConfig(), providers)

	sess, err := a.StartSession("attic")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	defer func() {
		close(release)
		sess.Cancel()
	}()

	// 5 voiced + 6 trailing frames; dispatch begins on the third silence
	// frame and stalls inside the recognizer, leaving 3 frames queued.
	feed(t, sess, utterance(5))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("recognizer was never entered")
	}

	// Fill the remaining queue capacity, then push two frames past it.
	// Every call must return immediately.
	extra := make([]audio.Frame, 0, 63)
	for i := 0; i < 63; i++ {
		extra = append(extra, silenceFrame())
	}
	start := time.Now()
	feed(t, sess, extra)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Offer stalled for %v with a blocked loop", elapsed)
	}

	waitFor(t, 2*time.Second, func() bool {
		return a.Collector().Components()["session"]["frames_dropped"] >= 2
	})
}

func TestApp_NotificationQuietMode(t *testing.T) {
	t.Parallel()

	providers := testProviders()
	a := newApp(t, testConfig(), providers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	a.Contexts().Session("quiet-session").SetVariable("quiet_mode", true)

	err := a.Notifier().Publish(notify.Notification{
		Type:      notify.TypeReminder,
		Title:     "Таймер",
		Message:   "Таймер на 5 минут истёк",
		Methods:   []notify.Method{notify.MethodTTS, notify.MethodLog},
		SessionID: "quiet-session",
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return a.Notifier().Pending() == 0 })

	ttsMock := providers.TTS.(*ttsmock.Provider)
	if got := ttsMock.SpeakCallCount(); got != 0 {
		t.Errorf("Speak calls = %d, want 0 for a quiet session", got)
	}

	// A session without the preference still gets spoken delivery.
	err = a.Notifier().Publish(notify.Notification{
		Type:      notify.TypeReminder,
		Title:     "Таймер",
		Message:   "Таймер на 10 минут истёк",
		Methods:   []notify.Method{notify.MethodTTS},
		SessionID: "loud-session",
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return ttsMock.SpeakCallCount() == 1 })
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(), testProviders())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if a.Scheduler().Alive() {
		t.Error("scheduler alive after Shutdown")
	}
	if err := a.Notifier().Publish(notify.Notification{Title: "x"}); !errors.Is(err, notify.ErrClosed) {
		t.Errorf("Publish after Shutdown = %v, want ErrClosed", err)
	}
}

func TestApp_ShutdownDeadline(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(), testProviders())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Shutdown with expired context = %v, want context.Canceled", err)
	}
}

func TestApp_SweepRetiresIdleState(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Monitoring.MemoryCleanupIntervalSec = 1
	cfg.Context.SessionTimeoutSec = 1
	cfg.ClientRegistry.RegistrationTimeoutSec = 1
	a := newApp(t, cfg, testProviders())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	a.Contexts().Session("ghost")
	if err := a.Registry().Register(ctx, registry.Registration{ClientID: "esp32-ghost"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		_, ok := a.Contexts().Get("ghost")
		return !ok && a.Registry().Len() == 0
	})
}

func TestApp_RetuneDetectors(t *testing.T) {
	t.Parallel()

	// A threshold far above the test tone leaves every session deaf until
	// the tuning is replaced at runtime.
	cfg := testConfig()
	cfg.VAD.EnergyThreshold = 0.5
	providers := testProviders(
		asr.Result{Text: "первый", Confidence: 0.9},
		asr.Result{Text: "второй", Confidence: 0.9},
	)
	a := newApp(t, cfg, providers)

	deaf, err := a.StartSession("retune-live")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	defer deaf.Cancel()

	tuned := cfg.VAD
	tuned.EnergyThreshold = 0.01
	a.RetuneDetectors(tuned)

	t.Run("live session adopts new tuning", func(t *testing.T) {
		feed(t, deaf, utterance(5))
		res := waitResult(t, deaf)
		if res.Type != pipeline.ResultTranscript || res.Text != "первый" {
			t.Fatalf("result = %v %q, want transcript %q", res.Type, res.Text, "первый")
		}
	})

	t.Run("new session starts with new tuning", func(t *testing.T) {
		sess, err := a.StartSession("retune-next")
		if err != nil {
			t.Fatalf("StartSession: %v", err)
		}
		defer sess.Cancel()

		feed(t, sess, utterance(5))
		res := waitResult(t, sess)
		if res.Type != pipeline.ResultTranscript || res.Text != "второй" {
			t.Fatalf("result = %v %q, want transcript %q", res.Type, res.Text, "второй")
		}
	})
}
