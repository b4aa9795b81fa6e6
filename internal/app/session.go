package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/irbis-voice/irbis/internal/config"
	"github.com/irbis-voice/irbis/internal/convctx"
	"github.com/irbis-voice/irbis/internal/pipeline"
	"github.com/irbis-voice/irbis/internal/segmenter"
	"github.com/irbis-voice/irbis/internal/vad"
	"github.com/irbis-voice/irbis/pkg/audio"
)

const (
	// defaultFrameBuffer is the per-session frame queue length. At the
	// 32 ms recognition frame pace it holds about two seconds of audio.
	defaultFrameBuffer = 64

	// resultBuffer bounds undelivered dispatch outcomes per session.
	resultBuffer = 16
)

// ErrVoiceDisabled is returned by StartSession when the detection section
// of the config switches voice processing off.
var ErrVoiceDisabled = errors.New("app: voice detection is disabled")

// SessionOption configures one session at StartSession time.
type SessionOption func(*Session)

// WithSessionClient binds the session to a registered client id. The
// resolver uses the binding for contextual location references.
func WithSessionClient(clientID string) SessionOption {
	return func(s *Session) { s.clientID = clientID }
}

// WithSessionLanguage overrides the recognition language hint.
func WithSessionLanguage(lang string) SessionOption {
	return func(s *Session) { s.language = lang }
}

// WithFrameBuffer overrides the frame queue length.
func WithFrameBuffer(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.frameBuffer = n
		}
	}
}

// Session is one client audio stream bound to its own detection,
// segmentation and dispatch chain. All audio processing happens on the
// session's single loop goroutine, in frame arrival order; producers only
// enqueue frames and consumers only read results.
type Session struct {
	id          string
	clientID    string
	language    string
	frameBuffer int

	app  *App
	det  vad.Detector
	proc *segmenter.Processor
	disp *pipeline.Dispatcher
	conv *convctx.Context

	ctx    context.Context
	cancel context.CancelFunc

	frames  chan audio.Frame
	results chan pipeline.Result
	done    chan struct{}

	stopOnce sync.Once
}

// StartSession builds the processing chain for one audio stream and
// starts its loop goroutine. The id doubles as the conversation session
// id; a second session under the same id is rejected while the first is
// active. Cancelling the session keeps its conversation context alive for
// the idle sweeper, so a client that reconnects resumes its dialog.
func (a *App) StartSession(id string, opts ...SessionOption) (*Session, error) {
	if id == "" {
		return nil, errors.New("app: empty session id")
	}
	if !a.cfg.VAD.Enabled {
		return nil, ErrVoiceDisabled
	}
	a.mu.Lock()
	if _, exists := a.sessions[id]; exists {
		a.mu.Unlock()
		return nil, fmt.Errorf("app: session %q already active", id)
	}
	tuning := a.vadCfg
	a.mu.Unlock()

	s := &Session{
		id:          id,
		language:    a.cfg.Pipeline.Language,
		frameBuffer: defaultFrameBuffer,
		app:         a,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.frames = make(chan audio.Frame, s.frameBuffer)
	s.results = make(chan pipeline.Result, resultBuffer)
	s.done = make(chan struct{})

	s.det = vad.New(vadConfig(tuning))
	segOpts := []segmenter.Option{segmenter.WithHandler(s.handleSegment)}
	if a.collector != nil {
		segOpts = append(segOpts, segmenter.WithMetrics(a.collector))
	}
	s.proc = segmenter.New(segmenterConfig(tuning), s.det, segOpts...)

	disp, err := pipeline.New(pipelineConfig(a.cfg.Pipeline, tuning, s.language),
		a.providers.ASR, a.providers.Wake,
		pipeline.WithCollector(a.collector),
		pipeline.WithObserve(a.obs),
		pipeline.WithBufferReset(s.proc),
	)
	if err != nil {
		s.cancel()
		return nil, fmt.Errorf("app: start session %q: %w", id, err)
	}
	s.disp = disp

	convOpts := make([]convctx.ContextOption, 0, 2)
	if s.clientID != "" {
		convOpts = append(convOpts, convctx.WithClient(s.clientID))
	}
	if s.language != "" {
		convOpts = append(convOpts, convctx.WithLanguage(s.language))
	}
	s.conv = a.contexts.Session(id, convOpts...)

	a.mu.Lock()
	if _, exists := a.sessions[id]; exists {
		a.mu.Unlock()
		s.cancel()
		return nil, fmt.Errorf("app: session %q already active", id)
	}
	a.sessions[id] = s
	a.mu.Unlock()

	go s.loop()
	slog.Info("app: session started",
		"id", id, "client", s.clientID, "frame_queue", s.frameBuffer)
	return s, nil
}

// Session returns the active session for id.
func (a *App) Session(id string) (*Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	return s, ok
}

// SessionCount returns the number of active sessions.
func (a *App) SessionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

func (a *App) removeSession(id string) {
	a.mu.Lock()
	delete(a.sessions, id)
	a.mu.Unlock()
}

// stopSessions cancels every active session and waits for their loops.
func (a *App) stopSessions() {
	a.mu.Lock()
	active := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		active = append(active, s)
	}
	a.mu.Unlock()

	for _, s := range active {
		s.Cancel()
	}
}

// RetuneDetectors pushes new detection tuning into every active session
// without interrupting in-flight segments, and makes it the tuning for
// sessions started afterwards. Structural fields in vc (sample rate,
// buffer sizes) only affect new sessions; live detectors adopt the
// threshold and hysteresis parameters.
func (a *App) RetuneDetectors(vc config.VADConfig) {
	cfg := vadConfig(vc)
	a.mu.Lock()
	a.vadCfg = vc
	n := len(a.sessions)
	for _, s := range a.sessions {
		s.det.Retune(cfg)
	}
	a.mu.Unlock()
	slog.Info("app: detectors retuned", "sessions", n)
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Conversation returns the session's conversation context.
func (s *Session) Conversation() *convctx.Context { return s.conv }

// Frames exposes the raw frame queue for paced producers that prefer
// blocking over dropping. Transport adapters should use Offer.
func (s *Session) Frames() chan<- audio.Frame { return s.frames }

// Results delivers wake, transcript and error outcomes. Segments consumed
// without effect are not published. The channel closes when the session
// is cancelled.
func (s *Session) Results() <-chan pipeline.Result { return s.results }

// Done is closed once the loop goroutine has stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Offer enqueues one frame without blocking. When the queue is full the
// oldest queued frame is dropped to make room and the overflow counter
// advances. Returns false once the session is cancelled.
func (s *Session) Offer(frame audio.Frame) bool {
	for {
		select {
		case <-s.ctx.Done():
			return false
		default:
		}
		select {
		case s.frames <- frame:
			return true
		default:
		}
		select {
		case <-s.frames:
			s.countDrop("frames_dropped")
		default:
		}
	}
}

// Cancel stops the session: the loop ends, in-flight provider calls are
// cancelled, buffered audio is discarded and a pending continuation is
// dropped. Queued notifications for the session survive, as does the
// conversation context until the idle sweeper retires it. Safe to call
// more than once.
func (s *Session) Cancel() {
	s.stopOnce.Do(func() {
		s.cancel()
		<-s.done
		s.proc.Reset()
		s.conv.Close()
		close(s.results)
		s.app.removeSession(s.id)
		slog.Info("app: session stopped", "id", s.id)
	})
}

// loop is the session goroutine. Frames in, detection, segmentation and
// dispatch all happen here; nothing reorders.
func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.frames:
			if err := s.proc.ProcessFrame(frame); err != nil {
				s.countDrop("corrupted_frames")
				slog.Debug("app: frame rejected", "session", s.id, "error", err)
			}
		}
	}
}

// handleSegment dispatches one emitted segment and publishes the outcome.
// Called synchronously from the segmenter on the loop goroutine.
func (s *Session) handleSegment(seg *audio.Segment) {
	res := s.disp.DispatchSegment(s.ctx, seg)
	if res.Type == pipeline.ResultIgnored {
		return
	}
	if res.Type == pipeline.ResultTranscript && res.Text != "" {
		s.conv.AddConversationEntry("user", res.Text)
		s.runContinuation(res.Text)
	}
	s.deliver(res)
}

// runContinuation feeds recognized text to a pending dialog continuation.
func (s *Session) runContinuation(text string) {
	fn, ok := s.conv.TakeContinuation()
	if !ok {
		return
	}
	if err := fn(s.ctx, text); err != nil {
		slog.Warn("app: continuation failed", "session", s.id, "error", err)
	}
}

// deliver publishes a result without blocking. When the consumer lags the
// result is dropped with a warning; audio processing never stalls on a
// slow reader.
func (s *Session) deliver(res pipeline.Result) {
	select {
	case s.results <- res:
	default:
		s.countDrop("results_dropped")
		slog.Warn("app: result dropped, consumer lagging",
			"session", s.id, "type", res.Type.String())
	}
}

func (s *Session) countDrop(name string) {
	if s.app.collector != nil {
		s.app.collector.RecordComponentMetric("session", name, 1)
	}
}
