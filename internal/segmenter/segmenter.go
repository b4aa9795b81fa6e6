// Package segmenter assembles voice segments from a classified frame stream.
//
// The processor keeps two bounded buffers. A small pre-buffer of recent
// frames rolls during silence so a confirmed onset can recover the frames
// hysteresis consumed while confirming. The voice buffer accumulates the
// current utterance and is emitted as an [audio.Segment] when the detector
// releases, or early when the buffered audio outlives the duration cap or
// the buffer fills. Forced emissions are flagged in segment metadata.
//
// The processor is single-threaded over its own state: one goroutine feeds
// ProcessFrame in arrival order. Slow frames are recorded through [Metrics],
// never dropped; backpressure belongs to the input source.
package segmenter

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/irbis-voice/irbis/internal/vad"
	"github.com/irbis-voice/irbis/pkg/audio"
)

// State is the segmentation phase the processor is in. VoiceEnded is
// transient: it is only observable from inside a segment handler.
type State int

const (
	StateSilence State = iota
	StateVoiceOnset
	StateVoiceActive
	StateVoiceEnded
)

func (s State) String() string {
	switch s {
	case StateSilence:
		return "silence"
	case StateVoiceOnset:
		return "voice_onset"
	case StateVoiceActive:
		return "voice_active"
	case StateVoiceEnded:
		return "voice_ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EmitReason explains why a segment was emitted.
type EmitReason int

const (
	// EmitRelease is the normal case: the detector released the voice run.
	EmitRelease EmitReason = iota

	// EmitTimeout means the buffered audio outlived MaxSegmentDuration.
	EmitTimeout

	// EmitOverflow means the voice buffer exceeded BufferSizeFrames.
	EmitOverflow

	// EmitFormatChange means a frame arrived with a different sample rate or
	// channel count than the open segment.
	EmitFormatChange

	// EmitFlush means the owner flushed mid-utterance, typically at stream
	// shutdown.
	EmitFlush
)

func (r EmitReason) String() string {
	switch r {
	case EmitRelease:
		return "release"
	case EmitTimeout:
		return "timeout"
	case EmitOverflow:
		return "overflow"
	case EmitFormatChange:
		return "format_change"
	case EmitFlush:
		return "flush"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Config holds the buffering limits. PreBufferFrames is used as given (zero
// disables pre-buffering); the other fields fall back to production defaults
// when non-positive.
type Config struct {
	// PreBufferFrames is the number of recent frames copied into a new
	// segment at onset.
	PreBufferFrames int

	// BufferSizeFrames caps the voice buffer; exceeding it forces emission.
	BufferSizeFrames int

	// MaxSegmentDuration caps the buffered audio length of one segment;
	// exceeding it forces emission.
	MaxSegmentDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.PreBufferFrames < 0 {
		c.PreBufferFrames = 0
	}
	if c.BufferSizeFrames <= 0 {
		c.BufferSizeFrames = 1000
	}
	if c.MaxSegmentDuration <= 0 {
		c.MaxSegmentDuration = 10 * time.Second
	}
	return c
}

// Handler consumes emitted segments. It is invoked synchronously from
// ProcessFrame; handlers that do slow work should hand the segment off.
type Handler func(seg *audio.Segment)

// Metrics receives processing observations. The processor calls it from its
// single feeding goroutine; implementations shared across streams must be
// safe for concurrent use.
type Metrics interface {
	// FrameObserved is called once per frame with the detection result,
	// whether the frame was added to a segment, and the processing latency.
	FrameObserved(frame audio.Frame, res audio.VADResult, buffered bool, elapsed time.Duration)

	// SegmentEmitted is called after the segment handler returns.
	SegmentEmitted(seg *audio.Segment, reason EmitReason)
}

type nopMetrics struct{}

func (nopMetrics) FrameObserved(audio.Frame, audio.VADResult, bool, time.Duration) {}
func (nopMetrics) SegmentEmitted(*audio.Segment, EmitReason)                       {}

// Option configures a Processor.
type Option func(*Processor)

// WithHandler sets the segment consumer.
func WithHandler(h Handler) Option {
	return func(p *Processor) { p.handler = h }
}

// WithMetrics sets the observation sink.
func WithMetrics(m Metrics) Option {
	return func(p *Processor) {
		if m != nil {
			p.metrics = m
		}
	}
}

// Processor drives segmentation over one audio stream. Construct one per
// stream; it is not safe for concurrent use.
type Processor struct {
	cfg     Config
	det     vad.Detector
	handler Handler
	metrics Metrics

	state     State
	pre       *preRing
	voice     []audio.Frame
	energySum float64
	buffered  time.Duration
	segRate   int
	segCh     int
}

// New returns a processor feeding det with every frame. det must be non-nil.
func New(cfg Config, det vad.Detector, opts ...Option) *Processor {
	cfg = cfg.withDefaults()
	p := &Processor{
		cfg:     cfg,
		det:     det,
		metrics: nopMetrics{},
		pre:     newPreRing(cfg.PreBufferFrames),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the current segmentation phase.
func (p *Processor) State() State { return p.state }

// Utilization reports the voice buffer fill fraction, for gauge sampling.
func (p *Processor) Utilization() float64 {
	return float64(len(p.voice)) / float64(p.cfg.BufferSizeFrames)
}

// ProcessFrame classifies one frame and advances segmentation. Returns an
// error only for malformed PCM; such frames change no state.
func (p *Processor) ProcessFrame(frame audio.Frame) error {
	start := time.Now()

	if err := frame.Validate(); err != nil {
		return fmt.Errorf("segmenter: %w", err)
	}

	res := p.det.ProcessFrame(frame)

	// Empty frames carry no audio and change no state.
	if len(frame.Data) == 0 {
		p.metrics.FrameObserved(frame, res, false, time.Since(start))
		return nil
	}

	// A format change invalidates the open segment. Emit what we have and
	// let the current frame proceed against a clean buffer.
	if len(p.voice) > 0 && (frame.SampleRate != p.segRate || frame.Channels != p.segCh) {
		slog.Warn("segmenter: frame format changed mid-segment",
			"had_rate", p.segRate, "had_channels", p.segCh,
			"got_rate", frame.SampleRate, "got_channels", frame.Channels)
		p.emit(EmitFormatChange)
	}

	buffered := false
	switch p.state {
	case StateSilence:
		if res.IsVoice {
			p.openSegment(frame, res)
			buffered = true
		} else {
			p.pre.push(frame.Clone(), res.Energy)
		}
	case StateVoiceOnset, StateVoiceActive:
		p.state = StateVoiceActive
		// Release-hold frames keep the segment open but carry no voice, so
		// they are not buffered.
		if res.RawVoice {
			p.append(frame, res)
			buffered = true
		}
		if !res.IsVoice {
			p.emit(EmitRelease)
		}
	}

	if len(p.voice) > 0 {
		if p.buffered > p.cfg.MaxSegmentDuration {
			p.emit(EmitTimeout)
		} else if len(p.voice) > p.cfg.BufferSizeFrames {
			p.emit(EmitOverflow)
		}
	}

	p.metrics.FrameObserved(frame, res, buffered, time.Since(start))
	return nil
}

// Flush emits any buffered voice immediately, as when the input stream ends
// mid-utterance. No-op when nothing is buffered.
func (p *Processor) Flush() {
	p.emit(EmitFlush)
}

// Reset discards buffered audio and detection state without emitting.
func (p *Processor) Reset() {
	p.det.Reset()
	p.pre.reset()
	p.voice = nil
	p.energySum = 0
	p.buffered = 0
	p.state = StateSilence
}

// openSegment starts a new voice buffer from the pre-buffer plus the onset
// frame. Pre-buffered frames with a different format are skipped; they are
// stale context from before a device switch.
func (p *Processor) openSegment(frame audio.Frame, res audio.VADResult) {
	p.state = StateVoiceOnset
	p.segRate = frame.SampleRate
	p.segCh = frame.Channels
	for _, e := range p.pre.entries() {
		if e.frame.SampleRate != frame.SampleRate || e.frame.Channels != frame.Channels {
			continue
		}
		p.voice = append(p.voice, e.frame)
		p.energySum += e.energy
		p.buffered += e.frame.Duration()
	}
	p.append(frame, res)
}

func (p *Processor) append(frame audio.Frame, res audio.VADResult) {
	p.voice = append(p.voice, frame.Clone())
	p.energySum += res.Energy
	p.buffered += frame.Duration()
}

// emit closes the open segment, hands it to the handler and returns to
// silence. Forced emissions clear the pre-buffer as well: its frames are
// already inside the emitted segment, and the next onset must not replay
// them.
func (p *Processor) emit(reason EmitReason) {
	if len(p.voice) == 0 {
		p.state = StateSilence
		return
	}
	p.state = StateVoiceEnded

	frames := p.voice
	total := 0
	for _, f := range frames {
		total += len(f.Data)
	}
	combined := make([]byte, 0, total)
	stamps := make([]time.Duration, len(frames))
	for i, f := range frames {
		combined = append(combined, f.Data...)
		stamps[i] = f.Timestamp
	}

	seg := &audio.Segment{
		ID:         uuid.NewString(),
		Frames:     frames,
		Start:      frames[0].Timestamp,
		SampleRate: p.segRate,
		Channels:   p.segCh,
		ChunkCount: len(frames),
		Combined:   combined,
		Metadata: map[string]any{
			audio.MetaAvgEnergy:       p.energySum / float64(len(frames)),
			audio.MetaTotalBytes:      total,
			audio.MetaChunkTimestamps: stamps,
		},
	}
	seg.End = seg.Start + seg.Duration()
	switch reason {
	case EmitTimeout:
		seg.Metadata[audio.MetaTimeoutForced] = true
	case EmitOverflow:
		seg.Metadata[audio.MetaOverflowForced] = true
	}

	p.voice = nil
	p.energySum = 0
	p.buffered = 0
	if reason == EmitTimeout || reason == EmitOverflow {
		p.pre.reset()
	}

	if p.handler != nil {
		p.handler(seg)
	}
	p.metrics.SegmentEmitted(seg, reason)
	p.state = StateSilence

	slog.Debug("segmenter: segment emitted",
		"id", seg.ID, "chunks", seg.ChunkCount,
		"duration", seg.Duration(), "reason", reason.String())
}

type preEntry struct {
	frame  audio.Frame
	energy float64
}

// preRing keeps the most recent silence-phase frames, oldest overwritten
// first. A zero capacity ring accepts pushes and stays empty.
type preRing struct {
	buf  []preEntry
	head int
	n    int
}

func newPreRing(capacity int) *preRing {
	return &preRing{buf: make([]preEntry, capacity)}
}

func (r *preRing) push(f audio.Frame, energy float64) {
	if len(r.buf) == 0 {
		return
	}
	r.buf[r.head] = preEntry{frame: f, energy: energy}
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

// entries returns the stored frames oldest first.
func (r *preRing) entries() []preEntry {
	out := make([]preEntry, 0, r.n)
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(r.head-r.n+i+len(r.buf))%len(r.buf)])
	}
	return out
}

func (r *preRing) reset() { r.head, r.n = 0, 0 }
