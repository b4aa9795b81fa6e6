// Package vad implements the built-in voice activity detectors that gate
// audio segmentation.
//
// Two detectors share the [Detector] interface. [Simple] classifies frames
// by RMS energy against a fixed threshold. [Advanced] preprocesses each
// frame (DC removal, difference high-pass, pre-emphasis), adds zero-crossing
// analysis, tracks an adaptive noise floor over recent frames and smooths
// decisions over a short window. Both feed the same hysteresis state machine
// so that short noise bursts do not open a voice run and short pauses do not
// close one.
//
// Detectors are stateful per stream: create one per audio session. All
// methods are mutex-guarded so a config watcher may call Retune while the
// audio loop is processing frames.
package vad

import (
	"math"
	"sync"
	"time"

	"github.com/irbis-voice/irbis/pkg/audio"
)

// Config holds detector tuning. The zero value is not useful; fill the
// fields from configuration or rely on [Config.withDefaults] via the
// constructors. EnergyThreshold is deliberately not defaulted: zero is a
// meaningful setting that marks every non-empty frame as raw voice.
type Config struct {
	// SampleRate is the expected input rate in Hz.
	SampleRate int

	// EnergyThreshold is the base RMS threshold in [0,1] normalized scale.
	EnergyThreshold float64

	// Sensitivity divides the effective threshold; values above 1 make
	// detection more eager. Clamped to [0.1, 3.0] at use time.
	Sensitivity float64

	// VoiceFramesRequired is the number of consecutive voice frames needed
	// to confirm a voice run.
	VoiceFramesRequired int

	// SilenceFramesRequired is the number of consecutive silence frames
	// needed to end a voice run.
	SilenceFramesRequired int

	// UseZeroCrossingRate enables the ZCR gating rules in Advanced.
	UseZeroCrossingRate bool

	// AdaptiveThreshold enables the noise-floor driven threshold in Advanced.
	AdaptiveThreshold bool

	// NoisePercentile selects the noise floor from recent frame energies
	// (default 15, meaning the 15th percentile).
	NoisePercentile int

	// VoiceMultiplier scales the noise floor into a voice threshold
	// (default 3.0).
	VoiceMultiplier float64
}

// withDefaults fills unset fields with production defaults. EnergyThreshold
// is left untouched; zero disables the energy gate on purpose.
func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Sensitivity <= 0 {
		c.Sensitivity = 1.0
	}
	if c.VoiceFramesRequired <= 0 {
		c.VoiceFramesRequired = 2
	}
	if c.SilenceFramesRequired <= 0 {
		c.SilenceFramesRequired = 5
	}
	if c.NoisePercentile <= 0 {
		c.NoisePercentile = 15
	}
	if c.VoiceMultiplier <= 0 {
		c.VoiceMultiplier = 3.0
	}
	return c
}

// Detector is the frame-level voice activity detector consumed by the audio
// processor. Implementations are stateful: each call advances hysteresis
// counters and, for Advanced, the noise history.
type Detector interface {
	// ProcessFrame classifies one frame and returns the detection result.
	// Empty frames yield a zero result and leave all state untouched.
	// ProcessFrame never fails; internal arithmetic problems degrade to a
	// silent result and are logged.
	ProcessFrame(frame audio.Frame) audio.VADResult

	// Reset clears hysteresis counters and accumulated history, as when an
	// audio stream is restarted.
	Reset()

	// Retune replaces the tuning parameters without discarding detection
	// state. Safe to call concurrently with ProcessFrame.
	Retune(cfg Config)
}

// hysteresis debounces per-frame decisions into a stable in-voice flag.
type hysteresis struct {
	voiceRun   int
	silenceRun int
	inVoice    bool
}

// advance feeds one frame decision into the state machine and reports
// whether the stream is currently inside a confirmed voice run.
func (h *hysteresis) advance(voiced bool, voiceNeed, silenceNeed int) bool {
	if voiced {
		h.voiceRun++
		h.silenceRun = 0
		if !h.inVoice && h.voiceRun >= voiceNeed {
			h.inVoice = true
		}
	} else {
		h.silenceRun++
		h.voiceRun = 0
		if h.inVoice && h.silenceRun >= silenceNeed {
			h.inVoice = false
		}
	}
	return h.inVoice
}

func (h *hysteresis) reset() { *h = hysteresis{} }

// Simple detects voice by comparing frame RMS energy against a fixed
// threshold, debounced by hysteresis. It is cheap enough for embedded
// deployments and keeps no history beyond the hysteresis counters.
type Simple struct {
	mu   sync.Mutex
	cfg  Config
	hyst hysteresis
}

var _ Detector = (*Simple)(nil)

// NewSimple returns an energy-only detector.
func NewSimple(cfg Config) *Simple {
	return &Simple{cfg: cfg.withDefaults()}
}

func (d *Simple) ProcessFrame(frame audio.Frame) audio.VADResult {
	start := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(frame.Data) == 0 {
		return audio.VADResult{ProcessingTime: time.Since(start)}
	}

	energy := audio.RMS(frame.Data)
	// A non-positive threshold marks every non-empty frame as raw voice.
	raw := energy > d.cfg.EnergyThreshold || d.cfg.EnergyThreshold <= 0
	voiced := d.hyst.advance(raw, d.cfg.VoiceFramesRequired, d.cfg.SilenceFramesRequired)

	return audio.VADResult{
		IsVoice:           voiced,
		RawVoice:          raw,
		Confidence:        confidence(energy, d.cfg.EnergyThreshold),
		Energy:            energy,
		AdaptiveThreshold: d.cfg.EnergyThreshold,
		ProcessingTime:    time.Since(start),
	}
}

func (d *Simple) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hyst.reset()
}

func (d *Simple) Retune(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg.withDefaults()
}

// confidence maps an energy reading onto [0,1] relative to the deciding
// threshold. Confidence 0.5 sits exactly at the threshold and saturates at
// twice the threshold.
func confidence(energy, threshold float64) float64 {
	if threshold <= 0 {
		if energy > 0 {
			return 1
		}
		return 0
	}
	return math.Min(1, energy/(2*threshold))
}

// clamp bounds v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
