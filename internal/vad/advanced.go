package vad

import (
	"bytes"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/irbis-voice/irbis/pkg/audio"
)

const (
	// energyHistorySize bounds the rolling energy buffer behind the
	// adaptive noise floor.
	energyHistorySize = 100

	// smoothingWindow is the number of recent frames folded into each
	// smoothed decision, and smoothingFraction the share of them that must
	// be raw voice.
	smoothingWindow   = 5
	smoothingFraction = 0.6

	// preEmphasis is the pre-emphasis filter coefficient.
	preEmphasis = 0.97

	// Bounds for the adaptive threshold, in normalized RMS scale.
	thresholdFloor = 1e-4
	thresholdCeil  = 0.1

	// speechZCRMin..speechZCRMax is the zero-crossing band of fricatives
	// and mixed speech; vowelZCRMax bounds voiced vowels.
	speechZCRMin = 0.01
	speechZCRMax = 0.35
	vowelZCRMax  = 0.08

	// Scale factors applied to the effective threshold by the three
	// detection rules.
	strongEnergyFactor = 1.2
	speechEnergyFactor = 0.5
	vowelEnergyFactor  = 0.3
)

// New selects a detector for the configuration: [Advanced] when any of its
// extra features (ZCR gating, adaptive threshold) is enabled, [Simple]
// otherwise.
func New(cfg Config) Detector {
	if cfg.UseZeroCrossingRate || cfg.AdaptiveThreshold {
		return NewAdvanced(cfg)
	}
	return NewSimple(cfg)
}

// Advanced is the full detector: preprocessing, energy and zero-crossing
// features, an adaptive noise-floor threshold and multi-frame smoothing.
// Its decision rules are tuned for Russian speech, where vowels carry very
// low zero-crossing rates and fricatives reach high ones, so a single ZCR
// band would miss one class or the other.
type Advanced struct {
	mu  sync.Mutex
	cfg Config

	energyHist *ring // recent frame energies feeding the noise floor
	voiceWin   *ring // 1/0 raw decisions for smoothing
	energyWin  *ring
	zcrWin     *ring
	hyst       hysteresis

	// Single-entry feature cache. Digital silence repeats identical frames;
	// reusing their features skips the whole preprocessing chain.
	lastData   []byte
	lastEnergy float64
	lastZCR    float64
	haveLast   bool

	sorted   []float64 // scratch for the quantile
	failures uint64
}

var _ Detector = (*Advanced)(nil)

// NewAdvanced returns the full-featured detector.
func NewAdvanced(cfg Config) *Advanced {
	return &Advanced{
		cfg:        cfg.withDefaults(),
		energyHist: newRing(energyHistorySize),
		voiceWin:   newRing(smoothingWindow),
		energyWin:  newRing(smoothingWindow),
		zcrWin:     newRing(smoothingWindow),
	}
}

func (d *Advanced) ProcessFrame(frame audio.Frame) (res audio.VADResult) {
	start := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			d.noteFailure(fmt.Sprint(r))
			res = audio.VADResult{ProcessingTime: time.Since(start)}
		}
	}()

	if len(frame.Data) == 0 {
		return audio.VADResult{ProcessingTime: time.Since(start)}
	}

	energy, zcr, cached := d.features(frame.Data)
	if !finite(energy) || !finite(zcr) {
		d.noteFailure("non-finite feature")
		return audio.VADResult{ProcessingTime: time.Since(start)}
	}

	d.energyHist.push(energy)
	floor := d.noiseFloor()

	threshold := d.cfg.EnergyThreshold
	if d.cfg.AdaptiveThreshold {
		threshold = clamp(math.Max(threshold, floor*d.cfg.VoiceMultiplier), thresholdFloor, thresholdCeil)
	}
	eff := threshold / clamp(d.cfg.Sensitivity, 0.1, 3.0)
	raw := d.classify(energy, zcr, eff)

	// Smoothing: most of the recent window must agree, its mean energy must
	// clear the noise floor and, with ZCR gating on, its mean zero-crossing
	// rate must stay inside the speech band.
	if raw {
		d.voiceWin.push(1)
	} else {
		d.voiceWin.push(0)
	}
	d.energyWin.push(energy)
	d.zcrWin.push(zcr)

	smoothGate := math.Max(d.cfg.EnergyThreshold, floor*d.cfg.VoiceMultiplier)
	smoothed := d.voiceWin.mean() >= smoothingFraction &&
		d.energyWin.mean() > smoothGate &&
		(!d.cfg.UseZeroCrossingRate || d.zcrWin.mean() <= speechZCRMax)

	voiced := d.hyst.advance(smoothed, d.cfg.VoiceFramesRequired, d.cfg.SilenceFramesRequired)

	return audio.VADResult{
		IsVoice:           voiced,
		RawVoice:          smoothed,
		Confidence:        confidence(energy, eff),
		Energy:            energy,
		ZCR:               zcr,
		AdaptiveThreshold: threshold,
		ProcessingTime:    time.Since(start),
		CacheHit:          cached,
	}
}

func (d *Advanced) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.energyHist.reset()
	d.voiceWin.reset()
	d.energyWin.reset()
	d.zcrWin.reset()
	d.hyst.reset()
	d.haveLast = false
}

func (d *Advanced) Retune(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg.withDefaults()
}

// features extracts energy and zero-crossing rate from the preprocessed
// frame, reusing the previous result when the frame bytes are identical.
func (d *Advanced) features(data []byte) (energy, zcr float64, cached bool) {
	if d.haveLast && bytes.Equal(data, d.lastData) {
		return d.lastEnergy, d.lastZCR, true
	}

	samples := audio.FloatSamples(data)
	preprocess(samples)
	energy = rmsFloats(samples)
	zcr = zcrFloats(samples)

	d.lastData = append(d.lastData[:0], data...)
	d.lastEnergy, d.lastZCR = energy, zcr
	d.haveLast = true
	return energy, zcr, false
}

// classify applies the three detection rules against the effective threshold.
func (d *Advanced) classify(energy, zcr, threshold float64) bool {
	if !d.cfg.UseZeroCrossingRate {
		return energy > threshold
	}
	switch {
	case energy > strongEnergyFactor*threshold:
		return true
	case energy > speechEnergyFactor*threshold && zcr >= speechZCRMin && zcr <= speechZCRMax:
		return true
	case energy > vowelEnergyFactor*threshold && zcr <= vowelZCRMax:
		return true
	}
	return false
}

// noiseFloor reads the configured percentile from the energy history.
func (d *Advanced) noiseFloor() float64 {
	if d.energyHist.len() == 0 {
		return 0
	}
	d.sorted = d.energyHist.values(d.sorted)
	sort.Float64s(d.sorted)
	return stat.Quantile(float64(d.cfg.NoisePercentile)/100, stat.Empirical, d.sorted, nil)
}

// noteFailure counts arithmetic failures and logs the 1st, 10th, 100th, ...
// occurrence so a broken input stream cannot flood the log.
func (d *Advanced) noteFailure(cause string) {
	d.failures++
	if isPowerOfTen(d.failures) {
		slog.Warn("vad: arithmetic failure, classifying frame as silence",
			"cause", cause, "occurrences", d.failures)
	}
}

func isPowerOfTen(n uint64) bool {
	for n >= 10 && n%10 == 0 {
		n /= 10
	}
	return n == 1
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// preprocess applies the analysis chain in place: DC removal, a first-order
// difference high-pass, then pre-emphasis. Both filters are causal with zero
// initial state.
func preprocess(x []float64) {
	if len(x) == 0 {
		return
	}
	mean := stat.Mean(x, nil)
	for i := range x {
		x[i] -= mean
	}
	prev := 0.0
	for i, cur := range x {
		x[i] = cur - prev
		prev = cur
	}
	prev = 0.0
	for i, cur := range x {
		x[i] = cur - preEmphasis*prev
		prev = cur
	}
}

// rmsFloats is the RMS of already-normalized samples.
func rmsFloats(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(x)))
}

// zcrFloats is the share of adjacent sample pairs that change sign.
// Frames shorter than two samples have no pairs and rate zero.
func zcrFloats(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	crossings := 0
	prev := x[0]
	for _, v := range x[1:] {
		if (prev >= 0) != (v >= 0) {
			crossings++
		}
		prev = v
	}
	return float64(crossings) / float64(len(x)-1)
}

// ring is a fixed-capacity ring of float64 samples. Once full, each push
// overwrites the oldest value. Readers treat the contents as an unordered
// multiset, which is all the detector needs.
type ring struct {
	buf  []float64
	head int
	n    int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]float64, capacity)}
}

func (r *ring) push(v float64) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

func (r *ring) len() int { return r.n }

// values appends the stored samples to dst[:0] and returns it.
func (r *ring) values(dst []float64) []float64 {
	return append(dst[:0], r.buf[:r.n]...)
}

func (r *ring) mean() float64 {
	if r.n == 0 {
		return 0
	}
	var sum float64
	for _, v := range r.buf[:r.n] {
		sum += v
	}
	return sum / float64(r.n)
}

func (r *ring) reset() { r.head, r.n = 0, 0 }
